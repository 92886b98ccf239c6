// Package billing resolves entity, institution and polo attributes from the
// billing provider gateway (Asaas and Lytex records behind one HTTP API).
package billing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	attr "github.com/eduzayn/edunexiareplit-ai-sub007/internal/domain/attribute"
)

// DefaultTimeout bounds a single provider request.
const DefaultTimeout = 5 * time.Second

// maxBodyBytes caps how much of a provider response is read.
const maxBodyBytes = 1 << 20

// ErrInvalidTarget is returned for targets the gateway cannot address.
var ErrInvalidTarget = errors.New("invalid attribute target")

// Client is an attribute.Source backed by the provider gateway.
type Client struct {
	baseURL    string
	apiKey     string
	timeout    time.Duration
	httpClient *http.Client
	logger     *slog.Logger
	tracer     trace.Tracer
}

// Option configures a Client.
type Option func(*Client)

// WithAPIKey sets the bearer token sent with every request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithTimeout sets the HTTP client timeout. Ignored when WithHTTPClient is used.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithTracer sets the tracer used for request spans.
func WithTracer(t trace.Tracer) Option {
	return func(c *Client) { c.tracer = t }
}

// NewClient creates a gateway client rooted at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: c.timeout}
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer("github.com/eduzayn/edunexiareplit-ai-sub007/billing")
	}
	return c
}

// Resolve fetches and normalizes the record for target. It never returns a
// Go error: transport and provider failures come back as Failed results.
func (c *Client) Resolve(ctx context.Context, target attr.Target) attr.Result {
	ctx, span := c.tracer.Start(ctx, "billing.Resolve",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("target.kind", string(target.Kind)),
			attribute.String("target.resource", target.Resource),
		))
	defer span.End()

	res := c.resolve(ctx, target)
	span.SetAttributes(attribute.String("result.outcome", res.Outcome.String()))
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, "attribute resolution failed")
		c.logger.Debug("attribute resolution failed",
			"target", target.Key(),
			"error", res.Err,
		)
	}
	return res
}

func (c *Client) resolve(ctx context.Context, target attr.Target) attr.Result {
	path, err := targetPath(target)
	if err != nil {
		return attr.Failed(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return attr.Failed(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return attr.Failed(fmt.Errorf("request %s: %w", target.Key(), err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return attr.Failed(fmt.Errorf("failed to read response body: %w", err))
	}
	return attr.Normalize(target.Kind, resp.StatusCode, body)
}

// targetPath maps a target to its gateway path.
func targetPath(t attr.Target) (string, error) {
	if t.ID == "" {
		return "", fmt.Errorf("%w: empty id", ErrInvalidTarget)
	}
	id := url.PathEscape(t.ID)
	switch t.Kind {
	case attr.TargetEntity:
		if t.Resource == "" {
			return "", fmt.Errorf("%w: entity without resource", ErrInvalidTarget)
		}
		return "/entities/" + url.PathEscape(t.Resource) + "/" + id, nil
	case attr.TargetInstitution:
		return "/institutions/" + id, nil
	case attr.TargetPolo:
		return "/polos/" + id, nil
	default:
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidTarget, t.Kind)
	}
}

// Compile-time interface verification.
var _ attr.Source = (*Client)(nil)
