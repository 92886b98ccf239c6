package authzclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Client calls the authorization API. It is safe for concurrent use.
type Client struct {
	serverAddr string
	apiKey     string
	timeout    time.Duration
	httpClient *http.Client

	// Allowed permission checks only; denials are never cached.
	cacheMu      sync.Mutex
	cache        map[string]cacheEntry
	cacheTTL     time.Duration
	cacheMaxSize int

	logger *slog.Logger
}

type cacheEntry struct {
	subjectID string
	expiresAt time.Time
	createdAt time.Time
}

// NewClient creates a client configured from EDUNEXIA_AUTHZ_* environment
// variables, overridden by opts.
func NewClient(opts ...Option) *Client {
	c := &Client{
		serverAddr:   os.Getenv("EDUNEXIA_AUTHZ_SERVER_ADDR"),
		apiKey:       os.Getenv("EDUNEXIA_AUTHZ_API_KEY"),
		timeout:      parseDurationEnv("EDUNEXIA_AUTHZ_TIMEOUT", 5*time.Second),
		cacheTTL:     parseDurationEnv("EDUNEXIA_AUTHZ_CACHE_TTL", 5*time.Second),
		cacheMaxSize: parseIntEnv("EDUNEXIA_AUTHZ_CACHE_MAX_SIZE", 1000),
		cache:        make(map[string]cacheEntry),
		logger:       slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient == nil {
		c.httpClient = &http.Client{
			Timeout: c.timeout,
		}
	}

	return c
}

// HasPermission reports whether the subject's roles grant resource:action.
// Allowed answers are cached for the configured TTL.
func (c *Client) HasPermission(ctx context.Context, s Subject, resource, action string) (bool, error) {
	if resource == "" || action == "" {
		return false, fmt.Errorf("%w: resource and action are required", ErrInvalidRequest)
	}

	key := permissionKey(s, resource, action)
	if c.cached(key) {
		return true, nil
	}

	var resp permissionResponse
	req := permissionRequest{Subject: s, Resource: resource, Action: action}
	if err := c.doRequest(ctx, http.MethodPost, "/v1/authz/permission", req, &resp); err != nil {
		return false, err
	}
	if resp.Allowed {
		c.store(key, s.ID)
	}
	return resp.Allowed, nil
}

// CheckCondition evaluates cond's attributes for s. A positive timeout
// overrides the server's default contextual check timeout.
func (c *Client) CheckCondition(ctx context.Context, s Subject, cond Condition, timeout time.Duration) (*ConditionResult, error) {
	if err := validateCondition(cond); err != nil {
		return nil, err
	}
	req := conditionRequest{Subject: s, Condition: cond}
	if timeout > 0 {
		req.TimeoutMS = int(timeout / time.Millisecond)
	}
	var resp ConditionResult
	if err := c.doRequest(ctx, http.MethodPost, "/v1/authz/condition", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Authorize runs the permission and condition checks together. A denied
// decision is returned as a *DeniedError.
func (c *Client) Authorize(ctx context.Context, s Subject, cond Condition) (*Decision, error) {
	if err := validateCondition(cond); err != nil {
		return nil, err
	}
	var d Decision
	if err := c.doRequest(ctx, http.MethodPost, "/v1/authz/authorize", conditionRequest{Subject: s, Condition: cond}, &d); err != nil {
		return nil, err
	}
	if !d.Allowed {
		return nil, &DeniedError{Reason: d.Reason, RequestID: d.RequestID}
	}
	return &d, nil
}

// Check is Authorize reduced to a boolean. A denial is (false, nil); any
// other failure is (false, err).
func (c *Client) Check(ctx context.Context, s Subject, cond Condition) (bool, error) {
	_, err := c.Authorize(ctx, s, cond)
	if err != nil {
		var denied *DeniedError
		if errors.As(err, &denied) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// EffectivePermissions lists the "resource:action" strings granted to
// subjectID. It returns ErrPolicyNotLoaded while the server is starting.
func (c *Client) EffectivePermissions(ctx context.Context, subjectID string) ([]string, error) {
	if subjectID == "" {
		return nil, fmt.Errorf("%w: subject id is required", ErrInvalidRequest)
	}
	var resp subjectPermissionsResponse
	path := "/v1/authz/subjects/" + url.PathEscape(subjectID) + "/permissions"
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &resp); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusServiceUnavailable {
			return nil, ErrPolicyNotLoaded
		}
		return nil, err
	}
	return resp.Permissions, nil
}

// InvalidateAttributes flushes cached billing attributes for targets on
// every server instance. With no targets it flushes everything. The API key
// needs the admin scope.
func (c *Client) InvalidateAttributes(ctx context.Context, targets ...Target) error {
	req := invalidateRequest{Targets: targets, All: len(targets) == 0}
	return c.doRequest(ctx, http.MethodPost, "/v1/attributes/invalidate", req, nil)
}

// InvalidateSubjects reloads the role assignments of subjectIDs on the
// server and drops them from the local permission cache.
func (c *Client) InvalidateSubjects(ctx context.Context, subjectIDs ...string) error {
	if len(subjectIDs) == 0 {
		return fmt.Errorf("%w: at least one subject id is required", ErrInvalidRequest)
	}
	c.forget(subjectIDs...)
	return c.doRequest(ctx, http.MethodPost, "/v1/attributes/invalidate", invalidateRequest{Subjects: subjectIDs}, nil)
}

// PurgeCache drops every locally cached permission answer.
func (c *Client) PurgeCache() {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	clear(c.cache)
}

func validateCondition(cond Condition) error {
	if cond.Resource == "" || cond.Action == "" {
		return fmt.Errorf("%w: condition resource and action are required", ErrInvalidRequest)
	}
	return nil
}

// doRequest performs an HTTP request and decodes a 2xx JSON body into result.
func (c *Client) doRequest(ctx context.Context, method, path string, body any, result any) error {
	endpoint := strings.TrimRight(c.serverAddr, "/") + path

	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		c.logger.Warn("authz server unreachable", "server_addr", c.serverAddr, "error", err)
		return &ServerUnreachableError{Cause: err}
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: httpResp.StatusCode}
		var msg struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(respBody, &msg) == nil {
			apiErr.Message = msg.Error
		}
		return apiErr
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}
	return nil
}

func permissionKey(s Subject, resource, action string) string {
	return strings.Join([]string{s.ID, s.InstitutionID, s.PoloID, resource, action}, "\x00")
}

func (c *Client) cached(key string) bool {
	if c.cacheTTL <= 0 {
		return false
	}
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	e, ok := c.cache[key]
	if !ok {
		return false
	}
	if time.Now().After(e.expiresAt) {
		delete(c.cache, key)
		return false
	}
	return true
}

func (c *Client) store(key, subjectID string) {
	if c.cacheTTL <= 0 || c.cacheMaxSize <= 0 {
		return
	}
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()

	now := time.Now()
	if len(c.cache) >= c.cacheMaxSize {
		for k, e := range c.cache {
			if now.After(e.expiresAt) {
				delete(c.cache, k)
			}
		}
	}
	// Still full: evict the oldest entry.
	if len(c.cache) >= c.cacheMaxSize {
		var oldestKey string
		var oldest time.Time
		for k, e := range c.cache {
			if oldest.IsZero() || e.createdAt.Before(oldest) {
				oldest, oldestKey = e.createdAt, k
			}
		}
		delete(c.cache, oldestKey)
	}

	c.cache[key] = cacheEntry{
		subjectID: subjectID,
		expiresAt: now.Add(c.cacheTTL),
		createdAt: now,
	}
}

func (c *Client) forget(subjectIDs ...string) {
	drop := make(map[string]struct{}, len(subjectIDs))
	for _, id := range subjectIDs {
		drop[id] = struct{}{}
	}
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	for k, e := range c.cache {
		if _, ok := drop[e.subjectID]; ok {
			delete(c.cache, k)
		}
	}
}

func parseDurationEnv(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	// Bare integers are seconds.
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return defaultVal
}

func parseIntEnv(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	return defaultVal
}
