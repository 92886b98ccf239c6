package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/domain/audit"
	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/domain/auth"
	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/domain/authz"
	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/service"
)

// maxBodyBytes caps request bodies. Policy bundles are the largest payload.
const maxBodyBytes = 4 << 20

// defaultMaxCheckTimeout caps the timeout_ms a caller may request.
const defaultMaxCheckTimeout = 30 * time.Second

// Authorizer answers authorization queries. *service.AuthorizationService
// implements it.
type Authorizer interface {
	HasPermission(ctx context.Context, subject authz.Subject, resource, action string) bool
	CheckCondition(ctx context.Context, subject authz.Subject, cond authz.Condition, opts ...authz.CheckOption) (bool, error)
	Authorize(ctx context.Context, subject authz.Subject, cond authz.Condition, opts ...authz.CheckOption) authz.Decision
	EffectivePermissions(userID string) ([]authz.Permission, bool)
	Status() service.Status
}

// Handler serves the HTTP API.
type Handler struct {
	authz           Authorizer
	keys            KeyValidator
	admin           *service.PolicyAdminService
	cache           *service.CacheService
	auditReader     audit.AuditReader
	health          *HealthChecker
	mcp             http.Handler
	metrics         *Metrics
	gatherer        prometheus.Gatherer
	rateLimit       RateLimitConfig
	adminPermission *authz.Permission
	maxCheckTimeout time.Duration
	logger          *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithAdminService enables the /v1/admin policy endpoints.
func WithAdminService(s *service.PolicyAdminService) Option {
	return func(h *Handler) { h.admin = s }
}

// WithCacheService enables /v1/attributes/invalidate.
func WithCacheService(s *service.CacheService) Option {
	return func(h *Handler) { h.cache = s }
}

// WithAuditReader enables GET /v1/admin/audit.
func WithAuditReader(r audit.AuditReader) Option {
	return func(h *Handler) { h.auditReader = r }
}

// WithHealthChecker serves /health.
func WithHealthChecker(hc *HealthChecker) Option {
	return func(h *Handler) { h.health = hc }
}

// WithMCP serves the MCP tool endpoint at /mcp for check-scoped clients.
func WithMCP(handler http.Handler) Option {
	return func(h *Handler) { h.mcp = handler }
}

// WithMetrics records request metrics and serves /metrics from gatherer.
func WithMetrics(m *Metrics, gatherer prometheus.Gatherer) Option {
	return func(h *Handler) {
		h.metrics = m
		h.gatherer = gatherer
	}
}

// WithRateLimit sets per-minute request budgets.
func WithRateLimit(cfg RateLimitConfig) Option {
	return func(h *Handler) { h.rateLimit = cfg }
}

// WithAdminPermission additionally requires the end user named in the
// X-Subject-* headers to hold resource:action on every admin route.
func WithAdminPermission(resource, action string) Option {
	return func(h *Handler) {
		h.adminPermission = &authz.Permission{Resource: resource, Action: action}
	}
}

// WithMaxCheckTimeout caps per-request condition timeouts.
func WithMaxCheckTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.maxCheckTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// NewHandler creates a Handler. keys authenticates API callers.
func NewHandler(authorizer Authorizer, keys KeyValidator, opts ...Option) *Handler {
	h := &Handler{
		authz:           authorizer,
		keys:            keys,
		maxCheckTimeout: defaultMaxCheckTimeout,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes returns the complete API. /health and /metrics are public; every
// /v1 route requires an API key with the matching scope.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	if h.health != nil {
		mux.Handle("GET /health", h.health.Handler())
	}
	if h.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}

	checks := http.NewServeMux()
	checks.HandleFunc("POST /v1/authz/permission", h.handlePermission)
	checks.HandleFunc("POST /v1/authz/condition", h.handleCondition)
	checks.HandleFunc("POST /v1/authz/authorize", h.handleAuthorize)
	checks.HandleFunc("GET /v1/authz/subjects/{id}/permissions", h.handleSubjectPermissions)
	mux.Handle("/v1/authz/", Chain(checks,
		RequireScope(h.keys, auth.ScopeCheck),
		ClientRateLimit(h.rateLimit.ClientRate, h.metrics),
	))

	if h.mcp != nil {
		mux.Handle("/mcp", Chain(h.mcp,
			RequireScope(h.keys, auth.ScopeCheck),
			ClientRateLimit(h.rateLimit.ClientRate, h.metrics),
		))
	}

	if h.cache != nil {
		attrs := http.NewServeMux()
		attrs.HandleFunc("POST /v1/attributes/invalidate", h.handleInvalidate)
		mux.Handle("/v1/attributes/", Chain(attrs,
			RequireScope(h.keys, auth.ScopeAdmin),
			ClientRateLimit(h.rateLimit.ClientRate, h.metrics),
		))
	}

	if h.admin != nil {
		admin := http.NewServeMux()

		admin.HandleFunc("GET /v1/admin/roles", h.handleListRoles)
		admin.HandleFunc("POST /v1/admin/roles", h.handleCreateRole)
		admin.HandleFunc("GET /v1/admin/roles/{id}", h.handleGetRole)
		admin.HandleFunc("PUT /v1/admin/roles/{id}", h.handleUpdateRole)
		admin.HandleFunc("DELETE /v1/admin/roles/{id}", h.handleDeleteRole)

		admin.HandleFunc("GET /v1/admin/user-roles", h.handleListUserRoles)
		admin.HandleFunc("POST /v1/admin/user-roles", h.handleAssignRole)
		admin.HandleFunc("DELETE /v1/admin/user-roles", h.handleRevokeRole)

		admin.HandleFunc("GET /v1/admin/conditions", h.handleListConditionRules)
		admin.HandleFunc("POST /v1/admin/conditions", h.handleCreateConditionRule)
		admin.HandleFunc("PUT /v1/admin/conditions/{name}", h.handleSaveConditionRule)
		admin.HandleFunc("DELETE /v1/admin/conditions/{name}", h.handleDeleteConditionRule)

		admin.HandleFunc("GET /v1/admin/bundle", h.handleExport)
		admin.HandleFunc("POST /v1/admin/bundle", h.handleImport)
		admin.HandleFunc("POST /v1/admin/reload", h.handleReload)
		admin.HandleFunc("GET /v1/admin/status", h.handleStatus)
		admin.HandleFunc("GET /v1/admin/audit", h.handleQueryAudit)

		mw := []func(http.Handler) http.Handler{
			RequireScope(h.keys, auth.ScopeAdmin),
			ClientRateLimit(h.rateLimit.ClientRate, h.metrics),
		}
		if p := h.adminPermission; p != nil {
			mw = append(mw, RequirePermission(h.authz, SubjectFromHeaders, p.Resource, p.Action))
		}
		mux.Handle("/v1/admin/", Chain(admin, mw...))
	}

	outer := []func(http.Handler) http.Handler{RequestIDMiddleware(h.logger)}
	if h.metrics != nil {
		outer = append(outer, MetricsMiddleware(h.metrics))
	}
	outer = append(outer, RealIPMiddleware, IPRateLimit(h.rateLimit.IPRate, h.metrics))
	return Chain(mux, outer...)
}

// --- JSON helpers ---

// respondJSON writes a JSON response with the given status code and data.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// respondError writes {"error": message} with the given status code.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// readJSON decodes the request body into v.
func readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

// respondServiceError maps admin service errors to status codes. Unknown
// errors are logged and rendered as a generic 500.
func (h *Handler) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, authz.ErrRoleNotFound),
		errors.Is(err, authz.ErrConditionRuleNotFound),
		errors.Is(err, authz.ErrAssignmentNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrInvalidRole),
		errors.Is(err, service.ErrInvalidRule),
		errors.Is(err, service.ErrInvalidBundle):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrRoleExists):
		respondError(w, http.StatusConflict, err.Error())
	default:
		LoggerFromContext(r.Context()).Error("admin request failed", "path", r.URL.Path, "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}
