package http

import (
	"context"
	"net/http"
	"strings"

	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/domain/authz"
)

// Subject headers read by SubjectFromHeaders.
const (
	HeaderSubjectID     = "X-Subject-ID"
	HeaderInstitutionID = "X-Institution-ID"
	HeaderPoloID        = "X-Polo-ID"
)

// PermissionChecker answers static checks.
type PermissionChecker interface {
	HasPermission(ctx context.Context, subject authz.Subject, resource, action string) bool
}

// DecisionMaker answers combined checks.
type DecisionMaker interface {
	Authorize(ctx context.Context, subject authz.Subject, cond authz.Condition, opts ...authz.CheckOption) authz.Decision
}

// SubjectFunc extracts the acting end user from a request. ok is false
// when the request carries no identity.
type SubjectFunc func(r *http.Request) (subject authz.Subject, ok bool)

// ConditionFunc builds the contextual part of a condition from a request,
// e.g. the entity ID from a path value. Resource and Action are overwritten
// by the guard.
type ConditionFunc func(r *http.Request) (authz.Condition, error)

// DenyFunc renders a denied request.
type DenyFunc func(w http.ResponseWriter, r *http.Request, d authz.Decision)

// GuardOption configures RequirePermission and RequireCondition.
type GuardOption func(*guardConfig)

type guardConfig struct {
	deny DenyFunc
	opts []authz.CheckOption
}

// WithDenyHandler replaces the default 401/403 JSON response.
func WithDenyHandler(fn DenyFunc) GuardOption {
	return func(c *guardConfig) { c.deny = fn }
}

// WithCheckOptions passes options to every contextual check.
func WithCheckOptions(opts ...authz.CheckOption) GuardOption {
	return func(c *guardConfig) { c.opts = append(c.opts, opts...) }
}

func newGuardConfig(opts []GuardOption) *guardConfig {
	c := &guardConfig{deny: defaultDeny}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SubjectFromHeaders reads the subject from the X-Subject-* headers set by
// a trusted gateway.
func SubjectFromHeaders(r *http.Request) (authz.Subject, bool) {
	s := authz.Subject{
		ID:            strings.TrimSpace(r.Header.Get(HeaderSubjectID)),
		InstitutionID: strings.TrimSpace(r.Header.Get(HeaderInstitutionID)),
		PoloID:        strings.TrimSpace(r.Header.Get(HeaderPoloID)),
	}
	return s, s.Authenticated()
}

// RequirePermission calls next only if the subject holds resource:action.
func RequirePermission(checker PermissionChecker, subject SubjectFunc, resource, action string, opts ...GuardOption) func(http.Handler) http.Handler {
	cfg := newGuardConfig(opts)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s, ok := subject(r)
			if !ok {
				cfg.deny(w, r, authz.Decision{State: authz.StateDenied, Reason: authz.ReasonUnauthenticated})
				return
			}
			if !checker.HasPermission(r.Context(), s, resource, action) {
				cfg.deny(w, r, authz.Decision{State: authz.StateDenied, Reason: authz.ReasonPermissionMissing})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireCondition calls next only if the combined check allows. The
// handler never runs while the decision is pending; it waits for Authorize
// to return, which is bounded by the check timeout.
func RequireCondition(decider DecisionMaker, subject SubjectFunc, resource, action string, extract ConditionFunc, opts ...GuardOption) func(http.Handler) http.Handler {
	cfg := newGuardConfig(opts)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s, ok := subject(r)
			if !ok {
				cfg.deny(w, r, authz.Decision{State: authz.StateDenied, Reason: authz.ReasonUnauthenticated})
				return
			}
			var cond authz.Condition
			if extract != nil {
				c, err := extract(r)
				if err != nil {
					LoggerFromContext(r.Context()).Debug("guard condition extraction failed", "error", err)
					cfg.deny(w, r, authz.Decision{State: authz.StateDenied, Reason: authz.ReasonInvalidContext, Err: err})
					return
				}
				cond = c
			}
			cond.Resource, cond.Action = resource, action

			d := decider.Authorize(r.Context(), s, cond, cfg.opts...)
			if !d.Allowed() {
				if d.Err != nil {
					LoggerFromContext(r.Context()).Info("guard denied request",
						"subject_id", s.ID, "resource", resource, "action", action,
						"reason", d.Reason, "error", d.Err)
				}
				cfg.deny(w, r, d)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// defaultDeny renders 401 for missing identity and 403 otherwise. The body
// carries only the reason code.
func defaultDeny(w http.ResponseWriter, r *http.Request, d authz.Decision) {
	status := http.StatusForbidden
	if d.Reason == authz.ReasonUnauthenticated {
		status = http.StatusUnauthorized
	}
	respondJSON(w, status, map[string]string{"error": http.StatusText(status), "reason": d.Reason})
}
