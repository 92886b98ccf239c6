// Package service contains application services.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/ctxkey"
	attr "github.com/eduzayn/edunexiareplit-ai-sub007/internal/domain/attribute"
	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/domain/audit"
	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/domain/authz"
)

const instrumentationName = "github.com/eduzayn/edunexiareplit-ai-sub007/service"

// DecisionObserver receives every answered query, e.g. for Prometheus.
type DecisionObserver interface {
	ObserveDecision(check string, allowed bool, reason string, elapsed time.Duration)
}

// AttributeCache is the invalidation surface of the attribute cache.
type AttributeCache interface {
	Invalidate(targets ...attr.Target)
	Purge()
	Len() int
}

// AuthorizationService loads policy snapshots from a store and answers
// permission and condition queries.
type AuthorizationService struct {
	store      authz.PolicyStore
	compiler   authz.PredicateCompiler
	authorizer *authz.Authorizer
	attributes AttributeCache
	audit      *AuditService
	observer   DecisionObserver
	tracer     trace.Tracer
	latency    metric.Float64Histogram
	logger     *slog.Logger

	reloadMu sync.Mutex
}

// AuthorizationOption configures an AuthorizationService.
type AuthorizationOption func(*AuthorizationService)

// WithCompiler sets the condition rule compiler.
func WithCompiler(c authz.PredicateCompiler) AuthorizationOption {
	return func(s *AuthorizationService) { s.compiler = c }
}

// WithAttributeCache sets the cache purged by attribute invalidations.
func WithAttributeCache(c AttributeCache) AuthorizationOption {
	return func(s *AuthorizationService) { s.attributes = c }
}

// WithAudit sets the audit service decisions are recorded to.
func WithAudit(a *AuditService) AuthorizationOption {
	return func(s *AuthorizationService) { s.audit = a }
}

// WithDecisionObserver sets the decision observer.
func WithDecisionObserver(o DecisionObserver) AuthorizationOption {
	return func(s *AuthorizationService) { s.observer = o }
}

// WithTracerProvider sets the provider spans are created from.
func WithTracerProvider(tp trace.TracerProvider) AuthorizationOption {
	return func(s *AuthorizationService) { s.tracer = tp.Tracer(instrumentationName) }
}

// WithMeterProvider sets the provider the latency histogram is created from.
func WithMeterProvider(mp metric.MeterProvider) AuthorizationOption {
	return func(s *AuthorizationService) { s.latency = newLatencyHistogram(mp) }
}

func newLatencyHistogram(mp metric.MeterProvider) metric.Float64Histogram {
	h, err := mp.Meter(instrumentationName).Float64Histogram("authz.check.duration",
		metric.WithDescription("Duration of authorization checks"),
		metric.WithUnit("s"),
	)
	if err != nil {
		otel.Handle(err)
		return noop.Float64Histogram{}
	}
	return h
}

// NewAuthorizationService creates the service. The authorizer is installed
// with snapshots on Reload; until the first successful load every query
// fails closed.
func NewAuthorizationService(store authz.PolicyStore, authorizer *authz.Authorizer, logger *slog.Logger, opts ...AuthorizationOption) *AuthorizationService {
	s := &AuthorizationService{
		store:      store,
		authorizer: authorizer,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer(instrumentationName)
	}
	if s.latency == nil {
		s.latency = newLatencyHistogram(otel.GetMeterProvider())
	}
	return s
}

// Authorizer returns the underlying authorizer.
func (s *AuthorizationService) Authorizer() *authz.Authorizer { return s.authorizer }

// Compiler returns the condition rule compiler, or nil.
func (s *AuthorizationService) Compiler() authz.PredicateCompiler { return s.compiler }

// Reload builds a snapshot from the store and installs it. On error the
// previous snapshot stays active.
func (s *AuthorizationService) Reload(ctx context.Context) error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	roles, err := s.store.ListRoles(ctx)
	if err != nil {
		return fmt.Errorf("list roles: %w", err)
	}
	userRoles, err := s.store.ListUserRoles(ctx)
	if err != nil {
		return fmt.Errorf("list user roles: %w", err)
	}
	rules, err := s.store.ListConditionRules(ctx)
	if err != nil {
		return fmt.Errorf("list condition rules: %w", err)
	}
	snap, err := authz.BuildSnapshot(roles, userRoles, rules, s.compiler)
	if err != nil {
		return fmt.Errorf("build snapshot: %w", err)
	}
	s.authorizer.RBAC().Install(snap)

	s.logger.Info("policy snapshot installed",
		"version", snap.Version(),
		"roles", len(roles),
		"assignments", len(userRoles),
		"condition_rules", len(rules),
	)
	return nil
}

// LoadWithRetry calls Reload until it succeeds or ctx is done. Queries
// answered meanwhile are denied with ErrPolicyLoadPending.
func (s *AuthorizationService) LoadWithRetry(ctx context.Context, interval time.Duration) error {
	for attempt := 1; ; attempt++ {
		err := s.Reload(ctx)
		if err == nil {
			return nil
		}
		s.logger.Warn("policy load failed, retrying", "attempt", attempt, "error", err, "retry_in", interval)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// RefreshSubject re-reads one subject's assignments from the store and
// swaps them into the current snapshot. It is serialized with Reload so a
// reload that read the store earlier cannot install over the refresh.
func (s *AuthorizationService) RefreshSubject(ctx context.Context, userID string) error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	urs, err := s.store.ListUserRoles(ctx)
	if err != nil {
		return fmt.Errorf("list user roles: %w", err)
	}
	var roleIDs []string
	for _, ur := range urs {
		if ur.UserID == userID {
			roleIDs = append(roleIDs, ur.RoleID)
		}
	}
	s.authorizer.RBAC().SetSubjectRoles(userID, roleIDs)
	return nil
}

// InvalidateAttributes drops cached attributes for targets, or all of them
// when none are given.
func (s *AuthorizationService) InvalidateAttributes(targets ...attr.Target) {
	if s.attributes == nil {
		return
	}
	if len(targets) == 0 {
		s.attributes.Purge()
		return
	}
	s.attributes.Invalidate(targets...)
}

// HasPermission answers the static check and records it.
func (s *AuthorizationService) HasPermission(ctx context.Context, subject authz.Subject, resource, action string) bool {
	start := time.Now()
	_, span := s.tracer.Start(ctx, "authz.HasPermission", trace.WithAttributes(
		attribute.String("authz.resource", resource),
		attribute.String("authz.action", action),
	))
	defer span.End()

	ok, err := s.authorizer.RBAC().Check(subject, resource, action)
	reason := authz.ReasonAllowed
	switch {
	case err != nil:
		reason = authz.ReasonFor(err)
		span.RecordError(err)
	case !ok:
		reason = authz.ReasonPermissionMissing
	}
	span.SetAttributes(attribute.Bool("authz.allowed", ok))
	s.finish(ctx, audit.CheckPermission, subject, authz.Condition{Resource: resource, Action: action}, ok, reason, start)
	return ok
}

// CheckCondition evaluates only the contextual predicates. The returned
// error is the one passed to the error callback, if any.
func (s *AuthorizationService) CheckCondition(ctx context.Context, subject authz.Subject, cond authz.Condition, opts ...authz.CheckOption) (bool, error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "authz.CheckCondition", trace.WithAttributes(
		attribute.String("authz.resource", cond.Resource),
		attribute.String("authz.action", cond.Action),
	))
	defer span.End()

	var checkErr error
	opts = append(opts, authz.WithErrorHandler(func(err error) { checkErr = err }))
	ok := s.authorizer.CheckCondition(ctx, subject, cond, opts...)

	reason := authz.ReasonAllowed
	switch {
	case checkErr != nil:
		reason = authz.ReasonFor(checkErr)
		span.RecordError(checkErr)
	case !ok:
		reason = authz.ReasonConditionFailed
	}
	span.SetAttributes(attribute.Bool("authz.allowed", ok))
	s.finish(ctx, audit.CheckCondition, subject, cond, ok, reason, start)
	return ok, checkErr
}

// Authorize runs the combined check.
func (s *AuthorizationService) Authorize(ctx context.Context, subject authz.Subject, cond authz.Condition, opts ...authz.CheckOption) authz.Decision {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "authz.Authorize", trace.WithAttributes(
		attribute.String("authz.resource", cond.Resource),
		attribute.String("authz.action", cond.Action),
	))
	defer span.End()

	d := s.authorizer.Authorize(ctx, subject, cond, opts...)
	if d.Err != nil {
		span.RecordError(d.Err)
	}
	span.SetAttributes(attribute.String("authz.reason", d.Reason))
	s.finish(ctx, audit.CheckAuthorize, subject, cond, d.Allowed(), d.Reason, start)
	return d
}

// EffectivePermissions lists the grants userID holds through its roles.
// ok is false while no policy is loaded.
func (s *AuthorizationService) EffectivePermissions(userID string) (perms []authz.Permission, ok bool) {
	rbac := s.authorizer.RBAC()
	if !rbac.Loaded() {
		return nil, false
	}
	return rbac.EffectivePermissions(userID), true
}

// For returns a Checker bound to subject that goes through this service.
func (s *AuthorizationService) For(subject authz.Subject) authz.Checker {
	return authz.CheckerFunc(func(ctx context.Context, cond authz.Condition, opts ...authz.CheckOption) authz.Decision {
		return s.Authorize(ctx, subject, cond, opts...)
	})
}

func (s *AuthorizationService) finish(ctx context.Context, check string, subject authz.Subject, cond authz.Condition, allowed bool, reason string, start time.Time) {
	elapsed := time.Since(start)
	s.latency.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("check", check),
		attribute.Bool("allowed", allowed),
	))
	if s.observer != nil {
		s.observer.ObserveDecision(check, allowed, reason, elapsed)
	}
	if s.audit != nil {
		var version uint64
		if snap := s.authorizer.RBAC().Snapshot(); snap != nil {
			version = snap.Version()
		}
		s.audit.Record(audit.AuditRecord{
			Timestamp:     start.UTC(),
			EventType:     audit.EventTypeDecision,
			RequestID:     ctxkey.RequestID(ctx),
			ClientID:      ctxkey.ClientID(ctx),
			Check:         check,
			SubjectID:     subject.ID,
			InstitutionID: subject.InstitutionID,
			Resource:      cond.Resource,
			Action:        cond.Action,
			EntityID:      cond.EntityID,
			Decision:      audit.DecisionFor(allowed),
			Reason:        reason,
			PolicyVersion: version,
			LatencyMicros: elapsed.Microseconds(),
		})
	}
}

// Status summarizes the loaded policy.
type Status struct {
	Loaded           bool      `json:"loaded"`
	Version          uint64    `json:"version"`
	LoadedAt         time.Time `json:"loaded_at,omitzero"`
	Roles            int       `json:"roles"`
	CachedSubjects   int       `json:"cached_subjects"`
	CachedAttributes int       `json:"cached_attributes"`
}

// Status returns the current policy status.
func (s *AuthorizationService) Status() Status {
	rbac := s.authorizer.RBAC()
	st := Status{CachedSubjects: rbac.CachedSubjects()}
	if snap := rbac.Snapshot(); snap != nil {
		st.Loaded = true
		st.Version = snap.Version()
		st.LoadedAt = snap.LoadedAt()
		st.Roles = snap.RoleCount()
	}
	if s.attributes != nil {
		st.CachedAttributes = s.attributes.Len()
	}
	return st
}
