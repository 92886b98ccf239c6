package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/domain/attribute"
)

// DefaultCheckTimeout bounds the attribute lookup of a contextual check.
const DefaultCheckTimeout = 3 * time.Second

// CheckOption configures a single contextual check.
type CheckOption func(*checkOptions)

type checkOptions struct {
	onError func(error)
	timeout time.Duration
}

// WithErrorHandler registers a callback invoked exactly once when the check
// denies because of an error. It is not called for plain predicate failures.
// Several handlers may be registered; each is called.
func WithErrorHandler(fn func(error)) CheckOption {
	return func(o *checkOptions) {
		if fn == nil {
			return
		}
		prev := o.onError
		if prev == nil {
			o.onError = fn
			return
		}
		o.onError = func(err error) {
			prev(err)
			fn(err)
		}
	}
}

// WithTimeout overrides the lookup deadline for one check.
func WithTimeout(d time.Duration) CheckOption {
	return func(o *checkOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// ABAC evaluates contextual conditions. Supplied attributes are combined
// with AND; absent attributes impose no constraint.
type ABAC struct {
	source  attribute.Source
	allow   *AllowLists
	now     func() time.Time
	timeout time.Duration
	logger  *slog.Logger
}

// ABACOption configures an ABAC evaluator.
type ABACOption func(*ABAC)

// WithClock sets the time source used for date range checks.
func WithClock(now func() time.Time) ABACOption {
	return func(a *ABAC) { a.now = now }
}

// WithAllowLists sets the status allow-lists.
func WithAllowLists(l *AllowLists) ABACOption {
	return func(a *ABAC) { a.allow = l }
}

// WithDefaultTimeout sets the lookup deadline used when a check does not
// supply one.
func WithDefaultTimeout(d time.Duration) ABACOption {
	return func(a *ABAC) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithLogger sets the evaluator logger.
func WithLogger(l *slog.Logger) ABACOption {
	return func(a *ABAC) { a.logger = l }
}

// NewABAC creates an evaluator. source may be nil, in which case any
// condition that needs a lookup fails.
func NewABAC(source attribute.Source, opts ...ABACOption) *ABAC {
	a := &ABAC{
		source:  source,
		allow:   DefaultAllowLists(),
		now:     time.Now,
		timeout: DefaultCheckTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Check evaluates cond for subject and returns the verdict. Errors deny and
// are delivered once to the WithErrorHandler callback.
func (a *ABAC) Check(ctx context.Context, subject Subject, cond Condition, preds []NamedPredicate, opts ...CheckOption) bool {
	o := checkOptions{timeout: a.timeout}
	for _, opt := range opts {
		opt(&o)
	}
	report := reportOnce(o.onError)

	ok, err := a.Evaluate(ctx, subject, cond, preds, o.timeout)
	if err != nil {
		a.logger.Warn("contextual check denied",
			"subject", subject.ID,
			"resource", cond.Resource,
			"action", cond.Action,
			"error", err,
		)
		report(err)
		return false
	}
	return ok
}

// Evaluate runs the check and returns the verdict with the error that
// caused a deny, if any. A zero timeout uses the evaluator default.
func (a *ABAC) Evaluate(ctx context.Context, subject Subject, cond Condition, preds []NamedPredicate, timeout time.Duration) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			err = fmt.Errorf("%w: panic: %v", ErrContextualCheckFailed, r)
		}
	}()

	if !subject.Authenticated() {
		return false, ErrUnauthenticated
	}
	if err := cond.Validate(); err != nil {
		return false, err
	}
	if !cond.HasAttributes() {
		return true, nil
	}

	now := a.now()
	if !a.localPredicates(subject, cond, now) {
		return false, nil
	}

	resolved := map[string]string{}
	if cond.NeedsResolution() {
		if timeout <= 0 {
			timeout = a.timeout
		}
		results, err := a.resolve(ctx, cond, timeout)
		if err != nil {
			return false, err
		}
		for _, r := range results {
			// A Found result without attributes carries nothing to check.
			if r.res.Outcome == attribute.OutcomeNotFound || r.res.Attributes == (attribute.Attributes{}) {
				return false, nil
			}
			if !a.resolvedPredicates(subject, cond, r.target.Kind, r.res.Attributes) {
				return false, nil
			}
			maps.Copy(resolved, r.res.Attributes.Fields(r.target.Kind))
		}
	}

	in := PredicateInput{Subject: subject, Condition: cond, Resolved: resolved, Now: now}
	for _, p := range preds {
		pass, err := p.Predicate.Eval(ctx, in)
		if err != nil {
			return false, fmt.Errorf("%w: rule %q: %w", ErrContextualCheckFailed, p.Rule.Name, err)
		}
		if !pass {
			return false, nil
		}
	}
	return true, nil
}

// localPredicates evaluates the attributes that need no lookup.
func (a *ABAC) localPredicates(subject Subject, cond Condition, now time.Time) bool {
	if cond.EntityOwnerID != "" && cond.EntityOwnerID != subject.ID {
		return false
	}
	if cond.DateRange != nil && !cond.DateRange.Contains(now) {
		return false
	}
	if cond.SubscriptionStatus != "" &&
		!a.allow.Allows(KindSubscriptionStatus, cond.Resource, cond.Action, cond.SubscriptionStatus) {
		return false
	}
	if cond.PaymentStatus != "" &&
		!a.allow.Allows(KindPaymentStatus, cond.Resource, cond.Action, cond.PaymentStatus) {
		return false
	}
	if cond.InstitutionPhase != "" &&
		!a.allow.Allows(KindInstitutionPhase, cond.Resource, cond.Action, cond.InstitutionPhase) {
		return false
	}
	if subject.InstitutionID != "" && cond.InstitutionID != "" && cond.InstitutionID != subject.InstitutionID {
		return false
	}
	if subject.PoloID != "" && cond.PoloID != "" && cond.PoloID != subject.PoloID {
		return false
	}
	return true
}

// resolvedPredicates evaluates the attributes returned by the source.
func (a *ABAC) resolvedPredicates(subject Subject, cond Condition, kind attribute.TargetKind, attrs attribute.Attributes) bool {
	if attrs.InstitutionID != "" {
		if subject.InstitutionID != "" && attrs.InstitutionID != subject.InstitutionID {
			return false
		}
		if kind != attribute.TargetInstitution && cond.InstitutionID != "" && attrs.InstitutionID != cond.InstitutionID {
			return false
		}
	}
	if attrs.PoloID != "" {
		if subject.PoloID != "" && attrs.PoloID != subject.PoloID {
			return false
		}
		if kind != attribute.TargetPolo && cond.PoloID != "" && attrs.PoloID != cond.PoloID {
			return false
		}
	}
	if kind == attribute.TargetEntity && cond.EntityOwnerID != "" && attrs.OwnerID != "" && attrs.OwnerID != subject.ID {
		return false
	}
	if attrs.SubscriptionStatus != "" &&
		!a.allow.Allows(KindSubscriptionStatus, cond.Resource, cond.Action, attrs.SubscriptionStatus) {
		return false
	}
	if attrs.PaymentStatus != "" &&
		!a.allow.Allows(KindPaymentStatus, cond.Resource, cond.Action, attrs.PaymentStatus) {
		return false
	}
	if attrs.Phase != "" &&
		!a.allow.Allows(KindInstitutionPhase, cond.Resource, cond.Action, attrs.Phase) {
		return false
	}
	return true
}

type resolution struct {
	target attribute.Target
	res    attribute.Result
}

// resolve looks up every target named by cond concurrently. The deadline
// is enforced here even if the source ignores its context.
func (a *ABAC) resolve(ctx context.Context, cond Condition, timeout time.Duration) ([]resolution, error) {
	if a.source == nil {
		return nil, fmt.Errorf("%w: no attribute source configured", ErrContextualCheckFailed)
	}
	targets := Targets(cond)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan []resolution, 1)
	errc := make(chan error, 1)
	go func() {
		out := make([]resolution, len(targets))
		g, gctx := errgroup.WithContext(ctx)
		for i, t := range targets {
			g.Go(func() error {
				res := a.source.Resolve(gctx, t)
				out[i] = resolution{target: t, res: res}
				switch res.Outcome {
				case attribute.OutcomeFound, attribute.OutcomeNotFound:
					return nil
				}
				if res.Err == nil {
					return attribute.ErrResolveFailed
				}
				return res.Err
			})
		}
		if err := g.Wait(); err != nil {
			errc <- err
			return
		}
		done <- out
	}()

	select {
	case out := <-done:
		return out, nil
	case err := <-errc:
		if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		return nil, fmt.Errorf("%w: %w", ErrContextualCheckFailed, err)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		return nil, fmt.Errorf("%w: %w", ErrContextualCheckFailed, ctx.Err())
	}
}

// Targets returns the attribute lookups a condition requires.
func Targets(cond Condition) []attribute.Target {
	var out []attribute.Target
	if cond.EntityID != "" {
		out = append(out, attribute.Target{Kind: attribute.TargetEntity, Resource: cond.Resource, ID: cond.EntityID})
	}
	if cond.InstitutionID != "" {
		out = append(out, attribute.Target{Kind: attribute.TargetInstitution, ID: cond.InstitutionID})
	}
	if cond.PoloID != "" {
		out = append(out, attribute.Target{Kind: attribute.TargetPolo, ID: cond.PoloID})
	}
	return out
}

// reportOnce wraps fn so it runs at most once. A nil fn is a no-op.
func reportOnce(fn func(error)) func(error) {
	if fn == nil {
		return func(error) {}
	}
	var once sync.Once
	return func(err error) {
		once.Do(func() { fn(err) })
	}
}
