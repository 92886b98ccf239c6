package authz

import "context"

// Authorizer combines the RBAC and contextual checks. The contextual check
// runs only after the static check passes, so it can restrict but never
// grant.
type Authorizer struct {
	rbac *RBAC
	abac *ABAC
}

// NewAuthorizer creates an Authorizer.
func NewAuthorizer(rbac *RBAC, abac *ABAC) *Authorizer {
	return &Authorizer{rbac: rbac, abac: abac}
}

// RBAC returns the static evaluator.
func (a *Authorizer) RBAC() *RBAC { return a.rbac }

// ABAC returns the contextual evaluator.
func (a *Authorizer) ABAC() *ABAC { return a.abac }

// HasPermission reports whether subject holds (resource, action).
func (a *Authorizer) HasPermission(subject Subject, resource, action string) bool {
	return a.rbac.HasPermission(subject, resource, action)
}

// CheckCondition evaluates only the contextual part of cond.
func (a *Authorizer) CheckCondition(ctx context.Context, subject Subject, cond Condition, opts ...CheckOption) bool {
	return a.abac.Check(ctx, subject, cond, a.predicates(cond), opts...)
}

// Authorize runs the combined check and returns a terminal decision.
func (a *Authorizer) Authorize(ctx context.Context, subject Subject, cond Condition, opts ...CheckOption) Decision {
	o := checkOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	report := reportOnce(o.onError)

	if err := cond.Validate(); err != nil {
		report(err)
		return deny(err)
	}
	ok, err := a.rbac.Check(subject, cond.Resource, cond.Action)
	if err != nil {
		report(err)
		return deny(err)
	}
	if !ok {
		return Decision{State: StateDenied, Reason: ReasonPermissionMissing}
	}

	ok, err = a.abac.Evaluate(ctx, subject, cond, a.predicates(cond), o.timeout)
	if err != nil {
		report(err)
		return deny(err)
	}
	if !ok {
		return Decision{State: StateDenied, Reason: ReasonConditionFailed}
	}
	return Decision{State: StateAllowed, Reason: ReasonAllowed}
}

// For binds the authorizer to one subject.
func (a *Authorizer) For(subject Subject) *SubjectAuthorizer {
	return &SubjectAuthorizer{authz: a, subject: subject}
}

func (a *Authorizer) predicates(cond Condition) []NamedPredicate {
	snap := a.rbac.Snapshot()
	if snap == nil {
		return nil
	}
	return snap.PredicatesFor(cond.Resource, cond.Action)
}

func deny(err error) Decision {
	return Decision{State: StateDenied, Reason: ReasonFor(err), Err: err}
}

// Checker runs combined checks for a fixed subject.
type Checker interface {
	Authorize(ctx context.Context, cond Condition, opts ...CheckOption) Decision
}

// SubjectAuthorizer answers queries for the subject it was bound to.
type SubjectAuthorizer struct {
	authz   *Authorizer
	subject Subject
}

var _ Checker = (*SubjectAuthorizer)(nil)

// Subject returns the bound subject.
func (s *SubjectAuthorizer) Subject() Subject { return s.subject }

// HasPermission reports whether the subject holds (resource, action).
func (s *SubjectAuthorizer) HasPermission(resource, action string) bool {
	return s.authz.HasPermission(s.subject, resource, action)
}

// CheckCondition evaluates the contextual part of cond for the subject.
func (s *SubjectAuthorizer) CheckCondition(ctx context.Context, cond Condition, opts ...CheckOption) bool {
	return s.authz.CheckCondition(ctx, s.subject, cond, opts...)
}

// Authorize runs the combined check for the subject.
func (s *SubjectAuthorizer) Authorize(ctx context.Context, cond Condition, opts ...CheckOption) Decision {
	return s.authz.Authorize(ctx, s.subject, cond, opts...)
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context, cond Condition, opts ...CheckOption) Decision

// Authorize calls f.
func (f CheckerFunc) Authorize(ctx context.Context, cond Condition, opts ...CheckOption) Decision {
	return f(ctx, cond, opts...)
}
