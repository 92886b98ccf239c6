// Package authz contains the authorization domain: roles, permissions,
// contextual conditions and the evaluators that answer "may this subject do
// this action on this resource".
package authz

import (
	"slices"
	"strings"
	"time"
)

// Permission is a (resource, action) pair granted by a role.
// Both parts match case-sensitively.
type Permission struct {
	Resource string `json:"resource" yaml:"resource"`
	Action   string `json:"action" yaml:"action"`
}

// String returns "resource:action".
func (p Permission) String() string {
	return p.Resource + ":" + p.Action
}

// Role is a named grant of permissions. A role is replaced wholesale on
// edit; its permission set is never patched in place.
type Role struct {
	ID          string       `json:"id" yaml:"id"`
	Name        string       `json:"name" yaml:"name"`
	Description string       `json:"description,omitempty" yaml:"description,omitempty"`
	Permissions []Permission `json:"permissions" yaml:"permissions"`
	CreatedAt   time.Time    `json:"created_at" yaml:"-"`
	UpdatedAt   time.Time    `json:"updated_at" yaml:"-"`
}

// Grants reports whether the role grants the exact (resource, action) pair.
func (r *Role) Grants(resource, action string) bool {
	for _, p := range r.Permissions {
		if p.Resource == resource && p.Action == action {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the role.
func (r *Role) Clone() *Role {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Permissions = slices.Clone(r.Permissions)
	return &cp
}

// UserRole assigns a role to a user.
type UserRole struct {
	UserID    string    `json:"user_id" yaml:"user_id"`
	RoleID    string    `json:"role_id" yaml:"role_id"`
	CreatedAt time.Time `json:"created_at" yaml:"-"`
}

// Subject is the acting identity. InstitutionID and PoloID scope the
// subject to a tenant; an empty InstitutionID marks a platform-level
// subject that is not tenant-scoped.
type Subject struct {
	ID            string `json:"id"`
	InstitutionID string `json:"institution_id,omitempty"`
	PoloID        string `json:"polo_id,omitempty"`
}

// Authenticated reports whether the subject carries an identity.
func (s Subject) Authenticated() bool {
	return strings.TrimSpace(s.ID) != ""
}

// ConditionRule is an administrator-defined predicate attached to a
// (resource, action). Resource and Action accept "*".
type ConditionRule struct {
	Name        string    `json:"name" yaml:"name"`
	Resource    string    `json:"resource" yaml:"resource"`
	Action      string    `json:"action" yaml:"action"`
	Expression  string    `json:"expression" yaml:"expression"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at" yaml:"-"`
}

// Applies reports whether the rule targets the given resource and action.
func (c *ConditionRule) Applies(resource, action string) bool {
	return (c.Resource == "*" || c.Resource == resource) &&
		(c.Action == "*" || c.Action == action)
}

// State is the lifecycle of a combined authorization check.
type State int

const (
	// StatePending is the initial state while a check has not resolved.
	StatePending State = iota
	// StateDenied is terminal for the current input.
	StateDenied
	// StateAllowed is terminal for the current input.
	StateAllowed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateDenied:
		return "denied"
	case StateAllowed:
		return "allowed"
	default:
		return "pending"
	}
}

// Reason codes attached to decisions.
const (
	ReasonPending           = "pending"
	ReasonAllowed           = "allowed"
	ReasonUnauthenticated   = "unauthenticated"
	ReasonPolicyLoadPending = "policy_load_pending"
	ReasonPermissionMissing = "permission_missing"
	ReasonConditionFailed   = "condition_failed"
	ReasonConditionError    = "condition_error"
	ReasonInvalidContext    = "invalid_context"
	ReasonTimeout           = "timeout"
)

// Decision is the outcome of a combined RBAC and contextual check.
type Decision struct {
	State  State
	Reason string
	// Err is the error that caused a deny, if any. It is for logging and
	// audit only and is never rendered to end users.
	Err error
}

// Allowed reports whether the decision grants access.
func (d Decision) Allowed() bool {
	return d.State == StateAllowed
}
