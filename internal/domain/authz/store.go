package authz

import "context"

// PolicyStore persists roles, user role assignments and condition rules.
// Implementations must be safe for concurrent use and return copies.
type PolicyStore interface {
	// ListRoles returns all roles.
	ListRoles(ctx context.Context) ([]Role, error)
	// GetRole returns a role by ID, or ErrRoleNotFound.
	GetRole(ctx context.Context, id string) (*Role, error)
	// SaveRole creates or replaces a role.
	SaveRole(ctx context.Context, role *Role) error
	// DeleteRole removes a role and every assignment of it.
	DeleteRole(ctx context.Context, id string) error

	// ListUserRoles returns all role assignments.
	ListUserRoles(ctx context.Context) ([]UserRole, error)
	// AssignRole grants roleID to userID. Assigning twice is a no-op.
	AssignRole(ctx context.Context, userID, roleID string) error
	// RevokeRole removes an assignment, or returns ErrAssignmentNotFound.
	RevokeRole(ctx context.Context, userID, roleID string) error

	// ListConditionRules returns all condition rules.
	ListConditionRules(ctx context.Context) ([]ConditionRule, error)
	// SaveConditionRule creates or replaces a rule keyed by name.
	SaveConditionRule(ctx context.Context, rule *ConditionRule) error
	// DeleteConditionRule removes a rule, or returns ErrConditionRuleNotFound.
	DeleteConditionRule(ctx context.Context, name string) error
}
