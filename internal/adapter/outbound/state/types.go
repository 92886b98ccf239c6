// Package state provides file-based persistence for the authorization
// policy: roles, user role assignments and condition rules.
//
// The state.json file is written atomically, locked against concurrent
// writers in other processes, and backed up before every write.
package state

import "time"

// AppState is the top-level structure persisted in state.json.
type AppState struct {
	// Version is the schema version for forward compatibility. Currently "1".
	Version string `json:"version"`

	// Roles are the permission grants.
	Roles []RoleEntry `json:"roles"`

	// UserRoles assign roles to users.
	UserRoles []UserRoleEntry `json:"user_roles"`

	// ConditionRules are the administrator-defined contextual predicates.
	ConditionRules []ConditionRuleEntry `json:"condition_rules,omitempty"`

	// CreatedAt is when this state file was first created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when this state file was last modified.
	UpdatedAt time.Time `json:"updated_at"`
}

// RoleEntry is a persisted role.
type RoleEntry struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Permissions []PermissionEntry `json:"permissions"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// PermissionEntry is a persisted (resource, action) grant.
type PermissionEntry struct {
	Resource string `json:"resource"`
	Action   string `json:"action"`
}

// UserRoleEntry is a persisted role assignment.
type UserRoleEntry struct {
	UserID    string    `json:"user_id"`
	RoleID    string    `json:"role_id"`
	CreatedAt time.Time `json:"created_at"`
}

// ConditionRuleEntry is a persisted condition rule.
type ConditionRuleEntry struct {
	Name        string    `json:"name"`
	Resource    string    `json:"resource"`
	Action      string    `json:"action"`
	Expression  string    `json:"expression"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
