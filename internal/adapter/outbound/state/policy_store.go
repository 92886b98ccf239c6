package state

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/domain/authz"
)

// PolicyStore implements authz.PolicyStore on top of state.json. The file is
// read once at open; every mutation is written through before it becomes
// visible, and a failed write leaves the in-memory state unchanged.
type PolicyStore struct {
	file  *FileStateStore
	mu    sync.RWMutex
	state *AppState
}

// OpenPolicyStore loads state.json (or an empty default) into a PolicyStore.
func OpenPolicyStore(file *FileStateStore) (*PolicyStore, error) {
	st, err := file.Load()
	if err != nil {
		return nil, fmt.Errorf("load policy state: %w", err)
	}
	return &PolicyStore{file: file, state: st}, nil
}

// ListRoles returns all roles ordered by ID.
func (s *PolicyStore) ListRoles(ctx context.Context) ([]authz.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]authz.Role, 0, len(s.state.Roles))
	for _, e := range s.state.Roles {
		out = append(out, roleFromEntry(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetRole returns a role by ID.
func (s *PolicyStore) GetRole(ctx context.Context, id string) (*authz.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.state.Roles {
		if e.ID == id {
			r := roleFromEntry(e)
			return &r, nil
		}
	}
	return nil, authz.ErrRoleNotFound
}

// SaveRole creates or replaces a role.
func (s *PolicyStore) SaveRole(ctx context.Context, role *authz.Role) error {
	return s.mutate(func(st *AppState) error {
		entry := entryFromRole(role)
		for i, e := range st.Roles {
			if e.ID == role.ID {
				if entry.CreatedAt.IsZero() {
					entry.CreatedAt = e.CreatedAt
				}
				st.Roles[i] = entry
				return nil
			}
		}
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = time.Now().UTC()
		}
		st.Roles = append(st.Roles, entry)
		return nil
	})
}

// DeleteRole removes a role and every assignment of it.
func (s *PolicyStore) DeleteRole(ctx context.Context, id string) error {
	return s.mutate(func(st *AppState) error {
		idx := slices.IndexFunc(st.Roles, func(e RoleEntry) bool { return e.ID == id })
		if idx < 0 {
			return authz.ErrRoleNotFound
		}
		st.Roles = slices.Delete(st.Roles, idx, idx+1)
		st.UserRoles = slices.DeleteFunc(st.UserRoles, func(e UserRoleEntry) bool { return e.RoleID == id })
		return nil
	})
}

// ListUserRoles returns all assignments ordered by user then role.
func (s *PolicyStore) ListUserRoles(ctx context.Context) ([]authz.UserRole, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]authz.UserRole, 0, len(s.state.UserRoles))
	for _, e := range s.state.UserRoles {
		out = append(out, authz.UserRole{UserID: e.UserID, RoleID: e.RoleID, CreatedAt: e.CreatedAt})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].RoleID < out[j].RoleID
	})
	return out, nil
}

// AssignRole grants roleID to userID.
func (s *PolicyStore) AssignRole(ctx context.Context, userID, roleID string) error {
	return s.mutate(func(st *AppState) error {
		if !slices.ContainsFunc(st.Roles, func(e RoleEntry) bool { return e.ID == roleID }) {
			return authz.ErrRoleNotFound
		}
		if slices.ContainsFunc(st.UserRoles, func(e UserRoleEntry) bool { return e.UserID == userID && e.RoleID == roleID }) {
			return nil
		}
		st.UserRoles = append(st.UserRoles, UserRoleEntry{UserID: userID, RoleID: roleID, CreatedAt: time.Now().UTC()})
		return nil
	})
}

// RevokeRole removes an assignment.
func (s *PolicyStore) RevokeRole(ctx context.Context, userID, roleID string) error {
	return s.mutate(func(st *AppState) error {
		idx := slices.IndexFunc(st.UserRoles, func(e UserRoleEntry) bool { return e.UserID == userID && e.RoleID == roleID })
		if idx < 0 {
			return authz.ErrAssignmentNotFound
		}
		st.UserRoles = slices.Delete(st.UserRoles, idx, idx+1)
		return nil
	})
}

// ListConditionRules returns all rules ordered by name.
func (s *PolicyStore) ListConditionRules(ctx context.Context) ([]authz.ConditionRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]authz.ConditionRule, 0, len(s.state.ConditionRules))
	for _, e := range s.state.ConditionRules {
		out = append(out, authz.ConditionRule{
			Name:        e.Name,
			Resource:    e.Resource,
			Action:      e.Action,
			Expression:  e.Expression,
			Description: e.Description,
			CreatedAt:   e.CreatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// SaveConditionRule creates or replaces a rule.
func (s *PolicyStore) SaveConditionRule(ctx context.Context, rule *authz.ConditionRule) error {
	return s.mutate(func(st *AppState) error {
		entry := ConditionRuleEntry{
			Name:        rule.Name,
			Resource:    rule.Resource,
			Action:      rule.Action,
			Expression:  rule.Expression,
			Description: rule.Description,
			CreatedAt:   rule.CreatedAt,
		}
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = time.Now().UTC()
		}
		for i, e := range st.ConditionRules {
			if e.Name == rule.Name {
				st.ConditionRules[i] = entry
				return nil
			}
		}
		st.ConditionRules = append(st.ConditionRules, entry)
		return nil
	})
}

// DeleteConditionRule removes a rule by name.
func (s *PolicyStore) DeleteConditionRule(ctx context.Context, name string) error {
	return s.mutate(func(st *AppState) error {
		idx := slices.IndexFunc(st.ConditionRules, func(e ConditionRuleEntry) bool { return e.Name == name })
		if idx < 0 {
			return authz.ErrConditionRuleNotFound
		}
		st.ConditionRules = slices.Delete(st.ConditionRules, idx, idx+1)
		return nil
	})
}

// mutate applies fn to a copy of the state and persists it.
func (s *PolicyStore) mutate(fn func(st *AppState) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := cloneState(s.state)
	if err := fn(next); err != nil {
		return err
	}
	if err := s.file.Save(next); err != nil {
		return fmt.Errorf("persist policy state: %w", err)
	}
	s.state = next
	return nil
}

func cloneState(st *AppState) *AppState {
	cp := *st
	cp.Roles = make([]RoleEntry, len(st.Roles))
	for i, r := range st.Roles {
		r.Permissions = slices.Clone(r.Permissions)
		cp.Roles[i] = r
	}
	cp.UserRoles = slices.Clone(st.UserRoles)
	cp.ConditionRules = slices.Clone(st.ConditionRules)
	return &cp
}

func roleFromEntry(e RoleEntry) authz.Role {
	perms := make([]authz.Permission, len(e.Permissions))
	for i, p := range e.Permissions {
		perms[i] = authz.Permission{Resource: p.Resource, Action: p.Action}
	}
	return authz.Role{
		ID:          e.ID,
		Name:        e.Name,
		Description: e.Description,
		Permissions: perms,
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   e.UpdatedAt,
	}
}

func entryFromRole(r *authz.Role) RoleEntry {
	perms := make([]PermissionEntry, len(r.Permissions))
	for i, p := range r.Permissions {
		perms[i] = PermissionEntry{Resource: p.Resource, Action: p.Action}
	}
	updated := r.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	return RoleEntry{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		Permissions: perms,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   updated,
	}
}

// Compile-time interface verification.
var _ authz.PolicyStore = (*PolicyStore)(nil)
