package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/domain/authz"
)

// MemoryPolicyStore implements authz.PolicyStore with in-memory maps.
// Thread-safe for concurrent access. Contents are lost on restart.
type MemoryPolicyStore struct {
	roles     map[string]*authz.Role               // ID -> Role
	userRoles map[string]map[string]time.Time      // user -> role -> assigned at
	rules     map[string]*authz.ConditionRule      // name -> rule
	mu        sync.RWMutex
}

// NewPolicyStore creates a new in-memory policy store.
func NewPolicyStore() *MemoryPolicyStore {
	return &MemoryPolicyStore{
		roles:     make(map[string]*authz.Role),
		userRoles: make(map[string]map[string]time.Time),
		rules:     make(map[string]*authz.ConditionRule),
	}
}

// ListRoles returns all roles ordered by ID.
func (s *MemoryPolicyStore) ListRoles(ctx context.Context) ([]authz.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]authz.Role, 0, len(s.roles))
	for _, r := range s.roles {
		result = append(result, *r.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// GetRole returns a role by ID.
// Returns authz.ErrRoleNotFound if the role doesn't exist.
func (s *MemoryPolicyStore) GetRole(ctx context.Context, id string) (*authz.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.roles[id]
	if !ok {
		return nil, authz.ErrRoleNotFound
	}
	return r.Clone(), nil
}

// SaveRole creates or replaces a role.
func (s *MemoryPolicyStore) SaveRole(ctx context.Context, role *authz.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.roles[role.ID] = role.Clone()
	return nil
}

// DeleteRole removes a role and every assignment of it.
func (s *MemoryPolicyStore) DeleteRole(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.roles[id]; !ok {
		return authz.ErrRoleNotFound
	}
	delete(s.roles, id)
	for user, held := range s.userRoles {
		delete(held, id)
		if len(held) == 0 {
			delete(s.userRoles, user)
		}
	}
	return nil
}

// ListUserRoles returns all assignments ordered by user then role.
func (s *MemoryPolicyStore) ListUserRoles(ctx context.Context) ([]authz.UserRole, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []authz.UserRole
	for user, held := range s.userRoles {
		for role, at := range held {
			result = append(result, authz.UserRole{UserID: user, RoleID: role, CreatedAt: at})
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].UserID != result[j].UserID {
			return result[i].UserID < result[j].UserID
		}
		return result[i].RoleID < result[j].RoleID
	})
	return result, nil
}

// AssignRole grants roleID to userID.
// Returns authz.ErrRoleNotFound if the role doesn't exist.
func (s *MemoryPolicyStore) AssignRole(ctx context.Context, userID, roleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.roles[roleID]; !ok {
		return authz.ErrRoleNotFound
	}
	held := s.userRoles[userID]
	if held == nil {
		held = make(map[string]time.Time)
		s.userRoles[userID] = held
	}
	if _, ok := held[roleID]; !ok {
		held[roleID] = time.Now().UTC()
	}
	return nil
}

// RevokeRole removes an assignment.
func (s *MemoryPolicyStore) RevokeRole(ctx context.Context, userID, roleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	held := s.userRoles[userID]
	if _, ok := held[roleID]; !ok {
		return authz.ErrAssignmentNotFound
	}
	delete(held, roleID)
	if len(held) == 0 {
		delete(s.userRoles, userID)
	}
	return nil
}

// ListConditionRules returns all rules ordered by name.
func (s *MemoryPolicyStore) ListConditionRules(ctx context.Context) ([]authz.ConditionRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]authz.ConditionRule, 0, len(s.rules))
	for _, r := range s.rules {
		result = append(result, *r)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// SaveConditionRule creates or replaces a rule.
func (s *MemoryPolicyStore) SaveConditionRule(ctx context.Context, rule *authz.ConditionRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *rule
	s.rules[rule.Name] = &cp
	return nil
}

// DeleteConditionRule removes a rule by name.
func (s *MemoryPolicyStore) DeleteConditionRule(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rules[name]; !ok {
		return authz.ErrConditionRuleNotFound
	}
	delete(s.rules, name)
	return nil
}

// Compile-time interface verification.
var _ authz.PolicyStore = (*MemoryPolicyStore)(nil)
