package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/domain/audit"
	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/domain/authz"
)

// BundleVersion is the only bundle format version understood.
const BundleVersion = 1

// ErrInvalidBundle is returned for bundles that fail validation.
var ErrInvalidBundle = errors.New("invalid policy bundle")

// Bundle is a portable copy of the whole policy.
type Bundle struct {
	Version        int                   `yaml:"version" json:"version"`
	Roles          []authz.Role          `yaml:"roles" json:"roles"`
	Assignments    []authz.UserRole      `yaml:"assignments" json:"assignments"`
	ConditionRules []authz.ConditionRule `yaml:"condition_rules" json:"condition_rules"`
}

// ReadBundle decodes a YAML (or JSON) bundle. Unknown fields are rejected.
func ReadBundle(r io.Reader) (*Bundle, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var b Bundle
	if err := dec.Decode(&b); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidBundle, err)
	}
	if b.Version == 0 {
		b.Version = BundleVersion
	}
	if b.Version != BundleVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidBundle, b.Version)
	}
	return &b, nil
}

// WriteBundle encodes b as YAML.
func WriteBundle(w io.Writer, b *Bundle) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(b); err != nil {
		return err
	}
	return enc.Close()
}

// Export returns the current policy as a bundle.
func (s *PolicyAdminService) Export(ctx context.Context) (*Bundle, error) {
	roles, err := s.store.ListRoles(ctx)
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	urs, err := s.store.ListUserRoles(ctx)
	if err != nil {
		return nil, fmt.Errorf("list user roles: %w", err)
	}
	rules, err := s.store.ListConditionRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("list condition rules: %w", err)
	}
	return &Bundle{Version: BundleVersion, Roles: roles, Assignments: urs, ConditionRules: rules}, nil
}

// Import validates b as a whole and writes it to the store. With replace,
// roles and rules absent from b are deleted first. Nothing is written when
// validation fails.
func (s *PolicyAdminService) Import(ctx context.Context, b *Bundle, replace bool) error {
	if err := s.validateBundle(ctx, b, replace); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if replace {
		if err := s.pruneLocked(ctx, b); err != nil {
			return err
		}
	}
	now := time.Now().UTC()
	for i := range b.Roles {
		role := b.Roles[i]
		role.CreatedAt, role.UpdatedAt = now, now
		if existing, err := s.store.GetRole(ctx, role.ID); err == nil {
			role.CreatedAt = existing.CreatedAt
		}
		if err := s.store.SaveRole(ctx, &role); err != nil {
			return fmt.Errorf("save role %s: %w", role.ID, err)
		}
	}
	for i := range b.ConditionRules {
		rule := b.ConditionRules[i]
		rule.CreatedAt = now
		if err := s.store.SaveConditionRule(ctx, &rule); err != nil {
			return fmt.Errorf("save condition rule %s: %w", rule.Name, err)
		}
	}
	for _, ur := range b.Assignments {
		if err := s.store.AssignRole(ctx, ur.UserID, ur.RoleID); err != nil {
			return fmt.Errorf("assign %s to %s: %w", ur.RoleID, ur.UserID, err)
		}
	}
	if err := s.reloadLocked(ctx); err != nil {
		return err
	}

	s.record(ctx, audit.EventTypePolicyImport, "", fmt.Sprintf("%d roles, %d assignments, %d rules, replace=%t",
		len(b.Roles), len(b.Assignments), len(b.ConditionRules), replace))
	s.logger.Info("policy bundle imported",
		"roles", len(b.Roles),
		"assignments", len(b.Assignments),
		"condition_rules", len(b.ConditionRules),
		"replace", replace,
	)
	return nil
}

func (s *PolicyAdminService) validateBundle(ctx context.Context, b *Bundle, replace bool) error {
	if b == nil {
		return fmt.Errorf("%w: empty bundle", ErrInvalidBundle)
	}
	roleIDs := make(map[string]struct{}, len(b.Roles))
	for i := range b.Roles {
		role := &b.Roles[i]
		if role.ID == "" {
			return fmt.Errorf("%w: role %d has no id", ErrInvalidBundle, i)
		}
		if _, dup := roleIDs[role.ID]; dup {
			return fmt.Errorf("%w: duplicate role %s", ErrInvalidBundle, role.ID)
		}
		if err := normalizeRole(role); err != nil {
			return fmt.Errorf("%w: role %s: %w", ErrInvalidBundle, role.ID, err)
		}
		roleIDs[role.ID] = struct{}{}
	}

	ruleNames := make(map[string]struct{}, len(b.ConditionRules))
	for i := range b.ConditionRules {
		rule := &b.ConditionRules[i]
		if err := s.validateRule(rule); err != nil {
			return fmt.Errorf("%w: rule %d: %w", ErrInvalidBundle, i, err)
		}
		if _, dup := ruleNames[rule.Name]; dup {
			return fmt.Errorf("%w: duplicate rule %s", ErrInvalidBundle, rule.Name)
		}
		ruleNames[rule.Name] = struct{}{}
	}

	for _, ur := range b.Assignments {
		if ur.UserID == "" || ur.RoleID == "" {
			return fmt.Errorf("%w: assignment needs user_id and role_id", ErrInvalidBundle)
		}
		if _, ok := roleIDs[ur.RoleID]; ok {
			continue
		}
		if replace {
			return fmt.Errorf("%w: assignment references unknown role %s", ErrInvalidBundle, ur.RoleID)
		}
		if _, err := s.store.GetRole(ctx, ur.RoleID); err != nil {
			return fmt.Errorf("%w: assignment references unknown role %s", ErrInvalidBundle, ur.RoleID)
		}
	}
	return nil
}

// pruneLocked removes roles, rules and assignments absent from b.
func (s *PolicyAdminService) pruneLocked(ctx context.Context, b *Bundle) error {
	keepRoles := make(map[string]struct{}, len(b.Roles))
	for _, r := range b.Roles {
		keepRoles[r.ID] = struct{}{}
	}
	keepRules := make(map[string]struct{}, len(b.ConditionRules))
	for _, r := range b.ConditionRules {
		keepRules[r.Name] = struct{}{}
	}
	keepAssignments := make(map[authz.UserRole]struct{}, len(b.Assignments))
	for _, ur := range b.Assignments {
		keepAssignments[authz.UserRole{UserID: ur.UserID, RoleID: ur.RoleID}] = struct{}{}
	}

	roles, err := s.store.ListRoles(ctx)
	if err != nil {
		return fmt.Errorf("list roles: %w", err)
	}
	for _, r := range roles {
		if _, ok := keepRoles[r.ID]; ok {
			continue
		}
		if err := s.store.DeleteRole(ctx, r.ID); err != nil {
			return fmt.Errorf("delete role %s: %w", r.ID, err)
		}
	}

	rules, err := s.store.ListConditionRules(ctx)
	if err != nil {
		return fmt.Errorf("list condition rules: %w", err)
	}
	for _, r := range rules {
		if _, ok := keepRules[r.Name]; ok {
			continue
		}
		if err := s.store.DeleteConditionRule(ctx, r.Name); err != nil {
			return fmt.Errorf("delete condition rule %s: %w", r.Name, err)
		}
	}

	urs, err := s.store.ListUserRoles(ctx)
	if err != nil {
		return fmt.Errorf("list user roles: %w", err)
	}
	for _, ur := range urs {
		if _, ok := keepAssignments[authz.UserRole{UserID: ur.UserID, RoleID: ur.RoleID}]; ok {
			continue
		}
		if err := s.store.RevokeRole(ctx, ur.UserID, ur.RoleID); err != nil && !errors.Is(err, authz.ErrAssignmentNotFound) {
			return fmt.Errorf("revoke %s from %s: %w", ur.RoleID, ur.UserID, err)
		}
	}
	return nil
}
