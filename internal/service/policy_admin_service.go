package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/ctxkey"
	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/domain/audit"
	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/domain/authz"
)

// Validation errors returned by PolicyAdminService.
var (
	ErrInvalidRole = errors.New("invalid role")
	ErrInvalidRule = errors.New("invalid condition rule")
	ErrRoleExists  = errors.New("role already exists")
)

// PolicyNotifier tells other instances the policy changed.
type PolicyNotifier interface {
	PublishPolicy(ctx context.Context) error
}

// PolicyAdminService edits roles, assignments and condition rules. Every
// successful mutation reaches the live snapshot before the call returns.
type PolicyAdminService struct {
	store    authz.PolicyStore
	authz    *AuthorizationService
	audit    *AuditService
	notifier PolicyNotifier
	logger   *slog.Logger
	mu       sync.Mutex // serializes mutate-then-reload
}

// AdminOption configures a PolicyAdminService.
type AdminOption func(*PolicyAdminService)

// WithAdminAudit records administrative events.
func WithAdminAudit(a *AuditService) AdminOption {
	return func(s *PolicyAdminService) { s.audit = a }
}

// WithNotifier publishes policy changes to other instances.
func WithNotifier(n PolicyNotifier) AdminOption {
	return func(s *PolicyAdminService) { s.notifier = n }
}

// NewPolicyAdminService creates a new PolicyAdminService.
func NewPolicyAdminService(store authz.PolicyStore, authzService *AuthorizationService, logger *slog.Logger, opts ...AdminOption) *PolicyAdminService {
	s := &PolicyAdminService{store: store, authz: authzService, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListRoles returns all roles.
func (s *PolicyAdminService) ListRoles(ctx context.Context) ([]authz.Role, error) {
	return s.store.ListRoles(ctx)
}

// GetRole returns a role or authz.ErrRoleNotFound.
func (s *PolicyAdminService) GetRole(ctx context.Context, id string) (*authz.Role, error) {
	return s.store.GetRole(ctx, id)
}

// CreateRole stores a new role. An empty ID is generated.
func (s *PolicyAdminService) CreateRole(ctx context.Context, role *authz.Role) (*authz.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if role.ID == "" {
		role.ID = uuid.NewString()
	}
	if err := normalizeRole(role); err != nil {
		return nil, err
	}
	if _, err := s.store.GetRole(ctx, role.ID); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrRoleExists, role.ID)
	} else if !errors.Is(err, authz.ErrRoleNotFound) {
		return nil, fmt.Errorf("get role: %w", err)
	}

	now := time.Now().UTC()
	role.CreatedAt, role.UpdatedAt = now, now
	if err := s.store.SaveRole(ctx, role); err != nil {
		return nil, fmt.Errorf("save role: %w", err)
	}
	if err := s.reloadLocked(ctx); err != nil {
		return nil, err
	}
	s.record(ctx, audit.EventTypeRoleSave, role.ID, fmt.Sprintf("%d permissions", len(role.Permissions)))
	s.logger.Info("role created", "id", role.ID, "permissions", len(role.Permissions))
	return s.store.GetRole(ctx, role.ID)
}

// UpdateRole replaces a role's name, description and permissions.
func (s *PolicyAdminService) UpdateRole(ctx context.Context, id string, role *authz.Role) (*authz.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.store.GetRole(ctx, id)
	if err != nil {
		return nil, err
	}
	role.ID = id
	if err := normalizeRole(role); err != nil {
		return nil, err
	}
	role.CreatedAt = existing.CreatedAt
	role.UpdatedAt = time.Now().UTC()
	if err := s.store.SaveRole(ctx, role); err != nil {
		return nil, fmt.Errorf("save role: %w", err)
	}
	if err := s.reloadLocked(ctx); err != nil {
		return nil, err
	}
	s.record(ctx, audit.EventTypeRoleSave, id, fmt.Sprintf("%d permissions", len(role.Permissions)))
	s.logger.Info("role updated", "id", id, "permissions", len(role.Permissions))
	return s.store.GetRole(ctx, id)
}

// DeleteRole removes a role and its assignments.
func (s *PolicyAdminService) DeleteRole(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.DeleteRole(ctx, id); err != nil {
		return err
	}
	if err := s.reloadLocked(ctx); err != nil {
		return err
	}
	s.record(ctx, audit.EventTypeRoleDelete, id, "")
	s.logger.Info("role deleted", "id", id)
	return nil
}

// ListUserRoles returns assignments, optionally for one user.
func (s *PolicyAdminService) ListUserRoles(ctx context.Context, userID string) ([]authz.UserRole, error) {
	all, err := s.store.ListUserRoles(ctx)
	if err != nil {
		return nil, err
	}
	if userID == "" {
		return all, nil
	}
	out := make([]authz.UserRole, 0)
	for _, ur := range all {
		if ur.UserID == userID {
			out = append(out, ur)
		}
	}
	return out, nil
}

// AssignRole grants roleID to userID. The role must exist.
func (s *PolicyAdminService) AssignRole(ctx context.Context, userID, roleID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidRole)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.store.GetRole(ctx, roleID); err != nil {
		return err
	}
	if err := s.store.AssignRole(ctx, userID, roleID); err != nil {
		return fmt.Errorf("assign role: %w", err)
	}
	if err := s.subjectChangedLocked(ctx, userID); err != nil {
		return err
	}
	s.record(ctx, audit.EventTypeRoleAssign, userID, roleID)
	s.logger.Info("role assigned", "user_id", userID, "role_id", roleID)
	return nil
}

// RevokeRole removes roleID from userID.
func (s *PolicyAdminService) RevokeRole(ctx context.Context, userID, roleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.RevokeRole(ctx, userID, roleID); err != nil {
		return err
	}
	if err := s.subjectChangedLocked(ctx, userID); err != nil {
		return err
	}
	s.record(ctx, audit.EventTypeRoleRevoke, userID, roleID)
	s.logger.Info("role revoked", "user_id", userID, "role_id", roleID)
	return nil
}

// ListConditionRules returns all condition rules.
func (s *PolicyAdminService) ListConditionRules(ctx context.Context) ([]authz.ConditionRule, error) {
	return s.store.ListConditionRules(ctx)
}

// SaveConditionRule validates and stores a rule keyed by name. The
// expression must compile before anything is written.
func (s *PolicyAdminService) SaveConditionRule(ctx context.Context, rule *authz.ConditionRule) error {
	if err := s.validateRule(rule); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}
	if err := s.store.SaveConditionRule(ctx, rule); err != nil {
		return fmt.Errorf("save condition rule: %w", err)
	}
	if err := s.reloadLocked(ctx); err != nil {
		return err
	}
	s.record(ctx, audit.EventTypeRuleSave, rule.Name, rule.Expression)
	s.logger.Info("condition rule saved", "name", rule.Name, "resource", rule.Resource, "action", rule.Action)
	return nil
}

// DeleteConditionRule removes a rule by name.
func (s *PolicyAdminService) DeleteConditionRule(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.DeleteConditionRule(ctx, name); err != nil {
		return err
	}
	if err := s.reloadLocked(ctx); err != nil {
		return err
	}
	s.record(ctx, audit.EventTypeRuleDelete, name, "")
	s.logger.Info("condition rule deleted", "name", name)
	return nil
}

// Reload rebuilds the snapshot from the store and notifies other instances.
func (s *PolicyAdminService) Reload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.reloadLocked(ctx); err != nil {
		return err
	}
	s.record(ctx, audit.EventTypePolicyReload, "", "")
	return nil
}

func (s *PolicyAdminService) reloadLocked(ctx context.Context) error {
	if err := s.authz.Reload(ctx); err != nil {
		s.logger.Error("policy reload after change failed", "error", err)
		return fmt.Errorf("reload policy: %w", err)
	}
	s.notify(ctx)
	return nil
}

func (s *PolicyAdminService) subjectChangedLocked(ctx context.Context, userID string) error {
	if err := s.authz.RefreshSubject(ctx, userID); err != nil {
		return fmt.Errorf("refresh subject: %w", err)
	}
	s.notify(ctx)
	return nil
}

// notify is best effort; other instances converge on their next reload.
func (s *PolicyAdminService) notify(ctx context.Context) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.PublishPolicy(ctx); err != nil {
		s.logger.Warn("failed to publish policy change", "error", err)
	}
}

func (s *PolicyAdminService) record(ctx context.Context, eventType, target, detail string) {
	if s.audit == nil {
		return
	}
	s.audit.Record(audit.AuditRecord{
		EventType: eventType,
		RequestID: ctxkey.RequestID(ctx),
		ClientID:  ctxkey.ClientID(ctx),
		TargetID:  target,
		Detail:    detail,
	})
}

func (s *PolicyAdminService) validateRule(rule *authz.ConditionRule) error {
	rule.Name = strings.TrimSpace(rule.Name)
	switch {
	case rule.Name == "":
		return fmt.Errorf("%w: name is required", ErrInvalidRule)
	case rule.Resource == "" || rule.Action == "":
		return fmt.Errorf("%w: resource and action are required", ErrInvalidRule)
	case s.authz.Compiler() == nil:
		return fmt.Errorf("%w: no condition compiler configured", ErrInvalidRule)
	}
	if _, err := s.authz.Compiler().Compile(rule.Expression); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRule, err)
	}
	return nil
}

// normalizeRole validates a role and drops duplicate permissions.
func normalizeRole(role *authz.Role) error {
	role.Name = strings.TrimSpace(role.Name)
	if role.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRole)
	}
	if strings.ContainsAny(role.ID, " \t\n/") {
		return fmt.Errorf("%w: id %q contains whitespace or '/'", ErrInvalidRole, role.ID)
	}
	seen := make(map[authz.Permission]struct{}, len(role.Permissions))
	perms := make([]authz.Permission, 0, len(role.Permissions))
	for _, p := range role.Permissions {
		if p.Resource == "" || p.Action == "" {
			return fmt.Errorf("%w: permission needs resource and action", ErrInvalidRole)
		}
		if strings.ContainsAny(p.Resource+p.Action, " \t\n") {
			return fmt.Errorf("%w: permission %s contains whitespace", ErrInvalidRole, p)
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		perms = append(perms, p)
	}
	role.Permissions = perms
	return nil
}
