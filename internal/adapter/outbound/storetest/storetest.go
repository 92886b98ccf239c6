// Package storetest holds the behavioral tests every authz.PolicyStore
// implementation must pass.
package storetest

import (
	"context"
	"errors"
	"testing"

	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/domain/authz"
)

// Run exercises store. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) authz.PolicyStore) {
	t.Helper()

	t.Run("role round trip", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		role := &authz.Role{ID: "editor", Name: "Editor", Permissions: []authz.Permission{
			{Resource: "invoices", Action: "update"},
			{Resource: "invoices", Action: "read"},
		}}
		if err := store.SaveRole(ctx, role); err != nil {
			t.Fatalf("SaveRole() error: %v", err)
		}
		role.Permissions[0].Action = "mutated"

		got, err := store.GetRole(ctx, "editor")
		if err != nil {
			t.Fatalf("GetRole() error: %v", err)
		}
		if got.Name != "Editor" || len(got.Permissions) != 2 {
			t.Fatalf("GetRole() = %+v", got)
		}
		if !got.Grants("invoices", "update") || got.Grants("invoices", "mutated") {
			t.Error("stored role shares memory with the caller's value")
		}

		if _, err := store.GetRole(ctx, "missing"); !errors.Is(err, authz.ErrRoleNotFound) {
			t.Errorf("GetRole(missing) error = %v, want ErrRoleNotFound", err)
		}
	})

	t.Run("save replaces permissions wholesale", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		mustSave(t, store, &authz.Role{ID: "r", Name: "R", Permissions: []authz.Permission{
			{Resource: "a", Action: "read"}, {Resource: "b", Action: "read"},
		}})
		mustSave(t, store, &authz.Role{ID: "r", Name: "R2", Permissions: []authz.Permission{
			{Resource: "c", Action: "read"},
		}})
		got, err := store.GetRole(ctx, "r")
		if err != nil {
			t.Fatalf("GetRole() error: %v", err)
		}
		if got.Name != "R2" || len(got.Permissions) != 1 || !got.Grants("c", "read") {
			t.Errorf("GetRole() after replace = %+v", got)
		}
		roles, err := store.ListRoles(ctx)
		if err != nil {
			t.Fatalf("ListRoles() error: %v", err)
		}
		if len(roles) != 1 {
			t.Errorf("ListRoles() returned %d roles, want 1", len(roles))
		}
	})

	t.Run("assignments", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		mustSave(t, store, &authz.Role{ID: "editor", Name: "Editor"})
		mustSave(t, store, &authz.Role{ID: "viewer", Name: "Viewer"})

		for _, a := range [][2]string{{"u1", "editor"}, {"u1", "viewer"}, {"u2", "viewer"}, {"u1", "editor"}} {
			if err := store.AssignRole(ctx, a[0], a[1]); err != nil {
				t.Fatalf("AssignRole(%s, %s) error: %v", a[0], a[1], err)
			}
		}
		if err := store.AssignRole(ctx, "u1", "ghost"); !errors.Is(err, authz.ErrRoleNotFound) {
			t.Errorf("AssignRole(unknown role) error = %v, want ErrRoleNotFound", err)
		}

		urs, err := store.ListUserRoles(ctx)
		if err != nil {
			t.Fatalf("ListUserRoles() error: %v", err)
		}
		if len(urs) != 3 {
			t.Fatalf("ListUserRoles() = %v, want 3 assignments", urs)
		}

		if err := store.RevokeRole(ctx, "u1", "viewer"); err != nil {
			t.Fatalf("RevokeRole() error: %v", err)
		}
		if err := store.RevokeRole(ctx, "u1", "viewer"); !errors.Is(err, authz.ErrAssignmentNotFound) {
			t.Errorf("second RevokeRole() error = %v, want ErrAssignmentNotFound", err)
		}

		if err := store.DeleteRole(ctx, "viewer"); err != nil {
			t.Fatalf("DeleteRole() error: %v", err)
		}
		urs, err = store.ListUserRoles(ctx)
		if err != nil {
			t.Fatalf("ListUserRoles() error: %v", err)
		}
		if len(urs) != 1 || urs[0].UserID != "u1" || urs[0].RoleID != "editor" {
			t.Errorf("assignments after deleting viewer = %v", urs)
		}
		if err := store.DeleteRole(ctx, "viewer"); !errors.Is(err, authz.ErrRoleNotFound) {
			t.Errorf("DeleteRole(missing) error = %v, want ErrRoleNotFound", err)
		}
	})

	t.Run("condition rules", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		rule := &authz.ConditionRule{Name: "owner-only", Resource: "invoices", Action: "*", Expression: `entity_owner_id == subject_id`}
		if err := store.SaveConditionRule(ctx, rule); err != nil {
			t.Fatalf("SaveConditionRule() error: %v", err)
		}
		rule.Expression = "false"
		if err := store.SaveConditionRule(ctx, rule); err != nil {
			t.Fatalf("SaveConditionRule() replace error: %v", err)
		}
		rules, err := store.ListConditionRules(ctx)
		if err != nil {
			t.Fatalf("ListConditionRules() error: %v", err)
		}
		if len(rules) != 1 || rules[0].Expression != "false" {
			t.Errorf("ListConditionRules() = %+v", rules)
		}
		if err := store.DeleteConditionRule(ctx, "owner-only"); err != nil {
			t.Fatalf("DeleteConditionRule() error: %v", err)
		}
		if err := store.DeleteConditionRule(ctx, "owner-only"); !errors.Is(err, authz.ErrConditionRuleNotFound) {
			t.Errorf("DeleteConditionRule(missing) error = %v, want ErrConditionRuleNotFound", err)
		}
	})
}

func mustSave(t *testing.T, store authz.PolicyStore, r *authz.Role) {
	t.Helper()
	if err := store.SaveRole(context.Background(), r); err != nil {
		t.Fatalf("SaveRole(%s) error: %v", r.ID, err)
	}
}
