package state

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/adapter/outbound/storetest"
	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/domain/authz"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// ---------------------------------------------------------------------------
// FileStateStore
// ---------------------------------------------------------------------------

func TestDefaultState_IsEmptyPolicy(t *testing.T) {
	s := NewFileStateStore(filepath.Join(t.TempDir(), "state.json"), testLogger())
	st := s.DefaultState()

	if st.Version != "1" {
		t.Errorf("expected Version '1', got %q", st.Version)
	}
	if st.Roles == nil || len(st.Roles) != 0 {
		t.Errorf("expected empty Roles slice, got %v", st.Roles)
	}
	if st.UserRoles == nil || len(st.UserRoles) != 0 {
		t.Errorf("expected empty UserRoles slice, got %v", st.UserRoles)
	}
	if st.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}
}

func TestLoad_NoFile_ReturnsDefaultState(t *testing.T) {
	s := NewFileStateStore(filepath.Join(t.TempDir(), "state.json"), testLogger())
	st, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(st.Roles) != 0 {
		t.Errorf("expected no roles, got %d", len(st.Roles))
	}
}

func TestLoad_ValidFile_ReturnsParsedState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	now := time.Now().UTC().Truncate(time.Second)
	original := &AppState{
		Version: "1",
		Roles: []RoleEntry{{
			ID: "editor", Name: "Editor",
			Permissions: []PermissionEntry{{Resource: "invoices", Action: "update"}},
			CreatedAt:   now, UpdatedAt: now,
		}},
		UserRoles: []UserRoleEntry{{UserID: "u1", RoleID: "editor", CreatedAt: now}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	st, err := NewFileStateStore(path, testLogger()).Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(st.Roles) != 1 || st.Roles[0].Permissions[0].Resource != "invoices" {
		t.Errorf("unexpected roles: %+v", st.Roles)
	}
	if len(st.UserRoles) != 1 || st.UserRoles[0].UserID != "u1" {
		t.Errorf("unexpected user roles: %+v", st.UserRoles)
	}
}

func TestLoad_CorruptFile_ReturnsError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := NewFileStateStore(path, testLogger()).Load(); err == nil {
		t.Fatal("expected error for corrupt file")
	}
}

func TestLoad_CorruptFile_RecoversFromBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := NewFileStateStore(path, testLogger())
	st := s.DefaultState()
	st.Roles = append(st.Roles, RoleEntry{ID: "secretary"})
	if err := s.Save(st); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	// The second save moves the first into .bak.
	if err := s.Save(st); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	if err := os.WriteFile(path, []byte("{truncated"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(got.Roles) != 1 || got.Roles[0].ID != "secretary" {
		t.Errorf("Roles = %+v, want the backed up role", got.Roles)
	}
}

func TestLoad_NewerVersion_ReturnsError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte(`{"version":"2","roles":[]}`), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := NewFileStateStore(path, testLogger()).Load()
	if !errors.Is(err, ErrUnsupportedVersion) {
		t.Errorf("Load() error = %v, want ErrUnsupportedVersion", err)
	}
}

func TestSave_CreatesMissingDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "state.json")
	s := NewFileStateStore(path, testLogger())
	if err := s.Save(s.DefaultState()); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	if !s.Exists() {
		t.Error("Exists() = false after Save")
	}
}

func TestSave_SetsFilePermissions0600(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not supported on windows")
	}
	s := NewFileStateStore(filepath.Join(t.TempDir(), "state.json"), testLogger())
	if err := s.Save(s.DefaultState()); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	info, err := os.Stat(s.Path())
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("expected 0600, got %04o", perm)
	}
}

func TestSave_CreatesBackupAndNoTmp(t *testing.T) {
	s := NewFileStateStore(filepath.Join(t.TempDir(), "state.json"), testLogger())
	first := s.DefaultState()
	first.Roles = append(first.Roles, RoleEntry{ID: "v1"})
	if err := s.Save(first); err != nil {
		t.Fatalf("first Save() error: %v", err)
	}
	second := s.DefaultState()
	second.Roles = append(second.Roles, RoleEntry{ID: "v2"})
	if err := s.Save(second); err != nil {
		t.Fatalf("second Save() error: %v", err)
	}

	bak, err := os.ReadFile(s.Path() + ".bak")
	if err != nil {
		t.Fatalf("read backup: %v", err)
	}
	var prev AppState
	if err := json.Unmarshal(bak, &prev); err != nil {
		t.Fatalf("parse backup: %v", err)
	}
	if len(prev.Roles) != 1 || prev.Roles[0].ID != "v1" {
		t.Errorf("backup holds %+v, want v1", prev.Roles)
	}
	if _, err := os.Stat(s.Path() + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}
	if !s.Exists() {
		t.Error("Exists() = false after Save")
	}
}

// ---------------------------------------------------------------------------
// PolicyStore
// ---------------------------------------------------------------------------

func TestPolicyStore_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) authz.PolicyStore {
		store, err := OpenPolicyStore(NewFileStateStore(filepath.Join(t.TempDir(), "state.json"), testLogger()))
		if err != nil {
			t.Fatalf("OpenPolicyStore() error: %v", err)
		}
		return store
	})
}

func TestPolicyStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")

	store, err := OpenPolicyStore(NewFileStateStore(path, testLogger()))
	if err != nil {
		t.Fatalf("OpenPolicyStore() error: %v", err)
	}
	if err := store.SaveRole(ctx, &authz.Role{ID: "editor", Name: "Editor", Permissions: []authz.Permission{{Resource: "invoices", Action: "update"}}}); err != nil {
		t.Fatalf("SaveRole() error: %v", err)
	}
	if err := store.AssignRole(ctx, "u1", "editor"); err != nil {
		t.Fatalf("AssignRole() error: %v", err)
	}

	reopened, err := OpenPolicyStore(NewFileStateStore(path, testLogger()))
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	role, err := reopened.GetRole(ctx, "editor")
	if err != nil {
		t.Fatalf("GetRole() error: %v", err)
	}
	if !role.Grants("invoices", "update") {
		t.Errorf("reopened role = %+v", role)
	}
	urs, err := reopened.ListUserRoles(ctx)
	if err != nil {
		t.Fatalf("ListUserRoles() error: %v", err)
	}
	if len(urs) != 1 {
		t.Errorf("reopened assignments = %v", urs)
	}
}

func TestPolicyStore_FailedWriteLeavesStateUnchanged(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("directory permissions not enforced on windows")
	}
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	ctx := context.Background()
	dir := t.TempDir()
	store, err := OpenPolicyStore(NewFileStateStore(filepath.Join(dir, "state.json"), testLogger()))
	if err != nil {
		t.Fatalf("OpenPolicyStore() error: %v", err)
	}
	if err := os.Chmod(dir, 0500); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	defer func() { _ = os.Chmod(dir, 0700) }()

	if err := store.SaveRole(ctx, &authz.Role{ID: "x", Name: "X"}); err == nil {
		t.Fatal("SaveRole() succeeded on read-only directory")
	}
	roles, _ := store.ListRoles(ctx)
	if len(roles) != 0 {
		t.Errorf("failed write became visible: %v", roles)
	}
}

func TestPolicyStore_ConcurrentWrites(t *testing.T) {
	ctx := context.Background()
	store, err := OpenPolicyStore(NewFileStateStore(filepath.Join(t.TempDir(), "state.json"), testLogger()))
	if err != nil {
		t.Fatalf("OpenPolicyStore() error: %v", err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := string(rune('a' + i))
			if err := store.SaveRole(ctx, &authz.Role{ID: id, Name: id}); err != nil {
				t.Errorf("SaveRole(%s) error: %v", id, err)
			}
		}()
	}
	wg.Wait()
	roles, err := store.ListRoles(ctx)
	if err != nil {
		t.Fatalf("ListRoles() error: %v", err)
	}
	if len(roles) != 10 {
		t.Errorf("ListRoles() returned %d roles, want 10", len(roles))
	}
}
