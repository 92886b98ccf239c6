package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

// StateVersion is the state.json schema version this package writes.
const StateVersion = "1"

// ErrUnsupportedVersion is returned for state files written by a newer schema.
var ErrUnsupportedVersion = errors.New("unsupported state file version")

// FileStateStore persists AppState in a single JSON file. Writes go through
// a fsynced temp file and a rename, the previous file is kept as .bak, and
// a .lock file serializes writers across processes.
type FileStateStore struct {
	path   string
	mu     sync.Mutex
	logger *slog.Logger
}

// NewFileStateStore creates a store for the file at path. The file and its
// directory are created on the first Save.
func NewFileStateStore(path string, logger *slog.Logger) *FileStateStore {
	return &FileStateStore{path: path, logger: logger}
}

// Load reads the state file. A missing file yields DefaultState(). When the
// file cannot be parsed, the .bak copy is used instead if it is valid.
func (s *FileStateStore) Load() (*AppState, error) {
	var (
		st  *AppState
		err error
	)
	lockErr := s.withLock(lockShared, func() error {
		st, err = s.read(s.path)
		if err == nil || errors.Is(err, fs.ErrNotExist) || errors.Is(err, ErrUnsupportedVersion) {
			return nil
		}
		bak, bakErr := s.read(s.backupPath())
		if bakErr != nil {
			return nil
		}
		s.logger.Warn("state file unreadable, recovered from backup",
			"path", s.path, "backup", s.backupPath(), "error", err)
		st, err = bak, nil
		return nil
	})
	if lockErr != nil {
		// A missing or read-only directory still allows an unlocked read.
		s.logger.Debug("reading state without lock", "path", s.path, "error", lockErr)
		st, err = s.read(s.path)
	}

	switch {
	case errors.Is(err, fs.ErrNotExist):
		s.logger.Info("state file not found, starting with empty policy", "path", s.path)
		return s.DefaultState(), nil
	case err != nil:
		return nil, err
	}
	s.warnIfExposed()
	return st, nil
}

func (s *FileStateStore) read(path string) (*AppState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}
	var st AppState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse state file %s: %w", filepath.Base(path), err)
	}
	if st.Version != "" && st.Version != StateVersion {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedVersion, st.Version)
	}
	return &st, nil
}

// warnIfExposed logs when group or other can read the policy.
func (s *FileStateStore) warnIfExposed() {
	if runtime.GOOS == "windows" {
		return
	}
	info, err := os.Stat(s.path)
	if err != nil {
		return
	}
	if mode := info.Mode().Perm(); mode&0o077 != 0 {
		s.logger.Warn("state.json has too-open permissions, should be 0600",
			"path", s.path, "current_mode", fmt.Sprintf("%04o", mode))
	}
}

// Save writes st under the exclusive lock, keeping the previous file as .bak.
func (s *FileStateStore) Save(st *AppState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st.Version = StateVersion
	st.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	err = s.withLock(lockExclusive, func() error {
		if current, readErr := os.ReadFile(s.path); readErr == nil {
			if err := os.WriteFile(s.backupPath(), current, 0o600); err != nil {
				s.logger.Warn("failed to create backup", "error", err)
			}
		}
		return s.replace(data)
	})
	if err != nil {
		return err
	}

	s.logger.Debug("policy state saved",
		"path", s.path,
		"roles", len(st.Roles),
		"assignments", len(st.UserRoles),
		"condition_rules", len(st.ConditionRules),
	)
	return nil
}

// withLock runs fn while holding the .lock file in mode.
func (s *FileStateStore) withLock(mode lockMode, fn func() error) error {
	f, err := os.OpenFile(s.path+".lock", os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	defer f.Close()

	if err := lockFile(f, mode); err != nil {
		return fmt.Errorf("acquire file lock: %w", err)
	}
	defer unlockFile(f) //nolint:errcheck
	return fn()
}

// replace swaps data in via a fsynced temp file and a rename.
func (s *FileStateStore) replace(data []byte) (err error) {
	tmpPath := s.path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err = f.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err = f.Sync(); err != nil {
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("rename temp to state: %w", err)
	}
	if chmodErr := os.Chmod(s.path, 0o600); chmodErr != nil {
		s.logger.Warn("failed to set permissions on state file", "error", chmodErr)
	}
	return nil
}

// DefaultState returns an empty policy: no roles and no assignments, so
// every subject is denied until roles are seeded.
func (s *FileStateStore) DefaultState() *AppState {
	now := time.Now().UTC()
	return &AppState{
		Version:        StateVersion,
		Roles:          []RoleEntry{},
		UserRoles:      []UserRoleEntry{},
		ConditionRules: []ConditionRuleEntry{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Exists reports whether the state file exists on disk.
func (s *FileStateStore) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Path returns the state file path.
func (s *FileStateStore) Path() string { return s.path }

func (s *FileStateStore) backupPath() string { return s.path + ".bak" }
