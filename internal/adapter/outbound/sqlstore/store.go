// Package sqlstore implements authz.PolicyStore on SQL databases. SQLite
// (modernc.org/sqlite, no cgo) and PostgreSQL (pgx) share one schema and
// one set of queries; only placeholders and integer types differ.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	_ "modernc.org/sqlite"              // registers the "sqlite" driver

	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/domain/authz"
)

// Dialect selects the SQL flavor.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// ErrUnsupportedDialect is returned by Open for unknown dialects.
var ErrUnsupportedDialect = errors.New("unsupported sql dialect")

// Store is a SQL-backed policy store.
type Store struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger
}

// Open connects to the database and applies the schema. For SQLite, dsn is
// a file path or ":memory:".
func Open(ctx context.Context, dialect Dialect, dsn string, logger *slog.Logger) (*Store, error) {
	var driver string
	switch dialect {
	case DialectSQLite:
		driver = "sqlite"
		dsn = sqliteDSN(dsn)
	case DialectPostgres:
		driver = "pgx"
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDialect, dialect)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// One writer; also keeps a ":memory:" database on a single connection.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}

	s := &Store{db: db, dialect: dialect, logger: logger}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Debug("sql policy store ready", "dialect", dialect)
	return s, nil
}

func sqliteDSN(path string) string {
	const pragmas = "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if path == ":memory:" {
		return "file::memory:?" + pragmas
	}
	if strings.Contains(path, "?") {
		return path + "&" + pragmas
	}
	return "file:" + path + "?" + pragmas
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	intType := "INTEGER"
	if s.dialect == DialectPostgres {
		intType = "BIGINT"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS authz_roles (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			created_at ` + intType + ` NOT NULL,
			updated_at ` + intType + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS authz_role_permissions (
			role_id TEXT NOT NULL REFERENCES authz_roles(id) ON DELETE CASCADE,
			resource TEXT NOT NULL,
			action TEXT NOT NULL,
			PRIMARY KEY (role_id, resource, action)
		)`,
		`CREATE TABLE IF NOT EXISTS authz_user_roles (
			user_id TEXT NOT NULL,
			role_id TEXT NOT NULL REFERENCES authz_roles(id) ON DELETE CASCADE,
			created_at ` + intType + ` NOT NULL,
			PRIMARY KEY (user_id, role_id)
		)`,
		`CREATE TABLE IF NOT EXISTS authz_condition_rules (
			name TEXT PRIMARY KEY,
			resource TEXT NOT NULL,
			action TEXT NOT NULL,
			expression TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			created_at ` + intType + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS authz_user_roles_role ON authz_user_roles(role_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// rebind converts "?" placeholders to "$n" for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, q execer, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, s.rebind(query), args...)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// ListRoles returns all roles with their permissions, ordered by ID.
func (s *Store) ListRoles(ctx context.Context) ([]authz.Role, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, description, created_at, updated_at FROM authz_roles ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	defer rows.Close()

	var roles []authz.Role
	index := make(map[string]int)
	for rows.Next() {
		var r authz.Role
		var created, updated int64
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		r.CreatedAt, r.UpdatedAt = fromUnix(created), fromUnix(updated)
		r.Permissions = []authz.Permission{}
		index[r.ID] = len(roles)
		roles = append(roles, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}

	prow, err := s.db.QueryContext(ctx, `SELECT role_id, resource, action FROM authz_role_permissions ORDER BY role_id, resource, action`)
	if err != nil {
		return nil, fmt.Errorf("list permissions: %w", err)
	}
	defer prow.Close()
	for prow.Next() {
		var roleID string
		var p authz.Permission
		if err := prow.Scan(&roleID, &p.Resource, &p.Action); err != nil {
			return nil, fmt.Errorf("scan permission: %w", err)
		}
		if i, ok := index[roleID]; ok {
			roles[i].Permissions = append(roles[i].Permissions, p)
		}
	}
	return roles, prow.Err()
}

// GetRole returns a role by ID.
func (s *Store) GetRole(ctx context.Context, id string) (*authz.Role, error) {
	var r authz.Role
	var created, updated int64
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT id, name, description, created_at, updated_at FROM authz_roles WHERE id = ?`), id,
	).Scan(&r.ID, &r.Name, &r.Description, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, authz.ErrRoleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get role: %w", err)
	}
	r.CreatedAt, r.UpdatedAt = fromUnix(created), fromUnix(updated)

	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT resource, action FROM authz_role_permissions WHERE role_id = ? ORDER BY resource, action`), id)
	if err != nil {
		return nil, fmt.Errorf("get role permissions: %w", err)
	}
	defer rows.Close()
	r.Permissions = []authz.Permission{}
	for rows.Next() {
		var p authz.Permission
		if err := rows.Scan(&p.Resource, &p.Action); err != nil {
			return nil, fmt.Errorf("scan permission: %w", err)
		}
		r.Permissions = append(r.Permissions, p)
	}
	return &r, rows.Err()
}

// SaveRole creates or replaces a role and its whole permission set.
func (s *Store) SaveRole(ctx context.Context, role *authz.Role) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		created := role.CreatedAt
		if created.IsZero() {
			created = now
		}
		if _, err := s.exec(ctx, tx, `INSERT INTO authz_roles (id, name, description, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET name = excluded.name, description = excluded.description, updated_at = excluded.updated_at`,
			role.ID, role.Name, role.Description, created.UnixNano(), now.UnixNano()); err != nil {
			return fmt.Errorf("upsert role: %w", err)
		}
		if _, err := s.exec(ctx, tx, `DELETE FROM authz_role_permissions WHERE role_id = ?`, role.ID); err != nil {
			return fmt.Errorf("clear permissions: %w", err)
		}
		for _, p := range role.Permissions {
			if _, err := s.exec(ctx, tx, `INSERT INTO authz_role_permissions (role_id, resource, action)
				VALUES (?, ?, ?) ON CONFLICT DO NOTHING`, role.ID, p.Resource, p.Action); err != nil {
				return fmt.Errorf("insert permission: %w", err)
			}
		}
		return nil
	})
}

// DeleteRole removes a role; assignments and permissions cascade.
func (s *Store) DeleteRole(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		// Explicit deletes keep this correct even where cascades are off.
		if _, err := s.exec(ctx, tx, `DELETE FROM authz_user_roles WHERE role_id = ?`, id); err != nil {
			return fmt.Errorf("delete assignments: %w", err)
		}
		if _, err := s.exec(ctx, tx, `DELETE FROM authz_role_permissions WHERE role_id = ?`, id); err != nil {
			return fmt.Errorf("delete permissions: %w", err)
		}
		res, err := s.exec(ctx, tx, `DELETE FROM authz_roles WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete role: %w", err)
		}
		return requireAffected(res, authz.ErrRoleNotFound)
	})
}

// ListUserRoles returns all assignments ordered by user then role.
func (s *Store) ListUserRoles(ctx context.Context) ([]authz.UserRole, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, role_id, created_at FROM authz_user_roles ORDER BY user_id, role_id`)
	if err != nil {
		return nil, fmt.Errorf("list user roles: %w", err)
	}
	defer rows.Close()
	var out []authz.UserRole
	for rows.Next() {
		var ur authz.UserRole
		var created int64
		if err := rows.Scan(&ur.UserID, &ur.RoleID, &created); err != nil {
			return nil, fmt.Errorf("scan user role: %w", err)
		}
		ur.CreatedAt = fromUnix(created)
		out = append(out, ur)
	}
	return out, rows.Err()
}

// AssignRole grants roleID to userID.
func (s *Store) AssignRole(ctx context.Context, userID, roleID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM authz_roles WHERE id = ?`), roleID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return authz.ErrRoleNotFound
		}
		if err != nil {
			return fmt.Errorf("check role: %w", err)
		}
		if _, err := s.exec(ctx, tx, `INSERT INTO authz_user_roles (user_id, role_id, created_at)
			VALUES (?, ?, ?) ON CONFLICT DO NOTHING`, userID, roleID, time.Now().UTC().UnixNano()); err != nil {
			return fmt.Errorf("assign role: %w", err)
		}
		return nil
	})
}

// RevokeRole removes an assignment.
func (s *Store) RevokeRole(ctx context.Context, userID, roleID string) error {
	res, err := s.exec(ctx, s.db, `DELETE FROM authz_user_roles WHERE user_id = ? AND role_id = ?`, userID, roleID)
	if err != nil {
		return fmt.Errorf("revoke role: %w", err)
	}
	return requireAffected(res, authz.ErrAssignmentNotFound)
}

// ListConditionRules returns all rules ordered by name.
func (s *Store) ListConditionRules(ctx context.Context) ([]authz.ConditionRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, resource, action, expression, description, created_at FROM authz_condition_rules ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list condition rules: %w", err)
	}
	defer rows.Close()
	var out []authz.ConditionRule
	for rows.Next() {
		var r authz.ConditionRule
		var created int64
		if err := rows.Scan(&r.Name, &r.Resource, &r.Action, &r.Expression, &r.Description, &created); err != nil {
			return nil, fmt.Errorf("scan condition rule: %w", err)
		}
		r.CreatedAt = fromUnix(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveConditionRule creates or replaces a rule.
func (s *Store) SaveConditionRule(ctx context.Context, rule *authz.ConditionRule) error {
	created := rule.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.exec(ctx, s.db, `INSERT INTO authz_condition_rules (name, resource, action, expression, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET resource = excluded.resource, action = excluded.action,
			expression = excluded.expression, description = excluded.description`,
		rule.Name, rule.Resource, rule.Action, rule.Expression, rule.Description, created.UnixNano())
	if err != nil {
		return fmt.Errorf("save condition rule: %w", err)
	}
	return nil
}

// DeleteConditionRule removes a rule by name.
func (s *Store) DeleteConditionRule(ctx context.Context, name string) error {
	res, err := s.exec(ctx, s.db, `DELETE FROM authz_condition_rules WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("delete condition rule: %w", err)
	}
	return requireAffected(res, authz.ErrConditionRuleNotFound)
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func requireAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func fromUnix(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// Compile-time interface verification.
var _ authz.PolicyStore = (*Store)(nil)
