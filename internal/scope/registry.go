// Package scope tracks which memory scopes exist and mediates scope-level
// locking for atomic bulk mutations.
package scope

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/recallkit/recall/internal/model"
)

// Registry is the SQLite-backed scope registry. It is injected into the
// record store and the retrieval planner so scope existence checks are
// testable in isolation.
type Registry struct {
	db *sql.DB

	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

var timeNow = time.Now

// NewRegistry creates the registry and its table on the shared database.
func NewRegistry(db *sql.DB) (*Registry, error) {
	schema := `
	CREATE TABLE IF NOT EXISTS scopes (
		name        TEXT PRIMARY KEY,
		description TEXT NOT NULL DEFAULT '',
		active      INTEGER NOT NULL DEFAULT 1,
		parent      TEXT,
		created_at  TEXT NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create scopes table: %w", err)
	}
	r := &Registry{db: db, locks: make(map[string]*sync.RWMutex)}
	// The global scope always exists.
	if err := r.Ensure(context.Background(), model.GlobalScope, "shared scope for cross-context facts"); err != nil {
		return nil, err
	}
	return r, nil
}

// Ensure creates the scope if it does not exist. Creation is atomic: a
// concurrent reader sees either no scope or a fully created one.
func (r *Registry) Ensure(ctx context.Context, name, description string) error {
	if err := model.ValidateScopeName(name); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO scopes (name, description, active, created_at) VALUES (?, ?, 1, ?)
		 ON CONFLICT(name) DO NOTHING`,
		name, description, timeNow().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("ensure scope %q: %w", name, err)
	}
	return nil
}

// Exists reports whether the scope is registered, active or not.
func (r *Registry) Exists(ctx context.Context, name string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx, `SELECT 1 FROM scopes WHERE name = ?`, name).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Get returns the scope by name.
func (r *Registry) Get(ctx context.Context, name string) (*model.Scope, error) {
	var s model.Scope
	var active int
	var parent sql.NullString
	var createdAt string
	err := r.db.QueryRowContext(ctx,
		`SELECT name, description, active, parent, created_at FROM scopes WHERE name = ?`,
		name).Scan(&s.Name, &s.Description, &active, &parent, &createdAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: scope %q", model.ErrScopeNotFound, name)
	}
	if err != nil {
		return nil, err
	}
	s.Active = active == 1
	if parent.Valid {
		s.Parent = parent.String
	}
	s.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &s, nil
}

// List returns all scopes, active first, then by name.
func (r *Registry) List(ctx context.Context) ([]model.Scope, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT name, description, active, parent, created_at FROM scopes
		 ORDER BY active DESC, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scopes []model.Scope
	for rows.Next() {
		var s model.Scope
		var active int
		var parent sql.NullString
		var createdAt string
		if err := rows.Scan(&s.Name, &s.Description, &active, &parent, &createdAt); err != nil {
			return nil, err
		}
		s.Active = active == 1
		if parent.Valid {
			s.Parent = parent.String
		}
		s.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		scopes = append(scopes, s)
	}
	return scopes, rows.Err()
}

// SetActive flips a scope's active flag without touching its records.
func (r *Registry) SetActive(ctx context.Context, name string, active bool) error {
	res, err := r.db.ExecContext(ctx, `UPDATE scopes SET active = ? WHERE name = ?`,
		boolToInt(active), name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: scope %q", model.ErrScopeNotFound, name)
	}
	return nil
}

// Remove deletes the registry entry. The caller is responsible for having
// retired the scope's records first, under the scope's write lock.
func (r *Registry) Remove(ctx context.Context, name string) error {
	if name == model.GlobalScope {
		return fmt.Errorf("%w: the %q scope cannot be removed", model.ErrValidation, name)
	}
	res, err := r.db.ExecContext(ctx, `DELETE FROM scopes WHERE name = ?`, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: scope %q", model.ErrScopeNotFound, name)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
