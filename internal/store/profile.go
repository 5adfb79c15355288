package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/recallkit/recall/internal/model"
)

// ProfileEntry is one fact in the user profile singleton. The profile is
// never subject to automatic archival or eviction.
type ProfileEntry struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	Category  string    `json:"category"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProfileSet stores or overwrites a profile fact.
func (s *SQLiteStore) ProfileSet(ctx context.Context, key, value, category string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: empty profile key", model.ErrValidation)
	}
	if category == "" {
		category = "facts"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO profile (key, value, category, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value,
		     category = excluded.category, updated_at = excluded.updated_at`,
		key, value, category, timeNow().UTC().Format(time.RFC3339Nano))
	return err
}

// ProfileGet returns one profile fact.
func (s *SQLiteStore) ProfileGet(ctx context.Context, key string) (*ProfileEntry, error) {
	var e ProfileEntry
	var updatedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT key, value, category, updated_at FROM profile WHERE key = ?`, key).
		Scan(&e.Key, &e.Value, &e.Category, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: profile key %q", model.ErrNotFound, key)
	}
	if err != nil {
		return nil, err
	}
	e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &e, nil
}

// ProfileAll returns all profile facts ordered by key.
func (s *SQLiteStore) ProfileAll(ctx context.Context) ([]ProfileEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, category, updated_at FROM profile ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []ProfileEntry
	for rows.Next() {
		var e ProfileEntry
		var updatedAt string
		if err := rows.Scan(&e.Key, &e.Value, &e.Category, &updatedAt); err != nil {
			return nil, err
		}
		e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ProfileDelete removes a profile fact. Unknown keys are no-ops.
func (s *SQLiteStore) ProfileDelete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM profile WHERE key = ?`, key)
	return err
}
