package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"time"

	"github.com/recallkit/recall/internal/model"
)

// Stats holds engine statistics for the exposed get_stats contract.
type Stats struct {
	DBPath       string               `json:"db_path"`
	DBSizeBytes  int64                `json:"db_size_bytes"`
	TotalRecords int                  `json:"total_records"`
	ByState      map[string]int       `json:"by_state"`
	Summaries    int                  `json:"summaries"`
	ProfileKeys  int                  `json:"profile_keys"`
	Scopes       []ScopeStats         `json:"scopes"`
	Maintenance  map[string]time.Time `json:"maintenance,omitempty"`
}

// ScopeStats holds per-scope record counts.
type ScopeStats struct {
	Scope    string `json:"scope"`
	Active   int    `json:"active"`
	Archived int    `json:"archived"`
}

// Stats returns record counts per scope and state plus maintenance
// timestamps. dbPath is only used for the file size.
func (s *SQLiteStore) Stats(ctx context.Context, dbPath string) (*Stats, error) {
	st := &Stats{DBPath: dbPath, ByState: map[string]int{}}

	if info, err := os.Stat(dbPath); err == nil {
		st.DBSizeBytes = info.Size()
	}

	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&st.TotalRecords)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM summaries`).Scan(&st.Summaries)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM profile`).Scan(&st.ProfileKeys)

	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM records GROUP BY state`)
	if err != nil {
		return st, err
	}
	for rows.Next() {
		var state string
		var n int
		rows.Scan(&state, &n)
		st.ByState[state] = n
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `
		SELECT scope,
		       SUM(CASE WHEN state = 'active' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN state = 'archived' THEN 1 ELSE 0 END)
		FROM records GROUP BY scope ORDER BY scope`)
	if err != nil {
		return st, err
	}
	for rows.Next() {
		var sc ScopeStats
		rows.Scan(&sc.Scope, &sc.Active, &sc.Archived)
		st.Scopes = append(st.Scopes, sc)
	}
	rows.Close()

	runs, err := s.LastMaintenance(ctx)
	if err == nil && len(runs) > 0 {
		st.Maintenance = runs
	}
	return st, nil
}

// CountLive returns the number of rows still serving (active or archived).
// The lifecycle manager uses it for size-triggered compaction.
func (s *SQLiteStore) CountLive(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE state != 'deleted'`).Scan(&n)
	return n, err
}

// EstimatedSize returns the total text bytes of live records, a cheap proxy
// for storage growth between VACUUMs.
func (s *SQLiteStore) EstimatedSize(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(LENGTH(text)), 0) FROM records WHERE state != 'deleted'`).Scan(&n)
	return n, err
}

// OldestActiveScope returns the scope holding the oldest active record,
// skipping the profile singleton. Compaction targets this scope first.
func (s *SQLiteStore) OldestActiveScope(ctx context.Context) (string, error) {
	var scopeName string
	err := s.db.QueryRowContext(ctx,
		`SELECT scope FROM records WHERE state = 'active' AND id != ? ORDER BY created_at ASC LIMIT 1`,
		model.ProfileID).Scan(&scopeName)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return scopeName, err
}
