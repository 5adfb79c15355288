package store

import (
	"context"
	"time"
)

// TouchMaintenance records that a maintenance policy pass completed.
func (s *SQLiteStore) TouchMaintenance(ctx context.Context, policy, passID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO maintenance_runs (policy, pass_id, ran_at) VALUES (?, ?, ?)
		 ON CONFLICT(policy) DO UPDATE SET pass_id = excluded.pass_id, ran_at = excluded.ran_at`,
		policy, passID, timeNow().UTC().Format(time.RFC3339Nano))
	return err
}

// LastMaintenance returns the last completion time per policy.
func (s *SQLiteStore) LastMaintenance(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT policy, ran_at FROM maintenance_runs`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := make(map[string]time.Time)
	for rows.Next() {
		var policy, ranAt string
		if err := rows.Scan(&policy, &ranAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339Nano, ranAt)
		if err == nil {
			runs[policy] = t
		}
	}
	return runs, rows.Err()
}
