package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/recallkit/recall/internal/model"
)

// InsertSummary stores a summary produced by an archival pass. MessageRefs
// are kept as weak references only; nothing prevents them from dangling
// after the referenced records are hard-deleted.
func (s *SQLiteStore) InsertSummary(ctx context.Context, sum *model.Summary) (string, error) {
	if sum.ID == "" {
		sum.ID = s.newID()
	}
	if sum.CreatedAt.IsZero() {
		sum.CreatedAt = timeNow().UTC()
	}
	var refsJSON *string
	if len(sum.MessageRefs) > 0 {
		b, _ := json.Marshal(sum.MessageRefs)
		v := string(b)
		refsJSON = &v
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO summaries (id, scope, from_ts, to_ts, text, message_refs, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sum.ID, sum.Scope,
		sum.From.UTC().Format(time.RFC3339Nano), sum.To.UTC().Format(time.RFC3339Nano),
		sum.Text, refsJSON, sum.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("insert summary: %w", err)
	}
	return sum.ID, nil
}

// GetSummary retrieves a summary by id.
func (s *SQLiteStore) GetSummary(ctx context.Context, id string) (*model.Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, scope, from_ts, to_ts, text, message_refs, created_at
		 FROM summaries WHERE id = ?`, id)
	sum, err := scanSummary(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: summary %s", model.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &sum, nil
}

// ListSummaries returns summaries for a scope, most recent first.
func (s *SQLiteStore) ListSummaries(ctx context.Context, scopeName string, limit int) ([]model.Summary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, scope, from_ts, to_ts, text, message_refs, created_at
		 FROM summaries WHERE scope = ? ORDER BY created_at DESC LIMIT ?`,
		scopeName, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sums []model.Summary
	for rows.Next() {
		sum, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		sums = append(sums, sum)
	}
	return sums, rows.Err()
}

func scanSummary(row scanner) (model.Summary, error) {
	var sum model.Summary
	var fromTS, toTS, createdAt string
	var refsJSON sql.NullString
	err := row.Scan(&sum.ID, &sum.Scope, &fromTS, &toTS, &sum.Text, &refsJSON, &createdAt)
	if err != nil {
		return sum, err
	}
	sum.From, _ = time.Parse(time.RFC3339Nano, fromTS)
	sum.To, _ = time.Parse(time.RFC3339Nano, toTS)
	sum.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if refsJSON.Valid {
		json.Unmarshal([]byte(refsJSON.String), &sum.MessageRefs)
	}
	return sum, nil
}
