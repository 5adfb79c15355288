package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/recallkit/recall/internal/model"
)

// ExportAll returns live records (active and archived), optionally filtered
// to one scope. Soft-deleted rows are included only when ids lists them
// explicitly via ExportIDs; the default export is the recoverable dataset.
func (s *SQLiteStore) ExportAll(ctx context.Context, scopeName string) ([]model.Record, error) {
	where := []string{`state != ?`}
	args := []interface{}{string(model.StateDeleted)}
	if scopeName != "" {
		where = append(where, `scope = ?`)
		args = append(args, scopeName)
	}
	rows, err := s.db.QueryContext(ctx,
		selectRecords+` WHERE `+strings.Join(where, " AND ")+` ORDER BY scope, created_at`,
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ExportIDs returns the named records regardless of state. The eviction
// backup hook uses this to snapshot rows just before hard deletion.
func (s *SQLiteStore) ExportIDs(ctx context.Context, ids []string) ([]model.Record, error) {
	records := make([]model.Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if err != nil {
			continue // already gone; nothing to back up
		}
		records = append(records, *rec)
	}
	return records, nil
}

// Import stores records from an export, preserving scope and tags but
// assigning fresh ids. Returns the number imported.
func (s *SQLiteStore) Import(ctx context.Context, records []model.Record) (int, error) {
	imported := 0
	for _, r := range records {
		_, err := s.Put(ctx, PutParams{
			Scope:           r.Scope,
			Tags:            r.Tags,
			Text:            r.Text,
			Source:          r.Source,
			Speaker:         r.Speaker,
			ConversationID:  r.ConversationID,
			Important:       r.Important,
			AutoCreateScope: true,
		})
		if err != nil {
			return imported, err
		}
		imported++
	}
	return imported, nil
}

// WriteBackup writes the given records as a timestamped JSON file under
// dir. It is the default backup hook fired before eviction hard-deletes.
func WriteBackup(dir string, records []model.Record) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}
	name := fmt.Sprintf("evicted-%s.json", time.Now().UTC().Format("20060102T150405.000"))
	path := filepath.Join(dir, name)
	b, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}
	return path, nil
}
