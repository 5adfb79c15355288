package store

import (
	"context"
	"fmt"
	"time"
)

// Link is a provenance edge between records, written by maintenance when it
// folds one record into another.
type Link struct {
	FromID    string `json:"from_id"`
	ToID      string `json:"to_id"`
	Rel       string `json:"rel"`
	CreatedAt string `json:"created_at"`
}

var validRels = map[string]bool{
	"collapsed_into":  true, // duplicate collapsing kept ToID, removed FromID
	"summarized_into": true, // archival condensed FromID into summary ToID
}

// AddLink records a provenance edge. Duplicate edges are ignored.
func (s *SQLiteStore) AddLink(ctx context.Context, fromID, toID, rel string) (*Link, error) {
	if !validRels[rel] {
		return nil, fmt.Errorf("invalid relation %q (valid: collapsed_into, summarized_into)", rel)
	}
	now := timeNow().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO record_links (from_id, to_id, rel, created_at) VALUES (?, ?, ?, ?)`,
		fromID, toID, rel, now)
	if err != nil {
		return nil, err
	}
	return &Link{FromID: fromID, ToID: toID, Rel: rel, CreatedAt: now}, nil
}

// GetLinks returns all provenance edges touching a record or summary id.
func (s *SQLiteStore) GetLinks(ctx context.Context, id string) ([]Link, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT from_id, to_id, rel, created_at FROM record_links
		 WHERE from_id = ? OR to_id = ?`, id, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var links []Link
	for rows.Next() {
		var l Link
		if err := rows.Scan(&l.FromID, &l.ToID, &l.Rel, &l.CreatedAt); err != nil {
			return nil, err
		}
		links = append(links, l)
	}
	return links, rows.Err()
}
