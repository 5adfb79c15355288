package store

import (
	"context"
	"time"
)

// ConversationInfo describes one stored conversation: its id, how many
// turns survive, and the time span they cover.
type ConversationInfo struct {
	ID       string    `json:"id"`
	Messages int       `json:"messages"`
	From     time.Time `json:"from"`
	To       time.Time `json:"to"`
}

// ListConversations returns every conversation with at least one live turn,
// most recently active first. Soft-deleted turns do not count.
func (s *SQLiteStore) ListConversations(ctx context.Context) ([]ConversationInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id, COUNT(*), MIN(created_at), MAX(created_at)
		FROM records
		WHERE conversation_id IS NOT NULL AND state != 'deleted'
		GROUP BY conversation_id
		ORDER BY MAX(created_at) DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []ConversationInfo
	for rows.Next() {
		var c ConversationInfo
		var from, to string
		if err := rows.Scan(&c.ID, &c.Messages, &from, &to); err != nil {
			return nil, err
		}
		c.From, _ = time.Parse(time.RFC3339Nano, from)
		c.To, _ = time.Parse(time.RFC3339Nano, to)
		convs = append(convs, c)
	}
	return convs, rows.Err()
}
