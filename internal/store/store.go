// Package store provides the durable record store and its SQLite
// implementation. The embedding index holds only non-owning references into
// this store; every mutation here that affects a record's existence or
// scope/tags must be paired by the caller with the matching index update.
package store

import (
	"github.com/recallkit/recall/internal/model"
)

// PutParams holds parameters for storing a record.
type PutParams struct {
	Scope           string
	Tags            []string
	Text            string
	Source          string // e.g. "conversation", "summary", "manual"
	Speaker         string // "user" | "assistant" | "system" | ""
	ConversationID  string
	Important       bool
	AutoCreateScope bool
}

// FindParams holds filters for listing records.
type FindParams struct {
	Scopes []string
	Tags   []string
	Time   model.TimeRange
	// Terms keeps only records whose text contains at least one of the
	// given terms, matched case-insensitively inside the query. Retrieval
	// pushes its salient query terms down here so the limit bounds actual
	// candidates instead of a raw newest-first scan.
	Terms []string
	// ConversationID keeps only the turns stored under that conversation.
	ConversationID  string
	IncludeArchived bool
	// OldestFirst flips the sort so maintenance can work through the
	// oldest records first. Default is newest first.
	OldestFirst bool
	Limit       int
}
