// Package model defines the core memory data types and the error taxonomy.
package model

import "time"

// State is a record's lifecycle state. Transitions only move forward:
// ACTIVE -> ARCHIVED -> DELETED.
type State string

const (
	StateActive   State = "active"
	StateArchived State = "archived"
	StateDeleted  State = "deleted"
)

// GlobalScope is always present and is unioned into the effective scope
// filter when a retrieval call names no scope.
const GlobalScope = "global"

// ProfileID is the fixed record id of the user profile singleton.
const ProfileID = "user_profile"

// MaxContentBytes bounds record text size; larger content is rejected
// with ErrValidation.
const MaxContentBytes = 64 * 1024

// Record is a stored memory fact. Owned by the record store; the embedding
// index holds only its id plus a metadata snapshot.
type Record struct {
	ID             string     `json:"id"`
	Scope          string     `json:"scope"`
	Tags           []string   `json:"tags,omitempty"`
	Text           string     `json:"text"`
	Source         string     `json:"source,omitempty"`
	Speaker        string     `json:"speaker,omitempty"`
	ConversationID string     `json:"conversation_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UseCount       int        `json:"use_count"`
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`
	Important      bool       `json:"important"`
	State          State      `json:"state"`
}

// Archived reports whether the record has left active serving.
func (r *Record) Archived() bool { return r.State != StateActive }

// Summary condenses a group of archived records into one entity.
// MessageRefs are weak references: they may dangle after hard deletion.
type Summary struct {
	ID          string    `json:"id"`
	Scope       string    `json:"scope"`
	From        time.Time `json:"from"`
	To          time.Time `json:"to"`
	Text        string    `json:"text"`
	MessageRefs []string  `json:"message_refs,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Scope is a named partition isolating records from unrelated contexts.
type Scope struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Active      bool      `json:"active"`
	Parent      string    `json:"parent,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// TimeRange filters records by creation time. Zero bounds are open.
type TimeRange struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t falls inside the range.
func (tr TimeRange) Contains(t time.Time) bool {
	if !tr.From.IsZero() && t.Before(tr.From) {
		return false
	}
	if !tr.To.IsZero() && t.After(tr.To) {
		return false
	}
	return true
}

// IsZero reports whether both bounds are open.
func (tr TimeRange) IsZero() bool { return tr.From.IsZero() && tr.To.IsZero() }

// RankedResult is one retrieval hit. Tags is the transient result view and
// may include tags unioned from collapsed near-duplicates.
type RankedResult struct {
	Record     Record   `json:"record"`
	Score      float64  `json:"score"`
	Keyword    bool     `json:"keyword,omitempty"`
	MergedTags []string `json:"merged_tags,omitempty"`
}

// ValidSpeakers are the accepted speaker tags on conversation records.
var ValidSpeakers = map[string]bool{
	"":          true,
	"user":      true,
	"assistant": true,
	"system":    true,
}
