// Package index maintains the vector index over active records. It is a
// derived structure: the record store owns the canonical data, and every
// entry here is keyed by record id so the two can be reconciled.
package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/recallkit/recall/internal/embed"
	"github.com/recallkit/recall/internal/model"
)

// Hit is one vector-index match. Vector is the stored embedding, kept so
// callers can compare hits against each other without re-embedding. Tags is
// the snapshot taken at insert time; the record store stays authoritative.
type Hit struct {
	RecordID   string
	Scope      string
	Similarity float32
	CreatedAt  time.Time
	Tags       []string
	Vector     embed.Vector
}

// Filter restricts a query by the metadata snapshot each entry carries. It
// is evaluated before the top-k cut, so a matching entry is never displaced
// by higher-ranked entries the filter rejects. The zero value matches all.
type Filter struct {
	// Tags must all be present on an entry for it to match.
	Tags []string
	Time model.TimeRange
}

func (f Filter) empty() bool {
	return len(f.Tags) == 0 && f.Time.IsZero()
}

func (f Filter) matches(h Hit) bool {
	if !f.Time.IsZero() && !f.Time.Contains(h.CreatedAt) {
		return false
	}
	for _, want := range f.Tags {
		found := false
		for _, t := range h.Tags {
			if t == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Index stores one collection per scope in an embedded chromem database.
type Index struct {
	db   *chromem.DB
	dims int

	mu sync.Mutex
}

// Open creates or reopens a persistent index at dir. dims is the embedding
// dimension every vector must match.
func Open(dir string, dims int) (*Index, error) {
	db, err := chromem.NewPersistentDB(dir, false)
	if err != nil {
		return nil, fmt.Errorf("open vector index: %w", err)
	}
	return &Index{db: db, dims: dims}, nil
}

// NewInMemory returns an index that is not persisted. Used in tests and
// when the index is rebuilt from the record store on startup.
func NewInMemory(dims int) *Index {
	return &Index{db: chromem.NewDB(), dims: dims}
}

// Dims returns the embedding dimension the index accepts.
func (ix *Index) Dims() int { return ix.dims }

// noEmbed rejects implicit embedding. All vectors are computed upstream and
// passed in explicitly.
func noEmbed(context.Context, string) ([]float32, error) {
	return nil, errors.New("index does not embed documents itself")
}

func collectionName(scope string) string {
	// chromem restricts collection names; scope names are already
	// validated but may contain characters like ':'.
	return "scope-" + strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, scope)
}

func (ix *Index) collection(scope string, create bool) (*chromem.Collection, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	name := collectionName(scope)
	if !create {
		return ix.db.GetCollection(name, noEmbed), nil
	}
	col, err := ix.db.GetOrCreateCollection(name, map[string]string{"scope": scope}, noEmbed)
	if err != nil {
		return nil, fmt.Errorf("collection for scope %q: %w", scope, err)
	}
	return col, nil
}

// Insert adds or replaces the vector for a record, together with a tags
// snapshot so queries can filter without touching the record store. The
// vector must already be normalized and match the index dimension.
func (ix *Index) Insert(ctx context.Context, recordID, scope string, vec embed.Vector, createdAt time.Time, tags []string) error {
	if len(vec) != ix.dims {
		return fmt.Errorf("%w: index insert %s wants %d dims, got %d", model.ErrDimensionMismatch, recordID, ix.dims, len(vec))
	}
	col, err := ix.collection(scope, true)
	if err != nil {
		return err
	}
	meta := map[string]string{
		"scope":      scope,
		"created_at": createdAt.UTC().Format(time.RFC3339Nano),
	}
	if len(tags) > 0 {
		b, _ := json.Marshal(tags)
		meta["tags"] = string(b)
	}
	doc := chromem.Document{
		ID:        recordID,
		Embedding: vec,
		Content:   recordID,
		Metadata:  meta,
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("index insert %s: %w", recordID, err)
	}
	return nil
}

// Remove drops a record's vector. Missing entries are not an error so that
// archive, delete, and collapse paths can call it unconditionally.
func (ix *Index) Remove(ctx context.Context, scope, recordID string) error {
	col, err := ix.collection(scope, false)
	if err != nil || col == nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, recordID); err != nil {
		// chromem reports unknown ids as errors; treat them as no-ops.
		if strings.Contains(err.Error(), "not found") || strings.Contains(err.Error(), "doesn't exist") {
			return nil
		}
		return fmt.Errorf("index remove %s: %w", recordID, err)
	}
	return nil
}

// Query returns up to k nearest hits across the given scopes that satisfy
// the filter, ordered by similarity descending with newer records first on
// ties. chromem's metadata predicate only does exact equality, so a
// filtered query scores every entry in the scope and filters before
// truncating; the result is the same as if the filter had been pushed into
// the scan.
func (ix *Index) Query(ctx context.Context, scopes []string, vec embed.Vector, k int, f Filter) ([]Hit, error) {
	if k <= 0 {
		return nil, nil
	}
	if len(vec) != ix.dims {
		return nil, fmt.Errorf("%w: index query wants %d dims, got %d", model.ErrDimensionMismatch, ix.dims, len(vec))
	}

	var hits []Hit
	for _, scope := range scopes {
		col, err := ix.collection(scope, false)
		if err != nil {
			return nil, err
		}
		if col == nil {
			continue
		}
		n := col.Count()
		if f.empty() && k < n {
			n = k
		}
		if n == 0 {
			continue
		}
		results, err := col.QueryEmbedding(ctx, vec, n, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("index query scope %q: %w", scope, err)
		}
		for _, r := range results {
			h := Hit{RecordID: r.ID, Scope: scope, Similarity: r.Similarity, Vector: r.Embedding}
			if ts := r.Metadata["created_at"]; ts != "" {
				if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
					h.CreatedAt = t
				}
			}
			if tj := r.Metadata["tags"]; tj != "" {
				json.Unmarshal([]byte(tj), &h.Tags)
			}
			if !f.matches(h) {
				continue
			}
			hits = append(hits, h)
		}
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].CreatedAt.After(hits[j].CreatedAt)
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// DeleteScope drops the whole collection for a scope.
func (ix *Index) DeleteScope(scope string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if err := ix.db.DeleteCollection(collectionName(scope)); err != nil {
		return fmt.Errorf("delete index scope %q: %w", scope, err)
	}
	return nil
}

// Count returns the number of indexed vectors in a scope.
func (ix *Index) Count(scope string) int {
	col, err := ix.collection(scope, false)
	if err != nil || col == nil {
		return 0
	}
	return col.Count()
}
