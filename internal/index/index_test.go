package index

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/recallkit/recall/internal/embed"
	"github.com/recallkit/recall/internal/model"
)

func vec(dims int, hot int) embed.Vector {
	v := make(embed.Vector, dims)
	v[hot] = 1
	return v
}

func TestInsertAndQuery(t *testing.T) {
	ctx := context.Background()
	ix := NewInMemory(4)

	if err := ix.Insert(ctx, "r1", "work", vec(4, 0), time.Now(), nil); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := ix.Insert(ctx, "r2", "work", vec(4, 1), time.Now(), nil); err != nil {
		t.Fatalf("insert: %v", err)
	}

	hits, err := ix.Query(ctx, []string{"work"}, vec(4, 0), 10, Filter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].RecordID != "r1" {
		t.Errorf("expected r1 first, got %s", hits[0].RecordID)
	}
	if hits[0].Similarity < 0.99 {
		t.Errorf("expected similarity near 1, got %f", hits[0].Similarity)
	}
}

func TestQueryScopeIsolation(t *testing.T) {
	ctx := context.Background()
	ix := NewInMemory(4)

	ix.Insert(ctx, "w1", "work", vec(4, 0), time.Now(), nil)
	ix.Insert(ctx, "p1", "personal", vec(4, 0), time.Now(), nil)

	hits, err := ix.Query(ctx, []string{"work"}, vec(4, 0), 10, Filter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	for _, h := range hits {
		if h.Scope != "work" {
			t.Errorf("hit from scope %q leaked into work query", h.Scope)
		}
	}
	if len(hits) != 1 {
		t.Errorf("expected 1 hit, got %d", len(hits))
	}
}

func TestQueryKBounds(t *testing.T) {
	ctx := context.Background()
	ix := NewInMemory(4)
	for i := 0; i < 4; i++ {
		ix.Insert(ctx, string(rune('a'+i)), "work", vec(4, i), time.Now(), nil)
	}

	hits, err := ix.Query(ctx, []string{"work"}, vec(4, 0), 2, Filter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(hits) > 2 {
		t.Errorf("k=2 returned %d hits", len(hits))
	}

	hits, err = ix.Query(ctx, []string{"work"}, vec(4, 0), 0, Filter{})
	if err != nil {
		t.Fatalf("query k=0: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("k=0 returned %d hits", len(hits))
	}

	// Asking for more than the collection holds must not error.
	hits, err = ix.Query(ctx, []string{"work"}, vec(4, 0), 100, Filter{})
	if err != nil {
		t.Fatalf("query k=100: %v", err)
	}
	if len(hits) != 4 {
		t.Errorf("expected all 4 hits, got %d", len(hits))
	}
}

func TestQueryUnknownScope(t *testing.T) {
	ix := NewInMemory(4)
	hits, err := ix.Query(context.Background(), []string{"ghost"}, vec(4, 0), 5, Filter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("expected no hits, got %d", len(hits))
	}
}

func TestDimensionChecks(t *testing.T) {
	ctx := context.Background()
	ix := NewInMemory(4)

	if err := ix.Insert(ctx, "r1", "work", vec(3, 0), time.Now(), nil); !errors.Is(err, model.ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch on insert, got %v", err)
	}
	if _, err := ix.Query(ctx, []string{"work"}, vec(3, 0), 5, Filter{}); !errors.Is(err, model.ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch on query, got %v", err)
	}
}

func TestQueryFilterBeforeTruncation(t *testing.T) {
	ctx := context.Background()
	ix := NewInMemory(4)

	// Two untagged entries sit closest to the query; the tagged one ranks
	// third but is the only entry the filter accepts.
	ix.Insert(ctx, "near1", "work", embed.Normalize(embed.Vector{1, 0.03, 0, 0}), time.Now(), nil)
	ix.Insert(ctx, "near2", "work", embed.Normalize(embed.Vector{1, 0.05, 0, 0}), time.Now(), nil)
	ix.Insert(ctx, "tagged", "work", embed.Normalize(embed.Vector{0.9, 0.436, 0, 0}), time.Now(), []string{"release"})

	hits, err := ix.Query(ctx, []string{"work"}, vec(4, 0), 1, Filter{Tags: []string{"release"}})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(hits) != 1 || hits[0].RecordID != "tagged" {
		t.Fatalf("expected the tagged entry despite ranking below k, got %v", hits)
	}
	if hits[0].Similarity < 0.85 {
		t.Errorf("unexpected similarity %f", hits[0].Similarity)
	}
}

func TestQueryTimeFilter(t *testing.T) {
	ctx := context.Background()
	ix := NewInMemory(4)

	old := time.Now().Add(-48 * time.Hour)
	ix.Insert(ctx, "old", "work", vec(4, 0), old, nil)
	ix.Insert(ctx, "new", "work", vec(4, 0), time.Now(), nil)

	hits, err := ix.Query(ctx, []string{"work"}, vec(4, 0), 5, Filter{
		Time: model.TimeRange{To: time.Now().Add(-24 * time.Hour)},
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(hits) != 1 || hits[0].RecordID != "old" {
		t.Fatalf("expected only the old entry inside the window, got %v", hits)
	}
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	ix := NewInMemory(4)

	ix.Insert(ctx, "r1", "work", vec(4, 0), time.Now(), nil)
	if err := ix.Remove(ctx, "work", "r1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if n := ix.Count("work"); n != 0 {
		t.Errorf("expected empty collection, got %d", n)
	}

	// Removing an unknown id or scope is a no-op.
	if err := ix.Remove(ctx, "work", "ghost"); err != nil {
		t.Errorf("remove unknown id: %v", err)
	}
	if err := ix.Remove(ctx, "nowhere", "r1"); err != nil {
		t.Errorf("remove unknown scope: %v", err)
	}
}

func TestDeleteScope(t *testing.T) {
	ctx := context.Background()
	ix := NewInMemory(4)

	ix.Insert(ctx, "r1", "work", vec(4, 0), time.Now(), nil)
	ix.Insert(ctx, "r2", "work", vec(4, 1), time.Now(), nil)

	if err := ix.DeleteScope("work"); err != nil {
		t.Fatalf("delete scope: %v", err)
	}
	if n := ix.Count("work"); n != 0 {
		t.Errorf("expected 0 entries after scope delete, got %d", n)
	}
}

func TestRecencyTieBreak(t *testing.T) {
	ctx := context.Background()
	ix := NewInMemory(4)

	older := time.Now().Add(-time.Hour)
	newer := time.Now()
	ix.Insert(ctx, "old", "work", vec(4, 0), older, nil)
	ix.Insert(ctx, "new", "work", vec(4, 0), newer, nil)

	hits, err := ix.Query(ctx, []string{"work"}, vec(4, 0), 2, Filter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].RecordID != "new" {
		t.Errorf("expected newer record first on similarity tie, got %s", hits[0].RecordID)
	}
}

func TestPersistentReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	ix, err := Open(dir, 4)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := ix.Insert(ctx, "r1", "work", vec(4, 0), time.Now(), nil); err != nil {
		t.Fatalf("insert: %v", err)
	}

	again, err := Open(dir, 4)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if n := again.Count("work"); n != 1 {
		t.Errorf("expected 1 entry after reopen, got %d", n)
	}
}
