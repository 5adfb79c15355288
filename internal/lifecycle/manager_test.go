package lifecycle

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/recallkit/recall/internal/embed"
	"github.com/recallkit/recall/internal/index"
	"github.com/recallkit/recall/internal/model"
	"github.com/recallkit/recall/internal/scope"
	"github.com/recallkit/recall/internal/store"
)

type fixture struct {
	store *store.SQLiteStore
	index *index.Index
	reg   *scope.Registry
	embed *embed.HashEmbedder
	db    *sql.DB
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.OpenDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	reg, err := scope.NewRegistry(db)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	st, err := store.New(db, reg, nil)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	e := embed.NewHashEmbedder(0)
	return &fixture{store: st, index: index.NewInMemory(e.Dims()), reg: reg, embed: e, db: db}
}

func (f *fixture) manager(t *testing.T, backup BackupFunc, policy Policy) *Manager {
	t.Helper()
	return NewManager(f.store, f.index, f.reg, f.embed, backup, policy, nil)
}

func (f *fixture) put(t *testing.T, scopeName, text string, important bool) *model.Record {
	t.Helper()
	ctx := context.Background()
	rec, err := f.store.Put(ctx, store.PutParams{
		Scope: scopeName, Text: text, Important: important, AutoCreateScope: true,
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	vec, _ := f.embed.Embed(ctx, text)
	if err := f.index.Insert(ctx, rec.ID, rec.Scope, vec, rec.CreatedAt, rec.Tags); err != nil {
		t.Fatalf("index insert: %v", err)
	}
	return rec
}

func (f *fixture) backdate(t *testing.T, id string, age time.Duration) {
	t.Helper()
	if _, err := f.db.Exec(`UPDATE records SET created_at = ? WHERE id = ?`,
		time.Now().Add(-age).UTC().Format(time.RFC3339Nano), id); err != nil {
		t.Fatalf("backdate: %v", err)
	}
}

func TestArchivePassSummarizesAndArchives(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.manager(t, nil, Policy{ArchiveAfter: 24 * time.Hour})

	old := f.put(t, "work", "the old office closed last year", false)
	fresh := f.put(t, "work", "the new office opened downtown", false)
	f.backdate(t, old.ID, 48*time.Hour)

	if err := m.ArchivePass(ctx); err != nil {
		t.Fatalf("archive pass: %v", err)
	}

	got, _ := f.store.Get(ctx, old.ID)
	if got.State != model.StateArchived {
		t.Errorf("expected old record archived, got %q", got.State)
	}
	gotFresh, _ := f.store.Get(ctx, fresh.ID)
	if gotFresh.State != model.StateActive {
		t.Errorf("fresh record was archived")
	}
	if n := f.index.Count("work"); n != 1 {
		t.Errorf("expected 1 index entry after archival, got %d", n)
	}

	sums, err := f.store.ListSummaries(ctx, "work", 10)
	if err != nil {
		t.Fatalf("list summaries: %v", err)
	}
	if len(sums) != 1 {
		t.Fatalf("expected 1 summary, got %d", len(sums))
	}
	if len(sums[0].MessageRefs) != 1 || sums[0].MessageRefs[0] != old.ID {
		t.Errorf("summary refs = %v, want [%s]", sums[0].MessageRefs, old.ID)
	}

	links, _ := f.store.GetLinks(ctx, old.ID)
	if len(links) != 1 || links[0].Rel != "summarized_into" {
		t.Errorf("expected summarized_into link, got %v", links)
	}
}

func TestArchivePassSkipsImportant(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.manager(t, nil, Policy{ArchiveAfter: 24 * time.Hour})

	rec := f.put(t, "work", "never forget the database password rotation", true)
	f.backdate(t, rec.ID, 30*24*time.Hour)

	if err := m.ArchivePass(ctx); err != nil {
		t.Fatalf("archive pass: %v", err)
	}
	got, _ := f.store.Get(ctx, rec.ID)
	if got.State != model.StateActive {
		t.Errorf("important record should stay active, got %q", got.State)
	}
}

func TestArchivePassIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.manager(t, nil, Policy{ArchiveAfter: 24 * time.Hour})

	rec := f.put(t, "work", "water the plants weekly", false)
	f.backdate(t, rec.ID, 48*time.Hour)

	if err := m.ArchivePass(ctx); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if err := m.ArchivePass(ctx); err != nil {
		t.Fatalf("second pass: %v", err)
	}

	sums, _ := f.store.ListSummaries(ctx, "work", 10)
	if len(sums) != 1 {
		t.Errorf("rerunning archival duplicated summaries: %d", len(sums))
	}
}

func TestEvictPassRequiresBackup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	rec := f.put(t, "work", "stale and unused", false)
	f.backdate(t, rec.ID, 100*24*time.Hour)
	f.store.Archive(ctx, []string{rec.ID})

	// A failing backup hook blocks the batch.
	failing := func(context.Context, []model.Record) error { return errors.New("disk full") }
	m := f.manager(t, failing, Policy{EvictAfter: 90 * 24 * time.Hour})
	if err := m.EvictPass(ctx); err == nil {
		t.Fatal("expected eviction to fail when backup fails")
	}
	if _, err := f.store.Get(ctx, rec.ID); err != nil {
		t.Fatalf("record evicted despite failed backup: %v", err)
	}

	// With a working hook the record goes away for good.
	var backedUp []model.Record
	working := func(_ context.Context, recs []model.Record) error {
		backedUp = recs
		return nil
	}
	m = f.manager(t, working, Policy{EvictAfter: 90 * 24 * time.Hour})
	if err := m.EvictPass(ctx); err != nil {
		t.Fatalf("evict pass: %v", err)
	}
	if len(backedUp) != 1 || backedUp[0].ID != rec.ID {
		t.Errorf("backup saw %v, want the evicted record", backedUp)
	}
	if _, err := f.store.Get(ctx, rec.ID); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected record gone, got %v", err)
	}
}

func TestEvictPassExemptions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	important := f.put(t, "work", "important archived memory", false)
	used := f.put(t, "work", "archived but it was used once", false)
	f.backdate(t, important.ID, 100*24*time.Hour)
	f.backdate(t, used.ID, 100*24*time.Hour)
	f.store.Archive(ctx, []string{important.ID, used.ID})
	f.store.SetImportant(ctx, important.ID, true)
	f.store.BumpUsage(ctx, used.ID)

	m := f.manager(t, func(context.Context, []model.Record) error { return nil },
		Policy{EvictAfter: 90 * 24 * time.Hour})
	if err := m.EvictPass(ctx); err != nil {
		t.Fatalf("evict pass: %v", err)
	}

	if _, err := f.store.Get(ctx, important.ID); err != nil {
		t.Errorf("important record evicted: %v", err)
	}
	if _, err := f.store.Get(ctx, used.ID); err != nil {
		t.Errorf("used record evicted: %v", err)
	}
}

func TestCollapsePassMergesIdenticalTexts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.manager(t, nil, Policy{})

	a := f.put(t, "work", "the standup is at ten", false)
	b := f.put(t, "work", "the standup is at ten", false)
	f.store.BumpUsage(ctx, a.ID)

	if err := m.CollapsePass(ctx); err != nil {
		t.Fatalf("collapse pass: %v", err)
	}

	gotA, _ := f.store.Get(ctx, a.ID)
	gotB, _ := f.store.Get(ctx, b.ID)
	if gotA.State != model.StateActive {
		t.Errorf("higher use_count record should survive, got %q", gotA.State)
	}
	if gotB.State != model.StateDeleted {
		t.Errorf("duplicate should be soft-deleted, got %q", gotB.State)
	}
	if n := f.index.Count("work"); n != 1 {
		t.Errorf("expected 1 index entry after collapse, got %d", n)
	}

	links, _ := f.store.GetLinks(ctx, b.ID)
	if len(links) != 1 || links[0].Rel != "collapsed_into" || links[0].ToID != a.ID {
		t.Errorf("expected collapsed_into link to %s, got %v", a.ID, links)
	}
}

func TestCollapseFoldsTagsIntoIndexSnapshot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.manager(t, nil, Policy{})

	put := func(tag string) *model.Record {
		rec, err := f.store.Put(ctx, store.PutParams{
			Scope: "work", Text: "the standup is at ten", Tags: []string{tag}, AutoCreateScope: true,
		})
		if err != nil {
			t.Fatalf("put: %v", err)
		}
		vec, _ := f.embed.Embed(ctx, rec.Text)
		if err := f.index.Insert(ctx, rec.ID, rec.Scope, vec, rec.CreatedAt, rec.Tags); err != nil {
			t.Fatalf("index insert: %v", err)
		}
		return rec
	}
	winner := put("calendar")
	put("scheduling")
	f.store.BumpUsage(ctx, winner.ID)

	if err := m.CollapsePass(ctx); err != nil {
		t.Fatalf("collapse pass: %v", err)
	}

	got, _ := f.store.Get(ctx, winner.ID)
	if len(got.Tags) != 2 {
		t.Fatalf("expected unioned tags on the survivor, got %v", got.Tags)
	}
	// The survivor's index entry now carries the folded tag, so a query
	// filtered on it still finds the survivor.
	qv, _ := f.embed.Embed(ctx, "the standup is at ten")
	hits, err := f.index.Query(ctx, []string{"work"}, qv, 5, index.Filter{Tags: []string{"scheduling"}})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(hits) != 1 || hits[0].RecordID != winner.ID {
		t.Fatalf("expected the survivor to match the folded tag, got %v", hits)
	}
}

func TestRetireScope(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.manager(t, nil, Policy{})

	f.put(t, "project-x", "secret alpha", false)
	f.put(t, "project-x", "secret beta", false)

	n, err := m.RetireScope(ctx, "project-x")
	if err != nil {
		t.Fatalf("retire: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 retired records, got %d", n)
	}

	recs, _ := f.store.Find(ctx, store.FindParams{Scopes: []string{"project-x"}, IncludeArchived: true})
	if len(recs) != 0 {
		t.Errorf("find returned %d records after retirement", len(recs))
	}
	if c := f.index.Count("project-x"); c != 0 {
		t.Errorf("index holds %d entries after retirement", c)
	}
	if ok, _ := f.reg.Exists(ctx, "project-x"); ok {
		t.Error("scope still registered after retirement")
	}
}

func TestRetireScopeProtectsGlobal(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t, nil, Policy{})
	if _, err := m.RetireScope(context.Background(), model.GlobalScope); !errors.Is(err, model.ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

func TestRetireUnknownScope(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t, nil, Policy{})
	if _, err := m.RetireScope(context.Background(), "ghost"); !errors.Is(err, model.ErrScopeNotFound) {
		t.Errorf("expected ErrScopeNotFound, got %v", err)
	}
}

func TestCompactPassArchivesOldestScope(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.manager(t, nil, Policy{MaxRecords: 2})

	old := f.put(t, "archive-me", "ancient history", false)
	f.backdate(t, old.ID, 72*time.Hour)
	f.put(t, "work", "recent one", false)
	f.put(t, "work", "recent two", false)

	if err := m.CompactPass(ctx); err != nil {
		t.Fatalf("compact: %v", err)
	}

	got, _ := f.store.Get(ctx, old.ID)
	if got.State != model.StateArchived {
		t.Errorf("expected oldest scope compacted, got %q", got.State)
	}
}

func TestCompactPassNoOpUnderLimit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.manager(t, nil, Policy{MaxRecords: 100})

	rec := f.put(t, "work", "plenty of room", false)
	if err := m.CompactPass(ctx); err != nil {
		t.Fatalf("compact: %v", err)
	}
	got, _ := f.store.Get(ctx, rec.ID)
	if got.State != model.StateActive {
		t.Errorf("record archived despite being under the limit")
	}
}

func TestMaintenanceTimestampsRecorded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.manager(t, nil, Policy{})

	if err := m.ArchivePass(ctx); err != nil {
		t.Fatalf("archive pass: %v", err)
	}
	last, err := f.store.LastMaintenance(ctx)
	if err != nil {
		t.Fatalf("last maintenance: %v", err)
	}
	if _, ok := last["archive"]; !ok {
		t.Error("archive pass not recorded")
	}
}

func TestRunOnceCancellable(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t, nil, Policy{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.RunOnce(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
