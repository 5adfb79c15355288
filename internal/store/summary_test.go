package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/recallkit/recall/internal/model"
)

func TestInsertAndListSummaries(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	id, err := s.InsertSummary(ctx, &model.Summary{
		Scope:       "global",
		From:        time.Now().Add(-48 * time.Hour),
		To:          time.Now().Add(-24 * time.Hour),
		Text:        "2 memories: moved house | changed jobs",
		MessageRefs: []string{"r1", "r2"},
	})
	if err != nil {
		t.Fatalf("insert summary: %v", err)
	}
	if id == "" {
		t.Fatal("expected a summary id")
	}

	got, err := s.GetSummary(ctx, id)
	if err != nil {
		t.Fatalf("get summary: %v", err)
	}
	if len(got.MessageRefs) != 2 {
		t.Errorf("expected 2 refs, got %v", got.MessageRefs)
	}

	sums, err := s.ListSummaries(ctx, "global", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sums) != 1 {
		t.Errorf("expected 1 summary, got %d", len(sums))
	}
}

func TestGetSummaryUnknown(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.GetSummary(context.Background(), "nope"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestLinks(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	if _, err := s.AddLink(ctx, "a", "b", "collapsed_into"); err != nil {
		t.Fatalf("add link: %v", err)
	}
	// Duplicates are ignored.
	if _, err := s.AddLink(ctx, "a", "b", "collapsed_into"); err != nil {
		t.Fatalf("re-add link: %v", err)
	}
	if _, err := s.AddLink(ctx, "a", "b", "bogus"); err == nil {
		t.Error("expected invalid relation to fail")
	}

	links, err := s.GetLinks(ctx, "a")
	if err != nil {
		t.Fatalf("get links: %v", err)
	}
	if len(links) != 1 {
		t.Errorf("expected 1 link, got %d", len(links))
	}
}

func TestProfileRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	if err := s.ProfileSet(ctx, "timezone", "UTC", "preference"); err != nil {
		t.Fatalf("set: %v", err)
	}
	entry, err := s.ProfileGet(ctx, "timezone")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if entry.Value != "UTC" || entry.Category != "preference" {
		t.Errorf("unexpected entry %+v", entry)
	}

	if err := s.ProfileDelete(ctx, "timezone"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.ProfileGet(ctx, "timezone"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestExportSkipsDeadRecords(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	live := mustPut(t, s, PutParams{Scope: "work", Text: "alive"})
	dead := mustPut(t, s, PutParams{Scope: "work", Text: "dead"})
	s.SoftDelete(ctx, []string{dead.ID})

	records, err := s.ExportAll(ctx, "work")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if len(records) != 1 || records[0].ID != live.ID {
		t.Fatalf("expected only the live record, got %v", records)
	}
}

func TestWriteBackup(t *testing.T) {
	s, _ := newTestStore(t)
	rec := mustPut(t, s, PutParams{Scope: "work", Text: "save me"})

	dir := t.TempDir()
	path, err := WriteBackup(dir, []model.Record{*rec})
	if err != nil {
		t.Fatalf("write backup: %v", err)
	}
	if path == "" {
		t.Fatal("expected a backup path")
	}
}
