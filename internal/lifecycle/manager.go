// Package lifecycle runs the background maintenance policies: time-based
// archival with summarization, usage-based eviction behind a backup hook,
// duplicate collapsing, size-triggered compaction, and scope retirement.
// Every pass goes through the store and index APIs so the invariants the
// serving path relies on are never bypassed.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/recallkit/recall/internal/embed"
	"github.com/recallkit/recall/internal/index"
	"github.com/recallkit/recall/internal/model"
	"github.com/recallkit/recall/internal/scope"
	"github.com/recallkit/recall/internal/store"
)

var timeNow = time.Now

// Policy holds the tunable maintenance thresholds. Zero values take the
// defaults below.
type Policy struct {
	// ArchiveAfter is the active retention window. Default 30 days.
	ArchiveAfter time.Duration
	// EvictAfter is the age past which unused archived records become
	// eligible for hard deletion. Default 90 days.
	EvictAfter time.Duration
	// BatchSize caps records touched per pass so each batch commits
	// quickly and a crash leaves resumable state. Default 100.
	BatchSize int
	// CollapseThreshold treats two records as duplicates when their
	// embeddings are at least this similar. Default 0.95.
	CollapseThreshold float64
	// MaxRecords and MaxBytes are soft limits that trigger compaction.
	// Zero disables the corresponding check.
	MaxRecords int
	MaxBytes   int64
	// Interval is the background schedule. Default 1 hour.
	Interval time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.ArchiveAfter <= 0 {
		p.ArchiveAfter = 30 * 24 * time.Hour
	}
	if p.EvictAfter <= 0 {
		p.EvictAfter = 90 * 24 * time.Hour
	}
	if p.BatchSize <= 0 {
		p.BatchSize = 100
	}
	if p.CollapseThreshold <= 0 {
		p.CollapseThreshold = 0.95
	}
	if p.Interval <= 0 {
		p.Interval = time.Hour
	}
	return p
}

// Embedder computes vectors for the duplicate-collapsing pass.
type Embedder interface {
	Embed(ctx context.Context, text string) (embed.Vector, error)
	Dims() int
}

// BackupFunc is called with the records about to be evicted. An error
// blocks the eviction of that batch.
type BackupFunc func(ctx context.Context, records []model.Record) error

type task struct {
	pass      string
	scopeName string
}

// Manager owns the maintenance schedule and work queue.
type Manager struct {
	store    *store.SQLiteStore
	index    *index.Index
	scopes   *scope.Registry
	embedder Embedder
	backup   BackupFunc
	policy   Policy
	log      *slog.Logger

	work chan task
}

// NewManager wires a lifecycle manager. backup may be nil, which disables
// the eviction pass entirely: without a backup there is no fail-safe way
// to hard-delete.
func NewManager(st *store.SQLiteStore, ix *index.Index, scopes *scope.Registry, e Embedder, backup BackupFunc, policy Policy, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:    st,
		index:    ix,
		scopes:   scopes,
		embedder: e,
		backup:   backup,
		policy:   policy.withDefaults(),
		log:      logger,
		work:     make(chan task, 16),
	}
}

// Run processes the work queue and the periodic schedule until ctx is
// cancelled. Pass failures are logged and retried at the next cycle, never
// propagated.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.policy.Interval)
	defer ticker.Stop()
	m.log.Info("lifecycle manager started", "interval", m.policy.Interval)
	for {
		select {
		case <-ctx.Done():
			m.log.Info("lifecycle manager stopped")
			return
		case <-ticker.C:
			if err := m.RunOnce(ctx); err != nil && ctx.Err() == nil {
				m.log.Warn("maintenance cycle had failures", "error", err)
			}
		case t := <-m.work:
			if err := m.runTask(ctx, t); err != nil && ctx.Err() == nil {
				m.log.Warn("maintenance task failed", "pass", t.pass, "error", err)
			}
		}
	}
}

// Trigger enqueues one pass ("archive", "evict", "collapse", "compact") for
// the background loop. It never blocks; a full queue drops the request
// since the scheduled cycle covers it anyway.
func (m *Manager) Trigger(pass string) {
	select {
	case m.work <- task{pass: pass}:
	default:
		m.log.Warn("maintenance queue full, dropping trigger", "pass", pass)
	}
}

func (m *Manager) runTask(ctx context.Context, t task) error {
	switch t.pass {
	case "archive":
		return m.ArchivePass(ctx)
	case "evict":
		return m.EvictPass(ctx)
	case "collapse":
		return m.CollapsePass(ctx)
	case "compact":
		return m.CompactPass(ctx)
	case "retire":
		_, err := m.RetireScope(ctx, t.scopeName)
		return err
	case "", "all":
		return m.RunOnce(ctx)
	default:
		return fmt.Errorf("unknown maintenance pass %q", t.pass)
	}
}

// RunOnce executes a full maintenance cycle: archive, collapse, evict, then
// compact. Each pass commits independently; the first error is returned
// after all passes have been attempted.
func (m *Manager) RunOnce(ctx context.Context) error {
	passes := []struct {
		name string
		run  func(context.Context) error
	}{
		{"archive", m.ArchivePass},
		{"collapse", m.CollapsePass},
		{"evict", m.EvictPass},
		{"compact", m.CompactPass},
	}
	var firstErr error
	for _, p := range passes {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := p.run(ctx); err != nil {
			m.log.Warn("maintenance pass failed", "pass", p.name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (m *Manager) beginPass(ctx context.Context, name string) string {
	passID := uuid.NewString()
	if err := m.store.TouchMaintenance(ctx, name, passID); err != nil {
		m.log.Warn("recording maintenance run failed", "pass", name, "error", err)
	}
	return passID
}

// RetireScope atomically deletes a scope: all its records transition to
// DELETED, its summaries and index collection are dropped, and the registry
// entry is removed. The scope write lock is held for the duration so a
// concurrent query sees either everything or nothing.
func (m *Manager) RetireScope(ctx context.Context, name string) (int, error) {
	if name == model.GlobalScope {
		return 0, fmt.Errorf("%w: the global scope cannot be retired", model.ErrValidation)
	}
	if _, err := m.scopes.Get(ctx, name); err != nil {
		return 0, err
	}
	passID := m.beginPass(ctx, "retire")

	unlock := m.scopes.LockScope(name)
	defer unlock()

	ids, err := m.store.DeleteScope(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("retire scope %q: %w", name, err)
	}
	if err := m.index.DeleteScope(name); err != nil {
		return 0, fmt.Errorf("retire scope %q: %w", name, err)
	}
	if err := m.scopes.Remove(ctx, name); err != nil && !errors.Is(err, model.ErrScopeNotFound) {
		return 0, fmt.Errorf("retire scope %q: %w", name, err)
	}
	m.log.Info("scope retired", "scope", name, "records", len(ids), "pass", passID)
	return len(ids), nil
}
