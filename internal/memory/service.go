// Package memory wires the record store, scope registry, vector index,
// retrieval planner, and lifecycle manager into one engine. Every mutation
// that touches record existence goes through here so the store and the
// index move together.
package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/recallkit/recall/internal/embed"
	"github.com/recallkit/recall/internal/index"
	"github.com/recallkit/recall/internal/lifecycle"
	"github.com/recallkit/recall/internal/model"
	"github.com/recallkit/recall/internal/retrieval"
	"github.com/recallkit/recall/internal/scope"
	"github.com/recallkit/recall/internal/store"
)

// Config holds engine-level settings. Zero values take defaults.
type Config struct {
	// DBPath is the SQLite file. The vector index lives next to it
	// unless IndexDir overrides.
	DBPath   string
	IndexDir string
	// MinSimilarity and CollapseThreshold tune retrieval ranking.
	MinSimilarity     float64
	CollapseThreshold float64
	// AutoCreateScopes lets store() create a missing scope instead of
	// failing with ErrScopeNotFound.
	AutoCreateScopes bool
	// BackupDir receives eviction exports. Empty disables eviction.
	BackupDir string
	Policy    lifecycle.Policy
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig(dbPath string) Config {
	return Config{
		DBPath:            dbPath,
		MinSimilarity:     0.5,
		CollapseThreshold: 0.95,
		AutoCreateScopes:  true,
	}
}

// Service is the memory engine facade.
type Service struct {
	cfg      Config
	db       *sql.DB
	store    *store.SQLiteStore
	scopes   *scope.Registry
	index    *index.Index
	embedder *embed.Dispatcher
	planner  *retrieval.Planner
	manager  *lifecycle.Manager
	log      *slog.Logger
}

// Open builds the engine: SQLite store, persistent vector index, embedding
// dispatcher around the configured provider, planner, and lifecycle
// manager. Call Run to start background maintenance and Close on shutdown.
func Open(cfg Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := store.OpenDB(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	scopes, err := scope.NewRegistry(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	st, err := store.New(db, scopes, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	provider := embed.NewFromEnv()
	dispatcher, err := embed.NewDispatcher(provider, embed.DispatcherConfig{}, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	indexDir := cfg.IndexDir
	if indexDir == "" {
		indexDir = cfg.DBPath + ".index"
	}
	ix, err := index.Open(indexDir, provider.Dims())
	if err != nil {
		dispatcher.Close()
		db.Close()
		return nil, err
	}

	return New(cfg, db, st, scopes, ix, dispatcher, logger), nil
}

// New assembles a service from prebuilt components. Tests use it to inject
// an in-memory index or a deterministic embedder.
func New(cfg Config, db *sql.DB, st *store.SQLiteStore, scopes *scope.Registry, ix *index.Index, dispatcher *embed.Dispatcher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	planner := retrieval.NewPlanner(st, ix, dispatcher, scopes, retrieval.Config{
		MinSimilarity:     cfg.MinSimilarity,
		CollapseThreshold: cfg.CollapseThreshold,
	}, logger)

	var backup lifecycle.BackupFunc
	if cfg.BackupDir != "" {
		dir := cfg.BackupDir
		backup = func(_ context.Context, records []model.Record) error {
			path, err := store.WriteBackup(dir, records)
			if err != nil {
				return err
			}
			logger.Info("eviction backup written", "path", path, "records", len(records))
			return nil
		}
	}
	manager := lifecycle.NewManager(st, ix, scopes, dispatcher, backup, cfg.Policy, logger)

	return &Service{
		cfg:      cfg,
		db:       db,
		store:    st,
		scopes:   scopes,
		index:    ix,
		embedder: dispatcher,
		planner:  planner,
		manager:  manager,
		log:      logger,
	}
}

// Run starts the background maintenance loop. Blocks until ctx cancels.
func (s *Service) Run(ctx context.Context) { s.manager.Run(ctx) }

// Lifecycle exposes the maintenance manager for explicit triggers.
func (s *Service) Lifecycle() *lifecycle.Manager { return s.manager }

// Scopes exposes the scope registry.
func (s *Service) Scopes() *scope.Registry { return s.scopes }

// RecordStore exposes the record store for read-side helpers.
func (s *Service) RecordStore() *store.SQLiteStore { return s.store }

// Close flushes pending usage bumps and releases resources.
func (s *Service) Close() error {
	s.planner.Wait()
	if s.embedder != nil {
		s.embedder.Close()
	}
	return s.db.Close()
}

// StoreParams describes one memory to remember.
type StoreParams struct {
	Text           string
	Scope          string
	Tags           []string
	Source         string
	Speaker        string
	ConversationID string
	Important      bool
}

// Store writes one record and indexes its embedding. A failing embedding
// provider does not lose the record: it stays keyword-searchable and gets
// indexed on a later write of the same text or an index rebuild.
func (s *Service) Store(ctx context.Context, p StoreParams) (*model.Record, error) {
	if p.Scope == "" {
		p.Scope = model.GlobalScope
	}
	rec, err := s.store.Put(ctx, store.PutParams{
		Scope:           p.Scope,
		Tags:            p.Tags,
		Text:            p.Text,
		Source:          p.Source,
		Speaker:         p.Speaker,
		ConversationID:  p.ConversationID,
		Important:       p.Important,
		AutoCreateScope: s.cfg.AutoCreateScopes,
	})
	if err != nil {
		return nil, err
	}

	vec, err := s.embedder.Embed(ctx, rec.Text)
	if err != nil {
		s.log.Warn("embedding failed, record stored without vector", "record", rec.ID, "error", err)
		return rec, nil
	}
	if err := s.index.Insert(ctx, rec.ID, rec.Scope, vec, rec.CreatedAt, rec.Tags); err != nil {
		s.log.Warn("vector indexing failed", "record", rec.ID, "error", err)
	}
	return rec, nil
}

// Message is one turn of a conversation batch.
type Message struct {
	Speaker string
	Text    string
}

// StoreBatch stores a whole conversation under one generated conversation
// id and returns it with the created records. Empty messages are skipped.
func (s *Service) StoreBatch(ctx context.Context, scopeName string, tags []string, messages []Message) (string, []model.Record, error) {
	convID := uuid.NewString()
	var records []model.Record
	for _, msg := range messages {
		if strings.TrimSpace(msg.Text) == "" {
			continue
		}
		rec, err := s.Store(ctx, StoreParams{
			Text:           msg.Text,
			Scope:          scopeName,
			Tags:           tags,
			Source:         "conversation",
			Speaker:        msg.Speaker,
			ConversationID: convID,
		})
		if err != nil {
			return convID, records, err
		}
		records = append(records, *rec)
	}
	return convID, records, nil
}

// Retrieve runs the hybrid search.
func (s *Service) Retrieve(ctx context.Context, q retrieval.Query) ([]model.RankedResult, error) {
	return s.planner.Retrieve(ctx, q)
}

// Conversation returns the turns stored under one conversation id in the
// order they were spoken, including archived ones.
func (s *Service) Conversation(ctx context.Context, convID string) ([]model.Record, error) {
	if strings.TrimSpace(convID) == "" {
		return nil, fmt.Errorf("%w: empty conversation id", model.ErrValidation)
	}
	return s.store.Find(ctx, store.FindParams{
		ConversationID:  convID,
		IncludeArchived: true,
		OldestFirst:     true,
	})
}

// Conversations lists stored conversations, most recently active first.
func (s *Service) Conversations(ctx context.Context) ([]store.ConversationInfo, error) {
	return s.store.ListConversations(ctx)
}

// Get returns one record by id.
func (s *Service) Get(ctx context.Context, id string) (*model.Record, error) {
	return s.store.Get(ctx, id)
}

// DeleteParams selects records to delete: exactly one of ID, Scope, or Tag.
type DeleteParams struct {
	ID    string
	Scope string
	Tag   string
	// Hard removes rows irreversibly. Default is a recoverable soft
	// delete. Scope deletion is always a full retirement.
	Hard bool
}

// Delete removes records and their index entries, returning how many
// records were affected. Deleting by explicit id overrides the important
// flag; bulk deletion by tag does not.
func (s *Service) Delete(ctx context.Context, p DeleteParams) (int, error) {
	switch {
	case p.ID != "":
		return s.deleteByID(ctx, p.ID, p.Hard)
	case p.Scope != "":
		return s.manager.RetireScope(ctx, p.Scope)
	case p.Tag != "":
		return s.deleteByTag(ctx, p.Tag, p.Hard)
	default:
		return 0, fmt.Errorf("%w: delete needs an id, scope, or tag", model.ErrValidation)
	}
}

func (s *Service) deleteByID(ctx context.Context, id string, hard bool) (int, error) {
	rec, err := s.store.Get(ctx, id)
	if errors.Is(err, model.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if rec.Important && !hard {
		// A delete addressed at a single record is an explicit user
		// decision, which unfreezes it.
		if err := s.store.SetImportant(ctx, id, false); err != nil {
			return 0, err
		}
	}
	var changed []string
	if hard {
		changed, err = s.store.HardDelete(ctx, []string{id})
	} else {
		changed, err = s.store.SoftDelete(ctx, []string{id})
	}
	if err != nil {
		return len(changed), err
	}
	if err := s.index.Remove(ctx, rec.Scope, id); err != nil {
		s.log.Warn("index removal failed", "record", id, "error", err)
	}
	return len(changed), nil
}

func (s *Service) deleteByTag(ctx context.Context, tag string, hard bool) (int, error) {
	records, err := s.store.Find(ctx, store.FindParams{
		Tags:            []string{tag},
		IncludeArchived: true,
	})
	if err != nil {
		return 0, err
	}
	ids := make([]string, len(records))
	for i, rec := range records {
		ids[i] = rec.ID
	}
	var changed []string
	if hard {
		changed, err = s.store.HardDelete(ctx, ids)
	} else {
		changed, err = s.store.SoftDelete(ctx, ids)
	}
	for _, rec := range records {
		if rmErr := s.index.Remove(ctx, rec.Scope, rec.ID); rmErr != nil {
			s.log.Warn("index removal failed", "record", rec.ID, "error", rmErr)
		}
	}
	return len(changed), err
}

// Restore brings a soft-deleted record back to ARCHIVED state. Its vector
// is restored only when it transitions back to ACTIVE.
func (s *Service) Restore(ctx context.Context, id string) error {
	return s.store.Restore(ctx, id)
}

// Stats reports per-scope counts, maintenance timestamps, and sizes,
// including how many vectors each scope's index holds.
func (s *Service) Stats(ctx context.Context) (*store.Stats, error) {
	return s.store.Stats(ctx, s.cfg.DBPath)
}

// IndexCount returns the number of vectors indexed for a scope.
func (s *Service) IndexCount(scopeName string) int {
	return s.index.Count(scopeName)
}

// RebuildIndex re-embeds and re-inserts every active record. Used after
// the index directory is lost or the embedding dimension changes.
func (s *Service) RebuildIndex(ctx context.Context) (int, error) {
	records, err := s.store.Find(ctx, store.FindParams{})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range records {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		vec, err := s.embedder.Embed(ctx, rec.Text)
		if err != nil {
			return n, fmt.Errorf("re-embedding %s: %w", rec.ID, err)
		}
		if err := s.index.Insert(ctx, rec.ID, rec.Scope, vec, rec.CreatedAt, rec.Tags); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Export returns all live records of a scope, or of every scope when
// scopeName is empty.
func (s *Service) Export(ctx context.Context, scopeName string) ([]model.Record, error) {
	return s.store.ExportAll(ctx, scopeName)
}

// Import stores previously exported records under fresh ids and indexes
// them. Returns how many were imported.
func (s *Service) Import(ctx context.Context, records []model.Record) (int, error) {
	n := 0
	for _, rec := range records {
		if _, err := s.Store(ctx, StoreParams{
			Text:      rec.Text,
			Scope:     rec.Scope,
			Tags:      rec.Tags,
			Source:    rec.Source,
			Speaker:   rec.Speaker,
			Important: rec.Important,
		}); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// RememberFact upserts one key/value pair on the user profile. The profile
// is a singleton outside the archival and eviction policies.
func (s *Service) RememberFact(ctx context.Context, key, value, category string) error {
	return s.store.ProfileSet(ctx, key, value, category)
}

// Profile returns all known profile facts.
func (s *Service) Profile(ctx context.Context) ([]store.ProfileEntry, error) {
	return s.store.ProfileAll(ctx)
}

// ForgetFact removes one profile fact.
func (s *Service) ForgetFact(ctx context.Context, key string) error {
	return s.store.ProfileDelete(ctx, key)
}

// Summaries lists the condensed summaries for a scope, newest first.
func (s *Service) Summaries(ctx context.Context, scopeName string, limit int) ([]model.Summary, error) {
	return s.store.ListSummaries(ctx, scopeName, limit)
}
