package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/recallkit/recall/internal/model"
	"github.com/recallkit/recall/internal/scope"
)

var timeNow = time.Now

// OpenDB opens or creates the SQLite database at the given path with WAL
// journaling and foreign keys enabled. The returned handle is shared between
// the record store and the scope registry.
func OpenDB(dbPath string) (*sql.DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	return db, nil
}

// SQLiteStore is the durable record store. It owns records, summaries,
// provenance links, the user profile, and maintenance bookkeeping. Scope
// existence is checked through the injected registry.
type SQLiteStore struct {
	db     *sql.DB
	scopes *scope.Registry
	log    *slog.Logger

	mu      sync.Mutex // guards entropy
	entropy *rand.Rand
}

// New creates the store over an open database and runs migrations.
func New(db *sql.DB, scopes *scope.Registry, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &SQLiteStore{
		db:      db,
		scopes:  scopes,
		log:     logger,
		entropy: rand.New(rand.NewSource(timeNow().UnixNano())),
	}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) newID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(timeNow()), s.entropy).String()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		id               TEXT PRIMARY KEY,
		scope            TEXT NOT NULL,
		tags             TEXT,
		text             TEXT NOT NULL,
		source           TEXT NOT NULL DEFAULT '',
		speaker          TEXT NOT NULL DEFAULT '',
		conversation_id  TEXT,
		created_at       TEXT NOT NULL,
		use_count        INTEGER NOT NULL DEFAULT 0,
		last_accessed_at TEXT,
		important        INTEGER NOT NULL DEFAULT 0,
		state            TEXT NOT NULL DEFAULT 'active'
	);
	CREATE INDEX IF NOT EXISTS idx_records_scope_state ON records(scope, state);
	CREATE INDEX IF NOT EXISTS idx_records_created ON records(created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_records_conversation ON records(conversation_id);

	CREATE TABLE IF NOT EXISTS summaries (
		id           TEXT PRIMARY KEY,
		scope        TEXT NOT NULL,
		from_ts      TEXT NOT NULL,
		to_ts        TEXT NOT NULL,
		text         TEXT NOT NULL,
		message_refs TEXT,
		created_at   TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_summaries_scope ON summaries(scope, created_at DESC);

	CREATE TABLE IF NOT EXISTS record_links (
		from_id    TEXT NOT NULL,
		to_id      TEXT NOT NULL,
		rel        TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (from_id, to_id, rel)
	);
	CREATE INDEX IF NOT EXISTS idx_links_to ON record_links(to_id);

	CREATE TABLE IF NOT EXISTS profile (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		category   TEXT NOT NULL DEFAULT 'facts',
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS maintenance_runs (
		policy  TEXT PRIMARY KEY,
		pass_id TEXT NOT NULL,
		ran_at  TEXT NOT NULL
	);`
	_, err := s.db.Exec(schema)
	return err
}

// Put validates and stores a new record. Scope existence is enforced: a
// missing scope is auto-created when p.AutoCreateScope is set, otherwise the
// put fails with ErrScopeNotFound.
func (s *SQLiteStore) Put(ctx context.Context, p PutParams) (*model.Record, error) {
	if err := model.ValidateContent(p.Text); err != nil {
		return nil, err
	}
	if !model.ValidSpeakers[p.Speaker] {
		return nil, fmt.Errorf("%w: unknown speaker %q", model.ErrValidation, p.Speaker)
	}
	for _, tag := range p.Tags {
		if err := model.ValidateTag(tag); err != nil {
			return nil, err
		}
	}

	scopeName := p.Scope
	if scopeName == "" {
		scopeName = model.GlobalScope
	}
	exists, err := s.scopes.Exists(ctx, scopeName)
	if err != nil {
		return nil, err
	}
	if !exists {
		if !p.AutoCreateScope {
			return nil, fmt.Errorf("%w: %q", model.ErrScopeNotFound, scopeName)
		}
		if err := s.scopes.Ensure(ctx, scopeName, "auto-created on first use"); err != nil {
			return nil, err
		}
		s.log.Info("scope auto-created", "scope", scopeName)
	}

	now := timeNow().UTC()
	rec := &model.Record{
		ID:             s.newID(),
		Scope:          scopeName,
		Tags:           p.Tags,
		Text:           p.Text,
		Source:         p.Source,
		Speaker:        p.Speaker,
		ConversationID: p.ConversationID,
		CreatedAt:      now,
		Important:      p.Important,
		State:          model.StateActive,
	}

	var tagsJSON *string
	if len(rec.Tags) > 0 {
		b, _ := json.Marshal(rec.Tags)
		v := string(b)
		tagsJSON = &v
	}
	var convID *string
	if rec.ConversationID != "" {
		convID = &rec.ConversationID
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO records (id, scope, tags, text, source, speaker, conversation_id, created_at, use_count, important, state)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		rec.ID, rec.Scope, tagsJSON, rec.Text, rec.Source, rec.Speaker, convID,
		now.Format(time.RFC3339Nano), boolToInt(rec.Important), string(rec.State))
	if err != nil {
		return nil, fmt.Errorf("insert record: %w", err)
	}
	return rec, nil
}

// Get retrieves a record by id regardless of state.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*model.Record, error) {
	row := s.db.QueryRowContext(ctx, selectRecords+` WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: record %s", model.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Find returns records matching the filter. Archived records are excluded
// unless IncludeArchived is set; soft-deleted records are never returned.
func (s *SQLiteStore) Find(ctx context.Context, p FindParams) ([]model.Record, error) {
	where := []string{}
	args := []interface{}{}

	if p.IncludeArchived {
		where = append(where, `state IN (?, ?)`)
		args = append(args, string(model.StateActive), string(model.StateArchived))
	} else {
		where = append(where, `state = ?`)
		args = append(args, string(model.StateActive))
	}

	if len(p.Scopes) > 0 {
		ph := make([]string, len(p.Scopes))
		for i, sc := range p.Scopes {
			ph[i] = "?"
			args = append(args, sc)
		}
		where = append(where, `scope IN (`+strings.Join(ph, ",")+`)`)
	}
	for _, tag := range p.Tags {
		where = append(where, `tags LIKE ?`)
		args = append(args, `%"`+tag+`"%`)
	}
	if len(p.Terms) > 0 {
		ph := make([]string, len(p.Terms))
		for i, term := range p.Terms {
			ph[i] = `text LIKE ? ESCAPE '\'`
			args = append(args, `%`+likeEscape(term)+`%`)
		}
		where = append(where, `(`+strings.Join(ph, " OR ")+`)`)
	}
	if p.ConversationID != "" {
		where = append(where, `conversation_id = ?`)
		args = append(args, p.ConversationID)
	}
	if !p.Time.From.IsZero() {
		where = append(where, `created_at >= ?`)
		args = append(args, p.Time.From.UTC().Format(time.RFC3339Nano))
	}
	if !p.Time.To.IsZero() {
		where = append(where, `created_at <= ?`)
		args = append(args, p.Time.To.UTC().Format(time.RFC3339Nano))
	}

	order := ` ORDER BY created_at DESC`
	if p.OldestFirst {
		order = ` ORDER BY created_at ASC`
	}
	query := selectRecords + ` WHERE ` + strings.Join(where, " AND ") + order
	if p.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, p.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Archive transitions ACTIVE records to ARCHIVED. Re-archiving is a no-op so
// an interrupted maintenance pass can rerun safely. Important records and
// the profile singleton are never archived. Returns the ids transitioned.
func (s *SQLiteStore) Archive(ctx context.Context, ids []string) ([]string, error) {
	return s.transition(ctx, ids, model.StateActive, model.StateArchived)
}

// SoftDelete marks records DELETED but keeps the rows so they stay
// recoverable until a hard-delete pass. Important records are skipped.
// Unknown ids are no-ops, not errors.
func (s *SQLiteStore) SoftDelete(ctx context.Context, ids []string) ([]string, error) {
	changed := []string{}
	for _, id := range ids {
		res, err := s.db.ExecContext(ctx,
			`UPDATE records SET state = ? WHERE id = ? AND state != ? AND important = 0 AND id != ?`,
			string(model.StateDeleted), id, string(model.StateDeleted), model.ProfileID)
		if err != nil {
			return changed, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			changed = append(changed, id)
		}
	}
	return changed, nil
}

// Restore moves a soft-deleted record back to ARCHIVED.
func (s *SQLiteStore) Restore(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET state = ? WHERE id = ? AND state = ?`,
		string(model.StateArchived), id, string(model.StateDeleted))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: no soft-deleted record %s", model.ErrNotFound, id)
	}
	return nil
}

// HardDelete removes record rows permanently. Unknown ids are no-ops.
// Returns the ids of rows that existed. The caller must pair this with the
// embedding index removal in the same logical operation.
func (s *SQLiteStore) HardDelete(ctx context.Context, ids []string) ([]string, error) {
	deleted := []string{}
	for _, id := range ids {
		res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id)
		if err != nil {
			return deleted, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			// Links from this record are provenance and go with it; links
			// pointing at it stay, matching summary message_refs which may
			// dangle after hard deletion.
			s.db.ExecContext(ctx, `DELETE FROM record_links WHERE from_id = ?`, id)
			deleted = append(deleted, id)
		}
	}
	return deleted, nil
}

// DeleteScope removes every record and summary in a scope in one
// transaction and returns the record ids. Used by scope retirement; the
// caller holds the scope's write lock so readers observe all-or-nothing.
func (s *SQLiteStore) DeleteScope(ctx context.Context, scopeName string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT id FROM records WHERE scope = ?`, scopeName)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE scope = ?`, scopeName); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM summaries WHERE scope = ?`, scopeName); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

// BumpUsage increments use_count and stamps last_accessed_at.
func (s *SQLiteStore) BumpUsage(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE records SET use_count = use_count + 1, last_accessed_at = ? WHERE id = ?`,
		timeNow().UTC().Format(time.RFC3339Nano), id)
	return err
}

// UpdateTags replaces a record's tag set. Used by maintenance when a
// collapsed duplicate's tags are folded onto the surviving record.
func (s *SQLiteStore) UpdateTags(ctx context.Context, id string, tags []string) error {
	for _, t := range tags {
		if err := model.ValidateTag(t); err != nil {
			return err
		}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET tags = ? WHERE id = ?`, string(tagsJSON), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: record %s", model.ErrNotFound, id)
	}
	return nil
}

// SetImportant flips the important flag, which freezes or unfreezes the
// record with respect to automatic archival and eviction.
func (s *SQLiteStore) SetImportant(ctx context.Context, id string, important bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET important = ? WHERE id = ?`, boolToInt(important), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: record %s", model.ErrNotFound, id)
	}
	return nil
}

func (s *SQLiteStore) transition(ctx context.Context, ids []string, from, to model.State) ([]string, error) {
	changed := []string{}
	for _, id := range ids {
		res, err := s.db.ExecContext(ctx,
			`UPDATE records SET state = ? WHERE id = ? AND state = ? AND important = 0 AND id != ?`,
			string(to), id, string(from), model.ProfileID)
		if err != nil {
			return changed, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			changed = append(changed, id)
		}
	}
	return changed, nil
}

const selectRecords = `SELECT id, scope, tags, text, source, speaker, conversation_id,
	created_at, use_count, last_accessed_at, important, state FROM records`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (model.Record, error) {
	var r model.Record
	var tagsJSON, convID, lastAccessed sql.NullString
	var createdAt, state string
	var important int

	err := row.Scan(
		&r.ID, &r.Scope, &tagsJSON, &r.Text, &r.Source, &r.Speaker, &convID,
		&createdAt, &r.UseCount, &lastAccessed, &important, &state,
	)
	if err != nil {
		return r, err
	}

	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	r.Important = important == 1
	r.State = model.State(state)
	if tagsJSON.Valid {
		json.Unmarshal([]byte(tagsJSON.String), &r.Tags)
	}
	if convID.Valid {
		r.ConversationID = convID.String
	}
	if lastAccessed.Valid {
		t, _ := time.Parse(time.RFC3339Nano, lastAccessed.String)
		r.LastAccessedAt = &t
	}
	return r, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// likeEscape neutralizes LIKE wildcards in user-supplied terms.
func likeEscape(s string) string {
	return likeEscaper.Replace(s)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
