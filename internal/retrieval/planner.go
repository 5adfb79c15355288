// Package retrieval implements hybrid search over the memory store: keyword
// matching against record text merged with nearest-neighbor lookups in the
// vector index, ranked by a single score with recency tie-breaks.
package retrieval

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/recallkit/recall/internal/embed"
	"github.com/recallkit/recall/internal/index"
	"github.com/recallkit/recall/internal/model"
	"github.com/recallkit/recall/internal/scope"
	"github.com/recallkit/recall/internal/store"
)

// Embedder is the query-embedding dependency. In production this is the
// bounded dispatcher; tests plug a provider in directly.
type Embedder interface {
	Embed(ctx context.Context, text string) (embed.Vector, error)
	Dims() int
}

// Config holds the ranking knobs.
type Config struct {
	// MinSimilarity drops candidates scoring below it. Default 0.5.
	MinSimilarity float64
	// CollapseThreshold treats two candidates as duplicates when their
	// embeddings are at least this similar. Default 0.95.
	CollapseThreshold float64
	// CandidateLimit caps how many records the keyword path scans per
	// query. Default 500.
	CandidateLimit int
}

func (c Config) withDefaults() Config {
	if c.MinSimilarity <= 0 {
		c.MinSimilarity = 0.5
	}
	if c.CollapseThreshold <= 0 {
		c.CollapseThreshold = 0.95
	}
	if c.CandidateLimit <= 0 {
		c.CandidateLimit = 500
	}
	return c
}

// Query describes one retrieval call.
type Query struct {
	Text string
	// Scopes limits the search. When empty, the effective filter is the
	// caller's scope plus the global scope.
	Scopes      []string
	CallerScope string
	Tags        []string
	Time        model.TimeRange
	TopK        int
}

// Planner merges keyword and vector candidates into one ranked result set.
type Planner struct {
	store    *store.SQLiteStore
	index    *index.Index
	embedder Embedder
	scopes   *scope.Registry
	cfg      Config
	log      *slog.Logger

	bumps sync.WaitGroup
}

// NewPlanner wires a planner over the canonical store and the vector index.
func NewPlanner(st *store.SQLiteStore, ix *index.Index, e Embedder, scopes *scope.Registry, cfg Config, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{
		store:    st,
		index:    ix,
		embedder: e,
		scopes:   scopes,
		cfg:      cfg.withDefaults(),
		log:      logger,
	}
}

// Wait blocks until in-flight usage bumps finish. Called on shutdown and by
// tests that assert on use counts.
func (p *Planner) Wait() { p.bumps.Wait() }

type candidate struct {
	rec     model.Record
	score   float64
	keyword bool
	vec     embed.Vector
	tags    map[string]struct{}
}

// Retrieve runs the hybrid search. Provider failures and cancellations
// degrade the result rather than failing the call: a dead embedder means
// keyword-only matching, and a cancelled context returns whatever ranked
// subset was already computed.
func (p *Planner) Retrieve(ctx context.Context, q Query) ([]model.RankedResult, error) {
	if q.TopK <= 0 {
		return nil, nil
	}
	if strings.TrimSpace(q.Text) == "" {
		return nil, nil
	}

	scopes := q.Scopes
	if len(scopes) == 0 {
		if q.CallerScope != "" && q.CallerScope != model.GlobalScope {
			scopes = []string{q.CallerScope, model.GlobalScope}
		} else {
			scopes = []string{model.GlobalScope}
		}
	}
	unlock := p.scopes.RLockScopes(scopes)
	defer unlock()

	normQuery := normalize(q.Text)
	terms := salientTerms(q.Text)

	var queryVec embed.Vector
	if p.embedder != nil {
		vec, err := p.embedder.Embed(ctx, q.Text)
		switch {
		case err == nil:
			queryVec = vec
		case errors.Is(err, context.Canceled):
			return nil, nil
		default:
			p.log.Warn("query embedding failed, using keyword-only search", "error", err)
		}
	}

	byID := make(map[string]*candidate)

	// Keyword path. The store filter handles scope, tags, time, and the
	// term containment itself, so the candidate limit only bounds records
	// that already mention at least one query term; the matcher then
	// scores what survives. A record containing the whole query contains
	// every salient term, so exact matches always clear the term filter.
	matcher, err := newTermMatcher(terms)
	if err != nil {
		return nil, err
	}
	records, err := p.store.Find(ctx, store.FindParams{
		Scopes: scopes,
		Tags:   q.Tags,
		Time:   q.Time,
		Terms:  terms,
		Limit:  p.cfg.CandidateLimit,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil
		}
		return nil, err
	}
	for i := range records {
		rec := records[i]
		normText := normalize(rec.Text)
		var score float64
		if normQuery != "" && strings.Contains(normText, normQuery) {
			score = 1.0
		} else {
			score = float64(matcher.score(normText))
		}
		if score == 0 {
			continue
		}
		byID[rec.ID] = &candidate{rec: rec, score: score, keyword: true}
	}

	// Vector path. Skipped entirely when embedding failed. The index
	// applies the tag and time filter before its top-k cut, so a filtered
	// query cannot lose a matching record to higher-ranked entries the
	// filter would reject.
	if queryVec != nil && ctx.Err() == nil {
		hits, err := p.index.Query(ctx, scopes, queryVec, q.TopK*2, index.Filter{Tags: q.Tags, Time: q.Time})
		if err != nil {
			p.log.Warn("vector query failed, keeping keyword results", "error", err)
		}
		for _, h := range hits {
			p.mergeHit(ctx, byID, h, q)
		}
	}

	results := p.rank(byID, q.TopK)

	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.Record.ID
	}
	p.bumpAsync(ids)
	return results, nil
}

// mergeHit folds one vector hit into the candidate set, loading the record
// when the keyword path did not already fetch it. An index entry whose
// record is missing or no longer active is an orphan: it is dropped from
// the index and skipped.
func (p *Planner) mergeHit(ctx context.Context, byID map[string]*candidate, h index.Hit, q Query) {
	sim := float64(h.Similarity)
	if c, ok := byID[h.RecordID]; ok {
		if sim > c.score {
			c.score = sim
		}
		c.vec = h.Vector
		return
	}

	rec, err := p.store.Get(ctx, h.RecordID)
	if err == nil && rec.State != model.StateActive {
		err = model.ErrNotFound
	}
	if errors.Is(err, model.ErrNotFound) {
		p.log.Warn("dropping orphaned index entry", "record", h.RecordID, "scope", h.Scope)
		if rmErr := p.index.Remove(context.WithoutCancel(ctx), h.Scope, h.RecordID); rmErr != nil {
			p.log.Warn("orphan cleanup failed", "record", h.RecordID, "error", rmErr)
		}
		return
	}
	if err != nil {
		return
	}
	if !matchesFilters(*rec, q) {
		return
	}
	byID[rec.ID] = &candidate{rec: *rec, score: sim, vec: h.Vector}
}

// matchesFilters re-checks the tag and time window against the canonical
// record for hits that arrived via the vector path. The index already
// filtered on its metadata snapshot, but the store row wins when the two
// have drifted.
func matchesFilters(rec model.Record, q Query) bool {
	if !q.Time.IsZero() && !q.Time.Contains(rec.CreatedAt) {
		return false
	}
	if len(q.Tags) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(rec.Tags))
	for _, t := range rec.Tags {
		have[t] = struct{}{}
	}
	for _, t := range q.Tags {
		if _, ok := have[t]; !ok {
			return false
		}
	}
	return true
}

// rank applies the similarity threshold, collapses near-duplicates, sorts,
// and truncates to k.
func (p *Planner) rank(byID map[string]*candidate, k int) []model.RankedResult {
	kept := make([]*candidate, 0, len(byID))
	for _, c := range byID {
		if c.score < p.cfg.MinSimilarity {
			continue
		}
		kept = append(kept, c)
	}

	kept = p.collapse(kept)

	sort.Slice(kept, func(i, j int) bool {
		if kept[i].score != kept[j].score {
			return kept[i].score > kept[j].score
		}
		return kept[i].rec.CreatedAt.After(kept[j].rec.CreatedAt)
	})
	if len(kept) > k {
		kept = kept[:k]
	}

	results := make([]model.RankedResult, len(kept))
	for i, c := range kept {
		r := model.RankedResult{Record: c.rec, Score: c.score, Keyword: c.keyword}
		if c.tags != nil {
			merged := make([]string, 0, len(c.tags))
			for t := range c.tags {
				merged = append(merged, t)
			}
			sort.Strings(merged)
			r.MergedTags = merged
		}
		results[i] = r
	}
	return results
}

// collapse folds near-identical candidates together, keeping the one with
// the higher use count (recency on ties) and unioning tags onto the
// survivor. Candidates without stored vectors collapse only on identical
// normalized text.
func (p *Planner) collapse(cands []*candidate) []*candidate {
	out := cands[:0]
	for _, c := range cands {
		var dup *candidate
		for _, k := range out {
			if p.nearIdentical(c, k) {
				dup = k
				break
			}
		}
		if dup == nil {
			out = append(out, c)
			continue
		}
		winner, loser := dup, c
		if preferOver(c, dup) {
			// Replace in place so result order stays stable.
			for i, k := range out {
				if k == dup {
					out[i] = c
				}
			}
			winner, loser = c, dup
		}
		if winner.score < loser.score {
			winner.score = loser.score
		}
		if winner.tags == nil {
			winner.tags = make(map[string]struct{})
			for _, t := range winner.rec.Tags {
				winner.tags[t] = struct{}{}
			}
		}
		for _, t := range loser.rec.Tags {
			winner.tags[t] = struct{}{}
		}
	}
	return out
}

func (p *Planner) nearIdentical(a, b *candidate) bool {
	if a.vec != nil && b.vec != nil {
		return embed.CosineSimilarity(a.vec, b.vec) >= p.cfg.CollapseThreshold
	}
	return normalize(a.rec.Text) == normalize(b.rec.Text)
}

// preferOver reports whether a should survive a collapse against b.
func preferOver(a, b *candidate) bool {
	if a.rec.UseCount != b.rec.UseCount {
		return a.rec.UseCount > b.rec.UseCount
	}
	return a.rec.CreatedAt.After(b.rec.CreatedAt)
}

// bumpAsync updates use counts for returned records off the caller's path.
func (p *Planner) bumpAsync(ids []string) {
	if len(ids) == 0 {
		return
	}
	p.bumps.Add(1)
	go func() {
		defer p.bumps.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, id := range ids {
			if err := p.store.BumpUsage(ctx, id); err != nil {
				p.log.Warn("usage bump failed", "record", id, "error", err)
			}
		}
	}()
}
