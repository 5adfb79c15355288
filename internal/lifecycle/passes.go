package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/recallkit/recall/internal/embed"
	"github.com/recallkit/recall/internal/model"
	"github.com/recallkit/recall/internal/store"
)

// proximityWindow bounds the time spread inside one summary group. Records
// further apart than this go into separate summaries.
const proximityWindow = 24 * time.Hour

// ArchivePass summarizes and archives active records older than the
// retention window. Records are grouped by scope and time proximity; each
// group gets one Summary referencing the archived ids.
func (m *Manager) ArchivePass(ctx context.Context) error {
	passID := m.beginPass(ctx, "archive")
	cutoff := timeNow().Add(-m.policy.ArchiveAfter)
	return m.archiveOlderThan(ctx, nil, cutoff, passID)
}

// archiveOlderThan is shared by the scheduled archival pass and
// size-triggered compaction, which narrows it to one scope.
func (m *Manager) archiveOlderThan(ctx context.Context, scopes []string, cutoff time.Time, passID string) error {
	records, err := m.store.Find(ctx, store.FindParams{
		Scopes:      scopes,
		Time:        model.TimeRange{To: cutoff},
		OldestFirst: true,
		Limit:       m.policy.BatchSize,
	})
	if err != nil {
		return err
	}

	eligible := records[:0]
	for _, rec := range records {
		if rec.Important || rec.ID == model.ProfileID {
			continue
		}
		eligible = append(eligible, rec)
	}
	if len(eligible) == 0 {
		return nil
	}

	archived := 0
	for _, group := range groupForSummary(eligible) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := m.archiveGroup(ctx, group); err != nil {
			m.log.Warn("archival batch failed", "scope", group[0].Scope, "error", err, "pass", passID)
			continue
		}
		archived += len(group)
	}
	if archived > 0 {
		m.log.Info("archived records", "count", archived, "pass", passID)
	}
	return nil
}

// archiveGroup writes one Summary, links its members, archives them, and
// drops their index entries. The group shares a scope.
func (m *Manager) archiveGroup(ctx context.Context, group []model.Record) error {
	scopeName := group[0].Scope
	from, to := group[0].CreatedAt, group[0].CreatedAt
	ids := make([]string, len(group))
	for i, rec := range group {
		ids[i] = rec.ID
		if rec.CreatedAt.Before(from) {
			from = rec.CreatedAt
		}
		if rec.CreatedAt.After(to) {
			to = rec.CreatedAt
		}
	}

	sumID, err := m.store.InsertSummary(ctx, &model.Summary{
		Scope:       scopeName,
		From:        from,
		To:          to,
		Text:        summarize(group),
		MessageRefs: ids,
	})
	if err != nil {
		return fmt.Errorf("insert summary: %w", err)
	}

	changed, err := m.store.Archive(ctx, ids)
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	for _, id := range changed {
		if _, err := m.store.AddLink(ctx, id, sumID, "summarized_into"); err != nil {
			m.log.Warn("linking summary failed", "record", id, "error", err)
		}
		if err := m.index.Remove(ctx, scopeName, id); err != nil {
			m.log.Warn("index removal failed", "record", id, "error", err)
		}
	}
	return nil
}

// groupForSummary splits records into per-scope groups whose members are
// within the proximity window of their neighbors. Input order does not
// matter; groups come out oldest first.
func groupForSummary(records []model.Record) [][]model.Record {
	byScope := make(map[string][]model.Record)
	for _, rec := range records {
		byScope[rec.Scope] = append(byScope[rec.Scope], rec)
	}

	scopeNames := make([]string, 0, len(byScope))
	for name := range byScope {
		scopeNames = append(scopeNames, name)
	}
	sort.Strings(scopeNames)

	var groups [][]model.Record
	for _, name := range scopeNames {
		recs := byScope[name]
		sort.Slice(recs, func(i, j int) bool { return recs[i].CreatedAt.Before(recs[j].CreatedAt) })
		start := 0
		for i := 1; i <= len(recs); i++ {
			if i == len(recs) || recs[i].CreatedAt.Sub(recs[i-1].CreatedAt) > proximityWindow {
				groups = append(groups, recs[start:i])
				start = i
			}
		}
	}
	return groups
}

// summarize produces a condensed text for a group: the leading sentence of
// each record, capped.
func summarize(group []model.Record) string {
	const maxLine = 120
	parts := make([]string, 0, len(group))
	for _, rec := range group {
		line := firstSentence(rec.Text)
		if len(line) > maxLine {
			line = line[:maxLine]
		}
		parts = append(parts, line)
	}
	return fmt.Sprintf("%d memories: %s", len(group), strings.Join(parts, " | "))
}

func firstSentence(text string) string {
	text = strings.TrimSpace(text)
	for _, sep := range []string{". ", "! ", "? ", "\n"} {
		if i := strings.Index(text, sep); i >= 0 {
			return text[:i+1]
		}
	}
	return text
}

// EvictPass hard-deletes archived records that aged past the eviction
// window without ever being used. The backup hook runs first; its failure
// blocks the whole batch. A nil hook disables eviction.
func (m *Manager) EvictPass(ctx context.Context) error {
	if m.backup == nil {
		return nil
	}
	passID := m.beginPass(ctx, "evict")
	cutoff := timeNow().Add(-m.policy.EvictAfter)

	records, err := m.store.Find(ctx, store.FindParams{
		IncludeArchived: true,
		Time:            model.TimeRange{To: cutoff},
		OldestFirst:     true,
		Limit:           m.policy.BatchSize,
	})
	if err != nil {
		return err
	}

	var victims []model.Record
	for _, rec := range records {
		if rec.State != model.StateArchived || rec.UseCount > 0 || rec.Important {
			continue
		}
		victims = append(victims, rec)
	}
	if len(victims) == 0 {
		return nil
	}

	if err := m.backup(ctx, victims); err != nil {
		return fmt.Errorf("backup hook failed, eviction blocked: %w", err)
	}

	ids := make([]string, len(victims))
	for i, rec := range victims {
		ids[i] = rec.ID
	}
	deleted, err := m.store.HardDelete(ctx, ids)
	if err != nil {
		return err
	}
	for _, rec := range victims {
		if err := m.index.Remove(ctx, rec.Scope, rec.ID); err != nil {
			m.log.Warn("index removal failed", "record", rec.ID, "error", err)
		}
	}
	m.log.Info("evicted records", "count", len(deleted), "pass", passID)
	return nil
}

// CollapsePass merges near-duplicate active records within each scope. The
// record with the higher use count survives (recency on ties); the
// duplicate is soft-deleted through the normal path and its tags are
// folded onto the survivor.
func (m *Manager) CollapsePass(ctx context.Context) error {
	passID := m.beginPass(ctx, "collapse")
	scopes, err := m.scopes.List(ctx)
	if err != nil {
		return err
	}
	collapsed := 0
	for _, sc := range scopes {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := m.collapseScope(ctx, sc.Name)
		if err != nil {
			m.log.Warn("collapse pass failed for scope", "scope", sc.Name, "error", err, "pass", passID)
			continue
		}
		collapsed += n
	}
	if collapsed > 0 {
		m.log.Info("collapsed duplicates", "count", collapsed, "pass", passID)
	}
	return nil
}

func (m *Manager) collapseScope(ctx context.Context, scopeName string) (int, error) {
	records, err := m.store.Find(ctx, store.FindParams{
		Scopes: []string{scopeName},
		Limit:  m.policy.BatchSize,
	})
	if err != nil {
		return 0, err
	}
	if len(records) < 2 {
		return 0, nil
	}

	vectors := make([]embed.Vector, len(records))
	for i, rec := range records {
		vec, err := m.embedder.Embed(ctx, rec.Text)
		if err != nil {
			return 0, fmt.Errorf("embedding for collapse: %w", err)
		}
		vectors[i] = vec
	}

	gone := make([]bool, len(records))
	collapsed := 0
	for i := 0; i < len(records); i++ {
		if gone[i] {
			continue
		}
		for j := i + 1; j < len(records); j++ {
			if gone[j] {
				continue
			}
			if embed.CosineSimilarity(vectors[i], vectors[j]) < m.policy.CollapseThreshold {
				continue
			}
			w, l := i, j
			if loses(records[i], records[j]) {
				w, l = j, i
			}
			if err := m.collapsePair(ctx, records[w], records[l], vectors[w]); err != nil {
				m.log.Warn("collapse failed", "winner", records[w].ID, "loser", records[l].ID, "error", err)
				continue
			}
			gone[l] = true
			collapsed++
		}
	}
	return collapsed, nil
}

// loses reports whether a should be the one merged away against b.
func loses(a, b model.Record) bool {
	if a.UseCount != b.UseCount {
		return a.UseCount < b.UseCount
	}
	at, bt := a.CreatedAt, b.CreatedAt
	if a.LastAccessedAt != nil {
		at = *a.LastAccessedAt
	}
	if b.LastAccessedAt != nil {
		bt = *b.LastAccessedAt
	}
	return at.Before(bt)
}

func (m *Manager) collapsePair(ctx context.Context, winner, loser model.Record, winnerVec embed.Vector) error {
	if _, err := m.store.SoftDelete(ctx, []string{loser.ID}); err != nil {
		return err
	}
	if err := m.index.Remove(ctx, loser.Scope, loser.ID); err != nil {
		return err
	}
	if _, err := m.store.AddLink(ctx, loser.ID, winner.ID, "collapsed_into"); err != nil {
		m.log.Warn("linking collapsed record failed", "record", loser.ID, "error", err)
	}
	if merged := unionTags(winner.Tags, loser.Tags); len(merged) > len(winner.Tags) {
		if err := m.store.UpdateTags(ctx, winner.ID, merged); err != nil {
			m.log.Warn("tag union failed", "record", winner.ID, "error", err)
		}
		// Refresh the winner's index entry so its tags snapshot carries
		// the union and filtered queries keep seeing it.
		if err := m.index.Insert(ctx, winner.ID, winner.Scope, winnerVec, winner.CreatedAt, merged); err != nil {
			m.log.Warn("index refresh failed", "record", winner.ID, "error", err)
		}
	}
	return nil
}

func unionTags(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, t := range a {
		seen[t] = struct{}{}
		out = append(out, t)
	}
	for _, t := range b {
		if _, ok := seen[t]; !ok {
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}

// CompactPass forces an extra archival round on the oldest scope when the
// store grows past its soft limits. No limits configured means no-op.
func (m *Manager) CompactPass(ctx context.Context) error {
	if m.policy.MaxRecords <= 0 && m.policy.MaxBytes <= 0 {
		return nil
	}
	count, err := m.store.CountLive(ctx)
	if err != nil {
		return err
	}
	size, err := m.store.EstimatedSize(ctx)
	if err != nil {
		return err
	}
	over := (m.policy.MaxRecords > 0 && count > m.policy.MaxRecords) ||
		(m.policy.MaxBytes > 0 && size > m.policy.MaxBytes)
	if !over {
		return nil
	}

	target, err := m.store.OldestActiveScope(ctx)
	if err != nil {
		return err
	}
	if target == "" {
		return nil
	}
	passID := m.beginPass(ctx, "compact")
	m.log.Info("soft limit exceeded, compacting oldest scope",
		"scope", target, "records", count, "bytes", size, "pass", passID)

	unlock := m.scopes.LockScope(target)
	defer unlock()
	// Age is ignored here, only the batch size bounds what gets archived.
	return m.archiveOlderThan(ctx, []string{target}, timeNow(), passID)
}
