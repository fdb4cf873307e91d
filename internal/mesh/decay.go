package mesh

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/liliang-cn/sqvect/v2/pkg/core"
	"go.uber.org/zap"

	"github.com/hurttlocker/engram/internal/vector"
)

const lastMeshDecayKey = "last_mesh_decay_day"

// decayRate is the daily relevance multiplier: the optimizer-tuned value
// when a param store is wired, the static config value otherwise.
func (m *Mesh) decayRate() float64 {
	if m.params != nil {
		if r := m.params.Load().MeshDecayRate; r > 0 {
			return r
		}
	}
	return m.cfg.DecayRate
}

// allChunks enumerates every chunk by walking the stored session ids.
func (m *Mesh) allChunks(ctx context.Context) ([]*core.Embedding, error) {
	sessions, err := m.vectors.Store().ListDocuments(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	out := make([]*core.Embedding, 0, 64)
	for _, sid := range sessions {
		if sid == "" {
			continue // fact embeddings carry no doc id
		}
		embs, err := m.vectors.Store().GetByDocID(ctx, sid)
		if err != nil {
			return nil, fmt.Errorf("loading session %s: %w", sid, err)
		}
		for _, e := range embs {
			if e.Metadata["session_id"] != "" {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

// PruneOldConversations removes whole sessions whose newest activity
// (timestamp or last access) is older than the given number of days.
// Returns the number of sessions removed.
func (m *Mesh) PruneOldConversations(ctx context.Context, days int) (int, error) {
	if days <= 0 {
		days = m.cfg.PruneDays
	}
	cutoff := m.now().Add(-time.Duration(days) * 24 * time.Hour)

	sessions, err := m.vectors.Store().ListDocuments(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing sessions: %w", err)
	}

	stale := make([]string, 0)
	for _, sid := range sessions {
		if sid == "" {
			continue
		}
		embs, err := m.vectors.Store().GetByDocID(ctx, sid)
		if err != nil {
			return 0, fmt.Errorf("loading session %s: %w", sid, err)
		}
		newest := time.Time{}
		isSession := false
		for _, e := range embs {
			c := chunkFromEmbedding(e)
			if c.SessionID == "" {
				continue
			}
			isSession = true
			if c.Timestamp.After(newest) {
				newest = c.Timestamp
			}
			if c.LastAccessedAt.After(newest) {
				newest = c.LastAccessedAt
			}
		}
		if isSession && newest.Before(cutoff) {
			stale = append(stale, sid)
		}
	}

	if len(stale) > 0 {
		if err := m.vectors.Store().ClearByDocID(ctx, stale); err != nil {
			return 0, fmt.Errorf("pruning sessions: %w", err)
		}
		m.log.Info("pruned stale sessions", zap.Int("sessions", len(stale)))
	}
	return len(stale), nil
}

// DecayUnusedFacts multiplies relevance by 0.8 for chunks used fewer than
// usageThreshold times and drops any chunk that falls below the relevance
// floor. Returns (decayed, dropped).
func (m *Mesh) DecayUnusedFacts(ctx context.Context, usageThreshold int) (int, int, error) {
	chunks, err := m.allChunks(ctx)
	if err != nil {
		return 0, 0, err
	}

	decayed, dropped := 0, 0
	for _, e := range chunks {
		c := chunkFromEmbedding(e)
		if c.UsageCount >= usageThreshold {
			continue
		}
		c.RelevanceDecay *= 0.8
		if c.RelevanceDecay < m.cfg.MinRelevance {
			if err := m.vectors.Store().Delete(ctx, c.ID); err != nil {
				return decayed, dropped, fmt.Errorf("dropping chunk %s: %w", c.ID, err)
			}
			dropped++
			continue
		}
		if err := m.rewrite(ctx, *e, c); err != nil {
			return decayed, dropped, err
		}
		decayed++
	}
	return decayed, dropped, nil
}

// ApplyTemporalDecay multiplies every chunk's relevance by the configured
// daily rate. Idempotent per calendar day.
func (m *Mesh) ApplyTemporalDecay(ctx context.Context) (int, error) {
	today := m.now().Format("2006-01-02")
	last, err := m.lastDecay(ctx)
	if err != nil {
		return 0, err
	}
	if last == today {
		return 0, nil
	}

	chunks, err := m.allChunks(ctx)
	if err != nil {
		return 0, err
	}
	rate := m.decayRate()
	touched := 0
	for _, e := range chunks {
		c := chunkFromEmbedding(e)
		c.RelevanceDecay *= rate
		if c.RelevanceDecay < m.cfg.MinRelevance {
			if err := m.vectors.Store().Delete(ctx, c.ID); err != nil {
				return touched, fmt.Errorf("dropping chunk %s: %w", c.ID, err)
			}
			touched++
			continue
		}
		if err := m.rewrite(ctx, *e, c); err != nil {
			return touched, err
		}
		touched++
	}

	if err := m.setLastDecay(ctx, today); err != nil {
		return touched, err
	}
	m.log.Info("mesh temporal decay complete", zap.Int("chunks", touched))
	return touched, nil
}

func (m *Mesh) lastDecay(ctx context.Context) (string, error) {
	if m.meta == nil {
		return m.lastDecayDay, nil
	}
	return m.meta.GetMeta(ctx, lastMeshDecayKey)
}

func (m *Mesh) setLastDecay(ctx context.Context, day string) error {
	if m.meta == nil {
		m.lastDecayDay = day
		return nil
	}
	return m.meta.SetMeta(ctx, lastMeshDecayKey, day)
}

// evictIfOverCap removes the least relevant chunks once the collection
// exceeds the cap: lowest relevanceDecay x usageCount first, ties broken
// by oldest last access.
func (m *Mesh) evictIfOverCap(ctx context.Context) error {
	stats, err := m.vectors.Store().GetCollectionStats(ctx, vector.CollectionChunks)
	if err != nil {
		return fmt.Errorf("reading chunk stats: %w", err)
	}
	if stats.Count <= int64(m.maxChunks) {
		return nil
	}

	chunks, err := m.allChunks(ctx)
	if err != nil {
		return err
	}
	parsed := make([]*Chunk, 0, len(chunks))
	for _, e := range chunks {
		parsed = append(parsed, chunkFromEmbedding(e))
	}
	sort.SliceStable(parsed, func(i, j int) bool {
		a, b := parsed[i], parsed[j]
		sa := a.RelevanceDecay * float64(a.UsageCount)
		sb := b.RelevanceDecay * float64(b.UsageCount)
		if sa != sb {
			return sa < sb
		}
		return a.LastAccessedAt.Before(b.LastAccessedAt)
	})

	excess := len(parsed) - m.maxChunks
	for i := 0; i < excess && i < len(parsed); i++ {
		if err := m.vectors.Store().Delete(ctx, parsed[i].ID); err != nil {
			return fmt.Errorf("evicting chunk %s: %w", parsed[i].ID, err)
		}
	}
	m.log.Info("evicted chunks over cap", zap.Int("evicted", excess))
	return nil
}
