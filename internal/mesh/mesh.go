// Package mesh is the semantic mesh memory: conversational chunks stored
// with their embeddings, searched by cosine similarity weighted by a
// relevance-decay factor, and aged out over time. Chunks live entirely in
// the vector store's "chunks" collection; the session id doubles as the
// document id so history and pruning work per conversation.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/liliang-cn/sqvect/v2/pkg/core"
	"go.uber.org/zap"

	"github.com/hurttlocker/engram/internal/config"
	"github.com/hurttlocker/engram/internal/embed"
	"github.com/hurttlocker/engram/internal/logging"
	"github.com/hurttlocker/engram/internal/vector"
)

// Chunk is one stored conversation turn.
type Chunk struct {
	ID             string
	SessionID      string
	Role           string
	Text           string
	Timestamp      time.Time
	LastAccessedAt time.Time
	UsageCount     int
	RelevanceDecay float64
	// Score is the effective retrieval score (cosine x decay); only set
	// on search results.
	Score float64
}

// MetaStore persists the small bookkeeping values the mesh needs outside
// the vector store (the daily-decay marker). *store.Store satisfies it.
type MetaStore interface {
	GetMeta(ctx context.Context, key string) (string, error)
	SetMeta(ctx context.Context, key, value string) error
}

// Options configures the mesh.
type Options struct {
	Vectors  *vector.DB
	Embedder embed.Embedder
	Meta     MetaStore // nil keeps the decay marker in memory only
	Config   config.Mesh
	// Params, when set, makes temporal decay follow the tuned smmDecayRate
	// instead of the static config value.
	Params *config.ParamStore
	// MaxChunks caps the collection; breaches evict the least relevant
	// chunks. Zero means 2000.
	MaxChunks int
	Logger    *zap.Logger
	Now       func() time.Time
}

// Mesh stores and retrieves conversational context.
type Mesh struct {
	vectors   *vector.DB
	embedder  embed.Embedder
	meta      MetaStore
	cfg       config.Mesh
	params    *config.ParamStore
	maxChunks int
	log       *zap.Logger
	now       func() time.Time

	lastDecayDay string // fallback marker when no MetaStore is wired

	sessMu   sync.Mutex
	sessions map[string]struct{} // session ids already registered as documents
}

// New creates the mesh.
func New(opts Options) (*Mesh, error) {
	if opts.Vectors == nil || opts.Embedder == nil {
		return nil, fmt.Errorf("mesh requires vector store and embedder")
	}
	if opts.Config.DecayRate <= 0 {
		opts.Config.DecayRate = 0.95
	}
	if opts.Config.MinRelevance <= 0 {
		opts.Config.MinRelevance = 0.1
	}
	if opts.Config.PruneDays <= 0 {
		opts.Config.PruneDays = 30
	}
	if opts.MaxChunks <= 0 {
		opts.MaxChunks = 2000
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Mesh{
		vectors:   opts.Vectors,
		embedder:  opts.Embedder,
		meta:      opts.Meta,
		cfg:       opts.Config,
		params:    opts.Params,
		maxChunks: opts.MaxChunks,
		log:       logging.OrNop(opts.Logger),
		now:       opts.Now,
		sessions:  make(map[string]struct{}),
	}, nil
}

// ensureSession registers the session id as a document so chunk embeddings
// can reference it. The vector store enforces the reference; without the
// document row every chunk upsert for the session fails.
func (m *Mesh) ensureSession(ctx context.Context, sessionID string) error {
	m.sessMu.Lock()
	_, known := m.sessions[sessionID]
	m.sessMu.Unlock()
	if known {
		return nil
	}

	if _, err := m.vectors.Store().GetDocument(ctx, sessionID); err != nil {
		if !errors.Is(err, core.ErrNotFound) {
			return fmt.Errorf("checking session %s: %w", sessionID, err)
		}
		doc := &core.Document{ID: sessionID, Title: sessionID}
		if err := m.vectors.Store().CreateDocument(ctx, doc); err != nil {
			// Lost a create race: the row exists now, which is all we need.
			if _, getErr := m.vectors.Store().GetDocument(ctx, sessionID); getErr != nil {
				return fmt.Errorf("registering session %s: %w", sessionID, err)
			}
		}
	}

	m.sessMu.Lock()
	m.sessions[sessionID] = struct{}{}
	m.sessMu.Unlock()
	return nil
}

// StoreTurn embeds and persists one conversation turn. New chunks start
// with full relevance and no usage.
func (m *Mesh) StoreTurn(ctx context.Context, sessionID, role, text string, metadata map[string]string) (*Chunk, error) {
	if sessionID == "" || text == "" {
		return nil, fmt.Errorf("turn requires session id and text")
	}
	vec, err := m.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding turn: %w", err)
	}

	now := m.now()
	c := &Chunk{
		ID:             uuid.NewString(),
		SessionID:      sessionID,
		Role:           role,
		Text:           text,
		Timestamp:      now,
		LastAccessedAt: now,
		RelevanceDecay: 1.0,
	}

	md := make(map[string]string, len(metadata)+6)
	for k, v := range metadata {
		md[k] = v
	}
	fillMetadata(md, c)

	if err := m.ensureSession(ctx, sessionID); err != nil {
		return nil, err
	}
	err = m.vectors.Store().Upsert(ctx, &core.Embedding{
		ID:         c.ID,
		Collection: vector.CollectionChunks,
		Vector:     vec,
		Content:    text,
		DocID:      sessionID,
		Metadata:   md,
	})
	if err != nil {
		return nil, fmt.Errorf("storing turn: %w", err)
	}

	if err := m.evictIfOverCap(ctx); err != nil {
		m.log.Warn("chunk eviction failed", zap.Error(err))
	}
	return c, nil
}

// SearchContext returns up to k chunks ranked by cosine similarity times
// relevance decay, filtered by the effective-score threshold. Hits count
// as usage: their usage count and last-access time are refreshed.
func (m *Mesh) SearchContext(ctx context.Context, queryText string, k int, threshold float64) ([]*Chunk, error) {
	if k <= 0 {
		k = 5
	}
	vec, err := m.embedder.Embed(ctx, queryText)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	hits, err := m.vectors.Store().Search(ctx, vec, core.SearchOptions{
		Collection: vector.CollectionChunks,
		TopK:       k * 3, // headroom: decay can reorder past the raw top-k
	})
	if err != nil {
		return nil, fmt.Errorf("searching chunks: %w", err)
	}

	scored := make([]*Chunk, 0, len(hits))
	raw := make(map[string]core.ScoredEmbedding, len(hits))
	for _, h := range hits {
		c := chunkFromEmbedding(&h.Embedding)
		c.Score = h.Score * c.RelevanceDecay
		if c.Score < threshold {
			continue
		}
		scored = append(scored, c)
		raw[c.ID] = h
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > k {
		scored = scored[:k]
	}

	now := m.now()
	for _, c := range scored {
		c.UsageCount++
		c.LastAccessedAt = now
		if err := m.rewrite(ctx, raw[c.ID].Embedding, c); err != nil {
			m.log.Warn("chunk usage update failed", zap.String("chunk", c.ID), zap.Error(err))
		}
	}
	return scored, nil
}

// GetSessionHistory returns the most recent k turns of one session, newest
// first. History reads do not count as usage.
func (m *Mesh) GetSessionHistory(ctx context.Context, sessionID string, k int) ([]*Chunk, error) {
	if k <= 0 {
		k = 10
	}
	embs, err := m.vectors.Store().GetByDocID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("loading session %s: %w", sessionID, err)
	}
	chunks := make([]*Chunk, 0, len(embs))
	for _, e := range embs {
		chunks = append(chunks, chunkFromEmbedding(e))
	}
	sort.SliceStable(chunks, func(i, j int) bool { return chunks[i].Timestamp.After(chunks[j].Timestamp) })
	if len(chunks) > k {
		chunks = chunks[:k]
	}
	return chunks, nil
}

// rewrite re-upserts a chunk's embedding with refreshed metadata.
func (m *Mesh) rewrite(ctx context.Context, e core.Embedding, c *Chunk) error {
	fillMetadata(e.Metadata, c)
	e.Collection = vector.CollectionChunks
	return m.vectors.Store().Upsert(ctx, &e)
}

func fillMetadata(md map[string]string, c *Chunk) {
	md["session_id"] = c.SessionID
	md["role"] = c.Role
	md["ts"] = c.Timestamp.Format(time.RFC3339Nano)
	md["last_accessed_at"] = c.LastAccessedAt.Format(time.RFC3339Nano)
	md["usage_count"] = strconv.Itoa(c.UsageCount)
	md["relevance_decay"] = strconv.FormatFloat(c.RelevanceDecay, 'f', -1, 64)
}

func chunkFromEmbedding(e *core.Embedding) *Chunk {
	c := &Chunk{
		ID:             e.ID,
		SessionID:      e.DocID,
		Text:           e.Content,
		RelevanceDecay: 1.0,
	}
	md := e.Metadata
	if md == nil {
		return c
	}
	c.Role = md["role"]
	if v, err := time.Parse(time.RFC3339Nano, md["ts"]); err == nil {
		c.Timestamp = v
	}
	if v, err := time.Parse(time.RFC3339Nano, md["last_accessed_at"]); err == nil {
		c.LastAccessedAt = v
	}
	if v, err := strconv.Atoi(md["usage_count"]); err == nil {
		c.UsageCount = v
	}
	if v, err := strconv.ParseFloat(md["relevance_decay"], 64); err == nil {
		c.RelevanceDecay = v
	}
	return c
}
