package mesh

import (
	"context"
	"hash/fnv"
	"math"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hurttlocker/engram/internal/config"
	"github.com/hurttlocker/engram/internal/vector"
)

// bagEmbedder is a deterministic token-hash embedder: texts sharing words
// produce similar vectors, which is enough to exercise retrieval.
type bagEmbedder struct{ dim int }

func (e *bagEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dim)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(w))
		vec[int(h.Sum32())%e.dim]++
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		n := float32(math.Sqrt(norm))
		for i := range vec {
			vec[i] /= n
		}
	}
	return vec, nil
}

func (e *bagEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (e *bagEmbedder) Dimensions() int { return e.dim }

type memMeta struct{ m map[string]string }

func (s *memMeta) GetMeta(_ context.Context, key string) (string, error) { return s.m[key], nil }
func (s *memMeta) SetMeta(_ context.Context, key, value string) error {
	s.m[key] = value
	return nil
}

func newTestMesh(t *testing.T, cfg config.Mesh, maxChunks int) (*Mesh, *fakeClock) {
	t.Helper()
	db, err := vector.Open(context.Background(), vector.Config{
		Path:       filepath.Join(t.TempDir(), "vectors.db"),
		Dimensions: 16,
	})
	if err != nil {
		t.Fatalf("opening vector db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	clock := &fakeClock{t: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	m, err := New(Options{
		Vectors:   db,
		Embedder:  &bagEmbedder{dim: 16},
		Meta:      &memMeta{m: map[string]string{}},
		Config:    cfg,
		MaxChunks: maxChunks,
		Now:       clock.Now,
	})
	if err != nil {
		t.Fatalf("creating mesh: %v", err)
	}
	return m, clock
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestStoreTurnAndSearch(t *testing.T) {
	m, _ := newTestMesh(t, config.Mesh{}, 0)
	ctx := context.Background()

	if _, err := m.StoreTurn(ctx, "s1", "user", "my cat is named whiskers", nil); err != nil {
		t.Fatalf("storing turn: %v", err)
	}
	if _, err := m.StoreTurn(ctx, "s1", "user", "the weather in lisbon is sunny", nil); err != nil {
		t.Fatalf("storing turn: %v", err)
	}

	hits, err := m.SearchContext(ctx, "what is my cat named", 1, 0.1)
	if err != nil {
		t.Fatalf("searching: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("got %d hits, want 1", len(hits))
	}
	if !strings.Contains(hits[0].Text, "whiskers") {
		t.Errorf("top hit = %q", hits[0].Text)
	}
}

func TestStoreTurnRegistersSessionDocument(t *testing.T) {
	m, _ := newTestMesh(t, config.Mesh{}, 0)
	ctx := context.Background()

	// The first turn of a session must create its document row; repeated
	// turns reuse it.
	for i := 0; i < 3; i++ {
		if _, err := m.StoreTurn(ctx, "s1", "user", "turn in the same session", nil); err != nil {
			t.Fatalf("storing turn %d: %v", i, err)
		}
	}
	doc, err := m.vectors.Store().GetDocument(ctx, "s1")
	if err != nil {
		t.Fatalf("session document missing: %v", err)
	}
	if doc.ID != "s1" {
		t.Errorf("document id = %q, want s1", doc.ID)
	}

	// A fresh mesh over the same store starts with a cold session cache and
	// must tolerate the already-registered session.
	m2, err := New(Options{
		Vectors:  m.vectors,
		Embedder: &bagEmbedder{dim: 16},
		Meta:     &memMeta{m: map[string]string{}},
		Now:      m.now,
	})
	if err != nil {
		t.Fatalf("creating second mesh: %v", err)
	}
	if _, err := m2.StoreTurn(ctx, "s1", "user", "turn via second handle", nil); err != nil {
		t.Fatalf("storing through second mesh: %v", err)
	}
	history, err := m.GetSessionHistory(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 4 {
		t.Errorf("got %d turns, want 4", len(history))
	}
}

func TestSearchBumpsUsage(t *testing.T) {
	m, _ := newTestMesh(t, config.Mesh{}, 0)
	ctx := context.Background()

	if _, err := m.StoreTurn(ctx, "s1", "user", "my cat is named whiskers", nil); err != nil {
		t.Fatalf("storing: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := m.SearchContext(ctx, "cat named", 1, 0.01); err != nil {
			t.Fatalf("search %d: %v", i, err)
		}
	}
	history, err := m.GetSessionHistory(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if history[0].UsageCount != 2 {
		t.Errorf("usage count = %d, want 2", history[0].UsageCount)
	}
}

func TestSearchThresholdFilters(t *testing.T) {
	m, _ := newTestMesh(t, config.Mesh{}, 0)
	ctx := context.Background()

	if _, err := m.StoreTurn(ctx, "s1", "user", "completely unrelated gardening topic", nil); err != nil {
		t.Fatalf("storing: %v", err)
	}
	hits, err := m.SearchContext(ctx, "quantum chromodynamics lattice", 5, 0.9)
	if err != nil {
		t.Fatalf("searching: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("got %d hits above 0.9 threshold, want 0", len(hits))
	}
}

func TestGetSessionHistoryNewestFirst(t *testing.T) {
	m, clock := newTestMesh(t, config.Mesh{}, 0)
	ctx := context.Background()

	for _, text := range []string{"first message", "second message", "third message"} {
		if _, err := m.StoreTurn(ctx, "s1", "user", text, nil); err != nil {
			t.Fatalf("storing: %v", err)
		}
		clock.Advance(time.Minute)
	}
	if _, err := m.StoreTurn(ctx, "other", "user", "different session", nil); err != nil {
		t.Fatalf("storing: %v", err)
	}

	history, err := m.GetSessionHistory(ctx, "s1", 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("got %d turns, want 2", len(history))
	}
	if !strings.Contains(history[0].Text, "third") || !strings.Contains(history[1].Text, "second") {
		t.Errorf("order = %q, %q", history[0].Text, history[1].Text)
	}
}

func TestTemporalDecayIdempotentPerDay(t *testing.T) {
	m, clock := newTestMesh(t, config.Mesh{DecayRate: 0.5, MinRelevance: 0.01}, 0)
	ctx := context.Background()

	if _, err := m.StoreTurn(ctx, "s1", "user", "hello there", nil); err != nil {
		t.Fatalf("storing: %v", err)
	}

	if _, err := m.ApplyTemporalDecay(ctx); err != nil {
		t.Fatalf("decay: %v", err)
	}
	history, _ := m.GetSessionHistory(ctx, "s1", 1)
	if math.Abs(history[0].RelevanceDecay-0.5) > 1e-9 {
		t.Fatalf("relevance = %f, want 0.5", history[0].RelevanceDecay)
	}

	// Same day: no-op.
	if _, err := m.ApplyTemporalDecay(ctx); err != nil {
		t.Fatalf("second decay: %v", err)
	}
	history, _ = m.GetSessionHistory(ctx, "s1", 1)
	if math.Abs(history[0].RelevanceDecay-0.5) > 1e-9 {
		t.Fatalf("same-day decay reapplied: %f", history[0].RelevanceDecay)
	}

	// Next day it compounds.
	clock.Advance(24 * time.Hour)
	if _, err := m.ApplyTemporalDecay(ctx); err != nil {
		t.Fatalf("third decay: %v", err)
	}
	history, _ = m.GetSessionHistory(ctx, "s1", 1)
	if math.Abs(history[0].RelevanceDecay-0.25) > 1e-9 {
		t.Errorf("next-day relevance = %f, want 0.25", history[0].RelevanceDecay)
	}
}

func TestTemporalDecayFollowsTunedRate(t *testing.T) {
	m, _ := newTestMesh(t, config.Mesh{DecayRate: 0.95, MinRelevance: 0.01}, 0)
	ctx := context.Background()

	// Wire a param store and tune the rate away from the config default;
	// decay must follow the tuned value.
	params := config.NewParamStore(config.DefaultParams())
	tuned := config.DefaultParams()
	tuned.MeshDecayRate = 0.5
	params.Publish(tuned)
	m.params = params

	if _, err := m.StoreTurn(ctx, "s1", "user", "hello there", nil); err != nil {
		t.Fatalf("storing: %v", err)
	}
	if _, err := m.ApplyTemporalDecay(ctx); err != nil {
		t.Fatalf("decay: %v", err)
	}
	history, _ := m.GetSessionHistory(ctx, "s1", 1)
	if math.Abs(history[0].RelevanceDecay-0.5) > 1e-9 {
		t.Errorf("relevance = %f, want 0.5 from tuned rate", history[0].RelevanceDecay)
	}
}

func TestDecayUnusedDropsBelowFloor(t *testing.T) {
	m, _ := newTestMesh(t, config.Mesh{MinRelevance: 0.5}, 0)
	ctx := context.Background()

	if _, err := m.StoreTurn(ctx, "s1", "user", "rarely used memory", nil); err != nil {
		t.Fatalf("storing: %v", err)
	}

	// 1.0 -> 0.8 (kept), 0.8 -> 0.64 (kept), 0.64 -> 0.512 (kept),
	// 0.512 -> 0.4096 < 0.5 (dropped).
	var dropped int
	for i := 0; i < 4; i++ {
		var err error
		_, dropped, err = m.DecayUnusedFacts(ctx, 1)
		if err != nil {
			t.Fatalf("decay pass %d: %v", i, err)
		}
	}
	if dropped != 1 {
		t.Fatalf("dropped = %d, want 1", dropped)
	}
	history, _ := m.GetSessionHistory(ctx, "s1", 10)
	if len(history) != 0 {
		t.Errorf("chunk survived below relevance floor")
	}
}

func TestPruneOldConversations(t *testing.T) {
	m, clock := newTestMesh(t, config.Mesh{}, 0)
	ctx := context.Background()

	if _, err := m.StoreTurn(ctx, "old", "user", "ancient history", nil); err != nil {
		t.Fatalf("storing: %v", err)
	}
	clock.Advance(40 * 24 * time.Hour)
	if _, err := m.StoreTurn(ctx, "fresh", "user", "recent chat", nil); err != nil {
		t.Fatalf("storing: %v", err)
	}

	removed, err := m.PruneOldConversations(ctx, 30)
	if err != nil {
		t.Fatalf("pruning: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed %d sessions, want 1", removed)
	}
	old, _ := m.GetSessionHistory(ctx, "old", 10)
	fresh, _ := m.GetSessionHistory(ctx, "fresh", 10)
	if len(old) != 0 || len(fresh) != 1 {
		t.Errorf("old=%d fresh=%d after prune", len(old), len(fresh))
	}
}

func TestEvictionOverCap(t *testing.T) {
	m, clock := newTestMesh(t, config.Mesh{}, 2)
	ctx := context.Background()

	// Three distinct turns; cap is two. The never-searched oldest chunk
	// has the lowest relevance x usage and goes first.
	if _, err := m.StoreTurn(ctx, "s1", "user", "oldest unused memory", nil); err != nil {
		t.Fatalf("storing: %v", err)
	}
	clock.Advance(time.Minute)
	if _, err := m.StoreTurn(ctx, "s1", "user", "second memory entry", nil); err != nil {
		t.Fatalf("storing: %v", err)
	}
	clock.Advance(time.Minute)
	if _, err := m.StoreTurn(ctx, "s1", "user", "third memory entry", nil); err != nil {
		t.Fatalf("storing: %v", err)
	}

	history, err := m.GetSessionHistory(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("got %d chunks after eviction, want 2", len(history))
	}
	for _, c := range history {
		if strings.Contains(c.Text, "oldest") {
			t.Errorf("oldest unused chunk survived eviction")
		}
	}
}
