package embed

import (
	"context"
	"testing"
)

// countingEmbedder returns a fixed vector and counts upstream calls.
type countingEmbedder struct {
	calls int
}

func (c *countingEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	c.calls++
	return []float32{float32(len(text)), 1}, nil
}

func (c *countingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := c.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (c *countingEmbedder) Dimensions() int { return 2 }

func TestCachedEmbedderDeduplicates(t *testing.T) {
	inner := &countingEmbedder{}
	cached := NewCached(inner, 0)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := cached.Embed(ctx, "hello"); err != nil {
			t.Fatalf("embedding: %v", err)
		}
	}
	if inner.calls != 1 {
		t.Errorf("upstream calls = %d, want 1", inner.calls)
	}

	if _, err := cached.Embed(ctx, "different"); err != nil {
		t.Fatalf("embedding: %v", err)
	}
	if inner.calls != 2 {
		t.Errorf("upstream calls = %d, want 2 after distinct text", inner.calls)
	}
}

func TestCachedEmbedBatchOnlyFetchesMisses(t *testing.T) {
	inner := &countingEmbedder{}
	cached := NewCached(inner, 0)
	ctx := context.Background()

	if _, err := cached.Embed(ctx, "warm"); err != nil {
		t.Fatalf("warming: %v", err)
	}
	inner.calls = 0

	vecs, err := cached.EmbedBatch(ctx, []string{"warm", "cold", "warm"})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if len(vecs) != 3 || vecs[0] == nil || vecs[1] == nil || vecs[2] == nil {
		t.Fatalf("batch result = %v", vecs)
	}
	if inner.calls != 1 {
		t.Errorf("upstream calls = %d, want 1 (only the miss)", inner.calls)
	}
}

func TestCachedEmbedderDimensions(t *testing.T) {
	cached := NewCached(&countingEmbedder{}, 0)
	if got := cached.Dimensions(); got != 2 {
		t.Errorf("dimensions = %d", got)
	}
}
