package embed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// CachedEmbedder wraps an Embedder with a bounded in-process cache keyed by
// content hash. The cache never outlives the process and entries expire so
// the map cannot grow without bound across long sessions.
type CachedEmbedder struct {
	inner Embedder
	cache *gocache.Cache
}

// NewCached wraps an embedder with a content-hash cache. ttlMinutes <= 0
// means entries never expire (still process-scoped).
func NewCached(inner Embedder, ttlMinutes int) *CachedEmbedder {
	ttl := gocache.NoExpiration
	if ttlMinutes > 0 {
		ttl = time.Duration(ttlMinutes) * time.Minute
	}
	return &CachedEmbedder{
		inner: inner,
		cache: gocache.New(ttl, 10*time.Minute),
	}
}

// Embed returns a cached vector when the exact text was embedded before.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := hashText(text)
	if v, ok := c.cache.Get(key); ok {
		return v.([]float32), nil
	}

	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.SetDefault(key, vec)
	return vec, nil
}

// EmbedBatch embeds only the cache misses and reassembles results in order.
func (c *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	result := make([][]float32, len(texts))
	missing := make([]string, 0, len(texts))
	missingIdx := make([]int, 0, len(texts))

	for i, text := range texts {
		if v, ok := c.cache.Get(hashText(text)); ok {
			result[i] = v.([]float32)
			continue
		}
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}

	if len(missing) == 0 {
		return result, nil
	}

	vecs, err := c.inner.EmbedBatch(ctx, missing)
	if err != nil {
		return nil, err
	}
	for i, vec := range vecs {
		idx := missingIdx[i]
		result[idx] = vec
		if vec != nil {
			c.cache.SetDefault(hashText(texts[idx]), vec)
		}
	}
	return result, nil
}

// Dimensions delegates to the wrapped embedder.
func (c *CachedEmbedder) Dimensions() int {
	return c.inner.Dimensions()
}

func hashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
