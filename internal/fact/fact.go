// Package fact is the canonical memory core: validated, capped storage of
// facts keyed by (domain, key), with an adaptive schema that learns new
// domains and keys from usage and a vector index for similarity lookup.
//
// Writes default to the observation path: the fact is registered as an
// observation and the truth engine decides what, if anything, becomes
// canonical. The direct path bypasses aggregation for trusted bulk writes.
package fact

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/liliang-cn/sqvect/v2/pkg/core"
	"go.uber.org/zap"

	"github.com/hurttlocker/engram/internal/config"
	"github.com/hurttlocker/engram/internal/embed"
	"github.com/hurttlocker/engram/internal/logging"
	"github.com/hurttlocker/engram/internal/store"
	"github.com/hurttlocker/engram/internal/truth"
	"github.com/hurttlocker/engram/internal/vector"
)

// Schema and capacity failures callers are expected to branch on.
var (
	ErrSchemaViolation = errors.New("schema violation")
	ErrLimitExceeded   = errors.New("limit exceeded")
)

// Options configures the core.
type Options struct {
	Store    *store.Store
	Truth    *truth.Engine
	Vectors  *vector.DB     // nil disables similarity lookup
	Embedder embed.Embedder // nil disables similarity lookup
	Schema   *Schema
	Limits   config.Limits
	Logger   *zap.Logger
}

// Core is the canonical memory core.
type Core struct {
	store    *store.Store
	truth    *truth.Engine
	vectors  *vector.DB
	embedder embed.Embedder
	schema   *Schema
	limits   config.Limits
	log      *zap.Logger
}

// New creates the core. Store, Truth, and Schema are required.
func New(opts Options) (*Core, error) {
	if opts.Store == nil || opts.Truth == nil {
		return nil, fmt.Errorf("fact core requires store and truth engine")
	}
	if opts.Schema == nil {
		return nil, fmt.Errorf("fact core requires a schema")
	}
	if opts.Limits.MaxTotalFacts <= 0 {
		opts.Limits.MaxTotalFacts = 1000
	}
	if opts.Limits.MaxFactsPerDomain <= 0 {
		opts.Limits.MaxFactsPerDomain = 100
	}
	if opts.Limits.MaxFactLength <= 0 {
		opts.Limits.MaxFactLength = 500
	}
	if opts.Limits.MinConfidence <= 0 {
		opts.Limits.MinConfidence = 0.6
	}
	return &Core{
		store:    opts.Store,
		truth:    opts.Truth,
		vectors:  opts.Vectors,
		embedder: opts.Embedder,
		schema:   opts.Schema,
		limits:   opts.Limits,
		log:      logging.OrNop(opts.Logger),
	}, nil
}

// StoreFactRequest describes one fact write.
type StoreFactRequest struct {
	Domain    string
	Key       string
	Value     string
	FactType  string
	Authority string
	Source    string
	// Direct bypasses observation aggregation and writes the canonical
	// fact immediately. Reserved for trusted imports.
	Direct bool
}

// StoreFact validates a write against the adaptive schema and hard caps,
// then commits it through the truth engine (default) or directly. Schema
// violations and cap breaches return wrapped ErrSchemaViolation /
// ErrLimitExceeded; aggregation failures leave prior state untouched.
func (c *Core) StoreFact(ctx context.Context, req StoreFactRequest) (*store.Fact, error) {
	if len(req.Value) == 0 {
		return nil, fmt.Errorf("%w: empty value", ErrSchemaViolation)
	}
	if len(req.Value) > c.limits.MaxFactLength {
		return nil, fmt.Errorf("%w: value length %d exceeds %d",
			ErrLimitExceeded, len(req.Value), c.limits.MaxFactLength)
	}

	domain, key, err := c.schema.Validate(req.Domain, req.Key, req.Value)
	if err != nil {
		return nil, err
	}

	// Cap checks only gate genuinely new keys; updating an existing
	// canonical fact never breaches a cap.
	existing, err := c.store.GetCanonicalFact(ctx, domain, key)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		total, inDomain, err := c.store.CountFacts(ctx, domain)
		if err != nil {
			return nil, err
		}
		if total >= c.limits.MaxTotalFacts {
			return nil, fmt.Errorf("%w: total fact cap %d reached", ErrLimitExceeded, c.limits.MaxTotalFacts)
		}
		if inDomain >= c.limits.MaxFactsPerDomain {
			return nil, fmt.Errorf("%w: domain %q fact cap %d reached", ErrLimitExceeded, domain, c.limits.MaxFactsPerDomain)
		}
	}

	var fact *store.Fact
	if req.Direct {
		fact, err = c.storeDirect(ctx, domain, key, req)
	} else {
		var res *truth.Resolution
		res, err = c.truth.RegisterObservation(ctx, &store.Observation{
			Domain:    domain,
			Key:       key,
			Value:     req.Value,
			Source:    req.Source,
			Authority: req.Authority,
		})
		if res != nil {
			fact = res.Fact
		}
	}
	if err != nil {
		return nil, err
	}
	if fact == nil {
		return nil, fmt.Errorf("storing %s/%s produced no canonical fact", domain, key)
	}

	c.indexFact(ctx, fact)
	return fact, nil
}

// storeDirect writes a canonical fact without aggregation, demoting any
// previous canonical value for the key.
func (c *Core) storeDirect(ctx context.Context, domain, key string, req StoreFactRequest) (*store.Fact, error) {
	mu := c.store.LockKey(domain, key)
	mu.Lock()
	defer mu.Unlock()

	existing, err := c.store.GetCanonicalFact(ctx, domain, key)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.Value == req.Value {
			return existing, nil
		}
		if err := c.store.UpdateFactStatus(ctx, existing.ID, store.StatusDeprecated,
			"replaced by direct write"); err != nil {
			return nil, err
		}
	}

	authority := req.Authority
	if authority == "" {
		authority = store.AuthorityShortTerm
	}
	fact := &store.Fact{
		Domain:     domain,
		Key:        key,
		Value:      req.Value,
		FactType:   req.FactType,
		Confidence: c.limits.MinConfidence,
		Authority:  authority,
		Source:     req.Source,
	}
	if err := c.store.InsertFact(ctx, fact); err != nil {
		return nil, err
	}
	return fact, nil
}

// indexFact upserts the fact's embedding. Vector indexing is best-effort:
// a failed embed leaves the fact queryable by key, just not by similarity.
func (c *Core) indexFact(ctx context.Context, f *store.Fact) {
	if c.vectors == nil || c.embedder == nil {
		return
	}
	text := f.Key + ": " + f.Value
	vec, err := c.embedder.Embed(ctx, text)
	if err != nil {
		c.log.Warn("fact embedding failed, similarity lookup degraded",
			zap.String("fact", f.ID), zap.Error(err))
		return
	}
	err = c.vectors.Store().Upsert(ctx, &core.Embedding{
		ID:         f.ID,
		Collection: vector.CollectionFacts,
		Vector:     vec,
		Content:    text,
		Metadata: map[string]string{
			"domain": f.Domain,
			"key":    f.Key,
		},
	})
	if err != nil {
		c.log.Warn("fact vector upsert failed", zap.String("fact", f.ID), zap.Error(err))
	}
}

// GetFact returns the canonical fact for (domain, key), or nil. Hits are
// recorded as access events for reinforcement and hit-rate metrics.
func (c *Core) GetFact(ctx context.Context, domain, key string) (*store.Fact, error) {
	domain = normalize(domain)
	key = c.schema.NormalizeKey(domain, key)
	f, err := c.store.GetCanonicalFact(ctx, domain, key)
	if err != nil || f == nil {
		return f, err
	}
	if err := c.store.TouchFact(ctx, f.ID, "read"); err != nil {
		c.log.Warn("fact access logging failed", zap.String("fact", f.ID), zap.Error(err))
	}
	return f, nil
}

// RelatedFact is one similarity hit.
type RelatedFact struct {
	Fact  *store.Fact
	Score float64
}

// QueryRelatedFacts returns up to k canonical facts by vector similarity,
// optionally restricted to one domain.
func (c *Core) QueryRelatedFacts(ctx context.Context, queryText, domain string, k int) ([]RelatedFact, error) {
	if c.vectors == nil || c.embedder == nil {
		return nil, nil
	}
	if k <= 0 {
		k = 5
	}
	vec, err := c.embedder.Embed(ctx, queryText)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	opts := core.SearchOptions{
		Collection: vector.CollectionFacts,
		TopK:       k * 2, // headroom for hits that are no longer canonical
	}
	if domain != "" {
		opts.Filter = map[string]string{"domain": normalize(domain)}
	}
	hits, err := c.vectors.Store().Search(ctx, vec, opts)
	if err != nil {
		return nil, fmt.Errorf("searching facts: %w", err)
	}

	out := make([]RelatedFact, 0, k)
	for _, h := range hits {
		f, err := c.store.GetFact(ctx, h.ID)
		if err != nil {
			return nil, err
		}
		if f == nil || !f.Canonical() {
			continue
		}
		out = append(out, RelatedFact{Fact: f, Score: h.Score})
		if len(out) == k {
			break
		}
	}
	return out, nil
}

// Lookup resolves a query with the fixed precedence: exact (domain, key)
// match, then fuzzy-normalized key match, then domain-restricted vector
// similarity. The first tier that produces results wins.
func (c *Core) Lookup(ctx context.Context, domain, key, queryText string, k int) ([]RelatedFact, error) {
	// GetFact already folds exact and fuzzy key resolution together.
	if key != "" {
		if f, err := c.GetFact(ctx, domain, key); err != nil {
			return nil, err
		} else if f != nil {
			return []RelatedFact{{Fact: f, Score: 1}}, nil
		}
	}
	if queryText == "" {
		return nil, nil
	}
	return c.QueryRelatedFacts(ctx, queryText, domain, k)
}

// ListNumbered returns the canonical facts for a numbered key family
// (child_1, child_2, ...) in key order.
func (c *Core) ListNumbered(ctx context.Context, domain, prefix string) ([]*store.Fact, error) {
	facts, err := c.store.ListFactsByKeyPrefix(ctx, normalize(domain), normalize(prefix))
	if err != nil {
		return nil, err
	}
	// The LIKE scan can catch non-numbered cousins (child_name); keep only
	// true prefix_N keys.
	out := facts[:0]
	for _, f := range facts {
		m := numberedKey.FindStringSubmatch(f.Key)
		if m == nil || m[1] != normalize(prefix) {
			continue
		}
		if _, err := strconv.Atoi(m[2]); err == nil {
			out = append(out, f)
		}
	}
	return out, nil
}

// CanonicalByDomain lists a domain's canonical facts without similarity
// scoring, for callers with no vector backend or an empty search result.
func (c *Core) CanonicalByDomain(ctx context.Context, domain string, limit int) ([]*store.Fact, error) {
	return c.store.ListFactsByDomain(ctx, normalize(domain), limit)
}

// DomainCounts returns fact counts per domain, all statuses, for stats
// output.
func (c *Core) DomainCounts(ctx context.Context) (map[string]int64, error) {
	stats, err := c.store.GetStats(ctx)
	if err != nil {
		return nil, err
	}
	return stats.FactsByDomain, nil
}

// Reinforce bumps confidence after a fact proved useful in a turn.
func (c *Core) Reinforce(ctx context.Context, factID string) error {
	return c.truth.Reinforce(ctx, factID)
}

// Schema exposes the adaptive schema for classification and stats.
func (c *Core) Schema() *Schema { return c.schema }
