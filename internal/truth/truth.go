// Package truth turns raw observations into canonical facts.
//
// The engine owns the write path for fact state:
//   - RegisterObservation appends to the observation log, then re-resolves
//     the (domain, key) it touched
//   - resolution aggregates observations per candidate value with
//     authority x source x temporal weights and commits a single winner
//   - confidence adjustment reinforces facts on use and halves them on
//     refutation
//   - temporal decay slides stale facts down the status ladder
//   - dependency edges propagate invalidation when a fact is deprecated
//
// Nothing else mutates fact status or confidence.
package truth

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/hurttlocker/engram/internal/config"
	"github.com/hurttlocker/engram/internal/logging"
	"github.com/hurttlocker/engram/internal/store"
)

// Observation weights. An observation's contribution to a value is the
// product of all three factors. Test-class observations additionally
// saturate during aggregation (see resolveKey), so no number of CLI test
// writes ever outvotes a single real user statement.
func authorityWeight(authority string) float64 {
	switch authority {
	case store.AuthorityTest:
		return 0.1
	case store.AuthorityShortTerm:
		return 1.0
	case store.AuthorityMediumTerm:
		return 2.0
	case store.AuthorityStable:
		return 5.0
	case store.AuthorityLongTerm:
		return 10.0
	default:
		return 0.1
	}
}

func sourceWeight(source string) float64 {
	switch source {
	case store.SourceCLITest:
		return 0.1
	case store.SourceChatUser:
		return 1.0
	case store.SourceMemoryEnhancement:
		return 1.5
	case store.SourceSystemDefault:
		return 2.0
	case store.SourceIngestDoc:
		return 3.0
	default:
		return 1.0
	}
}

// temporalFactor discounts old observations linearly over a year,
// bottoming out at 0.1 so history never vanishes entirely.
func temporalFactor(observedAt, now time.Time) float64 {
	ageDays := now.Sub(observedAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	return math.Max(0.1, 1-ageDays/365)
}

// observationWeight is one observation's support contribution.
func observationWeight(o *store.Observation, now time.Time) float64 {
	return authorityWeight(o.Authority) * sourceWeight(o.Source) * temporalFactor(o.CreatedAt, now)
}

// Options configures the engine. Zero values get sane defaults.
type Options struct {
	Store  *store.Store
	Params *config.ParamStore
	Logger *zap.Logger
	// MinConfidence is the floor below which a refuted fact turns SUSPECT.
	MinConfidence float64
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Engine resolves observations into canonical facts.
type Engine struct {
	store   *store.Store
	params  *config.ParamStore
	log     *zap.Logger
	minConf float64
	now     func() time.Time
}

// New creates a truth engine.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("truth engine requires a store")
	}
	if opts.Params == nil {
		opts.Params = config.NewParamStore(config.DefaultParams())
	}
	if opts.MinConfidence <= 0 {
		opts.MinConfidence = 0.6
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Engine{
		store:   opts.Store,
		params:  opts.Params,
		log:     logging.OrNop(opts.Logger),
		minConf: opts.MinConfidence,
		now:     opts.Now,
	}, nil
}

// RegisterObservation appends one observation and synchronously re-resolves
// its (domain, key). The returned resolution describes what, if anything,
// changed about the canonical value.
func (e *Engine) RegisterObservation(ctx context.Context, o *store.Observation) (*Resolution, error) {
	if o.Domain == "" || o.Key == "" {
		return nil, fmt.Errorf("observation requires domain and key")
	}
	if o.Value == "" {
		return nil, fmt.Errorf("observation for %s/%s has empty value", o.Domain, o.Key)
	}
	if o.Source == "" {
		o.Source = store.SourceChatUser
	}
	if o.Authority == "" {
		o.Authority = store.AuthorityShortTerm
	}

	mu := e.store.LockKey(o.Domain, o.Key)
	mu.Lock()
	defer mu.Unlock()

	if err := e.store.AppendObservation(ctx, o); err != nil {
		return nil, err
	}
	res, err := e.resolveKey(ctx, o.Domain, o.Key)
	if err != nil {
		return nil, err
	}
	e.log.Debug("observation registered",
		zap.String("domain", o.Domain),
		zap.String("key", o.Key),
		zap.String("outcome", res.Outcome))
	return res, nil
}

// GetCanonicalTruth returns the single ACTIVE/STABLE fact for (domain, key),
// or nil when no canonical value exists.
func (e *Engine) GetCanonicalTruth(ctx context.Context, domain, key string) (*store.Fact, error) {
	return e.store.GetCanonicalFact(ctx, domain, key)
}
