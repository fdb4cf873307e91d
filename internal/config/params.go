package config

import (
	"fmt"
	"sync/atomic"
)

// Params are the runtime-tunable parameters the self-optimizing layer is
// allowed to adjust. Readers take a consistent snapshot via Store.Load;
// the optimizer publishes a new snapshot atomically once an adjustment is
// applied. Values here are initial defaults, not constants.
type Params struct {
	PromotionThreshold float64 // support weight needed to promote ACTIVE -> STABLE
	TemporalDecayDays  int     // unused-fact age before a status slide
	OverrideStrength   float64 // global multiplier on enforcement strictness
	MeshDecayRate      float64 // daily relevance multiplier for chunks
	DomainWeight       float64 // semantic-signal weight inside the classifier

	// Strictness is the per-domain override multiplier. Domains absent from
	// the map fall back to DefaultStrictness.
	Strictness        map[string]float64
	DefaultStrictness float64
}

// DefaultParams returns the initial parameter set.
func DefaultParams() Params {
	return Params{
		PromotionThreshold: 5.0,
		TemporalDecayDays:  90,
		OverrideStrength:   1.0,
		MeshDecayRate:      0.95,
		DomainWeight:       0.40,
		Strictness: map[string]float64{
			"identity": 1.0,
			"family":   1.0,
		},
		DefaultStrictness: 0.7,
	}
}

// StrictnessFor returns the enforcement strictness for a domain.
func (p Params) StrictnessFor(domain string) float64 {
	if v, ok := p.Strictness[domain]; ok {
		return v
	}
	return p.DefaultStrictness
}

// Clone returns a deep copy safe for mutation before publishing.
func (p Params) Clone() Params {
	out := p
	out.Strictness = make(map[string]float64, len(p.Strictness))
	for k, v := range p.Strictness {
		out.Strictness[k] = v
	}
	return out
}

// Set assigns a named parameter. Used by the optimizer's adapter; names
// match the adjustment records it persists.
func (p *Params) Set(name string, value float64) error {
	switch name {
	case "promotionThreshold":
		p.PromotionThreshold = value
	case "temporalDecayDays":
		p.TemporalDecayDays = int(value)
	case "ameOverrideStrength":
		p.OverrideStrength = value
	case "smmDecayRate":
		p.MeshDecayRate = value
	case "ddeDomainWeight":
		p.DomainWeight = value
	default:
		return fmt.Errorf("unknown tunable parameter %q", name)
	}
	return nil
}

// Get returns a named parameter value.
func (p Params) Get(name string) (float64, error) {
	switch name {
	case "promotionThreshold":
		return p.PromotionThreshold, nil
	case "temporalDecayDays":
		return float64(p.TemporalDecayDays), nil
	case "ameOverrideStrength":
		return p.OverrideStrength, nil
	case "smmDecayRate":
		return p.MeshDecayRate, nil
	case "ddeDomainWeight":
		return p.DomainWeight, nil
	default:
		return 0, fmt.Errorf("unknown tunable parameter %q", name)
	}
}

// ParamStore publishes parameter snapshots. Reads are lock-free; writes
// replace the whole snapshot so a turn never observes a half-applied cycle.
type ParamStore struct {
	current atomic.Pointer[Params]
}

// NewParamStore creates a store seeded with the given parameters.
func NewParamStore(p Params) *ParamStore {
	s := &ParamStore{}
	cp := p.Clone()
	s.current.Store(&cp)
	return s
}

// Load returns the current snapshot. Callers must not mutate it.
func (s *ParamStore) Load() Params {
	return *s.current.Load()
}

// Publish atomically replaces the snapshot.
func (s *ParamStore) Publish(p Params) {
	cp := p.Clone()
	s.current.Store(&cp)
}
