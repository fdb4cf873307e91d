// Package metalearn tracks which question patterns succeed in which
// domains and turns that history into two outputs: per-domain threshold
// adjustments for retrieval, and cross-domain patterns that become
// "universal" once they prove out in enough distinct domains. Universal
// patterns grant a fixed activation bonus in domains with no history.
package metalearn

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/hurttlocker/engram/internal/graphmem"
	"github.com/hurttlocker/engram/internal/logging"
)

// Threshold deltas by per-domain success rate. Domains where retrieval
// keeps working get looser thresholds; domains that keep failing get
// stricter ones.
const (
	deltaHighSuccess = -1.5 // success rate >= 0.8
	deltaGoodSuccess = -0.5 // success rate >= 0.6
	deltaPoorSuccess = +1.0 // success rate <= 0.3

	// minObservations before a domain's stats mean anything.
	minObservations = 5

	// ActivationBonus is the fixed relevance bonus a universal pattern
	// grants in a domain with no local history.
	ActivationBonus = 0.3
)

// PatternStat is one pattern's record within one domain.
type PatternStat struct {
	Attempts  int `json:"attempts"`
	Successes int `json:"successes"`
}

// SuccessRate is attempts-guarded.
func (p *PatternStat) SuccessRate() float64 {
	if p.Attempts == 0 {
		return 0
	}
	return float64(p.Successes) / float64(p.Attempts)
}

// CrossDomainPattern aggregates one normalized pattern across domains.
type CrossDomainPattern struct {
	Pattern   string                  `json:"pattern"`
	Domains   map[string]*PatternStat `json:"domains"`
	Universal bool                    `json:"universal"`
	// Confidence is the minimum success rate across validated domains.
	Confidence float64 `json:"confidence"`
}

// learnerState is the persisted JSON shape.
type learnerState struct {
	DomainStats map[string]*PatternStat        `json:"domain_stats"`
	Patterns    map[string]*CrossDomainPattern `json:"patterns"`
}

// Options configures the learner.
type Options struct {
	// StatePath is the JSON persistence file. Empty keeps state in memory.
	StatePath string
	// Graph, when available, receives universal patterns as concept nodes.
	Graph *graphmem.Graph
	// CrossDomainThreshold is the distinct-domain count for universality.
	// Zero means 3.
	CrossDomainThreshold int
	Logger               *zap.Logger
}

// Learner is the meta-learning coordinator.
type Learner struct {
	mu    sync.Mutex
	state learnerState
	path  string

	graph     *graphmem.Graph
	threshold int
	log       *zap.Logger
}

// New creates (or reloads) a learner.
func New(opts Options) (*Learner, error) {
	if opts.CrossDomainThreshold <= 0 {
		opts.CrossDomainThreshold = 3
	}
	l := &Learner{
		path:      opts.StatePath,
		graph:     opts.Graph,
		threshold: opts.CrossDomainThreshold,
		log:       logging.OrNop(opts.Logger),
	}
	l.state = learnerState{
		DomainStats: make(map[string]*PatternStat),
		Patterns:    make(map[string]*CrossDomainPattern),
	}
	if l.path != "" {
		if err := l.load(); err != nil {
			return nil, err
		}
	}
	return l, nil
}

func (l *Learner) load() error {
	data, err := os.ReadFile(l.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading pattern state: %w", err)
	}
	var saved learnerState
	if err := json.Unmarshal(data, &saved); err != nil {
		return fmt.Errorf("decoding pattern state %s: %w", l.path, err)
	}
	if saved.DomainStats != nil {
		l.state.DomainStats = saved.DomainStats
	}
	if saved.Patterns != nil {
		l.state.Patterns = saved.Patterns
	}
	return nil
}

// save atomically rewrites the state file. Caller holds the lock.
func (l *Learner) save() error {
	if l.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(l.state, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding pattern state: %w", err)
	}
	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(l.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing state file: %w", err)
	}
	if err := os.Rename(tmpName, l.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing state file: %w", err)
	}
	return nil
}

var patternPunct = regexp.MustCompile(`[^\p{L}\p{N}\s]`)

// NormalizePattern lowercases, strips punctuation, and collapses
// whitespace, so "What's my NAME?" and "whats my name" merge.
func NormalizePattern(pattern string) string {
	pattern = strings.ToLower(pattern)
	pattern = patternPunct.ReplaceAllString(pattern, "")
	return strings.Join(strings.Fields(pattern), " ")
}

// Observe records one pattern outcome in one domain.
func (l *Learner) Observe(domain, pattern string, success bool) error {
	norm := NormalizePattern(pattern)
	if norm == "" || domain == "" {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	ds, ok := l.state.DomainStats[domain]
	if !ok {
		ds = &PatternStat{}
		l.state.DomainStats[domain] = ds
	}
	ds.Attempts++
	if success {
		ds.Successes++
	}

	p, ok := l.state.Patterns[norm]
	if !ok {
		p = &CrossDomainPattern{Pattern: norm, Domains: make(map[string]*PatternStat)}
		l.state.Patterns[norm] = p
	}
	st, ok := p.Domains[domain]
	if !ok {
		st = &PatternStat{}
		p.Domains[domain] = st
	}
	st.Attempts++
	if success {
		st.Successes++
	}
	l.recomputeUniversalLocked(p)

	return l.save()
}

// recomputeUniversalLocked re-derives universality and confidence from a
// pattern's per-domain record. A domain counts once it has a majority of
// successes; confidence is the minimum success rate over counting domains.
func (l *Learner) recomputeUniversalLocked(p *CrossDomainPattern) {
	validated := 0
	minRate := 1.0
	for _, st := range p.Domains {
		if st.Attempts == 0 || st.SuccessRate() < 0.5 {
			continue
		}
		validated++
		if r := st.SuccessRate(); r < minRate {
			minRate = r
		}
	}
	wasUniversal := p.Universal
	p.Universal = validated >= l.threshold
	if p.Universal {
		p.Confidence = minRate
		if !wasUniversal {
			l.log.Info("pattern became universal",
				zap.String("pattern", p.Pattern),
				zap.Int("domains", validated),
				zap.Float64("confidence", p.Confidence))
		}
	} else {
		p.Confidence = 0
	}
}

// ThresholdDelta returns the retrieval threshold adjustment for a domain.
func (l *Learner) ThresholdDelta(domain string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	ds, ok := l.state.DomainStats[domain]
	if !ok || ds.Attempts < minObservations {
		return 0
	}
	rate := ds.SuccessRate()
	switch {
	case rate >= 0.8:
		return deltaHighSuccess
	case rate >= 0.6:
		return deltaGoodSuccess
	case rate <= 0.3:
		return deltaPoorSuccess
	default:
		return 0
	}
}

// Universals returns the universal patterns, most confident first.
func (l *Learner) Universals() []*CrossDomainPattern {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*CrossDomainPattern, 0)
	for _, p := range l.state.Patterns {
		if p.Universal {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].Pattern < out[j].Pattern
	})
	return out
}

// Activation returns the fixed bonus when the question matches a
// universal pattern, for use in domains with no local history.
func (l *Learner) Activation(question string) float64 {
	norm := NormalizePattern(question)
	if norm == "" {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range l.state.Patterns {
		if !p.Universal {
			continue
		}
		if strings.Contains(norm, p.Pattern) || strings.Contains(p.Pattern, norm) {
			return ActivationBonus
		}
	}
	return 0
}

// Collapse merges patterns whose normalized forms collide (they can drift
// apart across restarts when normalization rules evolve) and materializes
// universal patterns into the concept graph when one is wired.
func (l *Learner) Collapse(ctx context.Context) (int, error) {
	l.mu.Lock()

	merged := 0
	canonical := make(map[string]*CrossDomainPattern, len(l.state.Patterns))
	for key, p := range l.state.Patterns {
		norm := NormalizePattern(key)
		target, ok := canonical[norm]
		if !ok {
			p.Pattern = norm
			canonical[norm] = p
			continue
		}
		for d, st := range p.Domains {
			dst, ok := target.Domains[d]
			if !ok {
				target.Domains[d] = st
				continue
			}
			dst.Attempts += st.Attempts
			dst.Successes += st.Successes
		}
		merged++
	}
	for _, p := range canonical {
		l.recomputeUniversalLocked(p)
	}
	l.state.Patterns = canonical

	universals := make([]*CrossDomainPattern, 0)
	for _, p := range canonical {
		if p.Universal {
			universals = append(universals, p)
		}
	}
	err := l.save()
	l.mu.Unlock()
	if err != nil {
		return merged, err
	}

	if l.graph != nil && l.graph.Available() {
		for _, p := range universals {
			if err := l.graph.StoreConcept(ctx, p.Pattern, "universal"); err != nil {
				// Graph is optional by contract; log and move on.
				l.log.Warn("universal pattern not materialized", zap.Error(err))
				break
			}
		}
	}
	return merged, nil
}
