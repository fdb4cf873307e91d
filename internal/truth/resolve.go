package truth

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/hurttlocker/engram/internal/store"
)

// Resolution outcomes.
const (
	OutcomeNone         = "NONE"         // no observations, nothing to do
	OutcomeNew          = "NEW"          // first canonical value for the key
	OutcomeReinforced   = "REINFORCED"   // winner unchanged, support updated
	OutcomeSuperseded   = "SUPERSEDED"   // winner replaced the previous value
	OutcomeUnresolvable = "UNRESOLVABLE" // weight tie; newest won, conflict left open
)

// Resolution describes the result of re-resolving one (domain, key).
type Resolution struct {
	Outcome  string
	Fact     *store.Fact
	Conflict *store.Conflict
	// Demoted lists fact ids that lost canonical status in this pass.
	Demoted []string
}

// candidate is one competing value with its aggregated support. Genuine
// observations sum; test-class observations (TEST authority or CLI_TEST
// source) saturate at the single strongest one, so no volume of test
// writes accumulates real support.
type candidate struct {
	value      string
	weight     float64 // summed genuine support
	testWeight float64 // strongest single test-class observation
	supporters map[string]struct{} // distinct sources backing the value
	newest     time.Time
	count      int
	authority  string // highest authority seen among supporters
}

// effective is the candidate's total support.
func (c *candidate) effective() float64 {
	return c.weight + c.testWeight
}

// genuine reports whether any non-test observation backs the value. A
// value with genuine backing always outranks one supported only by test
// data, regardless of weight.
func (c *candidate) genuine() bool {
	return c.weight > 0
}

// isTestObservation classifies observations that must never displace real
// memory: TEST-authority writes and anything sourced from a CLI test run.
func isTestObservation(o *store.Observation) bool {
	return o.Authority == store.AuthorityTest || o.Source == store.SourceCLITest
}

// weightEpsilon absorbs sub-second temporal-factor jitter between
// observations recorded in the same exchange.
const weightEpsilon = 1e-6

// resolveKey recomputes the canonical value for (domain, key) from the full
// observation log. Caller holds the key lock.
func (e *Engine) resolveKey(ctx context.Context, domain, key string) (*Resolution, error) {
	obs, err := e.store.ListObservations(ctx, domain, key)
	if err != nil {
		return nil, err
	}
	if len(obs) == 0 {
		return &Resolution{Outcome: OutcomeNone}, nil
	}

	now := e.now()
	byValue := make(map[string]*candidate)
	order := make([]string, 0, 4)
	for _, o := range obs {
		c, ok := byValue[o.Value]
		if !ok {
			c = &candidate{value: o.Value, supporters: make(map[string]struct{})}
			byValue[o.Value] = c
			order = append(order, o.Value)
		}
		w := observationWeight(o, now)
		if isTestObservation(o) {
			if w > c.testWeight {
				c.testWeight = w
			}
		} else {
			c.weight += w
		}
		c.supporters[o.Source] = struct{}{}
		c.count++
		if o.CreatedAt.After(c.newest) {
			c.newest = o.CreatedAt
		}
		if store.AuthorityRank(o.Authority) > store.AuthorityRank(c.authority) {
			c.authority = o.Authority
		}
	}

	candidates := make([]*candidate, 0, len(byValue))
	for _, v := range order {
		candidates = append(candidates, byValue[v])
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.genuine() != b.genuine() {
			return a.genuine()
		}
		if math.Abs(a.effective()-b.effective()) > weightEpsilon {
			return a.effective() > b.effective()
		}
		if len(a.supporters) != len(b.supporters) {
			return len(a.supporters) > len(b.supporters)
		}
		return a.newest.After(b.newest)
	})

	winner := candidates[0]
	unresolvable := len(candidates) > 1 &&
		candidates[0].genuine() == candidates[1].genuine() &&
		math.Abs(candidates[0].effective()-candidates[1].effective()) <= weightEpsilon &&
		len(candidates[0].supporters) == len(candidates[1].supporters)

	res := &Resolution{}
	if len(candidates) > 1 {
		conflict, err := e.recordConflict(ctx, domain, key, candidates, winner, unresolvable)
		if err != nil {
			return nil, err
		}
		res.Conflict = conflict
	}

	fact, outcome, demoted, err := e.commitWinner(ctx, domain, key, winner, unresolvable)
	if err != nil {
		return nil, err
	}
	res.Fact = fact
	res.Outcome = outcome
	res.Demoted = demoted
	if unresolvable {
		res.Outcome = OutcomeUnresolvable
	}
	return res, nil
}

// recordConflict persists the disagreement. Resolvable conflicts close
// immediately with the winner; unresolvable ties stay open for review.
func (e *Engine) recordConflict(ctx context.Context, domain, key string, candidates []*candidate, winner *candidate, unresolvable bool) (*store.Conflict, error) {
	values := make([]string, len(candidates))
	for i, c := range candidates {
		values[i] = c.value
	}
	c := &store.Conflict{
		Domain:          domain,
		Key:             key,
		CompetingValues: values,
	}
	if !unresolvable {
		c.Resolution = fmt.Sprintf("weighted aggregation chose %q (weight %.3f)", winner.value, winner.effective())
		now := e.now()
		c.ResolvedAt = &now
	}
	if err := e.store.InsertConflict(ctx, c); err != nil {
		return nil, err
	}
	if unresolvable {
		e.log.Warn("unresolvable conflict, newest value wins",
			zap.String("domain", domain),
			zap.String("key", key),
			zap.Strings("values", values))
	}
	return c, nil
}

// commitWinner makes the winning value the single canonical fact. Losing
// facts are deprecated (or suspect on an unresolvable tie) and invalidation
// propagates to their dependents.
func (e *Engine) commitWinner(ctx context.Context, domain, key string, winner *candidate, unresolvable bool) (*store.Fact, string, []string, error) {
	existing, err := e.store.ListFactsByKey(ctx, domain, key)
	if err != nil {
		return nil, "", nil, err
	}

	var current *store.Fact // fact row holding the winning value, if any
	demoted := make([]string, 0)
	loserStatus := store.StatusDeprecated
	loserReason := fmt.Sprintf("superseded by %q", winner.value)
	if unresolvable {
		loserStatus = store.StatusSuspect
		loserReason = "unresolvable weight tie"
	}

	for _, f := range existing {
		if f.Value == winner.value {
			current = f
			continue
		}
		if !f.Canonical() {
			continue
		}
		if err := e.store.UpdateFactStatus(ctx, f.ID, loserStatus, loserReason); err != nil {
			return nil, "", nil, err
		}
		demoted = append(demoted, f.ID)
		if loserStatus == store.StatusDeprecated {
			if err := e.PropagateInvalidation(ctx, f.ID, loserReason); err != nil {
				return nil, "", nil, err
			}
		}
	}

	params := e.params.Load()
	status := store.StatusActive
	if winner.effective() >= params.PromotionThreshold {
		status = store.StatusStable
	}

	if current == nil {
		fact := &store.Fact{
			Domain:       domain,
			Key:          key,
			Value:        winner.value,
			Confidence:   e.minConf,
			Authority:    winner.authority,
			Status:       status,
			Source:       firstSupporter(winner),
			SupportCount: winner.count,
		}
		if err := e.store.InsertFact(ctx, fact); err != nil {
			return nil, "", nil, err
		}
		outcome := OutcomeNew
		if len(demoted) > 0 {
			outcome = OutcomeSuperseded
		}
		return fact, outcome, demoted, nil
	}

	// Winner already has a row: refresh support, possibly promote, and
	// restore canonical status if it had been demoted earlier.
	confidence := reinforced(current.Confidence, winner.count-current.SupportCount)
	if err := e.store.UpdateFactConfidence(ctx, current.ID, confidence, winner.count); err != nil {
		return nil, "", nil, err
	}
	if err := e.store.UpdateFactAuthority(ctx, current.ID, winner.authority); err != nil {
		return nil, "", nil, err
	}
	outcome := OutcomeReinforced
	if current.Status != status {
		if err := e.store.UpdateFactStatus(ctx, current.ID, status, ""); err != nil {
			return nil, "", nil, err
		}
		if !current.Canonical() {
			outcome = OutcomeSuperseded
		}
	}
	fact, err := e.store.GetFact(ctx, current.ID)
	if err != nil {
		return nil, "", nil, err
	}
	return fact, outcome, demoted, nil
}

// DetectConflicts re-resolves every observed key (optionally in one domain)
// and returns the conflicts that remain open afterwards. Resolution is
// synchronous: any key whose observations disagree gets settled here.
func (e *Engine) DetectConflicts(ctx context.Context, domain string) ([]*store.Conflict, error) {
	keys, err := e.store.ListObservedKeys(ctx, domain)
	if err != nil {
		return nil, err
	}
	for _, dk := range keys {
		mu := e.store.LockKey(dk[0], dk[1])
		mu.Lock()
		_, err := e.resolveKey(ctx, dk[0], dk[1])
		mu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("resolving %s/%s: %w", dk[0], dk[1], err)
		}
	}
	return e.store.ListConflicts(ctx, domain, true, 0)
}

func firstSupporter(c *candidate) string {
	// Deterministic pick: highest-weight source name wins ties by order.
	best := ""
	bestW := -1.0
	for s := range c.supporters {
		w := sourceWeight(s)
		if w > bestW || (w == bestW && s < best) {
			best = s
			bestW = w
		}
	}
	return best
}
