// Package optimize is the self-tuning loop. It watches turn-level health
// metrics, proposes bounded parameter adjustments when a metric leaves
// its healthy band, and later anchors or reverts each adjustment based on
// whether the metric actually improved.
//
// Adjustments are conservative on purpose: at most one pending change per
// parameter, each move capped at 20% of the current value, and every
// change is re-evaluated against its recorded baseline after the
// evaluation window before it becomes permanent.
package optimize

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/hurttlocker/engram/internal/config"
	"github.com/hurttlocker/engram/internal/logging"
	"github.com/hurttlocker/engram/internal/store"
)

// Metric stream names.
const (
	MetricOverride         = "override"
	MetricMemoryHit        = "memory_hit"
	MetricDomainConfidence = "domain_confidence"
	MetricAnswerSuccess    = "answer_success"
)

// Healthy-band edges. A metric outside its band triggers a proposal.
const (
	maxOverrideRate    = 0.30
	maxConflictsPerHr  = 5.0
	minAccuracy        = 0.70
	minDomainQuality   = 0.80
	minMemoryHitRate   = 0.50
	maxStepFraction    = 0.20
	anchorImprovement  = 0.05
	revertDegradation  = 0.05
	minSamplesPerCycle = 10
	metricRetention    = 7 * 24 * time.Hour
)

// bounds keeps adjusted parameters inside sane absolute ranges no matter
// how many cycles push in the same direction.
var bounds = map[string]struct{ min, max float64 }{
	"promotionThreshold":  {1.0, 20.0},
	"temporalDecayDays":   {30, 365},
	"ameOverrideStrength": {0.2, 2.0},
	"smmDecayRate":        {0.5, 0.999},
	"ddeDomainWeight":     {0.1, 0.9},
}

// higherIsBetter classifies each metric for effectiveness evaluation.
var higherIsBetter = map[string]bool{
	"override_rate":   false,
	"conflict_rate":   false,
	"accuracy":        true,
	"domain_quality":  true,
	"memory_hit_rate": true,
}

// TurnSample is the per-turn signal the router reports.
type TurnSample struct {
	Overridden       bool
	MemoryHit        bool
	DomainConfidence float64
}

// Health is one cycle's aggregated view of the system.
type Health struct {
	OverrideRate  float64 `json:"override_rate"`
	ConflictRate  float64 `json:"conflict_rate"` // conflicts per hour
	Accuracy      float64 `json:"accuracy"`
	DomainQuality float64 `json:"domain_quality"`
	MemoryHitRate float64 `json:"memory_hit_rate"`
	Turns         int     `json:"turns"`
	// Answers counts accuracy samples; zero means accuracy is unknown,
	// not zero.
	Answers int `json:"answers"`
}

// proposal is one parameter change a cycle wants to try.
type proposal struct {
	parameter string
	factor    float64 // multiplier on the current value
	metric    string  // health metric the change targets
	baseline  float64 // metric value when the change was applied
	reason    string
}

// baselineRecord is the JSON persisted alongside an adjustment.
type baselineRecord struct {
	Metric string  `json:"metric"`
	Value  float64 `json:"value"`
}

// Options configures the optimizer.
type Options struct {
	Store  *store.Store
	Params *config.ParamStore
	Config config.Optimizer
	Logger *zap.Logger
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Optimizer runs observation, evaluation, adaptation, and effectiveness
// tracking over the shared parameter store.
type Optimizer struct {
	store  *store.Store
	params *config.ParamStore
	cfg    config.Optimizer
	log    *zap.Logger
	now    func() time.Time
}

// New creates an optimizer.
func New(opts Options) (*Optimizer, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("optimizer requires a store")
	}
	if opts.Params == nil {
		opts.Params = config.NewParamStore(config.DefaultParams())
	}
	if opts.Config.CycleHours <= 0 {
		opts.Config.CycleHours = 1
	}
	if opts.Config.EvaluationWindowHours <= 0 {
		opts.Config.EvaluationWindowHours = 24
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Optimizer{
		store:  opts.Store,
		params: opts.Params,
		cfg:    opts.Config,
		log:    logging.OrNop(opts.Logger),
		now:    opts.Now,
	}, nil
}

// ObserveTurn records one turn's health signals.
func (o *Optimizer) ObserveTurn(ctx context.Context, s TurnSample) error {
	if err := o.store.RecordMetric(ctx, MetricOverride, boolMetric(s.Overridden)); err != nil {
		return err
	}
	if err := o.store.RecordMetric(ctx, MetricMemoryHit, boolMetric(s.MemoryHit)); err != nil {
		return err
	}
	return o.store.RecordMetric(ctx, MetricDomainConfidence, s.DomainConfidence)
}

// ObserveAnswerOutcome records whether a remembered answer held up.
func (o *Optimizer) ObserveAnswerOutcome(ctx context.Context, success bool) error {
	return o.store.RecordMetric(ctx, MetricAnswerSuccess, boolMetric(success))
}

func boolMetric(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Evaluate aggregates the metric streams over the evaluation window.
func (o *Optimizer) Evaluate(ctx context.Context) (*Health, error) {
	since := o.now().Add(-time.Duration(o.cfg.EvaluationWindowHours) * time.Hour)

	overrides, err := o.store.MetricWindow(ctx, MetricOverride, since)
	if err != nil {
		return nil, err
	}
	hits, err := o.store.MetricWindow(ctx, MetricMemoryHit, since)
	if err != nil {
		return nil, err
	}
	confidences, err := o.store.MetricWindow(ctx, MetricDomainConfidence, since)
	if err != nil {
		return nil, err
	}
	answers, err := o.store.MetricWindow(ctx, MetricAnswerSuccess, since)
	if err != nil {
		return nil, err
	}
	conflicts, err := o.store.CountConflictsSince(ctx, since)
	if err != nil {
		return nil, err
	}

	hours := float64(o.cfg.EvaluationWindowHours)
	return &Health{
		OverrideRate:  mean(overrides),
		MemoryHitRate: mean(hits),
		DomainQuality: mean(confidences),
		Accuracy:      mean(answers),
		ConflictRate:  float64(conflicts) / hours,
		Turns:         len(overrides),
		Answers:       len(answers),
	}, nil
}

func mean(samples []store.MetricSample) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s.Value
	}
	return sum / float64(len(samples))
}

// propose maps each unhealthy metric to one bounded parameter move.
// Healthy metrics propose nothing; thin windows propose nothing.
func propose(h *Health) []proposal {
	if h.Turns < minSamplesPerCycle {
		return nil
	}
	var out []proposal
	if h.OverrideRate > maxOverrideRate {
		out = append(out, proposal{
			parameter: "ameOverrideStrength",
			factor:    1 - maxStepFraction,
			metric:    "override_rate",
			baseline:  h.OverrideRate,
			reason:    fmt.Sprintf("override rate %.2f above %.2f", h.OverrideRate, maxOverrideRate),
		})
	}
	if h.ConflictRate > maxConflictsPerHr {
		out = append(out, proposal{
			parameter: "promotionThreshold",
			factor:    1 + maxStepFraction,
			metric:    "conflict_rate",
			baseline:  h.ConflictRate,
			reason:    fmt.Sprintf("conflict rate %.1f/h above %.1f/h", h.ConflictRate, maxConflictsPerHr),
		})
	}
	if h.Answers > 0 && h.Accuracy < minAccuracy {
		out = append(out, proposal{
			parameter: "ameOverrideStrength",
			factor:    1 + maxStepFraction,
			metric:    "accuracy",
			baseline:  h.Accuracy,
			reason:    fmt.Sprintf("accuracy %.2f below %.2f", h.Accuracy, minAccuracy),
		})
	}
	if h.DomainQuality > 0 && h.DomainQuality < minDomainQuality {
		out = append(out, proposal{
			parameter: "ddeDomainWeight",
			factor:    1 + maxStepFraction,
			metric:    "domain_quality",
			baseline:  h.DomainQuality,
			reason:    fmt.Sprintf("domain confidence %.2f below %.2f", h.DomainQuality, minDomainQuality),
		})
	}
	if h.MemoryHitRate < minMemoryHitRate {
		out = append(out, proposal{
			parameter: "smmDecayRate",
			factor:    1 + maxStepFraction,
			metric:    "memory_hit_rate",
			baseline:  h.MemoryHitRate,
			reason:    fmt.Sprintf("memory hit rate %.2f below %.2f", h.MemoryHitRate, minMemoryHitRate),
		})
	}
	return out
}

// RunCycle is one full optimization pass: settle pending adjustments,
// evaluate health, apply at most one new adjustment per parameter, and
// prune stale metric history.
func (o *Optimizer) RunCycle(ctx context.Context) (*Health, error) {
	if err := o.EvaluatePending(ctx); err != nil {
		return nil, err
	}

	health, err := o.Evaluate(ctx)
	if err != nil {
		return nil, err
	}

	pending, err := o.store.ListPendingAdjustments(ctx)
	if err != nil {
		return nil, err
	}
	busy := make(map[string]bool, len(pending))
	for _, a := range pending {
		busy[a.Parameter] = true
	}

	for _, p := range propose(health) {
		if busy[p.parameter] {
			continue
		}
		if err := o.apply(ctx, p); err != nil {
			return nil, err
		}
		busy[p.parameter] = true
	}

	if err := o.store.PruneMetrics(ctx, o.now().Add(-metricRetention)); err != nil {
		o.log.Warn("metric pruning failed", zap.Error(err))
	}
	return health, nil
}

// apply publishes one bounded parameter change and persists it PENDING.
// Related parameters move together at sync points so a single tuned knob
// cannot drift away from the rest of the decay machinery.
func (o *Optimizer) apply(ctx context.Context, p proposal) error {
	params := o.params.Load().Clone()
	current, err := params.Get(p.parameter)
	if err != nil {
		return err
	}
	next := clamp(p.parameter, current*p.factor)
	if math.Abs(next-current) < 1e-9 {
		return nil // already pinned at a bound
	}
	if err := params.Set(p.parameter, next); err != nil {
		return err
	}

	// Sync point: chunk decay and fact decay age together. When chunks are
	// made stickier, unused facts get the same grace.
	if p.parameter == "smmDecayRate" {
		days, _ := params.Get("temporalDecayDays")
		_ = params.Set("temporalDecayDays", clamp("temporalDecayDays", days*p.factor))
	}

	baseline, err := json.Marshal(baselineRecord{Metric: p.metric, Value: p.baseline})
	if err != nil {
		return fmt.Errorf("encoding baseline: %w", err)
	}
	adj := &store.Adjustment{
		Parameter: p.parameter,
		OldValue:  current,
		NewValue:  next,
		Reason:    p.reason,
		Baseline:  string(baseline),
		AppliedAt: o.now().UTC(),
	}
	if err := o.store.InsertAdjustment(ctx, adj); err != nil {
		return err
	}

	o.params.Publish(params)
	o.log.Info("parameter adjusted",
		zap.String("parameter", p.parameter),
		zap.Float64("from", current),
		zap.Float64("to", next),
		zap.String("reason", p.reason))
	return nil
}

func clamp(parameter string, v float64) float64 {
	b, ok := bounds[parameter]
	if !ok {
		return v
	}
	return math.Min(b.max, math.Max(b.min, v))
}

// EvaluatePending settles adjustments whose evaluation window has passed:
// anchor when the targeted metric improved by more than 5%, revert (and
// restore the old value) when it degraded by more than 5%, leave pending
// for one more window otherwise. An adjustment still inconclusive after
// two full windows anchors: a bounded move that showed no degradation is
// kept rather than re-proposed forever.
func (o *Optimizer) EvaluatePending(ctx context.Context) error {
	pending, err := o.store.ListPendingAdjustments(ctx)
	if err != nil {
		return err
	}
	window := time.Duration(o.cfg.EvaluationWindowHours) * time.Hour
	deadline := o.now().Add(-window)
	settleBy := o.now().Add(-2 * window)

	for _, a := range pending {
		if a.AppliedAt.After(deadline) {
			continue
		}
		var base baselineRecord
		if err := json.Unmarshal([]byte(a.Baseline), &base); err != nil {
			// Unreadable baseline: the change cannot be judged, take it back.
			o.log.Warn("adjustment has unreadable baseline, reverting",
				zap.String("id", a.ID), zap.Error(err))
			if err := o.revert(ctx, a); err != nil {
				return err
			}
			continue
		}

		current, err := o.currentMetric(ctx, base.Metric, a.AppliedAt)
		if err != nil {
			return err
		}

		v := verdict(base.Metric, base.Value, current)
		if v == "" && !a.AppliedAt.After(settleBy) {
			v = store.AdjustmentAnchored
			o.log.Info("adjustment inconclusive after two windows, anchoring",
				zap.String("parameter", a.Parameter),
				zap.Float64("baseline", base.Value),
				zap.Float64("current", current))
		}
		switch v {
		case store.AdjustmentAnchored:
			if err := o.store.FinishAdjustment(ctx, a.ID, store.AdjustmentAnchored); err != nil {
				return err
			}
			o.log.Info("adjustment anchored",
				zap.String("parameter", a.Parameter),
				zap.Float64("baseline", base.Value),
				zap.Float64("current", current))
		case store.AdjustmentReverted:
			if err := o.revert(ctx, a); err != nil {
				return err
			}
			o.log.Info("adjustment reverted",
				zap.String("parameter", a.Parameter),
				zap.Float64("baseline", base.Value),
				zap.Float64("current", current))
		}
	}
	return nil
}

// verdict compares a metric against its baseline with direction awareness.
// Returns "" when the change is within the noise band and should wait.
func verdict(metric string, baseline, current float64) string {
	if baseline == 0 {
		if current == 0 {
			return store.AdjustmentAnchored
		}
		// Baseline zero on a lower-is-better metric: any activity is worse.
		if !higherIsBetter[metric] {
			return store.AdjustmentReverted
		}
		return store.AdjustmentAnchored
	}
	change := (current - baseline) / baseline
	if !higherIsBetter[metric] {
		change = -change
	}
	switch {
	case change > anchorImprovement:
		return store.AdjustmentAnchored
	case change < -revertDegradation:
		return store.AdjustmentReverted
	default:
		return ""
	}
}

// currentMetric recomputes the targeted health metric since the
// adjustment was applied.
func (o *Optimizer) currentMetric(ctx context.Context, metric string, since time.Time) (float64, error) {
	switch metric {
	case "override_rate":
		samples, err := o.store.MetricWindow(ctx, MetricOverride, since)
		return mean(samples), err
	case "memory_hit_rate":
		samples, err := o.store.MetricWindow(ctx, MetricMemoryHit, since)
		return mean(samples), err
	case "domain_quality":
		samples, err := o.store.MetricWindow(ctx, MetricDomainConfidence, since)
		return mean(samples), err
	case "accuracy":
		samples, err := o.store.MetricWindow(ctx, MetricAnswerSuccess, since)
		return mean(samples), err
	case "conflict_rate":
		n, err := o.store.CountConflictsSince(ctx, since)
		if err != nil {
			return 0, err
		}
		hours := o.now().Sub(since).Hours()
		if hours <= 0 {
			return 0, nil
		}
		return float64(n) / hours, nil
	default:
		return 0, fmt.Errorf("unknown health metric %q", metric)
	}
}

// revert restores the parameter to its pre-adjustment value and marks the
// adjustment REVERTED.
func (o *Optimizer) revert(ctx context.Context, a *store.Adjustment) error {
	params := o.params.Load().Clone()
	if err := params.Set(a.Parameter, a.OldValue); err != nil {
		return err
	}
	o.params.Publish(params)
	return o.store.FinishAdjustment(ctx, a.ID, store.AdjustmentReverted)
}
