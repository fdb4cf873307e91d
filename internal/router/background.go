package router

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/hurttlocker/engram/internal/config"
	"github.com/hurttlocker/engram/internal/metalearn"
)

// RunBackground starts the maintenance loops and blocks until the context
// is cancelled: the optimization cycle on its configured interval, and the
// daily pass of temporal decay (facts and chunks), conversation pruning,
// and pattern collapse. Loop failures log and wait for the next tick.
func (r *Router) RunBackground(ctx context.Context, cfg config.Optimizer, meshCfg config.Mesh) {
	cycle := time.Duration(cfg.CycleHours) * time.Hour
	if cycle <= 0 {
		cycle = time.Hour
	}

	optimizeTick := time.NewTicker(cycle)
	defer optimizeTick.Stop()
	dailyTick := time.NewTicker(24 * time.Hour)
	defer dailyTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-optimizeTick.C:
			r.runOptimizeCycle(ctx)
		case <-dailyTick.C:
			r.runDailyMaintenance(ctx, meshCfg)
		}
	}
}

func (r *Router) runOptimizeCycle(ctx context.Context) {
	if r.optimizer == nil {
		return
	}
	health, err := r.optimizer.RunCycle(ctx)
	if err != nil {
		r.log.Warn("optimization cycle failed", zap.Error(err))
		return
	}
	r.log.Info("optimization cycle",
		zap.Float64("override_rate", health.OverrideRate),
		zap.Float64("memory_hit_rate", health.MemoryHitRate),
		zap.Int("turns", health.Turns))
}

func (r *Router) runDailyMaintenance(ctx context.Context, meshCfg config.Mesh) {
	if r.truth != nil {
		if report, err := r.truth.ApplyTemporalDecay(ctx, false); err != nil {
			r.log.Warn("fact decay failed", zap.Error(err))
		} else if report.Applied > 0 {
			r.log.Info("fact decay applied", zap.Int("facts", report.Applied))
		}
	}
	if r.mesh != nil {
		if _, err := r.mesh.ApplyTemporalDecay(ctx); err != nil {
			r.log.Warn("chunk decay failed", zap.Error(err))
		}
		if pruned, err := r.mesh.PruneOldConversations(ctx, meshCfg.PruneDays); err != nil {
			r.log.Warn("conversation pruning failed", zap.Error(err))
		} else if pruned > 0 {
			r.log.Info("old conversations pruned", zap.Int("sessions", pruned))
		}
	}
	if r.learner != nil {
		if merged, err := r.learner.Collapse(ctx); err != nil {
			r.log.Warn("pattern collapse failed", zap.Error(err))
		} else if merged > 0 {
			r.log.Info("patterns collapsed", zap.Int("merged", merged))
		}
		r.pushUniversalPriors()
	}
}

// pushUniversalPriors republishes the learned universal patterns as
// classifier priors: every domain a pattern holds in gets a bonus scaled
// by the pattern's confidence. Runs after the nightly collapse so merged
// patterns carry their combined evidence.
func (r *Router) pushUniversalPriors() {
	if r.classifier == nil {
		return
	}
	for _, p := range r.learner.Universals() {
		for d := range p.Domains {
			r.classifier.SetPrior(d, metalearn.ActivationBonus*p.Confidence)
		}
	}
}
