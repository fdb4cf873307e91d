package truth

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/hurttlocker/engram/internal/store"
)

// reinforceAlpha is the per-use confidence step. Small on purpose: a fact
// needs repeated successful use to approach 1.0.
const reinforceAlpha = 0.05

// reinforced applies n reinforcement steps to a confidence value.
func reinforced(confidence float64, n int) float64 {
	for i := 0; i < n; i++ {
		confidence = confidence + reinforceAlpha*(1-confidence)
	}
	if confidence > 1 {
		confidence = 1
	}
	return confidence
}

// Reinforce bumps a fact's confidence after successful use and records the
// access for the hit-rate metric.
func (e *Engine) Reinforce(ctx context.Context, factID string) error {
	f, err := e.store.GetFact(ctx, factID)
	if err != nil {
		return err
	}
	if f == nil {
		return fmt.Errorf("fact %s not found", factID)
	}
	if err := e.store.UpdateFactConfidence(ctx, f.ID, reinforced(f.Confidence, 1), f.SupportCount); err != nil {
		return err
	}
	return e.store.TouchFact(ctx, f.ID, "reinforce")
}

// Refute halves a fact's confidence. A fact that falls below the floor
// turns SUSPECT; it may be reinforced back later, never silently deleted.
func (e *Engine) Refute(ctx context.Context, factID, reason string) error {
	f, err := e.store.GetFact(ctx, factID)
	if err != nil {
		return err
	}
	if f == nil {
		return fmt.Errorf("fact %s not found", factID)
	}
	confidence := f.Confidence * 0.5
	if err := e.store.UpdateFactConfidence(ctx, f.ID, confidence, f.SupportCount); err != nil {
		return err
	}
	if confidence < e.minConf && f.Canonical() {
		if err := e.store.UpdateFactStatus(ctx, f.ID, store.StatusSuspect, reason); err != nil {
			return err
		}
		e.log.Info("fact refuted below confidence floor",
			zap.String("fact", f.ID),
			zap.String("domain", f.Domain),
			zap.String("key", f.Key),
			zap.Float64("confidence", confidence))
	}
	return nil
}
