package truth

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/hurttlocker/engram/internal/store"
)

// DecayAction is one status transition the decay pass applied (or would
// apply, in dry-run mode).
type DecayAction struct {
	FactID     string `json:"fact_id"`
	Domain     string `json:"domain"`
	Key        string `json:"key"`
	FromStatus string `json:"from_status"`
	ToStatus   string `json:"to_status"`
	Reason     string `json:"reason"`
	Applied    bool   `json:"applied"`
}

// DecayReport summarizes one temporal decay pass.
type DecayReport struct {
	DryRun  bool          `json:"dry_run"`
	Skipped bool          `json:"skipped"` // already ran today
	Scanned int           `json:"scanned"`
	Applied int           `json:"applied"`
	Actions []DecayAction `json:"actions"`
}

const lastDecayDayKey = "last_decay_day"

// nextStatusDown returns the next step on the decay ladder, or "" when the
// fact is already at the bottom.
func nextStatusDown(status string) string {
	switch status {
	case store.StatusStable:
		return store.StatusActive
	case store.StatusActive:
		return store.StatusSuspect
	case store.StatusSuspect:
		return store.StatusDeprecated
	default:
		return ""
	}
}

// ApplyTemporalDecay slides facts unused past the configured age one step
// down the status ladder. The pass is idempotent per calendar day: a second
// run on the same day reports Skipped without touching anything. Dry runs
// never consume the day and never write.
func (e *Engine) ApplyTemporalDecay(ctx context.Context, dryRun bool) (*DecayReport, error) {
	report := &DecayReport{DryRun: dryRun, Actions: make([]DecayAction, 0, 16)}

	now := e.now()
	today := now.Format("2006-01-02")
	if !dryRun {
		last, err := e.store.GetMeta(ctx, lastDecayDayKey)
		if err != nil {
			return nil, err
		}
		if last == today {
			report.Skipped = true
			return report, nil
		}
	}

	params := e.params.Load()
	cutoff := now.Add(-time.Duration(params.TemporalDecayDays) * 24 * time.Hour)

	facts, err := e.listDecayable(ctx)
	if err != nil {
		return nil, err
	}
	report.Scanned = len(facts)

	for _, f := range facts {
		if !f.LastAccessedAt.Before(cutoff) {
			continue
		}
		to := nextStatusDown(f.Status)
		if to == "" {
			continue
		}
		act := DecayAction{
			FactID:     f.ID,
			Domain:     f.Domain,
			Key:        f.Key,
			FromStatus: f.Status,
			ToStatus:   to,
			Reason:     "unused past decay age",
		}
		if !dryRun {
			if err := e.store.UpdateFactStatus(ctx, f.ID, to, act.Reason); err != nil {
				return nil, err
			}
			if to == store.StatusDeprecated {
				if err := e.PropagateInvalidation(ctx, f.ID, "dependency decayed"); err != nil {
					return nil, err
				}
			}
			act.Applied = true
			report.Applied++
		}
		report.Actions = append(report.Actions, act)
	}

	if !dryRun {
		if err := e.store.SetMeta(ctx, lastDecayDayKey, today); err != nil {
			return nil, err
		}
		e.log.Info("temporal decay pass complete",
			zap.Int("scanned", report.Scanned),
			zap.Int("applied", report.Applied))
	}
	return report, nil
}

// listDecayable returns every fact still on the ladder (anything but
// DEPRECATED). SUSPECT facts keep decaying toward DEPRECATED.
func (e *Engine) listDecayable(ctx context.Context) ([]*store.Fact, error) {
	out, err := e.store.ListCanonicalFacts(ctx)
	if err != nil {
		return nil, err
	}
	suspect, err := e.store.ListFactsByStatus(ctx, store.StatusSuspect)
	if err != nil {
		return nil, err
	}
	return append(out, suspect...), nil
}
