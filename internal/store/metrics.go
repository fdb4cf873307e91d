package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Adjustment results.
const (
	AdjustmentPending  = "PENDING"
	AdjustmentAnchored = "ANCHORED"
	AdjustmentReverted = "REVERTED"
)

// MetricSample is one recorded metric value.
type MetricSample struct {
	Name      string
	Value     float64
	CreatedAt time.Time
}

// Adjustment is a persisted parameter change and its eventual outcome.
type Adjustment struct {
	ID          string
	Parameter   string
	OldValue    float64
	NewValue    float64
	Reason      string
	Baseline    string // JSON snapshot of baseline metric stats
	Result      string
	AppliedAt   time.Time
	EvaluatedAt *time.Time
}

// RecordMetric appends one metric sample.
func (s *Store) RecordMetric(ctx context.Context, name string, value float64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO metrics (name, value, created_at) VALUES (?, ?, ?)`,
		name, value, s.now())
	if err != nil {
		return fmt.Errorf("recording metric %s: %w", name, err)
	}
	return nil
}

// MetricWindow returns samples for a metric since the cutoff, oldest first.
func (s *Store) MetricWindow(ctx context.Context, name string, since time.Time) ([]MetricSample, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, value, created_at FROM metrics
		 WHERE name = ? AND created_at >= ? ORDER BY created_at ASC`,
		name, since)
	if err != nil {
		return nil, fmt.Errorf("querying metric %s: %w", name, err)
	}
	defer rows.Close()

	out := make([]MetricSample, 0)
	for rows.Next() {
		var m MetricSample
		if err := rows.Scan(&m.Name, &m.Value, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// PruneMetrics drops samples older than the cutoff. Old samples drop
// silently; metric history is a rolling window, not an archive.
func (s *Store) PruneMetrics(ctx context.Context, before time.Time) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM metrics WHERE created_at < ?`, before)
	if err != nil {
		return fmt.Errorf("pruning metrics: %w", err)
	}
	return nil
}

// InsertAdjustment persists a parameter change in PENDING state.
func (s *Store) InsertAdjustment(ctx context.Context, a *Adjustment) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.AppliedAt.IsZero() {
		a.AppliedAt = s.now()
	}
	if a.Result == "" {
		a.Result = AdjustmentPending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO adjustments (id, parameter, old_value, new_value, reason, baseline, result, applied_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Parameter, a.OldValue, a.NewValue, a.Reason, a.Baseline, a.Result, a.AppliedAt)
	if err != nil {
		return fmt.Errorf("inserting adjustment for %s: %w", a.Parameter, err)
	}
	return nil
}

// FinishAdjustment marks an adjustment ANCHORED or REVERTED.
func (s *Store) FinishAdjustment(ctx context.Context, id, result string) error {
	if result != AdjustmentAnchored && result != AdjustmentReverted {
		return fmt.Errorf("invalid adjustment result %q", result)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE adjustments SET result = ?, evaluated_at = ? WHERE id = ?`,
		result, s.now(), id)
	if err != nil {
		return fmt.Errorf("finishing adjustment %s: %w", id, err)
	}
	return nil
}

// ListPendingAdjustments returns adjustments still awaiting evaluation.
func (s *Store) ListPendingAdjustments(ctx context.Context) ([]*Adjustment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, parameter, old_value, new_value, reason, baseline, result, applied_at, evaluated_at
		 FROM adjustments WHERE result = ? ORDER BY applied_at ASC`,
		AdjustmentPending)
	if err != nil {
		return nil, fmt.Errorf("listing pending adjustments: %w", err)
	}
	return scanAdjustments(rows)
}

// ListAdjustments returns recent adjustments, newest first.
func (s *Store) ListAdjustments(ctx context.Context, limit int) ([]*Adjustment, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, parameter, old_value, new_value, reason, baseline, result, applied_at, evaluated_at
		 FROM adjustments ORDER BY applied_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing adjustments: %w", err)
	}
	return scanAdjustments(rows)
}

func scanAdjustments(rows *sql.Rows) ([]*Adjustment, error) {
	defer rows.Close()
	out := make([]*Adjustment, 0)
	for rows.Next() {
		a := &Adjustment{}
		var evaluatedAt sql.NullTime
		if err := rows.Scan(&a.ID, &a.Parameter, &a.OldValue, &a.NewValue, &a.Reason,
			&a.Baseline, &a.Result, &a.AppliedAt, &evaluatedAt); err != nil {
			return nil, fmt.Errorf("scanning adjustment row: %w", err)
		}
		if evaluatedAt.Valid {
			t := evaluatedAt.Time
			a.EvaluatedAt = &t
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
