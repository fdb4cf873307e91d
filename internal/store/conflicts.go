package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Conflict records competing values for one (domain,key) and how the
// disagreement was settled. An unresolved conflict keeps resolved_at NULL
// and stays visible for manual review.
type Conflict struct {
	ID              string
	Domain          string
	Key             string
	CompetingValues []string
	Resolution      string
	DetectedAt      time.Time
	ResolvedAt      *time.Time
}

// InsertConflict records a detected conflict.
func (s *Store) InsertConflict(ctx context.Context, c *Conflict) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.DetectedAt.IsZero() {
		c.DetectedAt = s.now()
	}
	values, err := json.Marshal(c.CompetingValues)
	if err != nil {
		return fmt.Errorf("encoding competing values: %w", err)
	}

	var resolvedAt any
	if c.ResolvedAt != nil {
		resolvedAt = *c.ResolvedAt
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conflicts (id, domain, key, competing_values, resolution, detected_at, resolved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Domain, c.Key, string(values), c.Resolution, c.DetectedAt, resolvedAt)
	if err != nil {
		return fmt.Errorf("inserting conflict for %s/%s: %w", c.Domain, c.Key, err)
	}
	return nil
}

// ResolveConflict closes a conflict with its resolution text.
func (s *Store) ResolveConflict(ctx context.Context, id, resolution string) error {
	now := s.now()
	_, err := s.db.ExecContext(ctx,
		`UPDATE conflicts SET resolution = ?, resolved_at = ? WHERE id = ?`,
		resolution, now, id)
	if err != nil {
		return fmt.Errorf("resolving conflict %s: %w", id, err)
	}
	return nil
}

// ListConflicts returns conflicts, open ones first, newest within each group.
// domain == "" means all domains; openOnly restricts to unresolved.
func (s *Store) ListConflicts(ctx context.Context, domain string, openOnly bool, limit int) ([]*Conflict, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, domain, key, competing_values, resolution, detected_at, resolved_at FROM conflicts`
	args := []any{}
	where := ""
	if domain != "" {
		where = ` WHERE domain = ?`
		args = append(args, domain)
	}
	if openOnly {
		if where == "" {
			where = ` WHERE resolved_at IS NULL`
		} else {
			where += ` AND resolved_at IS NULL`
		}
	}
	query += where + ` ORDER BY resolved_at IS NOT NULL, detected_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing conflicts: %w", err)
	}
	defer rows.Close()

	out := make([]*Conflict, 0)
	for rows.Next() {
		c := &Conflict{}
		var values string
		var resolvedAt sql.NullTime
		if err := rows.Scan(&c.ID, &c.Domain, &c.Key, &values, &c.Resolution, &c.DetectedAt, &resolvedAt); err != nil {
			return nil, fmt.Errorf("scanning conflict row: %w", err)
		}
		if err := json.Unmarshal([]byte(values), &c.CompetingValues); err != nil {
			return nil, fmt.Errorf("decoding competing values for conflict %s: %w", c.ID, err)
		}
		if resolvedAt.Valid {
			t := resolvedAt.Time
			c.ResolvedAt = &t
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// CountConflictsSince counts conflicts detected after the cutoff. Feeds the
// optimizer's conflict_rate metric.
func (s *Store) CountConflictsSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conflicts WHERE detected_at >= ?`, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting conflicts: %w", err)
	}
	return n, nil
}
