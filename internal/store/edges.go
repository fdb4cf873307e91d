package store

import (
	"context"
	"fmt"
)

// AddFactEdge records that dependent depends on dependency: when the
// dependency is deprecated, the dependent becomes suspect.
func (s *Store) AddFactEdge(ctx context.Context, dependentID, dependencyID, cause string) error {
	if dependentID == dependencyID {
		return fmt.Errorf("fact %s cannot depend on itself", dependentID)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO fact_edges (dependent_id, dependency_id, cause, created_at)
		 VALUES (?, ?, ?, ?)`,
		dependentID, dependencyID, cause, s.now())
	if err != nil {
		return fmt.Errorf("adding fact edge %s -> %s: %w", dependentID, dependencyID, err)
	}
	return nil
}

// ListDependents returns ids of facts that depend on the given fact.
func (s *Store) ListDependents(ctx context.Context, dependencyID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT dependent_id FROM fact_edges WHERE dependency_id = ?`, dependencyID)
	if err != nil {
		return nil, fmt.Errorf("listing dependents of %s: %w", dependencyID, err)
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// HasDependents reports whether any fact still depends on the given fact.
// Deprecated facts are retained for audit while this is true.
func (s *Store) HasDependents(ctx context.Context, dependencyID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM fact_edges WHERE dependency_id = ?`, dependencyID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("counting dependents of %s: %w", dependencyID, err)
	}
	return n > 0, nil
}
