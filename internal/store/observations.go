package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Observation is a single raw data point about a (domain,key). Observations
// are append-only; they become truth only through weighted aggregation.
type Observation struct {
	ID        string
	Domain    string
	Key       string
	Value     string
	Source    string
	Authority string
	CreatedAt time.Time
}

// AppendObservation writes one observation. There is no update path.
func (s *Store) AppendObservation(ctx context.Context, o *Observation) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO observations (id, domain, key, value, source, authority, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.Domain, o.Key, o.Value, o.Source, o.Authority, o.CreatedAt)
	if err != nil {
		return fmt.Errorf("appending observation %s/%s: %w", o.Domain, o.Key, err)
	}
	return nil
}

// ListObservations returns all observations for (domain,key), oldest first.
// Append order is the serialization order of conflict resolution.
func (s *Store) ListObservations(ctx context.Context, domain, key string) ([]*Observation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, domain, key, value, source, authority, created_at
		 FROM observations WHERE domain = ? AND key = ?
		 ORDER BY created_at ASC, id ASC`,
		domain, key)
	if err != nil {
		return nil, fmt.Errorf("listing observations for %s/%s: %w", domain, key, err)
	}
	defer rows.Close()

	out := make([]*Observation, 0)
	for rows.Next() {
		o := &Observation{}
		if err := rows.Scan(&o.ID, &o.Domain, &o.Key, &o.Value, &o.Source, &o.Authority, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning observation row: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ListObservedKeys returns the distinct (domain,key) pairs with observations,
// optionally restricted to one domain. Used by conflict sweeps.
func (s *Store) ListObservedKeys(ctx context.Context, domain string) ([][2]string, error) {
	query := `SELECT DISTINCT domain, key FROM observations`
	args := []any{}
	if domain != "" {
		query += ` WHERE domain = ?`
		args = append(args, domain)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing observed keys: %w", err)
	}
	defer rows.Close()

	out := make([][2]string, 0)
	for rows.Next() {
		var d, k string
		if err := rows.Scan(&d, &k); err != nil {
			return nil, err
		}
		out = append(out, [2]string{d, k})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
