package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Fact is one canonical statement. Owned by the canonical memory core;
// mutated only through the truth engine's resolution and decay passes.
type Fact struct {
	ID               string
	Domain           string
	Key              string
	Value            string
	FactType         string
	Confidence       float64
	Authority        string
	Status           string
	Source           string
	SupportCount     int
	DeprecatedReason string
	CreatedAt        time.Time
	LastAccessedAt   time.Time
}

// Canonical reports whether the fact is the accepted value for its key.
func (f *Fact) Canonical() bool {
	return f.Status == StatusActive || f.Status == StatusStable
}

// InsertFact writes a new fact row. Caller holds the key lock.
func (s *Store) InsertFact(ctx context.Context, f *Fact) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	now := s.now()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	if f.LastAccessedAt.IsZero() {
		f.LastAccessedAt = now
	}
	if f.FactType == "" {
		f.FactType = "kv"
	}
	if f.Status == "" {
		f.Status = StatusActive
	}
	if f.SupportCount <= 0 {
		f.SupportCount = 1
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO facts (id, domain, key, value, fact_type, confidence, authority, status, source, support_count, deprecated_reason, created_at, last_accessed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.Domain, f.Key, f.Value, f.FactType, f.Confidence, f.Authority,
		f.Status, f.Source, f.SupportCount, f.DeprecatedReason, f.CreatedAt, f.LastAccessedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting fact %s/%s: %w", f.Domain, f.Key, err)
	}
	return nil
}

// GetFact retrieves a fact by id.
func (s *Store) GetFact(ctx context.Context, id string) (*Fact, error) {
	return s.scanOneFact(s.db.QueryRowContext(ctx,
		`SELECT `+factColumns+` FROM facts WHERE id = ?`, id))
}

// GetCanonicalFact returns the single ACTIVE/STABLE fact for (domain,key),
// or nil when none exists.
func (s *Store) GetCanonicalFact(ctx context.Context, domain, key string) (*Fact, error) {
	return s.scanOneFact(s.db.QueryRowContext(ctx,
		`SELECT `+factColumns+` FROM facts
		 WHERE domain = ? AND key = ? AND status IN (?, ?)`,
		domain, key, StatusActive, StatusStable))
}

// ListFactsByKey returns all non-deprecated facts for (domain,key).
func (s *Store) ListFactsByKey(ctx context.Context, domain, key string) ([]*Fact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+factColumns+` FROM facts
		 WHERE domain = ? AND key = ? AND status != ?
		 ORDER BY created_at DESC`,
		domain, key, StatusDeprecated)
	if err != nil {
		return nil, fmt.Errorf("listing facts for %s/%s: %w", domain, key, err)
	}
	return scanFacts(rows)
}

// ListFactsByDomain returns canonical facts in a domain, newest first.
func (s *Store) ListFactsByDomain(ctx context.Context, domain string, limit int) ([]*Fact, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+factColumns+` FROM facts
		 WHERE domain = ? AND status IN (?, ?)
		 ORDER BY created_at DESC LIMIT ?`,
		domain, StatusActive, StatusStable, limit)
	if err != nil {
		return nil, fmt.Errorf("listing facts for domain %s: %w", domain, err)
	}
	return scanFacts(rows)
}

// ListFactsByKeyPrefix returns canonical facts whose key matches prefix_N
// style numbering, ordered by key so child_1 precedes child_2.
func (s *Store) ListFactsByKeyPrefix(ctx context.Context, domain, prefix string) ([]*Fact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+factColumns+` FROM facts
		 WHERE domain = ? AND key LIKE ? AND status IN (?, ?)
		 ORDER BY key ASC`,
		domain, prefix+"_%", StatusActive, StatusStable)
	if err != nil {
		return nil, fmt.Errorf("listing facts for prefix %s/%s: %w", domain, prefix, err)
	}
	return scanFacts(rows)
}

// ListCanonicalFacts returns every ACTIVE/STABLE fact. Used by decay and
// integrity sweeps; bounded by the CMC hard caps, so a full scan is fine.
func (s *Store) ListCanonicalFacts(ctx context.Context) ([]*Fact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+factColumns+` FROM facts WHERE status IN (?, ?)`,
		StatusActive, StatusStable)
	if err != nil {
		return nil, fmt.Errorf("listing canonical facts: %w", err)
	}
	return scanFacts(rows)
}

// ListFactsByStatus returns every fact in one status.
func (s *Store) ListFactsByStatus(ctx context.Context, status string) ([]*Fact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+factColumns+` FROM facts WHERE status = ?`, status)
	if err != nil {
		return nil, fmt.Errorf("listing %s facts: %w", status, err)
	}
	return scanFacts(rows)
}

// CountFacts returns the total and per-domain canonical fact counts.
func (s *Store) CountFacts(ctx context.Context, domain string) (total int, inDomain int, err error) {
	if err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM facts WHERE status IN (?, ?)`,
		StatusActive, StatusStable).Scan(&total); err != nil {
		return 0, 0, fmt.Errorf("counting facts: %w", err)
	}
	if err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM facts WHERE domain = ? AND status IN (?, ?)`,
		domain, StatusActive, StatusStable).Scan(&inDomain); err != nil {
		return 0, 0, fmt.Errorf("counting domain facts: %w", err)
	}
	return total, inDomain, nil
}

// UpdateFactStatus transitions a fact's status, recording the cause when it
// is demoted. Deprecated facts are retained for audit, never deleted here.
func (s *Store) UpdateFactStatus(ctx context.Context, id, status, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE facts SET status = ?, deprecated_reason = ? WHERE id = ?`,
		status, reason, id)
	if err != nil {
		return fmt.Errorf("updating fact %s status: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("fact %s not found", id)
	}
	return nil
}

// UpdateFactConfidence sets confidence and support count after resolution
// or reinforcement.
func (s *Store) UpdateFactConfidence(ctx context.Context, id string, confidence float64, supportCount int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE facts SET confidence = ?, support_count = ? WHERE id = ?`,
		confidence, supportCount, id)
	if err != nil {
		return fmt.Errorf("updating fact %s confidence: %w", id, err)
	}
	return nil
}

// UpdateFactAuthority raises (never lowers) the recorded authority.
func (s *Store) UpdateFactAuthority(ctx context.Context, id, authority string) error {
	f, err := s.GetFact(ctx, id)
	if err != nil {
		return err
	}
	if f == nil {
		return fmt.Errorf("fact %s not found", id)
	}
	if AuthorityRank(authority) <= AuthorityRank(f.Authority) {
		return nil
	}
	_, err = s.db.ExecContext(ctx, `UPDATE facts SET authority = ? WHERE id = ?`, authority, id)
	if err != nil {
		return fmt.Errorf("updating fact %s authority: %w", id, err)
	}
	return nil
}

// TouchFact refreshes last_accessed_at and logs the access. Access events
// feed confidence reinforcement and the optimizer's hit-rate metric.
func (s *Store) TouchFact(ctx context.Context, id, accessType string) error {
	now := s.now()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE facts SET last_accessed_at = ? WHERE id = ?`, now, id); err != nil {
		return fmt.Errorf("touching fact %s: %w", id, err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO fact_accesses (fact_id, access_type, created_at) VALUES (?, ?, ?)`,
		id, accessType, now); err != nil {
		return fmt.Errorf("logging access for fact %s: %w", id, err)
	}
	return nil
}

// CountAccesses returns access events for a fact since a cutoff.
func (s *Store) CountAccesses(ctx context.Context, factID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM fact_accesses WHERE fact_id = ? AND created_at >= ?`,
		factID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting accesses for fact %s: %w", factID, err)
	}
	return n, nil
}

const factColumns = `id, domain, key, value, fact_type, confidence, authority, status, source, support_count, deprecated_reason, created_at, last_accessed_at`

func (s *Store) scanOneFact(row *sql.Row) (*Fact, error) {
	f := &Fact{}
	err := row.Scan(&f.ID, &f.Domain, &f.Key, &f.Value, &f.FactType, &f.Confidence,
		&f.Authority, &f.Status, &f.Source, &f.SupportCount, &f.DeprecatedReason,
		&f.CreatedAt, &f.LastAccessedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning fact: %w", err)
	}
	return f, nil
}

func scanFacts(rows *sql.Rows) ([]*Fact, error) {
	defer rows.Close()
	out := make([]*Fact, 0)
	for rows.Next() {
		f := &Fact{}
		if err := rows.Scan(&f.ID, &f.Domain, &f.Key, &f.Value, &f.FactType, &f.Confidence,
			&f.Authority, &f.Status, &f.Source, &f.SupportCount, &f.DeprecatedReason,
			&f.CreatedAt, &f.LastAccessedAt); err != nil {
			return nil, fmt.Errorf("scanning fact row: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
