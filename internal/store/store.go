// Package store provides the SQLite storage layer for Engram.
//
// All relational memory state lives in a single SQLite database file:
// - Canonical facts keyed by (domain, key)
// - The append-only observation log feeding truth aggregation
// - Conflict records and their resolutions
// - Fact dependency edges for causal invalidation
// - Fact access log, metric samples, and optimizer adjustments
//
// Vectors live separately in the sqvect collections (internal/vector).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultDBPath is the default database location.
const DefaultDBPath = "~/.engram/engram.db"

// Fact statuses. At most one ACTIVE or STABLE fact may exist per (domain,key).
const (
	StatusActive     = "ACTIVE"
	StatusStable     = "STABLE"
	StatusSuspect    = "SUSPECT"
	StatusDeprecated = "DEPRECATED"
)

// Authority levels, ordered by durability.
const (
	AuthorityTest       = "TEST"
	AuthorityShortTerm  = "SHORT_TERM"
	AuthorityMediumTerm = "MEDIUM_TERM"
	AuthorityStable     = "STABLE"
	AuthorityLongTerm   = "LONG_TERM"
)

// Observation sources.
const (
	SourceCLITest           = "CLI_TEST"
	SourceChatUser          = "CHAT_USER"
	SourceMemoryEnhancement = "MEMORY_ENHANCEMENT"
	SourceIngestDoc         = "INGEST_DOC"
	SourceSystemDefault     = "SYSTEM_DEFAULT"
)

// AuthorityRank returns the ordering of an authority level (TEST lowest).
// Unknown values rank below TEST so they can never outweigh anything.
func AuthorityRank(authority string) int {
	switch authority {
	case AuthorityTest:
		return 1
	case AuthorityShortTerm:
		return 2
	case AuthorityMediumTerm:
		return 3
	case AuthorityStable:
		return 4
	case AuthorityLongTerm:
		return 5
	default:
		return 0
	}
}

// Config holds configuration for Open.
type Config struct {
	DBPath string
	// Now overrides the row-stamping clock in tests. Components that inject
	// a clock must hand the same one to the store, or stamped rows and
	// engine-side age math drift apart.
	Now func() time.Time
}

// Store is the SQLite-backed relational store.
type Store struct {
	db     *sql.DB
	dbPath string
	now    func() time.Time

	// keyLocks serializes writers per (domain,key). Readers are unrestricted.
	mu       sync.Mutex
	keyLocks map[string]*sync.Mutex
}

// Open creates (or opens) the store. Pass ":memory:" for tests.
func Open(cfg Config) (*Store, error) {
	if cfg.DBPath == "" {
		cfg.DBPath = expandPath(DefaultDBPath)
	}

	if cfg.DBPath != ":memory:" {
		dir := filepath.Dir(cfg.DBPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", p, err)
		}
	}

	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	s := &Store{
		db:       db,
		dbPath:   cfg.DBPath,
		now:      cfg.Now,
		keyLocks: make(map[string]*sync.Mutex),
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for maintenance queries (stats, CLI reports).
func (s *Store) DB() *sql.DB {
	return s.db
}

// LockKey returns the per-(domain,key) writer lock, creating it on first
// use. Conflict resolution and commits for one key run serialized.
func (s *Store) LockKey(domain, key string) *sync.Mutex {
	id := domain + "\x00" + key
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.keyLocks[id]; ok {
		return m
	}
	m := &sync.Mutex{}
	s.keyLocks[id] = m
	return m
}

// Stats holds aggregate counts for observability.
type Stats struct {
	FactCount        int64            `json:"facts"`
	ObservationCount int64            `json:"observations"`
	OpenConflicts    int64            `json:"open_conflicts"`
	FactsByStatus    map[string]int64 `json:"facts_by_status"`
	FactsByDomain    map[string]int64 `json:"facts_by_domain"`
	DBSizeBytes      int64            `json:"db_size_bytes"`
}

// GetStats returns store-level statistics.
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		FactsByStatus: make(map[string]int64),
		FactsByDomain: make(map[string]int64),
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM facts`).Scan(&stats.FactCount); err != nil {
		return nil, fmt.Errorf("counting facts: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM observations`).Scan(&stats.ObservationCount); err != nil {
		return nil, fmt.Errorf("counting observations: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conflicts WHERE resolved_at IS NULL`).Scan(&stats.OpenConflicts); err != nil {
		return nil, fmt.Errorf("counting open conflicts: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM facts GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("grouping facts by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats.FactsByStatus[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Like FactCount and FactsByStatus, the domain breakdown counts every
	// row regardless of status.
	domainRows, err := s.db.QueryContext(ctx,
		`SELECT domain, COUNT(*) FROM facts GROUP BY domain`)
	if err != nil {
		return nil, fmt.Errorf("grouping facts by domain: %w", err)
	}
	defer domainRows.Close()
	for domainRows.Next() {
		var domain string
		var count int64
		if err := domainRows.Scan(&domain, &count); err != nil {
			return nil, err
		}
		stats.FactsByDomain[domain] = count
	}
	if err := domainRows.Err(); err != nil {
		return nil, err
	}

	if s.dbPath != ":memory:" {
		if info, err := os.Stat(s.dbPath); err == nil {
			stats.DBSizeBytes = info.Size()
		}
	}

	return stats, nil
}

// Vacuum runs VACUUM. Manual only — never auto-vacuum.
func (s *Store) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
