package store

import "fmt"

// schema is applied idempotently at open. Columns are never dropped; new
// tables and indexes are appended here as the system grows.
const schema = `
CREATE TABLE IF NOT EXISTS facts (
	id TEXT PRIMARY KEY,
	domain TEXT NOT NULL,
	key TEXT NOT NULL,
	value TEXT NOT NULL,
	fact_type TEXT NOT NULL DEFAULT 'kv',
	confidence REAL NOT NULL DEFAULT 0.6,
	authority TEXT NOT NULL DEFAULT 'SHORT_TERM',
	status TEXT NOT NULL DEFAULT 'ACTIVE',
	source TEXT NOT NULL DEFAULT '',
	support_count INTEGER NOT NULL DEFAULT 1,
	deprecated_reason TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	last_accessed_at TIMESTAMP NOT NULL
);

-- The single-canonical-value invariant, enforced at the storage level:
-- at most one ACTIVE or STABLE fact per (domain, key).
CREATE UNIQUE INDEX IF NOT EXISTS idx_facts_canonical
	ON facts(domain, key) WHERE status IN ('ACTIVE', 'STABLE');

CREATE INDEX IF NOT EXISTS idx_facts_domain_key ON facts(domain, key);
CREATE INDEX IF NOT EXISTS idx_facts_status ON facts(status);

CREATE TABLE IF NOT EXISTS observations (
	id TEXT PRIMARY KEY,
	domain TEXT NOT NULL,
	key TEXT NOT NULL,
	value TEXT NOT NULL,
	source TEXT NOT NULL,
	authority TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_observations_domain_key ON observations(domain, key);

CREATE TABLE IF NOT EXISTS conflicts (
	id TEXT PRIMARY KEY,
	domain TEXT NOT NULL,
	key TEXT NOT NULL,
	competing_values TEXT NOT NULL,
	resolution TEXT NOT NULL DEFAULT '',
	detected_at TIMESTAMP NOT NULL,
	resolved_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_conflicts_domain_key ON conflicts(domain, key);

CREATE TABLE IF NOT EXISTS fact_edges (
	dependent_id TEXT NOT NULL,
	dependency_id TEXT NOT NULL,
	cause TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (dependent_id, dependency_id),
	FOREIGN KEY (dependent_id) REFERENCES facts(id),
	FOREIGN KEY (dependency_id) REFERENCES facts(id)
);

CREATE INDEX IF NOT EXISTS idx_fact_edges_dependency ON fact_edges(dependency_id);

CREATE TABLE IF NOT EXISTS fact_accesses (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	fact_id TEXT NOT NULL,
	access_type TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	FOREIGN KEY (fact_id) REFERENCES facts(id)
);

CREATE INDEX IF NOT EXISTS idx_fact_accesses_fact ON fact_accesses(fact_id);

CREATE TABLE IF NOT EXISTS metrics (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	value REAL NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_metrics_name_time ON metrics(name, created_at);

CREATE TABLE IF NOT EXISTS adjustments (
	id TEXT PRIMARY KEY,
	parameter TEXT NOT NULL,
	old_value REAL NOT NULL,
	new_value REAL NOT NULL,
	reason TEXT NOT NULL,
	baseline TEXT NOT NULL,
	result TEXT NOT NULL DEFAULT 'PENDING',
	applied_at TIMESTAMP NOT NULL,
	evaluated_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

func (s *Store) migrate() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}
