package store

import (
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "memories: vector-indexed memory records",
		SQL: `
CREATE TABLE memories (
    id             TEXT PRIMARY KEY,
    vector         BLOB,
    content        TEXT NOT NULL,

    -- Denormalized scalars for filtering without unpacking meta
    source_type    TEXT NOT NULL CHECK (source_type IN ('conversation', 'note', 'document', 'instruction', 'summary', 'manual')),
    importance     REAL NOT NULL DEFAULT 0.5 CHECK (importance >= 0 AND importance <= 1),
    access_count   INTEGER NOT NULL DEFAULT 0,
    is_summary     INTEGER NOT NULL DEFAULT 0,
    created_at     INTEGER NOT NULL,
    accessed_at    INTEGER NOT NULL,

    -- Structured metadata (topics, tags, summarized ids)
    meta           TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX idx_mem_source     ON memories(source_type);
CREATE INDEX idx_mem_importance ON memories(importance DESC);
CREATE INDEX idx_mem_created    ON memories(created_at DESC);
CREATE INDEX idx_mem_accessed   ON memories(accessed_at DESC);
`,
	},
	{
		Version:     2,
		Description: "index_defs + query_patterns: index metadata sidecar",
		SQL: `
CREATE TABLE index_defs (
    name               TEXT PRIMARY KEY,
    kind               TEXT NOT NULL CHECK (kind IN ('vector', 'scalar')),
    column_name        TEXT NOT NULL,
    params             TEXT NOT NULL DEFAULT '{}',
    is_built           INTEGER NOT NULL DEFAULT 0,
    row_count_at_build INTEGER NOT NULL DEFAULT 0,
    build_duration_ms  INTEGER NOT NULL DEFAULT 0,
    created_at         INTEGER NOT NULL
);

CREATE TABLE query_patterns (
    pattern          TEXT PRIMARY KEY,
    filter_columns   TEXT NOT NULL,
    used_vector      INTEGER NOT NULL DEFAULT 0,
    query_count      INTEGER NOT NULL DEFAULT 0,
    total_latency_ms REAL NOT NULL DEFAULT 0,
    last_seen        INTEGER NOT NULL
);
`,
	},
	{
		Version:     3,
		Description: "deletion_requests: compliant deletion lifecycle",
		SQL: `
CREATE TABLE deletion_requests (
    id               TEXT PRIMARY KEY,
    requested_at     INTEGER NOT NULL,
    scope            TEXT NOT NULL CHECK (scope IN ('specific', 'all', 'date_range', 'category')),
    target           TEXT NOT NULL DEFAULT '{}',
    status           TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'processing', 'completed', 'failed')),
    deleted_count    INTEGER NOT NULL DEFAULT 0,
    certificate_hash TEXT,
    error            TEXT,
    completed_at     INTEGER
);

CREATE INDEX idx_delreq_status    ON deletion_requests(status);
CREATE INDEX idx_delreq_requested ON deletion_requests(requested_at DESC);
`,
	},
}

func (db *DB) migrate() error {
	// Create schema_versions table if it doesn't exist
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// SchemaVersion returns the current schema version.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
