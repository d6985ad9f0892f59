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
		Description: "nodes: notes and resolved entities",
		SQL: `
CREATE TABLE nodes (
    id            TEXT PRIMARY KEY,
    name          TEXT NOT NULL,
    entity_type   TEXT NOT NULL,
    content       TEXT,
    metadata      TEXT,
    access_count  INTEGER NOT NULL DEFAULT 0 CHECK (access_count >= 0),
    created_at    INTEGER NOT NULL,
    updated_at    INTEGER NOT NULL
);

CREATE INDEX idx_nodes_type ON nodes(entity_type);
CREATE INDEX idx_nodes_name ON nodes(name COLLATE NOCASE);
`,
	},
	{
		Version:     2,
		Description: "edges: weighted relations between nodes",
		SQL: `
CREATE TABLE edges (
    id               TEXT PRIMARY KEY,
    source_id        TEXT NOT NULL,
    target_id        TEXT NOT NULL,
    relation_type    TEXT NOT NULL,
    weight           REAL NOT NULL CHECK (weight >= 0 AND weight <= 1),
    weight_at        INTEGER NOT NULL,
    metadata         TEXT,
    pinned           INTEGER NOT NULL DEFAULT 0,
    last_traversed   INTEGER,
    traversal_count  INTEGER NOT NULL DEFAULT 0 CHECK (traversal_count >= 0),
    created_at       INTEGER NOT NULL,

    FOREIGN KEY (source_id) REFERENCES nodes(id) ON DELETE CASCADE,
    FOREIGN KEY (target_id) REFERENCES nodes(id) ON DELETE CASCADE
);

CREATE INDEX idx_edges_source ON edges(source_id);
CREATE INDEX idx_edges_target ON edges(target_id);

CREATE TABLE rejected_patterns (
    source_id      TEXT NOT NULL,
    target_id      TEXT NOT NULL,
    relation_type  TEXT NOT NULL,
    created_at     INTEGER NOT NULL,
    PRIMARY KEY (source_id, target_id, relation_type)
);
`,
	},
	{
		Version:     3,
		Description: "schema: entity types and evolution proposals",
		SQL: `
CREATE TABLE schema_types (
    name          TEXT PRIMARY KEY,
    is_seed       INTEGER NOT NULL DEFAULT 0,
    evolved_from  TEXT,
    description   TEXT,
    created_at    INTEGER NOT NULL
);

CREATE TABLE schema_proposals (
    id            TEXT PRIMARY KEY,
    name          TEXT NOT NULL,
    description   TEXT,
    evolved_from  TEXT NOT NULL,
    node_ids      TEXT NOT NULL,
    cohesion      REAL NOT NULL DEFAULT 0,
    separation    REAL NOT NULL DEFAULT 0,
    status        TEXT NOT NULL CHECK (status IN ('PROPOSED', 'APPROVED', 'REJECTED')),
    created_at    INTEGER NOT NULL,
    decided_at    INTEGER
);

CREATE INDEX idx_proposals_status ON schema_proposals(status);
`,
	},
	{
		Version:     4,
		Description: "node_vectors: embedding vectors for semantic search",
		SQL: `
CREATE TABLE node_vectors (
    node_id    TEXT PRIMARY KEY,
    embedding  BLOB NOT NULL,
    model      TEXT NOT NULL,
    dimensions INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    FOREIGN KEY (node_id) REFERENCES nodes(id) ON DELETE CASCADE
);
`,
	},
	{
		Version:     5,
		Description: "adaptation_events and metrics",
		SQL: `
CREATE TABLE adaptation_events (
    id           TEXT PRIMARY KEY,
    event_type   TEXT NOT NULL,
    description  TEXT NOT NULL,
    details      TEXT,
    created_at   INTEGER NOT NULL
);

CREATE INDEX idx_adaptations_created ON adaptation_events(created_at DESC);

CREATE TABLE metrics (
    key    TEXT PRIMARY KEY,
    value  REAL NOT NULL DEFAULT 0
);

INSERT INTO metrics (key, value) VALUES ('total_queries', 0), ('llm_calls', 0), ('total_latency_ms', 0);
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
