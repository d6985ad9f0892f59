package store

import (
	"testing"
)

func TestOpenMemory(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer db.Close()

	if db.Path != ":memory:" {
		t.Errorf("Path = %q, want :memory:", db.Path)
	}
}

func TestSchemaVersion(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer db.Close()

	v, err := db.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if v != 5 {
		t.Errorf("SchemaVersion = %d, want 5", v)
	}
}

func TestTablesExist(t *testing.T) {
	db := testDB(t)

	tables := []string{
		"schema_versions", "nodes", "edges", "rejected_patterns",
		"schema_types", "schema_proposals", "node_vectors",
		"adaptation_events", "metrics",
	}
	for _, table := range tables {
		var name string
		err := db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found: %v", table, err)
		}
	}
}

func TestEdgeConstraints(t *testing.T) {
	db := testDB(t)

	_, err := db.Exec(`
		INSERT INTO nodes (id, name, entity_type, created_at, updated_at)
		VALUES ('a', 'a', 'person', 1000, 1000), ('b', 'b', 'person', 1000, 1000)
	`)
	if err != nil {
		t.Fatalf("insert nodes: %v", err)
	}

	// Valid insert
	_, err = db.Exec(`
		INSERT INTO edges (id, source_id, target_id, relation_type, weight, weight_at, created_at)
		VALUES ('e1', 'a', 'b', 'knows', 0.5, 1000, 1000)
	`)
	if err != nil {
		t.Fatalf("valid insert failed: %v", err)
	}

	// Weight out of range
	_, err = db.Exec(`
		INSERT INTO edges (id, source_id, target_id, relation_type, weight, weight_at, created_at)
		VALUES ('e2', 'a', 'b', 'knows', 1.5, 1000, 1000)
	`)
	if err == nil {
		t.Error("expected error for weight > 1, got nil")
	}

	// Dangling endpoint
	_, err = db.Exec(`
		INSERT INTO edges (id, source_id, target_id, relation_type, weight, weight_at, created_at)
		VALUES ('e3', 'a', 'missing', 'knows', 0.5, 1000, 1000)
	`)
	if err == nil {
		t.Error("expected foreign key error for unknown target, got nil")
	}

	// Deleting a node cascades to its edges
	if _, err := db.Exec("DELETE FROM nodes WHERE id = 'b'"); err != nil {
		t.Fatalf("delete node: %v", err)
	}
	var count int
	db.QueryRow("SELECT COUNT(*) FROM edges").Scan(&count)
	if count != 0 {
		t.Errorf("edges after cascade = %d, want 0", count)
	}
}

func TestProposalStatusConstraint(t *testing.T) {
	db := testDB(t)

	_, err := db.Exec(`
		INSERT INTO schema_proposals (id, name, evolved_from, node_ids, status, created_at)
		VALUES ('p1', 'model', 'concept', '[]', 'PENDING', 1000)
	`)
	if err == nil {
		t.Error("expected error for invalid status, got nil")
	}
}

func TestMetricsSeeded(t *testing.T) {
	db := testDB(t)

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM metrics").Scan(&count); err != nil {
		t.Fatalf("count metrics: %v", err)
	}
	if count != 3 {
		t.Errorf("metrics rows = %d, want 3", count)
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer db.Close()

	// Running migrate again should be a no-op
	if err := db.migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}

	v, err := db.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if v != 5 {
		t.Errorf("SchemaVersion after re-migrate = %d, want 5", v)
	}
}

func TestWALMode(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer db.Close()

	var mode string
	err = db.QueryRow("PRAGMA journal_mode").Scan(&mode)
	if err != nil {
		t.Fatalf("PRAGMA journal_mode: %v", err)
	}
	// In-memory databases may use "memory" mode instead of WAL
	if mode != "wal" && mode != "memory" {
		t.Errorf("journal_mode = %q, want wal or memory", mode)
	}
}

func TestForeignKeysEnabled(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer db.Close()

	var fk int
	err = db.QueryRow("PRAGMA foreign_keys").Scan(&fk)
	if err != nil {
		t.Fatalf("PRAGMA foreign_keys: %v", err)
	}
	if fk != 1 {
		t.Errorf("foreign_keys = %d, want 1", fk)
	}
}

// testDB is a helper that creates an in-memory DB for testing.
func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}
