package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lazypower/cortex/internal/graph"
)

// CommitGraph writes a graph changeset in one transaction. Upserts run
// before deletions so that edges re-pointed by a merge are no longer caught
// by the cascade when the absorbed nodes go away.
func (db *DB) CommitGraph(cs graph.Changeset) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin graph commit: %w", err)
	}
	defer tx.Rollback()

	if cs.Reset {
		for _, q := range []string{
			"DELETE FROM edges",
			"DELETE FROM rejected_patterns",
			"DELETE FROM nodes",
		} {
			if _, err := tx.Exec(q); err != nil {
				return fmt.Errorf("reset graph: %w", err)
			}
		}
	}

	for _, n := range cs.UpsertNodes {
		if err := upsertNode(tx, n); err != nil {
			return err
		}
	}
	for _, e := range cs.UpsertEdges {
		if err := upsertEdge(tx, e); err != nil {
			return err
		}
	}
	for _, id := range cs.DeleteEdges {
		if _, err := tx.Exec("DELETE FROM edges WHERE id = ?", id); err != nil {
			return fmt.Errorf("delete edge %s: %w", id, err)
		}
	}
	for _, id := range cs.DeleteNodes {
		if _, err := tx.Exec("DELETE FROM nodes WHERE id = ?", id); err != nil {
			return fmt.Errorf("delete node %s: %w", id, err)
		}
	}
	now := time.Now().UnixMilli()
	for _, p := range cs.Suppress {
		if _, err := tx.Exec(`
			INSERT OR IGNORE INTO rejected_patterns (source_id, target_id, relation_type, created_at)
			VALUES (?, ?, ?, ?)
		`, p.SourceID, p.TargetID, p.Relation, now); err != nil {
			return fmt.Errorf("suppress pattern: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit graph: %w", err)
	}
	return nil
}

func upsertNode(tx *sql.Tx, n graph.Node) error {
	meta, err := encodeMetadata(n.Metadata)
	if err != nil {
		return fmt.Errorf("encode node %s metadata: %w", n.ID, err)
	}
	_, err = tx.Exec(`
		INSERT INTO nodes (id, name, entity_type, content, metadata, access_count, created_at, updated_at)
		VALUES (?, ?, ?, NULLIF(?, ''), ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			entity_type = excluded.entity_type,
			content = excluded.content,
			metadata = excluded.metadata,
			access_count = excluded.access_count,
			updated_at = excluded.updated_at
	`, n.ID, n.Name, n.Type, n.Content, meta, n.AccessCount,
		n.CreatedAt.UnixMilli(), n.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert node %s: %w", n.ID, err)
	}
	return nil
}

func upsertEdge(tx *sql.Tx, e graph.Edge) error {
	meta, err := encodeMetadata(e.Metadata)
	if err != nil {
		return fmt.Errorf("encode edge %s metadata: %w", e.ID, err)
	}
	var lastTraversed sql.NullInt64
	if e.LastTraversed != nil {
		lastTraversed = sql.NullInt64{Int64: e.LastTraversed.UnixMilli(), Valid: true}
	}
	pinned := 0
	if e.Pinned {
		pinned = 1
	}
	_, err = tx.Exec(`
		INSERT INTO edges (id, source_id, target_id, relation_type, weight, weight_at, metadata,
			pinned, last_traversed, traversal_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			source_id = excluded.source_id,
			target_id = excluded.target_id,
			relation_type = excluded.relation_type,
			weight = excluded.weight,
			weight_at = excluded.weight_at,
			metadata = excluded.metadata,
			pinned = excluded.pinned,
			last_traversed = excluded.last_traversed,
			traversal_count = excluded.traversal_count,
			created_at = excluded.created_at
	`, e.ID, e.SourceID, e.TargetID, e.Relation, e.Weight, e.WeightAt.UnixMilli(), meta,
		pinned, lastTraversed, e.TraversalCount, e.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert edge %s: %w", e.ID, err)
	}
	return nil
}

// LoadGraph reads every node, edge and suppressed pattern.
func (db *DB) LoadGraph() ([]graph.Node, []graph.Edge, []graph.Pattern, error) {
	nodes, err := db.loadNodes()
	if err != nil {
		return nil, nil, nil, err
	}
	edges, err := db.loadEdges()
	if err != nil {
		return nil, nil, nil, err
	}
	patterns, err := db.loadPatterns()
	if err != nil {
		return nil, nil, nil, err
	}
	return nodes, edges, patterns, nil
}

func (db *DB) loadNodes() ([]graph.Node, error) {
	rows, err := db.Query(`
		SELECT id, name, entity_type, content, metadata, access_count, created_at, updated_at
		FROM nodes ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("load nodes: %w", err)
	}
	defer rows.Close()

	var nodes []graph.Node
	for rows.Next() {
		var n graph.Node
		var content, meta sql.NullString
		var created, updated int64
		if err := rows.Scan(&n.ID, &n.Name, &n.Type, &content, &meta, &n.AccessCount, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		n.Content = content.String
		n.CreatedAt = time.UnixMilli(created)
		n.UpdatedAt = time.UnixMilli(updated)
		if n.Metadata, err = decodeMetadata(meta); err != nil {
			return nil, fmt.Errorf("decode node %s metadata: %w", n.ID, err)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

func (db *DB) loadEdges() ([]graph.Edge, error) {
	rows, err := db.Query(`
		SELECT id, source_id, target_id, relation_type, weight, weight_at, metadata,
			pinned, last_traversed, traversal_count, created_at
		FROM edges ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("load edges: %w", err)
	}
	defer rows.Close()

	var edges []graph.Edge
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// GetEdgesForNode returns edges where the node is source or target, as
// stored (undecayed).
func (db *DB) GetEdgesForNode(nodeID string) ([]graph.Edge, error) {
	rows, err := db.Query(`
		SELECT id, source_id, target_id, relation_type, weight, weight_at, metadata,
			pinned, last_traversed, traversal_count, created_at
		FROM edges WHERE source_id = ? OR target_id = ?
		ORDER BY weight DESC, id
	`, nodeID, nodeID)
	if err != nil {
		return nil, fmt.Errorf("edges for node: %w", err)
	}
	defer rows.Close()

	var edges []graph.Edge
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

func scanEdge(rows *sql.Rows) (graph.Edge, error) {
	var e graph.Edge
	var meta sql.NullString
	var weightAt, created int64
	var pinned int
	var lastTraversed sql.NullInt64
	if err := rows.Scan(&e.ID, &e.SourceID, &e.TargetID, &e.Relation, &e.Weight, &weightAt, &meta,
		&pinned, &lastTraversed, &e.TraversalCount, &created); err != nil {
		return graph.Edge{}, fmt.Errorf("scan edge: %w", err)
	}
	e.WeightAt = time.UnixMilli(weightAt)
	e.CreatedAt = time.UnixMilli(created)
	e.Pinned = pinned != 0
	if lastTraversed.Valid {
		t := time.UnixMilli(lastTraversed.Int64)
		e.LastTraversed = &t
	}
	var err error
	if e.Metadata, err = decodeMetadata(meta); err != nil {
		return graph.Edge{}, fmt.Errorf("decode edge %s metadata: %w", e.ID, err)
	}
	return e, nil
}

func (db *DB) loadPatterns() ([]graph.Pattern, error) {
	rows, err := db.Query("SELECT source_id, target_id, relation_type FROM rejected_patterns")
	if err != nil {
		return nil, fmt.Errorf("load rejected patterns: %w", err)
	}
	defer rows.Close()

	var out []graph.Pattern
	for rows.Next() {
		var p graph.Pattern
		if err := rows.Scan(&p.SourceID, &p.TargetID, &p.Relation); err != nil {
			return nil, fmt.Errorf("scan rejected pattern: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func encodeMetadata(m map[string]any) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func decodeMetadata(s sql.NullString) (map[string]any, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}
