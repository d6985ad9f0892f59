package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lazypower/cortex/internal/schema"
)

// SaveType inserts or replaces a schema type. Counts are derived from the
// graph and are not stored.
func (db *DB) SaveType(t schema.Type) error {
	_, err := db.Exec(`
		INSERT INTO schema_types (name, is_seed, evolved_from, description, created_at)
		VALUES (?, ?, NULLIF(?, ''), NULLIF(?, ''), ?)
		ON CONFLICT(name) DO UPDATE SET
			is_seed = excluded.is_seed,
			evolved_from = excluded.evolved_from,
			description = excluded.description
	`, t.Name, boolInt(t.IsSeed), t.EvolvedFrom, t.Description, t.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("save type %s: %w", t.Name, err)
	}
	return nil
}

// SaveProposal inserts or replaces a schema proposal.
func (db *DB) SaveProposal(p schema.Proposal) error {
	ids, err := json.Marshal(p.NodeIDs)
	if err != nil {
		return fmt.Errorf("encode proposal nodes: %w", err)
	}
	var decided sql.NullInt64
	if p.DecidedAt != nil {
		decided = sql.NullInt64{Int64: p.DecidedAt.UnixMilli(), Valid: true}
	}
	_, err = db.Exec(`
		INSERT INTO schema_proposals (id, name, description, evolved_from, node_ids,
			cohesion, separation, status, created_at, decided_at)
		VALUES (?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			decided_at = excluded.decided_at
	`, p.ID, p.Name, p.Description, p.EvolvedFrom, string(ids),
		p.Cohesion, p.Separation, string(p.Status), p.CreatedAt.UnixMilli(), decided)
	if err != nil {
		return fmt.Errorf("save proposal %s: %w", p.ID, err)
	}
	return nil
}

// LoadSchema returns all stored types and proposals.
func (db *DB) LoadSchema() ([]schema.Type, []schema.Proposal, error) {
	rows, err := db.Query(`
		SELECT name, is_seed, evolved_from, description, created_at
		FROM schema_types ORDER BY created_at, name
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load types: %w", err)
	}
	var types []schema.Type
	for rows.Next() {
		var t schema.Type
		var seed int
		var from, desc sql.NullString
		var created int64
		if err := rows.Scan(&t.Name, &seed, &from, &desc, &created); err != nil {
			rows.Close()
			return nil, nil, fmt.Errorf("scan type: %w", err)
		}
		t.IsSeed = seed != 0
		t.EvolvedFrom = from.String
		t.Description = desc.String
		t.CreatedAt = time.UnixMilli(created)
		types = append(types, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	rows, err = db.Query(`
		SELECT id, name, description, evolved_from, node_ids, cohesion, separation,
			status, created_at, decided_at
		FROM schema_proposals ORDER BY created_at DESC, id
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load proposals: %w", err)
	}
	defer rows.Close()

	var proposals []schema.Proposal
	for rows.Next() {
		var p schema.Proposal
		var desc sql.NullString
		var ids, status string
		var created int64
		var decided sql.NullInt64
		if err := rows.Scan(&p.ID, &p.Name, &desc, &p.EvolvedFrom, &ids, &p.Cohesion, &p.Separation,
			&status, &created, &decided); err != nil {
			return nil, nil, fmt.Errorf("scan proposal: %w", err)
		}
		if err := json.Unmarshal([]byte(ids), &p.NodeIDs); err != nil {
			return nil, nil, fmt.Errorf("decode proposal %s nodes: %w", p.ID, err)
		}
		p.Description = desc.String
		p.Status = schema.Status(status)
		p.CreatedAt = time.UnixMilli(created)
		if decided.Valid {
			t := time.UnixMilli(decided.Int64)
			p.DecidedAt = &t
		}
		proposals = append(proposals, p)
	}
	return types, proposals, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
