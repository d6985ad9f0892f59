package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lazypower/cortex/internal/events"
)

// AppendAdaptation records a structural change. An empty ID gets a fresh
// UUID; the stored record is returned.
func (db *DB) AppendAdaptation(rec events.AdaptationRecord) (events.AdaptationRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	var details sql.NullString
	if len(rec.Details) > 0 {
		data, err := json.Marshal(rec.Details)
		if err != nil {
			return rec, fmt.Errorf("encode adaptation details: %w", err)
		}
		details = sql.NullString{String: string(data), Valid: true}
	}
	_, err := db.Exec(`
		INSERT INTO adaptation_events (id, event_type, description, details, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, rec.ID, rec.EventType, rec.Description, details, rec.Timestamp.UnixMilli())
	if err != nil {
		return rec, fmt.Errorf("append adaptation: %w", err)
	}
	return rec, nil
}

// ListAdaptations returns the most recent adaptation events, newest first.
func (db *DB) ListAdaptations(limit int) ([]events.AdaptationRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, event_type, description, details, created_at
		FROM adaptation_events
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list adaptations: %w", err)
	}
	defer rows.Close()

	var out []events.AdaptationRecord
	for rows.Next() {
		var rec events.AdaptationRecord
		var details sql.NullString
		var created int64
		if err := rows.Scan(&rec.ID, &rec.EventType, &rec.Description, &details, &created); err != nil {
			return nil, fmt.Errorf("scan adaptation: %w", err)
		}
		rec.Timestamp = time.UnixMilli(created)
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &rec.Details); err != nil {
				return nil, fmt.Errorf("decode adaptation %s: %w", rec.ID, err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
