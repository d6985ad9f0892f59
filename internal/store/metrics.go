package store

import "fmt"

// Metrics are the process counters that survive restarts.
type Metrics struct {
	TotalQueries   int64
	LLMCalls       int64
	TotalLatencyMS float64
}

// LoadMetrics reads the stored counters. Missing keys read as zero.
func (db *DB) LoadMetrics() (Metrics, error) {
	rows, err := db.Query("SELECT key, value FROM metrics")
	if err != nil {
		return Metrics{}, fmt.Errorf("load metrics: %w", err)
	}
	defer rows.Close()

	var m Metrics
	for rows.Next() {
		var key string
		var value float64
		if err := rows.Scan(&key, &value); err != nil {
			return Metrics{}, fmt.Errorf("scan metric: %w", err)
		}
		switch key {
		case "total_queries":
			m.TotalQueries = int64(value)
		case "llm_calls":
			m.LLMCalls = int64(value)
		case "total_latency_ms":
			m.TotalLatencyMS = value
		}
	}
	return m, rows.Err()
}

// SaveMetrics overwrites the stored counters.
func (db *DB) SaveMetrics(m Metrics) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin save metrics: %w", err)
	}
	defer tx.Rollback()

	for key, value := range map[string]float64{
		"total_queries":    float64(m.TotalQueries),
		"llm_calls":        float64(m.LLMCalls),
		"total_latency_ms": m.TotalLatencyMS,
	} {
		if _, err := tx.Exec(`
			INSERT INTO metrics (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value
		`, key, value); err != nil {
			return fmt.Errorf("save metric %s: %w", key, err)
		}
	}
	return tx.Commit()
}

// ResetAll clears everything outside the graph tables: non-seed types,
// proposals, adaptation history, vectors and counters. The graph itself is
// cleared through CommitGraph so the in-memory store stays in step.
func (db *DB) ResetAll() error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin reset: %w", err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		"DELETE FROM node_vectors",
		"DELETE FROM schema_types WHERE is_seed = 0",
		"DELETE FROM schema_proposals",
		"DELETE FROM adaptation_events",
		"UPDATE metrics SET value = 0",
	} {
		if _, err := tx.Exec(q); err != nil {
			return fmt.Errorf("reset: %w", err)
		}
	}
	return tx.Commit()
}
