package engine

import (
	"log"
	"sync"
	"time"

	"github.com/lazypower/cortex/internal/store"
)

// Metrics counts queries and language-model use. It is loaded from and
// written back to the metrics table after every query.
type Metrics struct {
	mu sync.Mutex
	m  store.Metrics
	db *store.DB
}

// NewMetrics creates a Metrics value, restoring counters from db when given.
func NewMetrics(db *store.DB) *Metrics {
	m := &Metrics{db: db}
	if db != nil {
		loaded, err := db.LoadMetrics()
		if err != nil {
			log.Printf("metrics: load: %v", err)
		} else {
			m.m = loaded
		}
	}
	return m
}

// RecordQuery adds one query of the given latency. usedLLM counts only a
// successful synthesis.
func (m *Metrics) RecordQuery(latency time.Duration, usedLLM bool) {
	m.mu.Lock()
	m.m.TotalQueries++
	m.m.TotalLatencyMS += float64(latency.Microseconds()) / 1000
	if usedLLM {
		m.m.LLMCalls++
	}
	snap := m.m
	m.mu.Unlock()

	if m.db != nil {
		if err := m.db.SaveMetrics(snap); err != nil {
			log.Printf("metrics: save: %v", err)
		}
	}
}

// Snapshot returns total queries, LLM calls and the mean query latency.
func (m *Metrics) Snapshot() (queries, llmCalls int64, avgLatencyMS float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.m.TotalQueries > 0 {
		avgLatencyMS = m.m.TotalLatencyMS / float64(m.m.TotalQueries)
	}
	return m.m.TotalQueries, m.m.LLMCalls, avgLatencyMS
}

// Reset zeroes the in-memory counters. The store is reset separately.
func (m *Metrics) Reset() {
	m.mu.Lock()
	m.m = store.Metrics{}
	m.mu.Unlock()
}
