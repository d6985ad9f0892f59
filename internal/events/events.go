// Package events defines the events the engine streams to observers and the
// in-process bus that fans them out.
package events

import (
	"encoding/json"
	"time"

	"github.com/lazypower/cortex/internal/graph"
)

// Kind identifies an event variant on the wire.
type Kind string

const (
	KindQueryTraversal Kind = "query_traversal"
	KindEdgeCreation   Kind = "edge_creation"
	KindNoteProcessing Kind = "note_processing"
	KindAdaptation     Kind = "adaptation"
	KindImportStatus   Kind = "import_status"
	KindImportProgress Kind = "import_progress"
	KindState          Kind = "state"
	KindInitialState   Kind = "initial_state"
	KindGraphUpdate    Kind = "graph_update"
)

// Phase is a step of query resolution.
type Phase string

const (
	PhaseEmbeddingSearch Phase = "embedding_search"
	PhaseEdgeExpansion   Phase = "edge_expansion"
	PhaseEntityMatch     Phase = "entity_match"
	PhaseLLMThinking     Phase = "llm_thinking"
	PhaseComplete        Phase = "complete"
)

// Event is one of the variants below. Each variant carries only its own
// payload; MarshalJSON adds the "type" discriminator.
type Event interface {
	Kind() Kind
}

// QueryTraversal reports one step of a query. DelayMS is advisory pacing
// for animated consumers.
type QueryTraversal struct {
	QueryID string   `json:"query_id,omitempty"`
	Phase   Phase    `json:"phase"`
	NodeID  string   `json:"node_id,omitempty"`
	EdgeID  string   `json:"edge_id,omitempty"`
	Score   *float64 `json:"score,omitempty"`
	DelayMS int      `json:"delay_ms,omitempty"`
}

// EdgeCreation reports a new or strengthened edge.
type EdgeCreation struct {
	Edge graph.Edge `json:"edge"`
}

// NoteProcessing reports an entity resolved during ingestion.
type NoteProcessing struct {
	Entity graph.Node `json:"entity"`
}

// AdaptationRecord describes a structural change to the graph.
type AdaptationRecord struct {
	ID          string         `json:"id,omitempty"`
	EventType   string         `json:"event_type"`
	Description string         `json:"description"`
	Timestamp   time.Time      `json:"timestamp"`
	Details     map[string]any `json:"details,omitempty"`
}

// Adaptation wraps an AdaptationRecord.
type Adaptation struct {
	Event AdaptationRecord `json:"event"`
}

// ImportError is one file that failed during a vault import.
type ImportError struct {
	File  string `json:"file"`
	Error string `json:"error"`
}

// GraphState summarises the graph and process metrics.
type GraphState struct {
	NodeCount    int     `json:"node_count"`
	EdgeCount    int     `json:"edge_count"`
	SchemaTypes  any     `json:"schema_types"`
	TotalQueries int64   `json:"total_queries"`
	LLMCalls     int64   `json:"llm_calls"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
}

// ImportStatus is emitted when an import starts, completes or clears the
// graph.
type ImportStatus struct {
	Status     string        `json:"status"` // started, completed, cleared
	Current    int           `json:"current"`
	Total      int           `json:"total"`
	Imported   int           `json:"imported"`
	File       string        `json:"file,omitempty"`
	Errors     []ImportError `json:"errors,omitempty"`
	FinalState *GraphState   `json:"final_state,omitempty"`
}

// ImportProgress is emitted once per imported file.
type ImportProgress struct {
	Current  int          `json:"current"`
	Total    int          `json:"total"`
	Imported int          `json:"imported"`
	File     string       `json:"file,omitempty"`
	Note     *graph.Node  `json:"note,omitempty"`
	Entities []graph.Node `json:"entities,omitempty"`
	Edges    []graph.Edge `json:"edges,omitempty"`
}

// State carries a full GraphState. Initial marks the snapshot sent to a
// subscriber when it connects.
type State struct {
	Initial bool       `json:"-"`
	Data    GraphState `json:"data"`
}

// GraphUpdate tells consumers to re-fetch the full graph.
type GraphUpdate struct {
	Reason string `json:"event,omitempty"`
}

func (QueryTraversal) Kind() Kind { return KindQueryTraversal }
func (EdgeCreation) Kind() Kind   { return KindEdgeCreation }
func (NoteProcessing) Kind() Kind { return KindNoteProcessing }
func (Adaptation) Kind() Kind     { return KindAdaptation }
func (ImportStatus) Kind() Kind   { return KindImportStatus }
func (ImportProgress) Kind() Kind { return KindImportProgress }
func (GraphUpdate) Kind() Kind    { return KindGraphUpdate }

func (s State) Kind() Kind {
	if s.Initial {
		return KindInitialState
	}
	return KindState
}

// Score is a helper for the optional score field.
func Score(v float64) *float64 { return &v }

// Marshal encodes an event as a flat JSON object with a "type" field.
func Marshal(ev Event) ([]byte, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	kind, _ := json.Marshal(ev.Kind())
	fields["type"] = kind
	return json.Marshal(fields)
}
