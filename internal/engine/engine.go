package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lazypower/cortex/internal/config"
	"github.com/lazypower/cortex/internal/dynamics"
	"github.com/lazypower/cortex/internal/events"
	"github.com/lazypower/cortex/internal/graph"
	"github.com/lazypower/cortex/internal/llm"
	"github.com/lazypower/cortex/internal/schema"
	"github.com/lazypower/cortex/internal/store"
)

// maxMemoryAdaptations bounds the adaptation log kept without a database.
const maxMemoryAdaptations = 500

// Engine owns the knowledge graph and everything that mutates or reads it:
// ingestion, traversal, schema evolution and the event stream.
type Engine struct {
	DB        *store.DB // optional
	Graph     *graph.Store
	Schema    *schema.Registry
	Bus       *events.Bus
	LLM       llm.Client // nil disables synthesis
	Embedder  Embedder
	Extractor Extractor
	Index     *VectorIndex
	Metrics   *Metrics

	cfg      config.Config
	ingestMu sync.Mutex

	adaptMu     sync.Mutex
	adaptations []events.AdaptationRecord // newest last; used when DB is nil

	stopCh   chan struct{}
	stopOnce sync.Once
}

// GraphSnapshot is the full graph.
type GraphSnapshot struct {
	Nodes []graph.Node `json:"nodes"`
	Edges []graph.Edge `json:"edges"`
}

// New creates an Engine. db may be nil for a purely in-memory engine. The
// engine starts with the hashing embedder and the heuristic extractor;
// replace them with SetEmbedder and SetExtractor before Load.
func New(db *store.DB, cfg config.Config, client llm.Client) *Engine {
	g := graph.New(dynamics.Params{
		DecayRate:      cfg.Graph.DecayRate,
		HalfLife:       cfg.Graph.HalfLife,
		PruneFloor:     cfg.Graph.PruneFloor,
		BoostIncrement: cfg.Graph.BoostIncrement,
	})
	reg := schema.NewRegistry()
	g.SetTypeTracker(reg)
	g.SetRejectPolicy(graph.RejectPolicy(cfg.Graph.RejectPolicy))
	if db != nil {
		g.SetPersister(db)
		reg.SetPersister(db)
	}

	emb := NewHashEmbedder(0)
	return &Engine{
		DB:        db,
		Graph:     g,
		Schema:    reg,
		Bus:       events.NewBus(),
		LLM:       GuardLLM(client, cfg.Breaker),
		Embedder:  emb,
		Extractor: NewHeuristicExtractor(),
		Index:     NewVectorIndex(db, emb.Model()),
		Metrics:   NewMetrics(db),
		cfg:       cfg,
		stopCh:    make(chan struct{}),
	}
}

// Config returns the configuration the engine was built with.
func (e *Engine) Config() config.Config {
	return e.cfg
}

// SetEmbedder configures the embedding provider. The vector index is
// switched to the embedder's model; call EmbedMissing afterwards to fill
// vectors produced by a different model.
func (e *Engine) SetEmbedder(emb Embedder) {
	e.Embedder = GuardEmbedder(emb, e.cfg.Breaker)
	e.Index = NewVectorIndex(e.DB, emb.Model())
}

// SetExtractor configures the entity extractor.
func (e *Engine) SetExtractor(ex Extractor) {
	e.Extractor = GuardExtractor(ex, e.cfg.Breaker)
}

// Load restores the graph, schema and vectors from the database.
func (e *Engine) Load() error {
	if e.DB == nil {
		return nil
	}
	types, proposals, err := e.DB.LoadSchema()
	if err != nil {
		return fmt.Errorf("load schema: %w", err)
	}
	e.Schema.Load(types, proposals)

	nodes, edges, patterns, err := e.DB.LoadGraph()
	if err != nil {
		return fmt.Errorf("load graph: %w", err)
	}
	if err := e.Graph.Load(nodes, edges, patterns); err != nil {
		return fmt.Errorf("load graph: %w", err)
	}

	n, err := e.Index.Load()
	if err != nil {
		return err
	}
	log.Printf("engine: loaded %d nodes, %d edges, %d vectors", len(nodes), len(edges), n)
	return nil
}

// Stop shuts down the engine's background goroutines.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

// FullGraph returns every node and every non-prunable edge.
func (e *Engine) FullGraph() GraphSnapshot {
	nodes := e.Graph.Nodes()
	edges := e.Graph.Edges()
	if nodes == nil {
		nodes = []graph.Node{}
	}
	if edges == nil {
		edges = []graph.Edge{}
	}
	return GraphSnapshot{Nodes: nodes, Edges: edges}
}

// State summarises the graph and query metrics.
func (e *Engine) State() events.GraphState {
	nodes, edges := e.Graph.Counts()
	queries, llmCalls, avg := e.Metrics.Snapshot()
	return events.GraphState{
		NodeCount:    nodes,
		EdgeCount:    edges,
		SchemaTypes:  e.Schema.Types(),
		TotalQueries: queries,
		LLMCalls:     llmCalls,
		AvgLatencyMS: avg,
	}
}

// Adaptations returns the most recent structural changes, newest first.
func (e *Engine) Adaptations(limit int) ([]events.AdaptationRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	if e.DB != nil {
		return e.DB.ListAdaptations(limit)
	}
	e.adaptMu.Lock()
	defer e.adaptMu.Unlock()
	out := make([]events.AdaptationRecord, 0, min(limit, len(e.adaptations)))
	for i := len(e.adaptations) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, e.adaptations[i])
	}
	return out, nil
}

// recordAdaptation stores an adaptation and publishes it.
func (e *Engine) recordAdaptation(eventType, description string, details map[string]any) {
	rec := events.AdaptationRecord{
		EventType:   eventType,
		Description: description,
		Timestamp:   time.Now(),
		Details:     details,
	}
	if e.DB != nil {
		stored, err := e.DB.AppendAdaptation(rec)
		if err != nil {
			log.Printf("engine: record adaptation %s: %v", eventType, err)
		}
		rec = stored
	} else {
		e.adaptMu.Lock()
		e.adaptations = append(e.adaptations, rec)
		if len(e.adaptations) > maxMemoryAdaptations {
			e.adaptations = e.adaptations[len(e.adaptations)-maxMemoryAdaptations:]
		}
		e.adaptMu.Unlock()
	}
	e.Bus.Publish(events.Adaptation{Event: rec})
}

// Merge absorbs mergeIDs into keepID.
func (e *Engine) Merge(_ context.Context, keepID string, mergeIDs []string) (graph.MergeResult, error) {
	res, err := e.Graph.Merge(keepID, mergeIDs)
	if err != nil {
		return graph.MergeResult{}, err
	}
	e.Index.Forget(res.Removed...)
	e.recordAdaptation("entities_merged", fmt.Sprintf("Merged %d nodes into %q", len(res.Removed), res.Node.Name), map[string]any{
		"keep_id":   keepID,
		"merge_ids": res.Removed,
		"collapsed": len(res.CollapsedEdges),
	})
	e.Bus.Publish(events.GraphUpdate{Reason: "entities_merged"})
	return res, nil
}

// ConfirmEdge pins an edge so it stops decaying.
func (e *Engine) ConfirmEdge(_ context.Context, edgeID string) (graph.Edge, error) {
	edge, err := e.Graph.Confirm(edgeID)
	if err != nil {
		return graph.Edge{}, err
	}
	e.recordAdaptation("edge_confirmed", fmt.Sprintf("Confirmed %s edge", edge.Relation), map[string]any{
		"edge_id": edge.ID,
		"weight":  edge.Weight,
	})
	e.Bus.Publish(events.GraphUpdate{Reason: "edge_confirmed"})
	return edge, nil
}

// RejectEdge deletes an edge. Whether the pattern is also suppressed
// depends on the configured reject policy.
func (e *Engine) RejectEdge(_ context.Context, edgeID string) (graph.Edge, error) {
	edge, err := e.Graph.Reject(edgeID)
	if err != nil {
		return graph.Edge{}, err
	}
	e.recordAdaptation("edge_rejected", fmt.Sprintf("Rejected %s edge", edge.Relation), map[string]any{
		"edge_id":       edge.ID,
		"source_id":     edge.SourceID,
		"target_id":     edge.TargetID,
		"relation_type": edge.Relation,
	})
	e.Bus.Publish(events.GraphUpdate{Reason: "edge_rejected"})
	return edge, nil
}

// DeleteNode removes a node and its edges.
func (e *Engine) DeleteNode(_ context.Context, nodeID string) ([]graph.Edge, error) {
	removed, err := e.Graph.Delete(nodeID)
	if err != nil {
		return nil, err
	}
	e.Index.Forget(nodeID)
	e.Bus.Publish(events.GraphUpdate{Reason: "node_deleted"})
	return removed, nil
}

// Prune deletes edges that have decayed below the floor.
func (e *Engine) Prune(_ context.Context) ([]graph.Edge, error) {
	removed, err := e.Graph.Prune()
	if err != nil {
		return nil, err
	}
	if len(removed) > 0 {
		e.recordAdaptation("edges_pruned", fmt.Sprintf("Pruned %d decayed edges", len(removed)), map[string]any{
			"count": len(removed),
		})
		e.Bus.Publish(events.GraphUpdate{Reason: "edges_pruned"})
	}
	return removed, nil
}

// Clear removes every node, edge, learned type, proposal, vector,
// adaptation and metric.
func (e *Engine) Clear(_ context.Context) error {
	e.ingestMu.Lock()
	defer e.ingestMu.Unlock()

	if err := e.Graph.Clear(); err != nil {
		return fmt.Errorf("clear graph: %w", err)
	}
	if e.DB != nil {
		if err := e.DB.ResetAll(); err != nil {
			return fmt.Errorf("clear store: %w", err)
		}
	}
	e.Schema.Reset()
	e.Index.Reset()
	e.Metrics.Reset()
	e.adaptMu.Lock()
	e.adaptations = nil
	e.adaptMu.Unlock()

	e.recordAdaptation("graph_cleared", "Cleared the graph", nil)
	e.Bus.Publish(events.GraphUpdate{Reason: "graph_cleared"})
	return nil
}

// Proposals lists schema proposals with the given status, or all.
func (e *Engine) Proposals(status schema.Status) []schema.Proposal {
	return e.Schema.Proposals(status)
}

// ApproveProposal applies a proposed type: it is registered and its nodes
// are retyped.
func (e *Engine) ApproveProposal(_ context.Context, id string) (schema.Proposal, []graph.Node, error) {
	p, nodes, err := e.Schema.Approve(id, e.Graph)
	if err != nil {
		return schema.Proposal{}, nil, err
	}
	e.recordAdaptation("type_promoted", fmt.Sprintf("Promoted type %s", p.Describe()), map[string]any{
		"proposal_id":  p.ID,
		"name":         p.Name,
		"evolved_from": p.EvolvedFrom,
		"retyped":      len(nodes),
	})
	e.Bus.Publish(events.GraphUpdate{Reason: "type_promoted"})
	return p, nodes, nil
}

// RejectProposal discards a proposed type.
func (e *Engine) RejectProposal(_ context.Context, id string) (schema.Proposal, error) {
	return e.Schema.Reject(id)
}

func (e *Engine) llmTimeout() time.Duration {
	if e.cfg.LLM.Timeout > 0 {
		return e.cfg.LLM.Timeout
	}
	return 30 * time.Second
}
