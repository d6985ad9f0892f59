package graph

import (
	"fmt"
	"math"
	"time"

	"github.com/lazypower/cortex/internal/dynamics"
)

// Batch is a set of writes produced by one ingestion. Nodes are created (or
// updated, when the id is known) before edges. An edge whose structure
// matches a live edge, or an earlier edge of the same batch, strengthens
// that edge instead of creating a duplicate.
type Batch struct {
	Nodes []Node
	Edges []Edge
}

// TouchedEdge is an edge written by Apply.
type TouchedEdge struct {
	Edge    Edge
	Created bool
}

// BatchResult lists what Apply wrote, in batch order.
type BatchResult struct {
	Nodes      []Node
	Edges      []TouchedEdge
	Suppressed []Pattern
}

// Apply commits a batch atomically. Edge endpoints may reference nodes that
// already exist or nodes of the same batch. Edges whose structure was
// rejected under the pattern policy are skipped and reported.
func (s *Store) Apply(b Batch) (BatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var cs Changeset
	var result BatchResult

	staged := make(map[string]Node, len(b.Nodes))
	for _, n := range b.Nodes {
		if n.Name == "" || n.Type == "" {
			return BatchResult{}, fmt.Errorf("apply batch: node needs name and type: %w", ErrValidation)
		}
		var out Node
		if existing, ok := s.nodes[n.ID]; ok && n.ID != "" {
			if existing.Type != n.Type {
				return BatchResult{}, fmt.Errorf("apply batch: node %s type change: %w", n.ID, ErrValidation)
			}
			out = existing.clone()
			out.Name, out.Content, out.Metadata = n.Name, n.Content, n.Metadata
			out.UpdatedAt = now
		} else {
			out = s.newNode(n, now)
		}
		staged[out.ID] = out
		cs.UpsertNodes = append(cs.UpsertNodes, out)
		result.Nodes = append(result.Nodes, out.clone())
	}

	exists := func(id string) bool {
		if _, ok := staged[id]; ok {
			return true
		}
		return s.nodes[id] != nil
	}

	pending := make(map[Pattern]int) // pattern -> index into cs.UpsertEdges
	for _, e := range b.Edges {
		if NormalizeRelation(e.Relation) == "" {
			return BatchResult{}, fmt.Errorf("apply batch: empty relation type: %w", ErrValidation)
		}
		if !exists(e.SourceID) {
			return BatchResult{}, fmt.Errorf("apply batch: source %s: %w", e.SourceID, ErrNotFound)
		}
		if !exists(e.TargetID) {
			return BatchResult{}, fmt.Errorf("apply batch: target %s: %w", e.TargetID, ErrNotFound)
		}

		p := e.Pattern()
		if _, ok := s.suppressed[p]; ok {
			result.Suppressed = append(result.Suppressed, p)
			continue
		}

		if i, ok := pending[p]; ok {
			cs.UpsertEdges[i] = s.strengthen(cs.UpsertEdges[i], e.Weight, now)
			result.Edges = append(result.Edges, TouchedEdge{Edge: cs.UpsertEdges[i].clone()})
			continue
		}
		if live := s.findEdgeLocked(p); live != nil {
			updated := s.strengthen(*live, e.Weight, now)
			pending[p] = len(cs.UpsertEdges)
			cs.UpsertEdges = append(cs.UpsertEdges, updated)
			result.Edges = append(result.Edges, TouchedEdge{Edge: updated.clone()})
			continue
		}

		created := s.newEdge(e, now)
		pending[p] = len(cs.UpsertEdges)
		cs.UpsertEdges = append(cs.UpsertEdges, created)
		result.Edges = append(result.Edges, TouchedEdge{Edge: created.clone(), Created: true})
	}

	if err := s.commit(cs); err != nil {
		return BatchResult{}, err
	}
	return result, nil
}

// strengthen reinforces an existing edge with fresh evidence: the larger of
// the boosted current weight and the new evidence weight.
func (s *Store) strengthen(e Edge, evidence float64, now time.Time) Edge {
	updated := e.clone()
	w, _ := s.params.Decay(e.Weight, e.WeightAt, now, e.Pinned)
	updated.Weight = math.Max(s.params.Boost(w), dynamics.Clamp(evidence))
	updated.WeightAt = now
	return updated
}
