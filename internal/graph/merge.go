package graph

import (
	"fmt"
	"sort"
	"time"
)

// MergeResult describes the outcome of a merge.
type MergeResult struct {
	Node           Node     `json:"node"`
	Removed        []string `json:"removed"`
	Retargeted     []Edge   `json:"retargeted"`
	CollapsedEdges []string `json:"collapsed_edges"`
}

// Merge absorbs mergeIDs into keepID. Every edge touching an absorbed node
// is re-pointed at the keeper; edges that end up with identical (source,
// target, relation) collapse into one carrying the larger weight, the summed
// traversal count, the later traversal time and the pinned flag if any had
// it. Self-loops produced by the merge are kept. The keeper's access count
// becomes the sum over all merged nodes. The whole operation is one commit.
func (s *Store) Merge(keepID string, mergeIDs []string) (MergeResult, error) {
	if len(mergeIDs) == 0 {
		return MergeResult{}, fmt.Errorf("merge into %s: no nodes to merge: %w", keepID, ErrValidation)
	}

	merged := make(map[string]bool, len(mergeIDs))
	var order []string
	for _, id := range mergeIDs {
		if id == keepID {
			return MergeResult{}, fmt.Errorf("merge: keeper %s listed among merge ids: %w", keepID, ErrValidation)
		}
		if !merged[id] {
			merged[id] = true
			order = append(order, id)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	keep, ok := s.nodes[keepID]
	if !ok {
		return MergeResult{}, fmt.Errorf("merge: keeper %s: %w", keepID, ErrNotFound)
	}
	for _, id := range order {
		if s.nodes[id] == nil {
			return MergeResult{}, fmt.Errorf("merge: node %s: %w", id, ErrNotFound)
		}
	}

	now := s.now()
	keeper := keep.clone()
	keeper.UpdatedAt = now
	for _, id := range order {
		keeper.AccessCount += s.nodes[id].AccessCount
	}

	retarget := func(id string) string {
		if merged[id] {
			return keepID
		}
		return id
	}

	// Every edge that will touch the keeper after the merge, grouped by
	// structure.
	touched := make(map[string]bool)
	for id := range s.adj[keepID] {
		touched[id] = true
	}
	for _, m := range order {
		for id := range s.adj[m] {
			touched[id] = true
		}
	}
	ids := make([]string, 0, len(touched))
	for id := range touched {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	groups := make(map[Pattern][]Edge)
	var patterns []Pattern
	for _, id := range ids {
		e := s.edges[id].clone()
		e.SourceID, e.TargetID = retarget(e.SourceID), retarget(e.TargetID)
		p := e.Pattern()
		if _, seen := groups[p]; !seen {
			patterns = append(patterns, p)
		}
		groups[p] = append(groups[p], e)
	}

	cs := Changeset{UpsertNodes: []Node{keeper}}
	result := MergeResult{}
	for _, p := range patterns {
		group := groups[p]
		if len(group) == 1 {
			e := group[0]
			if orig := s.edges[e.ID]; orig.SourceID != e.SourceID || orig.TargetID != e.TargetID {
				cs.UpsertEdges = append(cs.UpsertEdges, e)
				result.Retargeted = append(result.Retargeted, s.effective(e, now))
			}
			continue
		}

		survivor, absorbed := s.collapse(group, now)
		cs.UpsertEdges = append(cs.UpsertEdges, survivor)
		cs.DeleteEdges = append(cs.DeleteEdges, absorbed...)
		result.Retargeted = append(result.Retargeted, s.effective(survivor, now))
		result.CollapsedEdges = append(result.CollapsedEdges, absorbed...)
	}
	cs.DeleteNodes = order

	if err := s.commit(cs); err != nil {
		return MergeResult{}, err
	}

	result.Node = keeper.clone()
	result.Removed = append([]string(nil), order...)
	return result, nil
}

// collapse folds structurally identical edges into the one with the highest
// effective weight. Ties go to the lowest id.
func (s *Store) collapse(group []Edge, now time.Time) (Edge, []string) {
	type scored struct {
		edge Edge
		w    float64
	}
	items := make([]scored, len(group))
	for i, e := range group {
		w, _ := s.params.Decay(e.Weight, e.WeightAt, now, e.Pinned)
		items[i] = scored{edge: e, w: w}
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].w != items[j].w {
			return items[i].w > items[j].w
		}
		return items[i].edge.ID < items[j].edge.ID
	})

	survivor := items[0].edge.clone()
	survivor.Weight = items[0].w
	survivor.WeightAt = now
	var absorbed []string
	for _, it := range items[1:] {
		e := it.edge
		survivor.TraversalCount += e.TraversalCount
		survivor.Pinned = survivor.Pinned || e.Pinned
		if e.LastTraversed != nil && (survivor.LastTraversed == nil || e.LastTraversed.After(*survivor.LastTraversed)) {
			t := *e.LastTraversed
			survivor.LastTraversed = &t
		}
		if e.CreatedAt.Before(survivor.CreatedAt) {
			survivor.CreatedAt = e.CreatedAt
		}
		absorbed = append(absorbed, e.ID)
	}
	return survivor, absorbed
}
