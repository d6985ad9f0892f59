package graph

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lazypower/cortex/internal/dynamics"
)

// RejectPolicy decides what rejecting an edge means for future ingestion.
type RejectPolicy string

const (
	// RejectInstance deletes only the edge; ingestion may recreate it.
	RejectInstance RejectPolicy = "instance"
	// RejectPattern also suppresses the (source, target, relation) triple.
	RejectPattern RejectPolicy = "pattern"
)

// Store owns the in-memory graph. All structural mutation happens under a
// single write lock; every read hands out copies.
type Store struct {
	mu         sync.RWMutex
	nodes      map[string]*Node
	edges      map[string]*Edge
	adj        map[string]map[string]struct{} // node id -> ids of edges touching it
	suppressed map[Pattern]struct{}

	params  dynamics.Params
	policy  RejectPolicy
	persist Persister
	types   TypeTracker
	now     func() time.Time
}

// New creates an empty Store.
func New(params dynamics.Params) *Store {
	return &Store{
		nodes:      make(map[string]*Node),
		edges:      make(map[string]*Edge),
		adj:        make(map[string]map[string]struct{}),
		suppressed: make(map[Pattern]struct{}),
		params:     params,
		policy:     RejectInstance,
		now:        time.Now,
	}
}

// SetPersister configures durable storage for mutations.
func (s *Store) SetPersister(p Persister) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persist = p
}

// SetTypeTracker configures the receiver of per-type count changes.
func (s *Store) SetTypeTracker(t TypeTracker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.types = t
}

// SetRejectPolicy switches between instance and pattern scoped rejection.
func (s *Store) SetRejectPolicy(p RejectPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p == "" {
		p = RejectInstance
	}
	s.policy = p
}

// SetClock replaces the time source. Tests only.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Params returns the weight dynamics in effect.
func (s *Store) Params() dynamics.Params {
	return s.params
}

// Load replaces the graph with previously persisted state without writing
// it back.
func (s *Store) Load(nodes []Node, edges []Edge, suppressed []Pattern) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.resetLocked()
	for i := range nodes {
		n := nodes[i].clone()
		s.nodes[n.ID] = &n
		s.observe(n.Type, 1)
	}
	for i := range edges {
		e := edges[i].clone()
		if s.nodes[e.SourceID] == nil || s.nodes[e.TargetID] == nil {
			return fmt.Errorf("load edge %s: endpoint: %w", e.ID, ErrNotFound)
		}
		if e.WeightAt.IsZero() {
			e.WeightAt = refTime(e)
		}
		s.edges[e.ID] = &e
		s.link(&e)
	}
	for _, p := range suppressed {
		s.suppressed[p] = struct{}{}
	}
	return nil
}

// UpsertNode creates a node, or updates name, content and metadata of an
// existing one. The entity type of an existing node cannot be changed here.
func (s *Store) UpsertNode(n Node) (Node, error) {
	if strings.TrimSpace(n.Name) == "" {
		return Node{}, fmt.Errorf("upsert node: empty name: %w", ErrValidation)
	}
	if n.Type == "" {
		return Node{}, fmt.Errorf("upsert node %q: empty entity type: %w", n.Name, ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if existing, ok := s.nodes[n.ID]; ok && n.ID != "" {
		if existing.Type != n.Type {
			return Node{}, fmt.Errorf("upsert node %s: type change %s -> %s: %w", n.ID, existing.Type, n.Type, ErrValidation)
		}
		updated := existing.clone()
		updated.Name = n.Name
		updated.Content = n.Content
		updated.Metadata = n.Metadata
		updated.UpdatedAt = now
		if err := s.commit(Changeset{UpsertNodes: []Node{updated}}); err != nil {
			return Node{}, err
		}
		return updated.clone(), nil
	}

	created := s.newNode(n, now)
	if err := s.commit(Changeset{UpsertNodes: []Node{created}}); err != nil {
		return Node{}, err
	}
	return created.clone(), nil
}

// UpsertEdge creates an edge or rewrites weight and metadata of an existing
// one. Both endpoints must exist.
func (s *Store) UpsertEdge(e Edge) (Edge, error) {
	if NormalizeRelation(e.Relation) == "" {
		return Edge{}, fmt.Errorf("upsert edge: empty relation type: %w", ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.nodes[e.SourceID] == nil {
		return Edge{}, fmt.Errorf("upsert edge: source %s: %w", e.SourceID, ErrNotFound)
	}
	if s.nodes[e.TargetID] == nil {
		return Edge{}, fmt.Errorf("upsert edge: target %s: %w", e.TargetID, ErrNotFound)
	}

	now := s.now()
	if existing, ok := s.edges[e.ID]; ok && e.ID != "" {
		updated := existing.clone()
		updated.SourceID, updated.TargetID = e.SourceID, e.TargetID
		updated.Relation = NormalizeRelation(e.Relation)
		updated.Weight = dynamics.Clamp(e.Weight)
		updated.WeightAt = now
		updated.Metadata = e.Metadata
		if err := s.commit(Changeset{UpsertEdges: []Edge{updated}}); err != nil {
			return Edge{}, err
		}
		return s.effective(updated, now), nil
	}

	created := s.newEdge(e, now)
	if err := s.commit(Changeset{UpsertEdges: []Edge{created}}); err != nil {
		return Edge{}, err
	}
	return s.effective(created, now), nil
}

// GetNode returns a copy of the node.
func (s *Store) GetNode(id string) (Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return Node{}, fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	return n.clone(), nil
}

// GetEdge returns a copy of the edge with its effective weight.
func (s *Store) GetEdge(id string) (Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.edges[id]
	if !ok {
		return Edge{}, fmt.Errorf("edge %s: %w", id, ErrNotFound)
	}
	return s.effective(*e, s.now()), nil
}

// Neighbors returns the edges touching nodeID in either direction, skipping
// edges that have decayed below the prune floor. Order: effective weight
// descending, last traversal descending (never-traversed last), id ascending.
func (s *Store) Neighbors(nodeID string) ([]Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.nodes[nodeID] == nil {
		return nil, fmt.Errorf("neighbors of %s: %w", nodeID, ErrNotFound)
	}

	now := s.now()
	out := make([]Edge, 0, len(s.adj[nodeID]))
	for id := range s.adj[nodeID] {
		e := s.edges[id]
		w, prunable := s.params.Decay(e.Weight, e.WeightAt, now, e.Pinned)
		if prunable {
			continue
		}
		c := e.clone()
		c.Weight = w
		out = append(out, c)
	}
	SortEdges(out)
	return out, nil
}

// SortEdges orders edges the way Neighbors does.
func SortEdges(edges []Edge) {
	sort.SliceStable(edges, func(i, j int) bool {
		a, b := edges[i], edges[j]
		if a.Weight != b.Weight {
			return a.Weight > b.Weight
		}
		switch {
		case a.LastTraversed != nil && b.LastTraversed == nil:
			return true
		case a.LastTraversed == nil && b.LastTraversed != nil:
			return false
		case a.LastTraversed != nil && !a.LastTraversed.Equal(*b.LastTraversed):
			return a.LastTraversed.After(*b.LastTraversed)
		}
		return a.ID < b.ID
	})
}

// FindByName returns nodes whose normalized name equals the given one.
func (s *Store) FindByName(name string) []Node {
	key := NormalizeName(name)
	if key == "" {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Node
	for _, n := range s.nodes {
		if NormalizeName(n.Name) == key {
			out = append(out, n.clone())
		}
	}
	sortNodes(out)
	return out
}

// FindEdge returns the live edge with the given structure, if any.
func (s *Store) FindEdge(sourceID, targetID, relation string) (Edge, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e := s.findEdgeLocked(Pattern{SourceID: sourceID, TargetID: targetID, Relation: NormalizeRelation(relation)})
	if e == nil {
		return Edge{}, false
	}
	return s.effective(*e, s.now()), true
}

// Suppressed reports whether a pattern was rejected under the pattern policy.
func (s *Store) Suppressed(p Pattern) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p.Relation = NormalizeRelation(p.Relation)
	_, ok := s.suppressed[p]
	return ok
}

// Nodes returns a snapshot of every node ordered by creation time.
func (s *Store) Nodes() []Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n.clone())
	}
	sortNodes(out)
	return out
}

// NodesOfType returns every node carrying the given entity type.
func (s *Store) NodesOfType(entityType string) []Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Node
	for _, n := range s.nodes {
		if n.Type == entityType {
			out = append(out, n.clone())
		}
	}
	sortNodes(out)
	return out
}

// Edges returns a snapshot of every edge above the prune floor, with
// effective weights, ordered by creation time.
func (s *Store) Edges() []Edge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	out := make([]Edge, 0, len(s.edges))
	for _, e := range s.edges {
		w, prunable := s.params.Decay(e.Weight, e.WeightAt, now, e.Pinned)
		if prunable {
			continue
		}
		c := e.clone()
		c.Weight = w
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Counts returns the number of nodes and live edges.
func (s *Store) Counts() (nodes, edges int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	for _, e := range s.edges {
		if _, prunable := s.params.Decay(e.Weight, e.WeightAt, now, e.Pinned); !prunable {
			edges++
		}
	}
	return len(s.nodes), edges
}

// Touch increments a node's access count.
func (s *Store) Touch(nodeID string) (Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[nodeID]
	if !ok {
		return Node{}, fmt.Errorf("touch node %s: %w", nodeID, ErrNotFound)
	}
	updated := n.clone()
	updated.AccessCount++
	if err := s.commit(Changeset{UpsertNodes: []Node{updated}}); err != nil {
		return Node{}, err
	}
	return updated.clone(), nil
}

// Traverse applies the traversal boost to an edge: the decayed weight is
// materialised, boosted, and the traversal counters move forward.
func (s *Store) Traverse(edgeID string) (Edge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.edges[edgeID]
	if !ok {
		return Edge{}, fmt.Errorf("traverse edge %s: %w", edgeID, ErrNotFound)
	}
	now := s.now()
	updated := e.clone()
	w, _ := s.params.Decay(e.Weight, e.WeightAt, now, e.Pinned)
	updated.Weight = s.params.Boost(w)
	updated.WeightAt = now
	updated.LastTraversed = &now
	updated.TraversalCount++
	if err := s.commit(Changeset{UpsertEdges: []Edge{updated}}); err != nil {
		return Edge{}, err
	}
	return updated.clone(), nil
}

// Confirm pins an edge so it no longer decays. The weight it has at the
// moment of confirmation is kept. Confirming a pinned edge is a no-op.
func (s *Store) Confirm(edgeID string) (Edge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.edges[edgeID]
	if !ok {
		return Edge{}, fmt.Errorf("confirm edge %s: %w", edgeID, ErrNotFound)
	}
	if e.Pinned {
		return e.clone(), nil
	}
	now := s.now()
	updated := e.clone()
	updated.Weight, _ = s.params.Decay(e.Weight, e.WeightAt, now, false)
	updated.WeightAt = now
	updated.Pinned = true
	if err := s.commit(Changeset{UpsertEdges: []Edge{updated}}); err != nil {
		return Edge{}, err
	}
	return updated.clone(), nil
}

// Reject deletes an edge permanently. Under RejectPattern its structure is
// also remembered so that ingestion will not infer it again.
func (s *Store) Reject(edgeID string) (Edge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.edges[edgeID]
	if !ok {
		return Edge{}, fmt.Errorf("reject edge %s: %w", edgeID, ErrNotFound)
	}
	cs := Changeset{DeleteEdges: []string{edgeID}}
	if s.policy == RejectPattern {
		cs.Suppress = []Pattern{e.Pattern()}
	}
	removed := s.effective(*e, s.now())
	if err := s.commit(cs); err != nil {
		return Edge{}, err
	}
	return removed, nil
}

// Delete removes a node and every edge touching it.
func (s *Store) Delete(nodeID string) ([]Edge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.nodes[nodeID] == nil {
		return nil, fmt.Errorf("delete node %s: %w", nodeID, ErrNotFound)
	}
	now := s.now()
	cs := Changeset{DeleteNodes: []string{nodeID}}
	var removed []Edge
	for id := range s.adj[nodeID] {
		cs.DeleteEdges = append(cs.DeleteEdges, id)
		removed = append(removed, s.effective(*s.edges[id], now))
	}
	sort.Strings(cs.DeleteEdges)
	if err := s.commit(cs); err != nil {
		return nil, err
	}
	return removed, nil
}

// Retype moves the listed nodes that still carry entity type from to type
// to. Nodes that were deleted or retyped meanwhile are skipped.
func (s *Store) Retype(ids []string, from, to string) ([]Node, error) {
	if to == "" {
		return nil, fmt.Errorf("retype: empty target type: %w", ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var cs Changeset
	for _, id := range ids {
		n, ok := s.nodes[id]
		if !ok || n.Type != from {
			continue
		}
		updated := n.clone()
		updated.Type = to
		updated.UpdatedAt = now
		cs.UpsertNodes = append(cs.UpsertNodes, updated)
	}
	if err := s.commit(cs); err != nil {
		return nil, err
	}
	out := make([]Node, len(cs.UpsertNodes))
	for i, n := range cs.UpsertNodes {
		out[i] = n.clone()
	}
	return out, nil
}

// Prune deletes every unpinned edge whose effective weight has fallen below
// the floor and returns them.
func (s *Store) Prune() ([]Edge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var cs Changeset
	var removed []Edge
	for id, e := range s.edges {
		w, prunable := s.params.Decay(e.Weight, e.WeightAt, now, e.Pinned)
		if !prunable {
			continue
		}
		cs.DeleteEdges = append(cs.DeleteEdges, id)
		c := e.clone()
		c.Weight = w
		removed = append(removed, c)
	}
	if err := s.commit(cs); err != nil {
		return nil, err
	}
	return removed, nil
}

// Clear removes every node, edge and suppressed pattern.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commit(Changeset{Reset: true})
}

func (s *Store) newNode(n Node, now time.Time) Node {
	created := n.clone()
	if created.ID == "" {
		created.ID = uuid.NewString()
	}
	if created.CreatedAt.IsZero() {
		created.CreatedAt = now
	}
	created.UpdatedAt = now
	if created.AccessCount < 0 {
		created.AccessCount = 0
	}
	return created
}

func (s *Store) newEdge(e Edge, now time.Time) Edge {
	created := e.clone()
	if created.ID == "" {
		created.ID = uuid.NewString()
	}
	created.Relation = NormalizeRelation(created.Relation)
	created.Weight = dynamics.Clamp(created.Weight)
	if created.CreatedAt.IsZero() {
		created.CreatedAt = now
	}
	created.WeightAt = now
	if created.TraversalCount < 0 {
		created.TraversalCount = 0
	}
	return created
}

func (s *Store) effective(e Edge, now time.Time) Edge {
	c := e.clone()
	c.Weight, _ = s.params.Decay(e.Weight, e.WeightAt, now, e.Pinned)
	return c
}

func (s *Store) findEdgeLocked(p Pattern) *Edge {
	for id := range s.adj[p.SourceID] {
		e := s.edges[id]
		if e.SourceID == p.SourceID && e.TargetID == p.TargetID && e.Relation == p.Relation {
			return e
		}
	}
	return nil
}

// commit persists a changeset and then applies it to memory. Callers hold
// the write lock.
func (s *Store) commit(cs Changeset) error {
	if cs.Empty() {
		return nil
	}
	if s.persist != nil {
		if err := s.persist.CommitGraph(cs); err != nil {
			return fmt.Errorf("persist graph: %w", err)
		}
	}

	if cs.Reset {
		s.resetLocked()
	}
	for i := range cs.UpsertNodes {
		n := cs.UpsertNodes[i].clone()
		if old, ok := s.nodes[n.ID]; ok {
			if old.Type != n.Type {
				s.observe(old.Type, -1)
				s.observe(n.Type, 1)
			}
		} else {
			s.observe(n.Type, 1)
		}
		s.nodes[n.ID] = &n
	}
	for i := range cs.UpsertEdges {
		e := cs.UpsertEdges[i].clone()
		if old, ok := s.edges[e.ID]; ok {
			s.unlink(old)
		}
		s.edges[e.ID] = &e
		s.link(&e)
	}
	for _, id := range cs.DeleteEdges {
		if old, ok := s.edges[id]; ok {
			s.unlink(old)
			delete(s.edges, id)
		}
	}
	for _, id := range cs.DeleteNodes {
		if old, ok := s.nodes[id]; ok {
			s.observe(old.Type, -1)
			delete(s.nodes, id)
			delete(s.adj, id)
		}
	}
	for _, p := range cs.Suppress {
		s.suppressed[p] = struct{}{}
	}
	return nil
}

func (s *Store) resetLocked() {
	for _, n := range s.nodes {
		s.observe(n.Type, -1)
	}
	s.nodes = make(map[string]*Node)
	s.edges = make(map[string]*Edge)
	s.adj = make(map[string]map[string]struct{})
	s.suppressed = make(map[Pattern]struct{})
}

func (s *Store) link(e *Edge) {
	for _, id := range []string{e.SourceID, e.TargetID} {
		if s.adj[id] == nil {
			s.adj[id] = make(map[string]struct{})
		}
		s.adj[id][e.ID] = struct{}{}
	}
}

func (s *Store) unlink(e *Edge) {
	delete(s.adj[e.SourceID], e.ID)
	delete(s.adj[e.TargetID], e.ID)
}

func (s *Store) observe(entityType string, delta int) {
	if s.types != nil {
		s.types.Observe(entityType, delta)
	}
}

func refTime(e Edge) time.Time {
	if e.LastTraversed != nil {
		return *e.LastTraversed
	}
	return e.CreatedAt
}

func sortNodes(nodes []Node) {
	sort.Slice(nodes, func(i, j int) bool {
		if !nodes[i].CreatedAt.Equal(nodes[j].CreatedAt) {
			return nodes[i].CreatedAt.Before(nodes[j].CreatedAt)
		}
		return nodes[i].ID < nodes[j].ID
	})
}
