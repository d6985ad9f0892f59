package graph

import (
	"maps"
	"strings"
	"time"
)

// NoteType is the entity type carried by note nodes.
const NoteType = "note"

// Node is a vertex in the knowledge graph: a note or a resolved entity.
type Node struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Type        string         `json:"entity_type"`
	Content     string         `json:"content,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	AccessCount int            `json:"access_count"`
}

// Edge is a directed, weighted relation between two nodes.
//
// Weight is the value as of WeightAt. Edges handed out by Store carry the
// effective (decayed) weight at read time instead.
type Edge struct {
	ID             string         `json:"id"`
	SourceID       string         `json:"source_id"`
	TargetID       string         `json:"target_id"`
	Relation       string         `json:"relation_type"`
	Weight         float64        `json:"weight"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	LastTraversed  *time.Time     `json:"last_traversed"`
	TraversalCount int            `json:"traversal_count"`
	Pinned         bool           `json:"pinned"`
	WeightAt       time.Time      `json:"-"`
}

// Pattern identifies an edge structurally, ignoring its id.
type Pattern struct {
	SourceID string `json:"source_id"`
	TargetID string `json:"target_id"`
	Relation string `json:"relation_type"`
}

// Pattern returns the structural key of the edge.
func (e Edge) Pattern() Pattern {
	return Pattern{SourceID: e.SourceID, TargetID: e.TargetID, Relation: NormalizeRelation(e.Relation)}
}

// Other returns the endpoint opposite to id.
func (e Edge) Other(id string) string {
	if e.SourceID == id {
		return e.TargetID
	}
	return e.SourceID
}

// Changeset is one atomic unit of graph mutation, in the order a persister
// must apply it: upserts first, then edge deletions, then node deletions.
type Changeset struct {
	Reset       bool
	UpsertNodes []Node
	UpsertEdges []Edge
	DeleteEdges []string
	DeleteNodes []string
	Suppress    []Pattern
}

// Empty reports whether the changeset would do nothing.
func (c Changeset) Empty() bool {
	return !c.Reset && len(c.UpsertNodes) == 0 && len(c.UpsertEdges) == 0 &&
		len(c.DeleteEdges) == 0 && len(c.DeleteNodes) == 0 && len(c.Suppress) == 0
}

// Persister durably records a changeset. The store calls it before touching
// its in-memory state; an error aborts the mutation.
type Persister interface {
	CommitGraph(cs Changeset) error
}

// TypeTracker is told about every change in the number of live nodes per
// entity type. It is called with the store's write lock held.
type TypeTracker interface {
	Observe(entityType string, delta int)
}

// NormalizeName lowercases and collapses whitespace for name matching.
func NormalizeName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

// NormalizeRelation is NormalizeName with underscores for spaces.
func NormalizeRelation(rel string) string {
	return strings.Join(strings.Fields(strings.ToLower(rel)), "_")
}

func (n Node) clone() Node {
	if n.Metadata != nil {
		n.Metadata = maps.Clone(n.Metadata)
	}
	return n
}

func (e Edge) clone() Edge {
	if e.Metadata != nil {
		e.Metadata = maps.Clone(e.Metadata)
	}
	if e.LastTraversed != nil {
		t := *e.LastTraversed
		e.LastTraversed = &t
	}
	return e
}
