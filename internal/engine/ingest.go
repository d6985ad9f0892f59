package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/lazypower/cortex/internal/events"
	"github.com/lazypower/cortex/internal/graph"
	"github.com/lazypower/cortex/internal/schema"
)

// Relation types created by ingestion.
const (
	RelMentions  = "mentions"
	RelCoOccurs  = "co_occurs"
	RelSimilarTo = "similar_to"
)

// IngestResult is the outcome of AddNote.
type IngestResult struct {
	Note     graph.Node   `json:"note"`
	Entities []graph.Node `json:"entities"`
	Edges    []graph.Edge `json:"edges"`
	Warnings []string     `json:"warnings,omitempty"`
}

// resolved is an extracted entity bound to a node, either existing or
// staged for creation.
type resolved struct {
	node    graph.Node
	created bool
	score   float64
	vec     []float64
}

// AddNote ingests one note: the note node is created, entities are
// extracted and resolved against the graph, and mention, relation,
// co-occurrence and similarity edges are written in a single batch.
// Extraction or embedding outages degrade to warnings.
func (e *Engine) AddNote(ctx context.Context, content, title string, tags []string) (*IngestResult, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("add note: empty content: %w", graph.ErrValidation)
	}

	e.ingestMu.Lock()
	defer e.ingestMu.Unlock()

	var warnings []string
	note := graph.Node{
		ID:      uuid.NewString(),
		Name:    noteName(title, content),
		Type:    graph.NoteType,
		Content: content,
	}
	if len(tags) > 0 {
		note.Metadata = map[string]any{"tags": tags}
	}

	entities, err := e.extractEntities(ctx, content)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Printf("ingest: extraction failed, storing note without entities: %v", err)
		warnings = append(warnings, fmt.Sprintf("extraction unavailable: %v", err))
		entities = &Extraction{}
	}

	noteVec, err := e.Embedder.Embed(ctx, content)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Printf("ingest: embed note: %v", err)
		warnings = append(warnings, fmt.Sprintf("embedding unavailable: %v", err))
		noteVec = nil
	}

	batch := graph.Batch{Nodes: []graph.Node{note}}
	var ents []resolved
	byText := make(map[string]int) // normalized surface text -> index into ents
	byID := make(map[string]int)
	for _, ent := range entities.Entities {
		r, err := e.resolveEntity(ctx, ent, noteVec != nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if i, ok := byID[r.node.ID]; ok {
			byText[graph.NormalizeName(ent.Text)] = i
			ents[i].score = max(ents[i].score, r.score)
			continue
		}
		byID[r.node.ID] = len(ents)
		byText[graph.NormalizeName(ent.Text)] = len(ents)
		ents = append(ents, r)
		if r.created {
			batch.Nodes = append(batch.Nodes, r.node)
		}
	}

	for _, r := range ents {
		batch.Edges = append(batch.Edges, graph.Edge{
			SourceID: note.ID, TargetID: r.node.ID, Relation: RelMentions, Weight: r.score,
		})
	}
	for _, rel := range entities.Relations {
		hi, ok1 := byText[graph.NormalizeName(rel.Head)]
		ti, ok2 := byText[graph.NormalizeName(rel.Tail)]
		relation := graph.NormalizeRelation(rel.Relation)
		if !ok1 || !ok2 || hi == ti || relation == "" {
			continue
		}
		batch.Edges = append(batch.Edges, graph.Edge{
			SourceID: ents[hi].node.ID, TargetID: ents[ti].node.ID, Relation: relation, Weight: rel.Score,
		})
	}
	batch.Edges = append(batch.Edges, e.coOccurrenceEdges(ents)...)
	if noteVec != nil {
		batch.Edges = append(batch.Edges, e.similarNoteEdges(note.ID, noteVec)...)
	}

	var newTypes []string
	seen := make(map[string]bool)
	for _, n := range batch.Nodes {
		if !seen[n.Type] && !e.Schema.Has(n.Type) {
			newTypes = append(newTypes, n.Type)
		}
		seen[n.Type] = true
	}

	result, err := e.Graph.Apply(batch)
	if err != nil {
		return nil, fmt.Errorf("add note: %w", err)
	}
	for _, p := range result.Suppressed {
		log.Printf("ingest: skipped rejected pattern %s -[%s]-> %s", p.SourceID, p.Relation, p.TargetID)
	}

	if noteVec != nil {
		e.Index.logPutError(note.ID, e.Index.Put(note.ID, noteVec))
	}
	for _, r := range ents {
		if r.vec != nil && !e.Index.Has(r.node.ID) {
			e.Index.logPutError(r.node.ID, e.Index.Put(r.node.ID, r.vec))
		}
	}

	out := &IngestResult{Note: result.Nodes[0], Warnings: warnings}
	staged := make(map[string]graph.Node, len(result.Nodes))
	for _, n := range result.Nodes {
		staged[n.ID] = n
	}
	for _, r := range ents {
		n := r.node
		if s, ok := staged[n.ID]; ok {
			n = s
		}
		out.Entities = append(out.Entities, n)
		e.Bus.Publish(events.NoteProcessing{Entity: n})
	}
	for _, te := range result.Edges {
		out.Edges = append(out.Edges, te.Edge)
		e.Bus.Publish(events.EdgeCreation{Edge: te.Edge})
	}

	for _, t := range newTypes {
		e.recordAdaptation("type_created", fmt.Sprintf("New entity type %q", t), map[string]any{"type": t})
	}
	e.recordAdaptation("note_added", fmt.Sprintf("Added note %q", out.Note.Name), map[string]any{
		"note_id":  out.Note.ID,
		"entities": len(out.Entities),
		"edges":    len(out.Edges),
	})
	e.Bus.Publish(events.GraphUpdate{Reason: "note_added"})

	log.Printf("ingest: note %s with %d entities, %d edges", out.Note.ID, len(out.Entities), len(out.Edges))
	return out, nil
}

// extractEntities runs the extractor and cleans its output: overlapping
// spans collapse, garbage is dropped, duplicates by name keep the best score.
func (e *Engine) extractEntities(ctx context.Context, content string) (*Extraction, error) {
	if e.Extractor == nil {
		return &Extraction{}, nil
	}
	ex, err := e.Extractor.Extract(ctx, content)
	if err != nil {
		return &Extraction{}, err
	}

	var valid []Entity
	for _, ent := range mergeOverlapping(ex.Entities) {
		v, err := validateEntity(ent, e.cfg.Extraction.Threshold)
		if err != nil {
			log.Printf("ingest: dropping entity: %v", err)
			continue
		}
		valid = append(valid, v)
	}
	return &Extraction{Entities: dedupEntities(valid), Relations: ex.Relations}, nil
}

// resolveEntity binds an entity to a node: an existing node with the same
// name, else the nearest compatible entity by embedding, else a new node.
func (e *Engine) resolveEntity(ctx context.Context, ent Entity, embed bool) (resolved, error) {
	entityType := schema.CanonicalLabel(ent.Label)
	if entityType == "" || entityType == graph.NoteType {
		entityType = "thing"
	}

	if n, ok := pickByName(e.Graph.FindByName(ent.Text), entityType); ok {
		return resolved{node: n, score: ent.Score}, nil
	}

	var vec []float64
	if embed {
		v, err := e.Embedder.Embed(ctx, ent.Text)
		if err != nil {
			if ctx.Err() != nil {
				return resolved{}, ctx.Err()
			}
			log.Printf("ingest: embed entity %q: %v", ent.Text, err)
		} else {
			vec = v
		}
	}

	if vec != nil {
		hits := e.Index.Search(vec, 1, func(id string) bool {
			n, err := e.Graph.GetNode(id)
			return err == nil && n.Type != graph.NoteType && compatibleTypes(n.Type, entityType)
		})
		if len(hits) > 0 && hits[0].Score >= e.cfg.Graph.MatchThreshold {
			if n, err := e.Graph.GetNode(hits[0].ID); err == nil {
				return resolved{node: n, score: ent.Score, vec: vec}, nil
			}
		}
	}

	n := graph.Node{
		ID:       uuid.NewString(),
		Name:     ent.Text,
		Type:     entityType,
		Metadata: map[string]any{"label": ent.Label},
	}
	return resolved{node: n, created: true, score: ent.Score, vec: vec}, nil
}

// pickByName prefers a same-name entity of the same type, then a
// compatible one, then any other entity. Notes never match.
func pickByName(candidates []graph.Node, entityType string) (graph.Node, bool) {
	best, rank := -1, 3
	for i, n := range candidates {
		r := 2
		switch {
		case n.Type == graph.NoteType:
			continue
		case n.Type == entityType:
			r = 0
		case compatibleTypes(n.Type, entityType):
			r = 1
		}
		if r < rank {
			best, rank = i, r
		}
	}
	if best < 0 {
		return graph.Node{}, false
	}
	return candidates[best], true
}

// compatibleTypes reports whether an entity of type a may stand for one of
// type b: equal types, or either side is the catch-all "thing".
func compatibleTypes(a, b string) bool {
	return a == b || a == "thing" || b == "thing"
}

// coOccurrenceEdges links entity pairs of one note whose embeddings are
// close. Endpoints are ordered by id so repeated co-occurrence strengthens
// the same edge.
func (e *Engine) coOccurrenceEdges(ents []resolved) []graph.Edge {
	var out []graph.Edge
	for i := 0; i < len(ents); i++ {
		a := ents[i].vec
		if a == nil {
			a = e.Index.Get(ents[i].node.ID)
		}
		if a == nil {
			continue
		}
		for j := i + 1; j < len(ents); j++ {
			b := ents[j].vec
			if b == nil {
				b = e.Index.Get(ents[j].node.ID)
			}
			if b == nil || len(a) != len(b) {
				continue
			}
			sim := CosineSimilarity(a, b)
			if sim <= e.cfg.Graph.LinkThreshold {
				continue
			}
			src, dst := ents[i].node.ID, ents[j].node.ID
			if dst < src {
				src, dst = dst, src
			}
			out = append(out, graph.Edge{SourceID: src, TargetID: dst, Relation: RelCoOccurs, Weight: sim})
		}
	}
	return out
}

// similarNoteEdges links a note to its closest existing notes.
func (e *Engine) similarNoteEdges(noteID string, vec []float64) []graph.Edge {
	hits := e.Index.Search(vec, e.cfg.Graph.SimilarNotes, func(id string) bool {
		if id == noteID {
			return false
		}
		n, err := e.Graph.GetNode(id)
		return err == nil && n.Type == graph.NoteType
	})
	var out []graph.Edge
	for _, h := range hits {
		if h.Score <= e.cfg.Graph.LinkThreshold {
			break
		}
		out = append(out, graph.Edge{SourceID: noteID, TargetID: h.ID, Relation: RelSimilarTo, Weight: h.Score})
	}
	return out
}

// EmbedMissing embeds every node that has no vector under the current
// embedder, for example after switching embedding models.
func (e *Engine) EmbedMissing(ctx context.Context) (int, error) {
	embedded := 0
	for _, n := range e.Graph.Nodes() {
		if e.Index.Has(n.ID) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return embedded, err
		}
		text := n.Name
		if n.Type == graph.NoteType {
			text = n.Content
		}
		vec, err := e.Embedder.Embed(ctx, text)
		if err != nil {
			if errors.Is(err, graph.ErrDependencyUnavailable) {
				return embedded, fmt.Errorf("embed missing: %w", err)
			}
			log.Printf("embed missing: %s: %v", n.ID, err)
			continue
		}
		if err := e.Index.Put(n.ID, vec); err != nil {
			log.Printf("embed missing: save %s: %v", n.ID, err)
			continue
		}
		embedded++
	}
	return embedded, nil
}
