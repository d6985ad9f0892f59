package engine

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/lazypower/cortex/internal/events"
	"github.com/lazypower/cortex/internal/graph"
	"github.com/lazypower/cortex/internal/llm"
)

// Advisory pacing for animated consumers, in milliseconds.
const (
	delaySeed     = 120
	delayEdge     = 100
	delayNode     = 120
	delayMatch    = 120
	delayThinking = 250
	delayComplete = 50
)

// QueryRequest is the input of Query.
type QueryRequest struct {
	Query      string `json:"query"`
	UseLLM     bool   `json:"use_llm"`
	MaxResults int    `json:"max_results,omitempty"`
}

// ScoredNode is a node found by a query with its relevance.
type ScoredNode struct {
	graph.Node
	Score float64 `json:"score"`
}

// QueryResult is the outcome of Query. Response is nil when nothing was
// found.
type QueryResult struct {
	QueryID       string       `json:"query_id"`
	Nodes         []ScoredNode `json:"nodes"`
	Edges         []graph.Edge `json:"edges"`
	TraversedPath []string     `json:"traversed_path"`
	Response      *string      `json:"response"`
	LatencyMS     float64      `json:"latency_ms"`
	UsedLLM       bool         `json:"used_llm"`
}

// traversal is the state of one query.
type traversal struct {
	e       *Engine
	id      string
	start   time.Time
	emitted bool

	scores map[string]float64
	path   []string
	edges  []graph.Edge
	seen   map[string]bool // edge ids
}

func (t *traversal) emit(ev events.QueryTraversal) {
	ev.QueryID = t.id
	t.e.Bus.Publish(ev)
	t.emitted = true
}

// abort ends a cancelled query. Once anything was observable the stream is
// closed with a complete event.
func (t *traversal) abort(err error) (*QueryResult, error) {
	if t.emitted {
		t.emit(events.QueryTraversal{Phase: events.PhaseComplete, DelayMS: delayComplete})
	}
	return nil, err
}

// visit records a newly reached node and bumps its access count.
func (t *traversal) visit(id string, score float64) bool {
	if _, ok := t.scores[id]; ok {
		return false
	}
	if _, err := t.e.Graph.Touch(id); err != nil {
		log.Printf("traverse: touch %s: %v", id, err)
		return false
	}
	t.scores[id] = score
	t.path = append(t.path, id)
	return true
}

// Query resolves a question against the graph in phases: embedding search
// for seeds, breadth-first edge expansion, literal entity matching and
// optional language-model synthesis. Every phase is streamed on the bus.
// Dependency failures degrade to an empty or templated result; only
// cancellation and invalid input return an error.
func (e *Engine) Query(ctx context.Context, req QueryRequest) (*QueryResult, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, fmt.Errorf("query: empty query: %w", graph.ErrValidation)
	}
	maxResults := req.MaxResults
	if maxResults <= 0 {
		maxResults = e.cfg.Traversal.MaxResults
	}

	t := &traversal{
		e:      e,
		id:     uuid.NewString(),
		start:  time.Now(),
		scores: make(map[string]float64),
		seen:   make(map[string]bool),
	}

	vec, err := e.Embedder.Embed(ctx, query)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Printf("traverse: embed query: %v", err)
		return t.finish(nil, false), nil
	}

	// embedding_search
	seeds := e.Index.Search(vec, min(e.cfg.Traversal.SeedCount, maxResults), func(id string) bool {
		_, err := e.Graph.GetNode(id)
		return err == nil
	})
	var frontier []string
	for _, h := range seeds {
		if h.Score < e.cfg.Traversal.MinSeedScore {
			break
		}
		if !t.visit(h.ID, h.Score) {
			continue
		}
		frontier = append(frontier, h.ID)
		t.emit(events.QueryTraversal{Phase: events.PhaseEmbeddingSearch, NodeID: h.ID, Score: events.Score(h.Score), DelayMS: delaySeed})
	}

	// edge_expansion
	for depth := 1; depth <= e.cfg.Traversal.MaxDepth && len(frontier) > 0; depth++ {
		if err := ctx.Err(); err != nil {
			return t.abort(err)
		}
		if len(t.scores) >= maxResults {
			break
		}
		frontier = t.expand(frontier, depth, maxResults)
	}

	if err := ctx.Err(); err != nil {
		return t.abort(err)
	}

	// entity_match
	nodes := t.rankedNodes(query)

	if err := ctx.Err(); err != nil {
		return t.abort(err)
	}

	// llm_thinking
	var response *string
	usedLLM := false
	if e.shouldSynthesize(req.UseLLM, nodes) {
		t.emit(events.QueryTraversal{Phase: events.PhaseLLMThinking, DelayMS: delayThinking})
		answer, err := e.synthesize(ctx, query, nodes, t.edges)
		switch {
		case err == nil:
			response, usedLLM = &answer, true
		case ctx.Err() != nil:
			return t.abort(ctx.Err())
		default:
			log.Printf("traverse: synthesis failed, using template: %v", err)
		}
	}
	if response == nil && len(nodes) > 0 {
		s := templateResponse(nodes[0])
		response = &s
	}

	res := t.finish(nodes, usedLLM)
	res.Response = response
	return res, nil
}

// expand visits one depth level. Candidate edges from the whole frontier are
// ranked by effective weight scaled by relevance_decay^depth; neighbour
// order breaks ties. It returns the nodes first reached at this depth.
func (t *traversal) expand(frontier []string, depth, maxResults int) []string {
	type candidate struct {
		edge graph.Edge
		from string
		rank float64
	}
	factor := 1.0
	for i := 0; i < depth; i++ {
		factor *= t.e.cfg.Traversal.RelevanceDecay
	}

	var cands []candidate
	queued := make(map[string]bool)
	for _, id := range frontier {
		edges, err := t.e.Graph.Neighbors(id)
		if err != nil {
			continue
		}
		for _, edge := range edges {
			if t.seen[edge.ID] || queued[edge.ID] {
				continue
			}
			queued[edge.ID] = true
			cands = append(cands, candidate{edge: edge, from: id, rank: edge.Weight * factor})
		}
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].rank > cands[j].rank })

	var next []string
	for _, c := range cands {
		if len(t.scores) >= maxResults {
			break
		}
		boosted, err := t.e.Graph.Traverse(c.edge.ID)
		if err != nil {
			continue
		}
		t.seen[c.edge.ID] = true
		t.edges = append(t.edges, boosted)
		t.emit(events.QueryTraversal{Phase: events.PhaseEdgeExpansion, NodeID: c.from, EdgeID: c.edge.ID, Score: events.Score(c.rank), DelayMS: delayEdge})

		other := c.edge.Other(c.from)
		if t.visit(other, c.rank) {
			next = append(next, other)
			t.emit(events.QueryTraversal{Phase: events.PhaseEdgeExpansion, NodeID: other, Score: events.Score(c.rank), DelayMS: delayNode})
		}
	}
	return next
}

// rankedNodes applies literal name matches and returns the found nodes best
// first. Only nodes already reached are rescored.
func (t *traversal) rankedNodes(query string) []ScoredNode {
	nodes := make([]ScoredNode, 0, len(t.path))
	for _, id := range t.path {
		n, err := t.e.Graph.GetNode(id)
		if err != nil {
			continue
		}
		score := t.scores[id]
		if n.Type != graph.NoteType && containsWord(query, n.Name) {
			score = max(score, t.e.cfg.Traversal.EntityMatchScore)
			t.emit(events.QueryTraversal{Phase: events.PhaseEntityMatch, NodeID: id, Score: events.Score(score), DelayMS: delayMatch})
		}
		nodes = append(nodes, ScoredNode{Node: n, Score: score})
	}
	sort.SliceStable(nodes, func(i, j int) bool { return nodes[i].Score > nodes[j].Score })
	return nodes
}

// finish emits complete and records metrics.
func (t *traversal) finish(nodes []ScoredNode, usedLLM bool) *QueryResult {
	t.emit(events.QueryTraversal{Phase: events.PhaseComplete, DelayMS: delayComplete})
	latency := time.Since(t.start)
	t.e.Metrics.RecordQuery(latency, usedLLM)

	if nodes == nil {
		nodes = []ScoredNode{}
	}
	edges := t.edges
	if edges == nil {
		edges = []graph.Edge{}
	}
	path := t.path
	if path == nil {
		path = []string{}
	}
	return &QueryResult{
		QueryID:       t.id,
		Nodes:         nodes,
		Edges:         edges,
		TraversedPath: path,
		LatencyMS:     float64(latency.Microseconds()) / 1000,
		UsedLLM:       usedLLM,
	}
}

// shouldSynthesize is the synthesis gate: a model is asked only when the
// caller wants it, one is configured, something was found, and no single
// node already answers the query.
func (e *Engine) shouldSynthesize(useLLM bool, nodes []ScoredNode) bool {
	if !useLLM || e.LLM == nil || len(nodes) == 0 {
		return false
	}
	return len(nodes) > 1 || nodes[0].Score < e.cfg.Traversal.DominantScore
}

// synthesize asks the language model for an answer grounded in the found
// nodes, bounded by the configured timeout.
func (e *Engine) synthesize(ctx context.Context, query string, nodes []ScoredNode, edges []graph.Edge) (string, error) {
	limit := min(len(nodes), e.cfg.Traversal.ContextNodes)
	nodeLines := make([]string, 0, limit)
	for _, n := range nodes[:limit] {
		content := n.Content
		if content == "" {
			content = n.Name
		}
		nodeLines = append(nodeLines, fmt.Sprintf("[%s] %s: %s", n.Type, n.Name, truncateClean(content, 200)))
	}

	var relLines []string
	for _, edge := range edges {
		if len(relLines) == 5 {
			break
		}
		src, err1 := e.Graph.GetNode(edge.SourceID)
		dst, err2 := e.Graph.GetNode(edge.TargetID)
		if err1 != nil || err2 != nil {
			continue
		}
		relLines = append(relLines, fmt.Sprintf("- %s --[%s]--> %s", src.Name, edge.Relation, dst.Name))
	}

	cctx, cancel := context.WithTimeout(ctx, e.llmTimeout())
	defer cancel()

	resp, err := e.LLM.Complete(cctx, llm.AnswerPrompt(query, nodeLines, relLines))
	if err != nil {
		return "", unavailable("synthesize", err)
	}
	if resp == nil {
		return "", fmt.Errorf("synthesize: no response")
	}
	answer := strings.TrimSpace(resp.Content)
	if answer == "" {
		return "", fmt.Errorf("synthesize: empty answer")
	}
	return answer, nil
}

// templateResponse answers from the top node alone.
func templateResponse(n ScoredNode) string {
	if n.Content == "" {
		return fmt.Sprintf("%s (%s)", n.Name, n.Type)
	}
	return fmt.Sprintf("%s: %s", n.Name, truncateClean(n.Content, 200))
}

// containsWord reports whether phrase occurs in text, case-insensitively,
// delimited by non-alphanumeric characters.
func containsWord(text, phrase string) bool {
	text, phrase = strings.ToLower(text), strings.ToLower(strings.TrimSpace(phrase))
	if phrase == "" {
		return false
	}
	for from := 0; from <= len(text)-len(phrase); {
		i := strings.Index(text[from:], phrase)
		if i < 0 {
			return false
		}
		i += from
		j := i + len(phrase)
		before, _ := utf8.DecodeLastRuneInString(text[:i])
		after, _ := utf8.DecodeRuneInString(text[j:])
		if (i == 0 || !isWordRune(before)) && (j == len(text) || !isWordRune(after)) {
			return true
		}
		_, size := utf8.DecodeRuneInString(text[i:])
		from = i + size
	}
	return false
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}
