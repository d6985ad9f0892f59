package engine

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/lazypower/cortex/internal/graph"
	"github.com/lazypower/cortex/internal/llm"
	"github.com/lazypower/cortex/internal/schema"
)

// namingSamples caps how many member names are shown to the model.
const namingSamples = 10

type cluster struct {
	ids        []string
	names      []string
	cohesion   float64
	separation float64
}

// Evolve runs one schema evolution pass. For every type with enough embedded
// nodes it looks for a cluster that is tight inside and distinct from the
// rest of the type, and records it as a PROPOSED type. The graph itself is
// never changed here.
func (e *Engine) Evolve(ctx context.Context) ([]schema.Proposal, error) {
	pending := make(map[string]bool)
	for _, p := range e.Schema.Proposals(schema.StatusProposed) {
		for _, id := range p.NodeIDs {
			pending[id] = true
		}
	}

	var out []schema.Proposal
	for _, t := range e.Schema.Types() {
		if t.Name == graph.NoteType || t.Count < e.cfg.Schema.MinCluster {
			continue
		}
		if err := ctx.Err(); err != nil {
			return out, err
		}

		var ids, names []string
		var vecs [][]float64
		for _, n := range e.Graph.NodesOfType(t.Name) {
			v := e.Index.Get(n.ID)
			if v == nil || pending[n.ID] {
				continue
			}
			ids, names, vecs = append(ids, n.ID), append(names, n.Name), append(vecs, v)
		}

		for _, c := range e.findClusters(ids, names, vecs) {
			name, desc := e.nameCluster(ctx, t.Name, c.names)
			p, err := e.Schema.Propose(schema.Proposal{
				Name:        name,
				Description: desc,
				EvolvedFrom: t.Name,
				NodeIDs:     c.ids,
				Cohesion:    c.cohesion,
				Separation:  c.separation,
			})
			if err != nil {
				log.Printf("evolve: propose %s from %s: %v", name, t.Name, err)
				continue
			}
			e.recordAdaptation("type_proposed", fmt.Sprintf("Proposed type %s", p.Describe()), map[string]any{
				"proposal_id":  p.ID,
				"name":         p.Name,
				"evolved_from": p.EvolvedFrom,
				"nodes":        len(p.NodeIDs),
				"cohesion":     p.Cohesion,
				"separation":   p.Separation,
			})
			out = append(out, p)
		}
	}
	if len(out) > 0 {
		log.Printf("evolve: %d new proposals", len(out))
	}
	return out, nil
}

// findClusters groups members greedily: each unassigned member seeds a
// cluster of every unassigned member at least cohesion-similar to it. A
// cluster qualifies when it is large enough, its mean pairwise similarity
// reaches the cohesion bar and its centroid stays within the separation
// bound of the centroid of the remaining members.
func (e *Engine) findClusters(ids, names []string, vecs [][]float64) []cluster {
	cfg := e.cfg.Schema
	if len(ids) < cfg.MinCluster {
		return nil
	}

	assigned := make([]bool, len(ids))
	var out []cluster
	for i := range ids {
		if assigned[i] {
			continue
		}
		members := []int{i}
		for j := i + 1; j < len(ids); j++ {
			if !assigned[j] && len(vecs[j]) == len(vecs[i]) && CosineSimilarity(vecs[i], vecs[j]) >= cfg.Cohesion {
				members = append(members, j)
			}
		}
		if len(members) < cfg.MinCluster || len(members) == len(ids) {
			continue
		}

		in := make(map[int]bool, len(members))
		var inVecs, restVecs [][]float64
		for _, m := range members {
			in[m] = true
			inVecs = append(inVecs, vecs[m])
		}
		for k := range ids {
			if !in[k] && len(vecs[k]) == len(vecs[i]) {
				restVecs = append(restVecs, vecs[k])
			}
		}

		cohesion := meanPairwise(inVecs)
		if cohesion < cfg.Cohesion || len(restVecs) == 0 {
			continue
		}
		separation := CosineSimilarity(centroid(inVecs), centroid(restVecs))
		if separation > cfg.Separation {
			continue
		}

		c := cluster{cohesion: cohesion, separation: separation}
		for _, m := range members {
			assigned[m] = true
			c.ids = append(c.ids, ids[m])
			c.names = append(c.names, names[m])
		}
		out = append(out, c)
	}
	return out
}

// nameCluster asks the model for a type name, falling back to the most
// frequent word among member names.
func (e *Engine) nameCluster(ctx context.Context, origin string, names []string) (string, string) {
	samples := names
	if len(samples) > namingSamples {
		samples = samples[:namingSamples]
	}
	if e.LLM != nil {
		cctx, cancel := context.WithTimeout(ctx, e.llmTimeout())
		resp, err := e.LLM.Complete(cctx, llm.TypeNamingPrompt(origin, samples))
		cancel()
		if err == nil && resp != nil {
			var named struct {
				Name        string `json:"name"`
				Description string `json:"description"`
			}
			if err := decodeModelJSON(resp.Content, &named); err == nil {
				if name := schema.NormalizeType(named.Name); name != "" && name != origin {
					return name, strings.TrimSpace(named.Description)
				}
			} else {
				log.Printf("evolve: parse type name: %v", err)
			}
		} else if err != nil {
			log.Printf("evolve: name cluster: %v", err)
		}
	}

	word := frequentWord(names)
	if word == "" {
		return origin + "_group", fmt.Sprintf("Cluster of %d %s nodes", len(names), origin)
	}
	return origin + "_" + word, fmt.Sprintf("%s nodes related to %q", origin, word)
}

// frequentWord returns the most common token of three or more letters,
// alphabetically first on ties.
func frequentWord(names []string) string {
	counts := make(map[string]int)
	for _, n := range names {
		for _, tok := range tokenize(n) {
			if len(tok) >= 3 {
				counts[tok]++
			}
		}
	}
	words := make([]string, 0, len(counts))
	for w := range counts {
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool {
		if counts[words[i]] != counts[words[j]] {
			return counts[words[i]] > counts[words[j]]
		}
		return words[i] < words[j]
	})
	if len(words) == 0 {
		return ""
	}
	return words[0]
}

func meanPairwise(vecs [][]float64) float64 {
	if len(vecs) < 2 {
		return 1
	}
	var sum float64
	pairs := 0
	for i := range vecs {
		for j := i + 1; j < len(vecs); j++ {
			sum += CosineSimilarity(vecs[i], vecs[j])
			pairs++
		}
	}
	return sum / float64(pairs)
}

func centroid(vecs [][]float64) []float64 {
	c := make([]float64, len(vecs[0]))
	for _, v := range vecs {
		for i, x := range v {
			c[i] += x
		}
	}
	for i := range c {
		c[i] /= float64(len(vecs))
	}
	return c
}

// StartEvolver runs Evolve every interval until Stop.
func (e *Engine) StartEvolver(interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				if _, err := e.Evolve(ctx); err != nil {
					log.Printf("evolve error: %v", err)
				}
				cancel()
			case <-e.stopCh:
				return
			}
		}
	}()
}
