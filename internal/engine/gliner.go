package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
)

// GLiNERExtractor calls a GLiNER2 HTTP service for zero-shot entity and
// relation extraction.
type GLiNERExtractor struct {
	baseURL   string
	apiKey    string
	threshold float64
	labels    []string
	relations []string
	client    *http.Client
}

// NewGLiNERExtractor creates a client for the service at baseURL.
func NewGLiNERExtractor(baseURL, apiKey string, threshold float64, timeout time.Duration) *GLiNERExtractor {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &GLiNERExtractor{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		threshold: threshold,
		labels:    DefaultLabels,
		relations: DefaultRelations,
		client:    &http.Client{Timeout: timeout},
	}
}

type glinerRequest struct {
	Task      string  `json:"task"`
	Text      string  `json:"text"`
	Schema    any     `json:"schema"`
	Threshold float64 `json:"threshold,omitempty"`
}

type glinerEntity struct {
	Text       string  `json:"text"`
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence,omitempty"`
	Start      int     `json:"start,omitempty"`
	End        int     `json:"end,omitempty"`
}

type glinerEntityResult struct {
	Entities map[string][]glinerEntity `json:"entities"`
}

type glinerRelationResult struct {
	RelationExtraction map[string][]struct {
		Head string `json:"head"`
		Tail string `json:"tail"`
	} `json:"relation_extraction"`
}

// Health checks the service's health endpoint.
func (g *GLiNERExtractor) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", g.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("create health request: %w", err)
	}
	g.authorize(req)
	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("gliner health: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gliner health status %d", resp.StatusCode)
	}
	return nil
}

// Extract runs entity extraction, then relation extraction. Relation tuples
// carry no confidence, so a relation scores the weaker of its two entities.
func (g *GLiNERExtractor) Extract(ctx context.Context, text string) (*Extraction, error) {
	var ents glinerEntityResult
	if err := g.call(ctx, glinerRequest{Task: "extract_entities", Text: text, Schema: g.labels, Threshold: g.threshold}, &ents); err != nil {
		return nil, fmt.Errorf("gliner entities: %w", err)
	}

	out := &Extraction{}
	scores := make(map[string]float64)
	for label, list := range ents.Entities {
		for _, e := range list {
			if e.Label == "" {
				e.Label = label
			}
			out.Entities = append(out.Entities, Entity{Text: e.Text, Label: e.Label, Score: e.Confidence, Start: e.Start, End: e.End})
			key := strings.ToLower(e.Text)
			scores[key] = math.Max(scores[key], e.Confidence)
		}
	}
	if len(out.Entities) < 2 {
		return out, nil
	}

	var rels glinerRelationResult
	if err := g.call(ctx, glinerRequest{Task: "extract_relations", Text: text, Schema: g.relations, Threshold: g.threshold}, &rels); err != nil {
		// Entities are still useful without relations.
		return out, nil
	}
	for rel, tuples := range rels.RelationExtraction {
		for _, t := range tuples {
			hs, hok := scores[strings.ToLower(t.Head)]
			ts, tok := scores[strings.ToLower(t.Tail)]
			if !hok || !tok {
				continue
			}
			out.Relations = append(out.Relations, Relation{Head: t.Head, Tail: t.Tail, Relation: rel, Score: math.Min(hs, ts)})
		}
	}
	return out, nil
}

func (g *GLiNERExtractor) authorize(req *http.Request) {
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}
}

func (g *GLiNERExtractor) call(ctx context.Context, request glinerRequest, result any) error {
	body, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", g.baseURL+"/gliner-2", strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	g.authorize(req)

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var apiError struct {
			Detail string `json:"detail"`
		}
		json.Unmarshal(respBody, &apiError)
		return fmt.Errorf("gliner status %d: %s", resp.StatusCode, apiError.Detail)
	}

	envelope := struct {
		Result any `json:"result"`
	}{Result: result}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
