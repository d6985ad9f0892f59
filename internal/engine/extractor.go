package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/lazypower/cortex/internal/config"
	"github.com/lazypower/cortex/internal/llm"
)

// DefaultLabels is the label set requested from zero-shot extractors.
var DefaultLabels = []string{"person", "organization", "location", "concept", "project", "technology", "date", "event"}

// DefaultRelations is the relation set requested from extractors that need
// one up front.
var DefaultRelations = []string{"works_at", "works_on", "lives_in", "located_in", "founded", "part_of", "knows"}

// Entity is one extracted span.
type Entity struct {
	Text  string  `json:"text"`
	Label string  `json:"label"`
	Score float64 `json:"score"`
	Start int     `json:"start"`
	End   int     `json:"end"`
}

// Relation links two extracted entities by their surface text.
type Relation struct {
	Head     string  `json:"head"`
	Tail     string  `json:"tail"`
	Relation string  `json:"relation"`
	Score    float64 `json:"score"`
}

// Extraction is the output of one Extract call.
type Extraction struct {
	Entities  []Entity   `json:"entities"`
	Relations []Relation `json:"relations"`
}

// Extractor finds entities and relations in note text.
type Extractor interface {
	Extract(ctx context.Context, text string) (*Extraction, error)
}

// NewExtractor builds the extractor named by cfg.Provider. The llm provider
// needs a configured client.
func NewExtractor(cfg config.ExtractionConfig, client llm.Client) (Extractor, error) {
	switch cfg.Provider {
	case "", "heuristic":
		return NewHeuristicExtractor(), nil
	case "gliner":
		if cfg.URL == "" {
			return nil, fmt.Errorf("gliner extractor requires a url")
		}
		return NewGLiNERExtractor(cfg.URL, cfg.APIKey, cfg.Threshold, cfg.Timeout), nil
	case "llm":
		if client == nil {
			return nil, fmt.Errorf("llm extractor requires an llm provider")
		}
		return NewLLMExtractor(client), nil
	default:
		return nil, fmt.Errorf("unknown extraction provider: %q", cfg.Provider)
	}
}

// LLMExtractor asks a language model for entities and relations.
type LLMExtractor struct {
	client llm.Client
	labels []string
}

// NewLLMExtractor creates an extractor backed by client.
func NewLLMExtractor(client llm.Client) *LLMExtractor {
	return &LLMExtractor{client: client, labels: DefaultLabels}
}

// Extract prompts the model and parses its JSON answer. Spans are located
// in text afterwards since models do not report offsets reliably.
func (x *LLMExtractor) Extract(ctx context.Context, text string) (*Extraction, error) {
	resp, err := x.client.Complete(ctx, llm.ExtractionPrompt(text, x.labels))
	if err != nil {
		return nil, fmt.Errorf("extraction llm: %w", err)
	}
	if resp == nil {
		return nil, fmt.Errorf("extraction llm: no response")
	}
	out, err := parseExtractionResponse(resp.Content)
	if err != nil {
		return nil, fmt.Errorf("parse extraction: %w", err)
	}
	lower := strings.ToLower(text)
	for i := range out.Entities {
		e := &out.Entities[i]
		if idx := strings.Index(lower, strings.ToLower(e.Text)); idx >= 0 {
			e.Start, e.End = idx, idx+len(e.Text)
		}
	}
	return out, nil
}

// parseExtractionResponse pulls the JSON object out of a model answer,
// repairing the usual damage (code fences, trailing commas, truncation).
func parseExtractionResponse(content string) (*Extraction, error) {
	var out Extraction
	if err := decodeModelJSON(content, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// decodeModelJSON decodes the first JSON object in content into v.
func decodeModelJSON(content string, v any) error {
	content = strings.TrimSpace(content)

	// Strip markdown code fences if present
	if strings.HasPrefix(content, "```") {
		lines := strings.Split(content, "\n")
		if len(lines) > 2 {
			content = strings.Join(lines[1:len(lines)-1], "\n")
		}
	}

	start := strings.Index(content, "{")
	if start < 0 {
		return fmt.Errorf("no JSON object found in response")
	}
	content = content[start:]
	if end := strings.LastIndex(content, "}"); end >= 0 {
		content = content[:end+1]
	}

	if err := json.Unmarshal([]byte(content), v); err == nil {
		return nil
	}
	repaired, err := jsonrepair.JSONRepair(content)
	if err != nil {
		return fmt.Errorf("repair json: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), v); err != nil {
		return fmt.Errorf("unmarshal repaired json: %w", err)
	}
	return nil
}

// mergeOverlapping reduces overlapping spans to the highest-scoring one.
// Entities without a span (End <= Start) are kept as they are.
func mergeOverlapping(entities []Entity) []Entity {
	var spanned, loose []Entity
	for _, e := range entities {
		if e.End > e.Start {
			spanned = append(spanned, e)
		} else {
			loose = append(loose, e)
		}
	}
	sort.SliceStable(spanned, func(i, j int) bool {
		if spanned[i].Start != spanned[j].Start {
			return spanned[i].Start < spanned[j].Start
		}
		return spanned[i].End > spanned[j].End
	})

	var out []Entity
	for _, e := range spanned {
		if n := len(out); n > 0 && e.Start < out[n-1].End {
			if e.Score > out[n-1].Score {
				out[n-1] = e
			}
			continue
		}
		out = append(out, e)
	}
	return append(out, loose...)
}
