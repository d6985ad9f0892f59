package engine

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/lazypower/cortex/internal/graph"
)

// Size limits for extracted entities and note names.
const (
	minEntityRunes = 2
	maxEntityRunes = 100
	noteNameRunes  = 50
)

// validateEntity checks an extracted entity for obvious garbage. Returns a
// cleaned copy and an error if the entity should be dropped.
func validateEntity(e Entity, threshold float64) (Entity, error) {
	e.Text = strings.Join(strings.Fields(strings.TrimFunc(e.Text, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r) && r != '+' && r != '#'
	})), " ")
	n := utf8.RuneCountInString(e.Text)
	if n < minEntityRunes {
		return e, fmt.Errorf("entity %q too short", e.Text)
	}
	if n > maxEntityRunes {
		return e, fmt.Errorf("entity too long (%d runes)", n)
	}
	if !strings.ContainsFunc(e.Text, unicode.IsLetter) {
		return e, fmt.Errorf("entity %q has no letters", e.Text)
	}
	if e.Score < threshold {
		return e, fmt.Errorf("entity %q below threshold (%.2f < %.2f)", e.Text, e.Score, threshold)
	}
	e.Label = strings.TrimSpace(e.Label)
	if e.Label == "" {
		e.Label = "thing"
	}
	return e, nil
}

// dedupEntities keeps the best-scoring entity per normalized name, in first
// seen order.
func dedupEntities(entities []Entity) []Entity {
	index := make(map[string]int)
	var out []Entity
	for _, e := range entities {
		key := graph.NormalizeName(e.Text)
		if i, ok := index[key]; ok {
			if e.Score > out[i].Score {
				out[i] = e
			}
			continue
		}
		index[key] = len(out)
		out = append(out, e)
	}
	return out
}

// noteName is the title when given, else the first 50 characters of the
// content with an ellipsis when it was cut.
func noteName(title, content string) string {
	if t := strings.TrimSpace(title); t != "" {
		return t
	}
	content = strings.TrimSpace(content)
	if utf8.RuneCountInString(content) <= noteNameRunes {
		return content
	}
	return string([]rune(content)[:noteNameRunes]) + "..."
}

// truncateClean truncates a string to maxLen bytes, cutting at the last
// word boundary to avoid mid-word breaks.
func truncateClean(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}

	truncated := s[:maxLen]
	for !utf8.ValidString(truncated) {
		truncated = truncated[:len(truncated)-1]
	}
	if idx := strings.LastIndexFunc(truncated, unicode.IsSpace); idx > maxLen/2 {
		truncated = truncated[:idx]
	}
	return strings.TrimSpace(truncated)
}
