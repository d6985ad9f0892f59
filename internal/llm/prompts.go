package llm

import (
	"fmt"
	"strings"
)

// AnswerPrompt asks for an answer grounded only in the supplied graph
// context. Each context line is already rendered by the caller.
func AnswerPrompt(query string, nodes, relations []string) string {
	var b strings.Builder
	b.WriteString("You are a helpful assistant answering questions based on a personal knowledge graph. ")
	b.WriteString("Use only the provided context. Be concise.\n\n")
	b.WriteString("CONTEXT:\n")
	for _, line := range nodes {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	if len(relations) > 0 {
		b.WriteString("\nRELATIONSHIPS:\n")
		for _, line := range relations {
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	fmt.Fprintf(&b, "\nQUESTION: %s\n\nANSWER:", query)
	return b.String()
}

// ExtractionPrompt asks for named entities and relations between them.
func ExtractionPrompt(text string, labels []string) string {
	return fmt.Sprintf(`You are an entity extraction system. Find the named entities in the text and the relations between them.

Allowed entity labels: %s

TEXT:
%s

Rules:
- Use the exact surface text of each entity as it appears in TEXT
- score is your confidence between 0 and 1
- relation is a short snake_case verb phrase (e.g. works_at, lives_in)
- head and tail must be entity texts from the entities list
- Return ONLY a JSON object, no other text

Return:
{"entities": [{"text": "...", "label": "...", "score": 0.9}],
 "relations": [{"head": "...", "tail": "...", "relation": "...", "score": 0.8}]}`,
		strings.Join(labels, ", "), text)
}

// TypeNamingPrompt asks for a name for a cluster of nodes that currently
// share the origin type.
func TypeNamingPrompt(origin string, samples []string) string {
	return fmt.Sprintf(`These entities are all currently typed %q, but they form a distinct group:

%s

Suggest a more specific entity type for this group.

Rules:
- name is a single lowercase noun, snake_case if it needs more than one word
- name must differ from %q
- description is one sentence
- Return ONLY a JSON object, no other text

Return: {"name": "...", "description": "..."}`, origin, "- "+strings.Join(samples, "\n- "), origin)
}
