package engine

import (
	"context"
	"strings"
	"unicode"
	"unicode/utf8"
)

// HeuristicExtractor finds entities without a model: capitalised spans are
// classified from the word before them and their shape, and short
// lowercase phrases after topic cues ("works on", "about") become concepts.
// Relations come from work and residence verbs in the same sentence, with
// a leading pronoun resolved to the last person seen.
type HeuristicExtractor struct{}

// NewHeuristicExtractor creates the offline extractor.
func NewHeuristicExtractor() *HeuristicExtractor { return &HeuristicExtractor{} }

const (
	cueScore     = 0.85
	shapeScore   = 0.75
	phraseScore  = 0.7
	defaultScore = 0.6
	linkScore    = 0.7
)

var (
	sentenceStarters = wordSet("a an the he she they we i it this that these those met meet today yesterday tomorrow " +
		"also then and but so after before when while my our his her their there here what who how why where " +
		"went had have has was were is are talked spoke called saw visited meeting note notes just finally " +
		"maybe perhaps remember ask asked")
	pronouns     = wordSet("he she they him her them")
	placeCues    = wordSet("in from near across around into visited visiting")
	orgCues      = wordSet("at for joined joining")
	personCues   = wordSet("met meet meeting with told asked called emailed texted by mr mrs ms dr prof")
	orgSuffixes  = wordSet("inc corp corporation labs lab ltd llc gmbh university institute foundation company group")
	topicCues    = wordSet("about researching studying learning")
	workVerbs    = wordSet("work works worked working employed joined")
	liveVerbs    = wordSet("live lives lived living based moved")
	phraseStops  = wordSet("a an the at in on of for with to from by and or but is are was were")
	onCueVerbs   = wordSet("work works worked working focus focuses focused")
)

func wordSet(s string) map[string]bool {
	m := make(map[string]bool)
	for _, w := range strings.Fields(s) {
		m[w] = true
	}
	return m
}

type word struct {
	text       string
	lower      string
	start, end int
}

type sentence struct {
	words []word
	text  string
	start int
}

// Extract never fails.
func (HeuristicExtractor) Extract(_ context.Context, text string) (*Extraction, error) {
	out := &Extraction{}
	lastPerson := ""

	for _, s := range splitSentences(text) {
		ents := capitalisedEntities(s)
		ents = append(ents, conceptPhrases(s)...)
		out.Entities = append(out.Entities, ents...)

		subject := ""
		for _, e := range ents {
			if e.Label == "person" {
				subject = e.Text
				break
			}
		}
		if subject == "" && len(s.words) > 0 && pronouns[s.words[0].lower] {
			subject = lastPerson
		}
		if subject != "" {
			out.Relations = append(out.Relations, sentenceRelations(s, subject, ents)...)
		}
		for _, e := range ents {
			if e.Label == "person" {
				lastPerson = e.Text
			}
		}
	}
	return out, nil
}

func sentenceRelations(s sentence, subject string, ents []Entity) []Relation {
	work, live := false, false
	for _, w := range s.words {
		work = work || workVerbs[w.lower]
		live = live || liveVerbs[w.lower]
	}

	var rels []Relation
	for _, e := range ents {
		if e.Text == subject {
			continue
		}
		switch {
		case e.Label == "organization" && work:
			rels = append(rels, Relation{Head: subject, Tail: e.Text, Relation: "works_at", Score: linkScore})
		case e.Label == "organization":
			rels = append(rels, Relation{Head: subject, Tail: e.Text, Relation: "affiliated_with", Score: linkScore - 0.1})
		case e.Label == "concept" && work:
			rels = append(rels, Relation{Head: subject, Tail: e.Text, Relation: "works_on", Score: linkScore})
		case e.Label == "location" && live:
			rels = append(rels, Relation{Head: subject, Tail: e.Text, Relation: "lives_in", Score: linkScore})
		}
	}
	return rels
}

// capitalisedEntities finds runs of capitalised words and classifies them.
func capitalisedEntities(s sentence) []Entity {
	var out []Entity
	ws := s.words
	for i := 0; i < len(ws); {
		if !isCapitalised(ws[i].text) {
			i++
			continue
		}
		j := i + 1
		for j < len(ws) && isCapitalised(ws[j].text) && adjacent(s, ws[j-1], ws[j]) {
			j++
		}
		run := ws[i:j]
		next := j
		if i == 0 && sentenceStarters[run[0].lower] {
			run = run[1:]
		}
		if len(run) > 0 {
			if e, ok := classifySpan(s, run, next); ok {
				out = append(out, e)
			}
		}
		i = j
	}
	return out
}

func classifySpan(s sentence, run []word, next int) (Entity, bool) {
	first, last := run[0], run[len(run)-1]
	name := s.text[first.start-s.start : last.end-s.start]
	if utf8.RuneCountInString(name) < 2 || pronouns[strings.ToLower(name)] {
		return Entity{}, false
	}

	// An acronym directly modifying a lowercase noun ("AI conference") is
	// part of a common noun phrase, not a name.
	if len(run) == 1 && isAcronym(first.text) && next < len(s.words) {
		if n := s.words[next]; !isCapitalised(n.text) && !phraseStops[n.lower] && adjacent(s, first, n) {
			return Entity{}, false
		}
	}

	prev := ""
	if idx := indexOf(s.words, first); idx > 0 {
		prev = s.words[idx-1].lower
	}

	e := Entity{Text: name, Start: first.start, End: last.end}
	switch {
	case orgSuffixes[last.lower] || isCamel(first.text) || (len(run) == 1 && isAcronym(first.text)):
		e.Label, e.Score = "organization", shapeScore
	case personCues[prev]:
		e.Label, e.Score = "person", cueScore
	case placeCues[prev]:
		e.Label, e.Score = "location", cueScore
	case orgCues[prev]:
		e.Label, e.Score = "organization", cueScore
	case len(run) == 2:
		e.Label, e.Score = "person", shapeScore
	default:
		e.Label, e.Score = "thing", defaultScore
	}
	return e, true
}

// conceptPhrases collects short lowercase noun phrases after topic cues.
func conceptPhrases(s sentence) []Entity {
	var out []Entity
	ws := s.words
	for i := 0; i < len(ws); i++ {
		cue := topicCues[ws[i].lower] ||
			(ws[i].lower == "on" && i > 0 && onCueVerbs[ws[i-1].lower]) ||
			(ws[i].lower == "in" && i > 0 && ws[i-1].lower == "interested")
		if !cue {
			continue
		}
		j := i + 1
		for j < len(ws) && j-i <= 4 && !isCapitalised(ws[j].text) && !phraseStops[ws[j].lower] && adjacent(s, ws[j-1], ws[j]) {
			j++
		}
		phrase := ws[i+1 : j]
		if len(phrase) == 0 || !hasContentWord(phrase) {
			continue
		}
		first, last := phrase[0], phrase[len(phrase)-1]
		out = append(out, Entity{
			Text:  s.text[first.start-s.start : last.end-s.start],
			Label: "concept",
			Score: phraseScore,
			Start: first.start,
			End:   last.end,
		})
		i = j - 1
	}
	return out
}

func hasContentWord(ws []word) bool {
	for _, w := range ws {
		if utf8.RuneCountInString(w.text) >= 3 {
			return true
		}
	}
	return false
}

// splitSentences cuts text at ., ! and ? followed by whitespace, and at
// newlines. Word offsets are byte offsets into text.
func splitSentences(text string) []sentence {
	var out []sentence
	start := 0
	flush := func(end int) {
		if seg := text[start:end]; strings.TrimSpace(seg) != "" {
			out = append(out, sentence{text: seg, start: start, words: splitWords(seg, start)})
		}
		start = end
	}
	for i, r := range text {
		switch r {
		case '\n':
			flush(i)
		case '.', '!', '?':
			if i+1 >= len(text) || text[i+1] == ' ' || text[i+1] == '\n' || text[i+1] == '\t' {
				flush(i + 1)
			}
		}
	}
	flush(len(text))
	return out
}

func splitWords(s string, base int) []word {
	var out []word
	wstart := -1
	emit := func(end int) {
		if wstart < 0 {
			return
		}
		t := strings.TrimRight(s[wstart:end], "-'")
		if t != "" {
			out = append(out, word{text: t, lower: strings.ToLower(t), start: base + wstart, end: base + wstart + len(t)})
		}
		wstart = -1
	}
	for i, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || ((r == '-' || r == '\'') && wstart >= 0) {
			if wstart < 0 {
				wstart = i
			}
			continue
		}
		emit(i)
	}
	emit(len(s))
	return out
}

// adjacent reports whether only spaces separate a and b.
func adjacent(s sentence, a, b word) bool {
	return strings.TrimLeft(s.text[a.end-s.start:b.start-s.start], " ") == ""
}

func indexOf(ws []word, w word) int {
	for i := range ws {
		if ws[i].start == w.start {
			return i
		}
	}
	return -1
}

func isCapitalised(s string) bool {
	r, _ := utf8.DecodeRuneInString(s)
	return unicode.IsUpper(r)
}

func isAcronym(s string) bool {
	n := utf8.RuneCountInString(s)
	if n < 2 || n > 5 {
		return false
	}
	for _, r := range s {
		if !unicode.IsUpper(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// isCamel matches names like OpenAI or GitHub: an upper-case letter after a
// lower-case one.
func isCamel(s string) bool {
	sawLower := false
	for i, r := range s {
		if i == 0 {
			continue
		}
		if unicode.IsLower(r) {
			sawLower = true
		} else if unicode.IsUpper(r) && sawLower {
			return true
		}
	}
	return false
}
