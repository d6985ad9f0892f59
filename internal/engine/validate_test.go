package engine

import (
	"strings"
	"testing"
)

func TestValidateEntity(t *testing.T) {
	tests := []struct {
		in      Entity
		want    string
		wantErr bool
	}{
		{Entity{Text: "  John  ", Label: "person", Score: 0.9}, "John", false},
		{Entity{Text: "Berlin.", Label: "location", Score: 0.9}, "Berlin", false},
		{Entity{Text: "\"transformer   architectures\"", Label: "concept", Score: 0.7}, "transformer architectures", false},
		{Entity{Text: "C++", Label: "technology", Score: 0.9}, "C++", false},
		{Entity{Text: "X", Label: "thing", Score: 0.9}, "", true},
		{Entity{Text: "2024", Label: "date", Score: 0.9}, "", true},
		{Entity{Text: "OpenAI", Label: "organization", Score: 0.3}, "", true},
		{Entity{Text: strings.Repeat("a", 101), Label: "thing", Score: 0.9}, "", true},
	}
	for _, tt := range tests {
		got, err := validateEntity(tt.in, 0.5)
		if tt.wantErr {
			if err == nil {
				t.Errorf("validateEntity(%q) = %q, want error", tt.in.Text, got.Text)
			}
			continue
		}
		if err != nil {
			t.Errorf("validateEntity(%q): %v", tt.in.Text, err)
			continue
		}
		if got.Text != tt.want {
			t.Errorf("validateEntity(%q) = %q, want %q", tt.in.Text, got.Text, tt.want)
		}
	}
}

func TestValidateEntityDefaultsLabel(t *testing.T) {
	got, err := validateEntity(Entity{Text: "Widget", Score: 1}, 0.5)
	if err != nil {
		t.Fatalf("validateEntity: %v", err)
	}
	if got.Label != "thing" {
		t.Errorf("label = %q, want thing", got.Label)
	}
}

func TestDedupEntities(t *testing.T) {
	got := dedupEntities([]Entity{
		{Text: "John", Label: "person", Score: 0.6},
		{Text: "Berlin", Label: "location", Score: 0.9},
		{Text: "john", Label: "person", Score: 0.8},
	})
	if len(got) != 2 {
		t.Fatalf("got %d entities, want 2", len(got))
	}
	if got[0].Text != "john" || got[0].Score != 0.8 {
		t.Errorf("first = %+v, want the higher-scoring john", got[0])
	}
}

func TestNoteName(t *testing.T) {
	if got := noteName("Trip notes", "whatever"); got != "Trip notes" {
		t.Errorf("with title = %q", got)
	}
	if got := noteName("", "short note"); got != "short note" {
		t.Errorf("short = %q", got)
	}
	long := strings.Repeat("é", 60)
	got := noteName("", long)
	if got != strings.Repeat("é", 50)+"..." {
		t.Errorf("long = %q", got)
	}
}

func TestTruncateClean(t *testing.T) {
	s := "hello world this is a test string"
	result := truncateClean(s, 15)
	if len(result) > 15 {
		t.Errorf("truncateClean result too long: %d", len(result))
	}
	// Should cut at word boundary
	if strings.HasSuffix(result, " ") {
		t.Error("truncated result has trailing space")
	}
	if result != "hello world" {
		t.Errorf("result = %q, want %q", result, "hello world")
	}
}
