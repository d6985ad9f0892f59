package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/lazypower/cortex/internal/events"
)

func writeVault(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, body := range files {
		path := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func TestImportVault(t *testing.T) {
	root := writeVault(t, map[string]string{
		"conference.md":       "---\ntitle: AI conference\ntags: [work]\n---\n" + scenarioNote + "\n",
		"people/maria.md":     "I had lunch with Maria Lopez. She lives in Lisbon. #friends",
		"stub.md":             "tiny",
		".obsidian/config.md": "Ignored because it is hidden.",
		"readme.txt":          "Not markdown, never imported.",
	})
	e := newTestEngine(t, testDB(t), nil)
	sub := e.Bus.Subscribe(512)
	defer sub.Close()

	res, err := e.ImportVault(context.Background(), root, false)
	if err != nil {
		t.Fatalf("ImportVault: %v", err)
	}
	if res.Total != 3 || res.Imported != 2 || len(res.Errors) != 0 {
		t.Errorf("result = %+v", res)
	}

	var statuses []string
	var progress []events.ImportProgress
	for _, ev := range drain(sub) {
		switch ev := ev.(type) {
		case events.ImportStatus:
			statuses = append(statuses, ev.Status)
			if ev.Status == "completed" && (ev.FinalState == nil || ev.FinalState.NodeCount == 0) {
				t.Errorf("completed without final state: %+v", ev)
			}
		case events.ImportProgress:
			progress = append(progress, ev)
		}
	}
	if len(statuses) != 2 || statuses[0] != "started" || statuses[1] != "completed" {
		t.Errorf("statuses = %v", statuses)
	}
	if len(progress) != 2 {
		t.Fatalf("progress events = %d, want 2", len(progress))
	}
	if progress[1].Imported != 2 || progress[1].Total != 3 {
		t.Errorf("last progress = %+v", progress[1])
	}

	notes := e.Graph.NodesOfType("note")
	if len(notes) != 2 {
		t.Fatalf("notes = %d, want 2", len(notes))
	}
	titles := map[string]bool{}
	for _, n := range notes {
		titles[n.Name] = true
	}
	if !titles["AI conference"] || !titles["maria"] {
		t.Errorf("note titles = %v", titles)
	}
}

func TestImportVaultClear(t *testing.T) {
	e := newTestEngine(t, nil, nil)
	if _, err := e.AddNote(context.Background(), "Met Anna in Rome yesterday.", "", nil); err != nil {
		t.Fatalf("AddNote: %v", err)
	}
	root := writeVault(t, map[string]string{"one.md": scenarioNote})
	sub := e.Bus.Subscribe(512)
	defer sub.Close()

	if _, err := e.ImportVault(context.Background(), root, true); err != nil {
		t.Fatalf("ImportVault: %v", err)
	}
	if len(e.Graph.FindByName("Anna")) != 0 {
		t.Error("graph not cleared before import")
	}

	var first string
	for _, ev := range drain(sub) {
		if s, ok := ev.(events.ImportStatus); ok {
			first = s.Status
			break
		}
	}
	if first != "cleared" {
		t.Errorf("first import status = %q, want cleared", first)
	}
}

func TestImportVaultBadRoot(t *testing.T) {
	e := newTestEngine(t, nil, nil)
	if _, err := e.ImportVault(context.Background(), filepath.Join(t.TempDir(), "missing"), false); err == nil {
		t.Error("expected error for missing vault")
	}
	if _, err := ImportFiles(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("ImportFiles: expected error")
	}
}
