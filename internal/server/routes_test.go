package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lazypower/cortex/internal/engine"
	"github.com/lazypower/cortex/internal/graph"
	"github.com/lazypower/cortex/internal/schema"
)

const scenarioNote = "Met John at the AI conference in Berlin. He works on transformer architectures at OpenAI."

func do(t *testing.T, srv http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func addScenario(t *testing.T, srv *Server) engine.IngestResult {
	t.Helper()
	w := do(t, srv, "POST", "/api/notes", `{"content":"`+scenarioNote+`","tags":["work"]}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d; body: %s", w.Code, http.StatusCreated, w.Body.String())
	}
	var res engine.IngestResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return res
}

func TestAddNote(t *testing.T) {
	srv := testServer(t)
	res := addScenario(t, srv)

	if res.Note.Type != graph.NoteType {
		t.Errorf("note type = %q", res.Note.Type)
	}
	if len(res.Entities) != 4 {
		t.Errorf("entities = %d, want 4", len(res.Entities))
	}
	if len(res.Edges) < 6 {
		t.Errorf("edges = %d, want >= 6", len(res.Edges))
	}
}

func TestAddNoteValidation(t *testing.T) {
	srv := testServer(t)

	if w := do(t, srv, "POST", "/api/notes", `{"content":"   "}`); w.Code != http.StatusBadRequest {
		t.Errorf("empty content: status = %d, want 400", w.Code)
	}
	if w := do(t, srv, "POST", "/api/notes", `{not json`); w.Code != http.StatusBadRequest {
		t.Errorf("bad json: status = %d, want 400", w.Code)
	}
}

func TestQuery(t *testing.T) {
	srv := testServer(t)
	addScenario(t, srv)

	w := do(t, srv, "POST", "/api/query", `{"query":"Where does John work?","use_llm":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	var res struct {
		QueryID string `json:"query_id"`
		Nodes   []struct {
			Name  string  `json:"name"`
			Score float64 `json:"score"`
		} `json:"nodes"`
		Response *string `json:"response"`
		UsedLLM  bool    `json:"used_llm"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.QueryID == "" || len(res.Nodes) == 0 || res.Nodes[0].Name != "John" {
		t.Errorf("result = %s", w.Body.String())
	}
	if res.UsedLLM {
		t.Error("used_llm without a configured model")
	}

	if w := do(t, srv, "POST", "/api/query", `{"query":""}`); w.Code != http.StatusBadRequest {
		t.Errorf("empty query: status = %d, want 400", w.Code)
	}
}

func TestQueryEmptyGraph(t *testing.T) {
	srv := testServer(t)
	w := do(t, srv, "POST", "/api/query", `{"query":"Where does John live?"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var res map[string]any
	json.Unmarshal(w.Body.Bytes(), &res)
	if nodes, _ := res["nodes"].([]any); len(nodes) != 0 {
		t.Errorf("nodes = %v", res["nodes"])
	}
	if res["response"] != nil {
		t.Errorf("response = %v, want null", res["response"])
	}
}

func TestGraphAndState(t *testing.T) {
	srv := testServer(t)
	addScenario(t, srv)

	w := do(t, srv, "GET", "/api/graph", "")
	var snap engine.GraphSnapshot
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode graph: %v", err)
	}
	if len(snap.Nodes) != 5 || len(snap.Edges) < 6 {
		t.Errorf("graph = %d nodes, %d edges", len(snap.Nodes), len(snap.Edges))
	}

	w = do(t, srv, "GET", "/api/state", "")
	var state map[string]any
	json.Unmarshal(w.Body.Bytes(), &state)
	if state["node_count"] != float64(5) {
		t.Errorf("node_count = %v", state["node_count"])
	}
	if _, ok := state["schema_types"]; !ok {
		t.Error("missing schema_types")
	}
}

func TestAdaptations(t *testing.T) {
	srv := testServer(t)
	addScenario(t, srv)

	w := do(t, srv, "GET", "/api/adaptations?limit=1", "")
	var body struct {
		Count       int `json:"count"`
		Adaptations []struct {
			EventType string `json:"event_type"`
		} `json:"adaptations"`
	}
	json.Unmarshal(w.Body.Bytes(), &body)
	if body.Count != 1 || body.Adaptations[0].EventType != "note_added" {
		t.Errorf("adaptations = %s", w.Body.String())
	}

	if w := do(t, srv, "GET", "/api/adaptations?limit=zero", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit: status = %d", w.Code)
	}
}

func TestEdgeGovernance(t *testing.T) {
	srv := testServer(t)
	res := addScenario(t, srv)

	var worksAt, worksOn graph.Edge
	for _, e := range res.Edges {
		switch e.Relation {
		case "works_at":
			worksAt = e
		case "works_on":
			worksOn = e
		}
	}

	w := do(t, srv, "POST", "/api/edges/"+worksOn.ID+"/confirm", "")
	if w.Code != http.StatusOK {
		t.Fatalf("confirm: status = %d", w.Code)
	}
	var confirmed graph.Edge
	json.Unmarshal(w.Body.Bytes(), &confirmed)
	if !confirmed.Pinned {
		t.Error("confirmed edge not pinned")
	}

	if w := do(t, srv, "POST", "/api/edges/"+worksAt.ID+"/reject", ""); w.Code != http.StatusOK {
		t.Fatalf("reject: status = %d", w.Code)
	}
	if w := do(t, srv, "POST", "/api/edges/"+worksAt.ID+"/reject", ""); w.Code != http.StatusNotFound {
		t.Errorf("reject twice: status = %d, want 404", w.Code)
	}
	if w := do(t, srv, "POST", "/api/edges/missing/confirm", ""); w.Code != http.StatusNotFound {
		t.Errorf("confirm missing: status = %d, want 404", w.Code)
	}
}

func TestMergeAndDelete(t *testing.T) {
	srv := testServer(t)
	res := addScenario(t, srv)
	ids := map[string]string{}
	for _, n := range res.Entities {
		ids[n.Name] = n.ID
	}

	if w := do(t, srv, "POST", "/api/merge", `{"keep_id":"`+ids["John"]+`","merge_ids":["`+ids["John"]+`"]}`); w.Code != http.StatusBadRequest {
		t.Errorf("self merge: status = %d, want 400", w.Code)
	}
	if w := do(t, srv, "POST", "/api/merge", `{"keep_id":"`+ids["John"]+`","merge_ids":["nope"]}`); w.Code != http.StatusNotFound {
		t.Errorf("missing merge: status = %d, want 404", w.Code)
	}
	w := do(t, srv, "POST", "/api/merge", `{"keep_id":"`+ids["OpenAI"]+`","merge_ids":["`+ids["Berlin"]+`"]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("merge: status = %d; body: %s", w.Code, w.Body.String())
	}
	var merged graph.MergeResult
	json.Unmarshal(w.Body.Bytes(), &merged)
	if merged.Node.ID != ids["OpenAI"] || len(merged.Removed) != 1 {
		t.Errorf("merge = %+v", merged)
	}

	if w := do(t, srv, "DELETE", "/api/nodes/"+ids["John"], ""); w.Code != http.StatusOK {
		t.Errorf("delete: status = %d", w.Code)
	}
	if w := do(t, srv, "DELETE", "/api/nodes/"+ids["John"], ""); w.Code != http.StatusNotFound {
		t.Errorf("delete twice: status = %d, want 404", w.Code)
	}
}

func TestSchemaRoutes(t *testing.T) {
	srv := testServer(t)
	addScenario(t, srv)

	w := do(t, srv, "GET", "/api/schema", "")
	var body struct {
		Types []schema.Type `json:"types"`
	}
	json.Unmarshal(w.Body.Bytes(), &body)
	found := false
	for _, typ := range body.Types {
		found = found || typ.Name == "organization"
	}
	if !found {
		t.Errorf("types = %+v", body.Types)
	}

	if w := do(t, srv, "POST", "/api/schema/evolve", ""); w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"proposals":[]`) {
		t.Errorf("evolve: %d %s", w.Code, w.Body.String())
	}
	if w := do(t, srv, "GET", "/api/schema/proposals?status=proposed", ""); w.Code != http.StatusOK {
		t.Errorf("proposals: status = %d", w.Code)
	}
	if w := do(t, srv, "GET", "/api/schema/proposals?status=maybe", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad status filter: status = %d", w.Code)
	}
	if w := do(t, srv, "POST", "/api/schema/proposals/nope/approve", ""); w.Code != http.StatusNotFound {
		t.Errorf("approve missing: status = %d", w.Code)
	}
	if w := do(t, srv, "POST", "/api/schema/proposals/nope/reject", ""); w.Code != http.StatusNotFound {
		t.Errorf("reject missing: status = %d", w.Code)
	}
}

func TestImportObsidian(t *testing.T) {
	srv := testServer(t)
	root := t.TempDir()
	os.WriteFile(filepath.Join(root, "john.md"), []byte(scenarioNote), 0o644)
	os.WriteFile(filepath.Join(root, "empty.md"), []byte(""), 0o644)

	if w := do(t, srv, "POST", "/api/import/obsidian", `{"path":"`+filepath.Join(root, "missing")+`"}`); w.Code != http.StatusBadRequest {
		t.Errorf("missing root: status = %d, want 400", w.Code)
	}
	if w := do(t, srv, "POST", "/api/import/obsidian", `{}`); w.Code != http.StatusBadRequest {
		t.Errorf("no path: status = %d, want 400", w.Code)
	}

	w := do(t, srv, "POST", "/api/import/obsidian", `{"path":"`+root+`","clear":true}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("import: status = %d; body: %s", w.Code, w.Body.String())
	}
	var body map[string]any
	json.Unmarshal(w.Body.Bytes(), &body)
	if body["total"] != float64(2) {
		t.Errorf("total = %v, want 2", body["total"])
	}
	srv.Wait()

	if n, _ := srv.eng.Graph.Counts(); n != 5 {
		t.Errorf("nodes after import = %d, want 5", n)
	}
}

func TestClear(t *testing.T) {
	srv := testServer(t)
	addScenario(t, srv)
	if w := do(t, srv, "POST", "/api/clear", ""); w.Code != http.StatusOK {
		t.Fatalf("clear: status = %d", w.Code)
	}
	if n, m := srv.eng.Graph.Counts(); n != 0 || m != 0 {
		t.Errorf("after clear: %d nodes, %d edges", n, m)
	}
}

func TestPrune(t *testing.T) {
	srv := testServer(t)
	addScenario(t, srv)
	w := do(t, srv, "POST", "/api/prune", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"pruned":0`) {
		t.Errorf("prune: %d %s", w.Code, w.Body.String())
	}
}
