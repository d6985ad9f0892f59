package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lazypower/cortex/internal/engine"
)

func TestClientQuery(t *testing.T) {
	var got engine.QueryRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" || r.URL.Path != "/api/query" {
			http.NotFound(w, r)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"query_id":"q1","nodes":[{"id":"n1","name":"John","entity_type":"person","score":0.95}],"edges":[],"traversed_path":["n1"],"response":"John (person)","latency_ms":1.5,"used_llm":false}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL + "/")
	res, err := c.Query(context.Background(), engine.QueryRequest{Query: "Where does John work?", UseLLM: true})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if got.Query != "Where does John work?" || !got.UseLLM {
		t.Errorf("request = %+v", got)
	}
	if res.QueryID != "q1" || len(res.Nodes) != 1 || res.Nodes[0].Name != "John" || res.Nodes[0].Score != 0.95 {
		t.Errorf("result = %+v", res)
	}
	if res.Response == nil || *res.Response != "John (person)" {
		t.Errorf("response = %v", res.Response)
	}
}

func TestClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"reject edge e1: not found"}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).RejectEdge(context.Background(), "e1")
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *Error", err)
	}
	if apiErr.Status != http.StatusNotFound || apiErr.Msg != "reject edge e1: not found" {
		t.Errorf("error = %+v", apiErr)
	}
}

func TestClientHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok"}`))
	}))
	c := NewClient(srv.URL)
	if !c.Healthy(context.Background()) {
		t.Error("Healthy = false for a live server")
	}
	srv.Close()
	if c.Healthy(context.Background()) {
		t.Error("Healthy = true for a closed server")
	}
}

func TestNewClientEnv(t *testing.T) {
	t.Setenv("CORTEX_URL", "http://example.test:9000")
	if c := NewClient(""); c.serverURL != "http://example.test:9000" {
		t.Errorf("serverURL = %q", c.serverURL)
	}
	t.Setenv("CORTEX_URL", "")
	if c := NewClient(""); c.serverURL != defaultServerURL {
		t.Errorf("serverURL = %q", c.serverURL)
	}
}
