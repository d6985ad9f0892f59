package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lazypower/cortex/internal/config"
	"github.com/lazypower/cortex/internal/engine"
	"github.com/lazypower/cortex/internal/graph"
	"github.com/lazypower/cortex/internal/store"
)

func testEngine(t *testing.T) *engine.Engine {
	t.Helper()
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := config.Default()
	cfg.Breaker.Enabled = false
	eng := engine.New(db, cfg, nil)
	if err := eng.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	t.Cleanup(eng.Stop)
	return eng
}

func testServer(t *testing.T) *Server {
	t.Helper()
	return New(testEngine(t), "test-version")
}

func TestHealthEndpoint(t *testing.T) {
	srv := testServer(t)

	req := httptest.NewRequest("GET", "/api/health", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}

	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
	if body["version"] != "test-version" {
		t.Errorf("version = %v, want test-version", body["version"])
	}
	if body["db"] != true {
		t.Errorf("db = %v, want true", body["db"])
	}
}

func TestWriteErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("merge: node x: %w", graph.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("add note: %w", graph.ErrValidation), http.StatusBadRequest},
		{fmt.Errorf("llm: %w: %w", graph.ErrDependencyUnavailable, errors.New("refused")), http.StatusServiceUnavailable},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		writeError(w, tt.err)
		if w.Code != tt.want {
			t.Errorf("%v: status = %d, want %d", tt.err, w.Code, tt.want)
		}
		var body map[string]string
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil || body["error"] == "" {
			t.Errorf("%v: body = %s", tt.err, w.Body.String())
		}
	}
}

func TestUnknownRoute(t *testing.T) {
	srv := testServer(t)
	req := httptest.NewRequest("GET", "/api/bogus", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}
