package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lazypower/cortex/internal/engine"
	"github.com/lazypower/cortex/internal/graph"
)

// Server is the cortex HTTP API server.
type Server struct {
	eng     *engine.Engine
	router  chi.Router
	version string
	started time.Time

	importMu  sync.Mutex
	importing bool
	imports   sync.WaitGroup
}

// New creates a Server for the engine.
func New(eng *engine.Engine, version string) *Server {
	s := &Server{
		eng:     eng,
		version: version,
		started: time.Now(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Wait blocks until background imports have finished.
func (s *Server) Wait() {
	s.imports.Wait()
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/events", s.handleEvents)

		r.Post("/notes", s.handleAddNote)
		r.Post("/query", s.handleQuery)
		r.Get("/graph", s.handleGraph)
		r.Get("/state", s.handleState)
		r.Get("/adaptations", s.handleAdaptations)

		r.Post("/merge", s.handleMerge)
		r.Post("/edges/{edgeID}/confirm", s.handleConfirmEdge)
		r.Post("/edges/{edgeID}/reject", s.handleRejectEdge)
		r.Delete("/nodes/{nodeID}", s.handleDeleteNode)
		r.Post("/prune", s.handlePrune)

		r.Get("/schema", s.handleSchema)
		r.Get("/schema/proposals", s.handleProposals)
		r.Post("/schema/proposals/{proposalID}/approve", s.handleApproveProposal)
		r.Post("/schema/proposals/{proposalID}/reject", s.handleRejectProposal)
		r.Post("/schema/evolve", s.handleEvolve)

		r.Post("/import/obsidian", s.handleImport)
		r.Post("/clear", s.handleClear)
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.started).Seconds(),
		"db":      false,
	}
	if db := s.eng.DB; db != nil {
		body["db"] = db.Ping() == nil
		body["db_path"] = db.Path
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("server: encode response: %v", err)
	}
}

// writeError maps the engine's error taxonomy onto status codes.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, graph.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, graph.ErrValidation):
		code = http.StatusBadRequest
	case errors.Is(err, graph.ErrDependencyUnavailable):
		code = http.StatusServiceUnavailable
	}
	if code == http.StatusInternalServerError {
		log.Printf("server: %v", err)
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
