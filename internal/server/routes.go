package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lazypower/cortex/internal/engine"
	"github.com/lazypower/cortex/internal/graph"
	"github.com/lazypower/cortex/internal/schema"
)

// importTimeout bounds a background vault import.
const importTimeout = 2 * time.Hour

func (s *Server) handleAddNote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string   `json:"content"`
		Title   string   `json:"title"`
		Tags    []string `json:"tags"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid json"}`, http.StatusBadRequest)
		return
	}

	res, err := s.eng.AddNote(r.Context(), req.Content, req.Title, req.Tags)
	if err != nil {
		writeError(w, err)
		return
	}
	if res.Entities == nil {
		res.Entities = []graph.Node{}
	}
	if res.Edges == nil {
		res.Edges = []graph.Edge{}
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req engine.QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid json"}`, http.StatusBadRequest)
		return
	}

	res, err := s.eng.Query(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.eng.FullGraph())
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.eng.State())
}

func (s *Server) handleAdaptations(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			http.Error(w, `{"error":"limit must be a positive integer"}`, http.StatusBadRequest)
			return
		}
		limit = n
	}

	recs, err := s.eng.Adaptations(limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":       len(recs),
		"adaptations": recs,
	})
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		KeepID   string   `json:"keep_id"`
		MergeIDs []string `json:"merge_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid json"}`, http.StatusBadRequest)
		return
	}
	if req.KeepID == "" {
		http.Error(w, `{"error":"keep_id required"}`, http.StatusBadRequest)
		return
	}

	res, err := s.eng.Merge(r.Context(), req.KeepID, req.MergeIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleConfirmEdge(w http.ResponseWriter, r *http.Request) {
	edge, err := s.eng.ConfirmEdge(r.Context(), chi.URLParam(r, "edgeID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, edge)
}

func (s *Server) handleRejectEdge(w http.ResponseWriter, r *http.Request) {
	edge, err := s.eng.RejectEdge(r.Context(), chi.URLParam(r, "edgeID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "rejected",
		"edge":   edge,
	})
}

func (s *Server) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeID")
	removed, err := s.eng.DeleteNode(r.Context(), nodeID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "deleted",
		"node_id":       nodeID,
		"removed_edges": len(removed),
	})
}

func (s *Server) handlePrune(w http.ResponseWriter, r *http.Request) {
	removed, err := s.eng.Prune(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pruned": len(removed)})
}

func (s *Server) handleSchema(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"types": s.eng.Schema.Types()})
}

func (s *Server) handleProposals(w http.ResponseWriter, r *http.Request) {
	status := schema.Status(strings.ToUpper(r.URL.Query().Get("status")))
	switch status {
	case "", schema.StatusProposed, schema.StatusApproved, schema.StatusRejected:
	default:
		http.Error(w, `{"error":"status must be PROPOSED, APPROVED or REJECTED"}`, http.StatusBadRequest)
		return
	}
	props := s.eng.Proposals(status)
	if props == nil {
		props = []schema.Proposal{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"proposals": props})
}

func (s *Server) handleApproveProposal(w http.ResponseWriter, r *http.Request) {
	p, nodes, err := s.eng.ApproveProposal(r.Context(), chi.URLParam(r, "proposalID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"proposal": p,
		"retyped":  len(nodes),
	})
}

func (s *Server) handleRejectProposal(w http.ResponseWriter, r *http.Request) {
	p, err := s.eng.RejectProposal(r.Context(), chi.URLParam(r, "proposalID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"proposal": p})
}

func (s *Server) handleEvolve(w http.ResponseWriter, r *http.Request) {
	props, err := s.eng.Evolve(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if props == nil {
		props = []schema.Proposal{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"proposals": props})
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path  string `json:"path"`
		Clear bool   `json:"clear"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid json"}`, http.StatusBadRequest)
		return
	}
	if req.Path == "" {
		http.Error(w, `{"error":"path required"}`, http.StatusBadRequest)
		return
	}
	files, err := engine.ImportFiles(req.Path)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	s.importMu.Lock()
	if s.importing {
		s.importMu.Unlock()
		writeJSON(w, http.StatusConflict, map[string]string{"error": "import already running"})
		return
	}
	s.importing = true
	s.imports.Add(1)
	s.importMu.Unlock()

	// Async import; progress is streamed on /api/events.
	go func() {
		defer func() {
			s.importMu.Lock()
			s.importing = false
			s.importMu.Unlock()
			s.imports.Done()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), importTimeout)
		defer cancel()
		if _, err := s.eng.ImportVault(ctx, req.Path, req.Clear); err != nil {
			log.Printf("import failed for %s: %v", req.Path, err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"status": "importing",
		"total":  len(files),
	})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := s.eng.Clear(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}
