package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alfredjeanlab/plangraph/internal/idgen"
	"github.com/alfredjeanlab/plangraph/internal/model"
)

type createNodeInput struct {
	ID   string         `json:"id,omitempty"`
	Type model.NodeType `json:"type"`
	Data map[string]any `json:"data"`
}

// handleCreateNode handles POST /v1/nodes. An id is generated from the
// node type when none is given.
func (s *Server) handleCreateNode(w http.ResponseWriter, r *http.Request) {
	var in createNodeInput
	if !decodeBody(w, r, &in) {
		return
	}
	if in.ID == "" {
		id, err := idgen.NodeID(in.Type)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to generate id")
			return
		}
		in.ID = id
	}
	if in.Data == nil {
		in.Data = map[string]any{}
	}
	if raw, ok := in.Data[model.FieldTeamAllocations]; ok && raw != nil {
		tas, err := model.RepairTeamAllocations(raw)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		in.Data[model.FieldTeamAllocations] = model.TeamAllocationsToData(tas)
	}

	now := time.Now().UTC()
	n := &model.Node{ID: in.ID, Type: in.Type, Data: in.Data, CreatedAt: now, UpdatedAt: now}
	if err := model.ValidateNode(n); err != nil {
		writeEngineError(w, err)
		return
	}
	if err := s.store.CreateNode(r.Context(), n); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, n)
}

// handleListNodes handles GET /v1/nodes?type=feature,team&limit=n.
func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter model.NodeFilter
	if v := q.Get("type"); v != "" {
		for _, t := range strings.Split(v, ",") {
			filter.Type = append(filter.Type, model.NodeType(strings.TrimSpace(t)))
		}
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}

	nodes, err := s.store.ListNodes(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list nodes")
		return
	}
	if nodes == nil {
		nodes = []*model.Node{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": nodes})
}

// handleGetNode handles GET /v1/nodes/{id}. It returns the stored node,
// not any session's unsaved edits.
func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.GetNode(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// handleGetHierarchy handles GET /v1/nodes/{id}/hierarchy.
func (s *Server) handleGetHierarchy(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetNode(r.Context(), id); err != nil {
		writeEngineError(w, err)
		return
	}
	rel, err := s.engine.Hierarchy(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	resp := map[string]any{"hierarchy": rel}
	if r.URL.Query().Get("check") == "true" {
		if err := s.engine.CheckInvariant(r.Context(), id); err != nil {
			resp["inconsistency"] = err.Error()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
