package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alfredjeanlab/plangraph/internal/guard"
	"github.com/alfredjeanlab/plangraph/internal/model"
	"github.com/alfredjeanlab/plangraph/internal/rollup"
	"github.com/alfredjeanlab/plangraph/internal/session"
)

// sessionFor looks up the {sid} session and records the action against it.
// It writes a 404 and returns false for unknown sessions.
func (s *Server) sessionFor(w http.ResponseWriter, r *http.Request, action string) (*session.Session, bool) {
	sid := r.PathValue("sid")
	sess, ok := s.Session(sid)
	if !ok {
		writeError(w, http.StatusNotFound, errSessionNotFound.Error())
		return nil, false
	}
	s.touch(sid, action, r.PathValue("id"))
	return sess, true
}

type openSessionInput struct {
	Client string `json:"client"`
}

// handleOpenSession handles POST /v1/sessions.
func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	var in openSessionInput
	if r.ContentLength != 0 && !decodeBody(w, r, &in) {
		return
	}
	sess, err := s.OpenSession(strings.TrimSpace(in.Client))
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": sess.ID(), "client": in.Client})
}

type sessionSummary struct {
	ID      string   `json:"id"`
	Mounted []string `json:"mounted"`
}

// handleListSessions handles GET /v1/sessions.
func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	ids := s.Sessions()
	out := make([]sessionSummary, 0, len(ids))
	for _, id := range ids {
		sess, ok := s.Session(id)
		if !ok {
			continue
		}
		out = append(out, sessionSummary{ID: id, Mounted: sess.Mounted()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

// handleCloseSession handles DELETE /v1/sessions/{sid}.
func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	if err := s.CloseSession(r.Context(), r.PathValue("sid"), "client"); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleFlush handles POST /v1/sessions/{sid}/flush.
func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFor(w, r, "flush")
	if !ok {
		return
	}
	if err := sess.FlushAll(r.Context()); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// nodeView is the session's view of a mounted node.
type nodeView struct {
	Node        *model.Node        `json:"node"`
	Connected   []string           `json:"connected"`
	Dirty       []string           `json:"dirty"`
	UpdateState *guard.UpdateState `json:"updateState,omitempty"`
}

func viewOf(sess *session.Session, n *model.Node) nodeView {
	v := nodeView{
		Node:      n,
		Connected: sess.Connected(n.ID),
		Dirty:     sess.Dirty(n.ID),
	}
	if v.Connected == nil {
		v.Connected = []string{}
	}
	if v.Dirty == nil {
		v.Dirty = []string{}
	}
	if st, ok := sess.UpdateState(n.ID); ok {
		v.UpdateState = &st
	}
	return v
}

// handleMount handles POST /v1/sessions/{sid}/nodes/{id}/mount.
func (s *Server) handleMount(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFor(w, r, "mount")
	if !ok {
		return
	}
	n, err := sess.Mount(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(sess, n))
}

// handleSessionNode handles GET /v1/sessions/{sid}/nodes/{id}.
func (s *Server) handleSessionNode(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFor(w, r, "read")
	if !ok {
		return
	}
	n, ok := sess.Node(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "node not mounted")
		return
	}
	writeJSON(w, http.StatusOK, viewOf(sess, n))
}

// handleEdit handles PATCH /v1/sessions/{sid}/nodes/{id}. The body is a
// JSON object of field changes; null removes a field.
func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFor(w, r, "edit")
	if !ok {
		return
	}
	var changes map[string]any
	if !decodeBody(w, r, &changes) {
		return
	}
	n, err := sess.Edit(r.Context(), r.PathValue("id"), changes)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(sess, n))
}

// handleUnmount handles DELETE /v1/sessions/{sid}/nodes/{id}.
func (s *Server) handleUnmount(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFor(w, r, "unmount")
	if !ok {
		return
	}
	if err := sess.Unmount(r.Context(), r.PathValue("id")); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type setParentInput struct {
	ParentID           string   `json:"parentId"`
	Weight             *float64 `json:"weight,omitempty"`
	RollupContribution *bool    `json:"rollupContribution,omitempty"`
}

// handleSetParent handles PUT /v1/sessions/{sid}/nodes/{id}/parent.
func (s *Server) handleSetParent(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFor(w, r, "set_parent")
	if !ok {
		return
	}
	var in setParentInput
	if !decodeBody(w, r, &in) {
		return
	}
	opts := rollup.DefaultEdgeOptions()
	if in.Weight != nil {
		opts.Weight = *in.Weight
	}
	if in.RollupContribution != nil {
		opts.RollupContribution = *in.RollupContribution
	}
	ch, err := sess.SetParent(r.Context(), r.PathValue("id"), in.ParentID, opts)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

// handleRemoveParent handles DELETE /v1/sessions/{sid}/nodes/{id}/parent.
func (s *Server) handleRemoveParent(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFor(w, r, "remove_parent")
	if !ok {
		return
	}
	ch, err := sess.RemoveParent(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

// handleRecalculate handles POST /v1/sessions/{sid}/nodes/{id}/recalculate.
// ?fields=a,b restricts which rollup fields are rewritten. Concurrent
// requests for the same node and fields share one pass.
func (s *Server) handleRecalculate(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFor(w, r, "recalculate")
	if !ok {
		return
	}
	nodeID := r.PathValue("id")
	var fields []string
	if q := r.URL.Query().Get("fields"); q != "" {
		for _, f := range strings.Split(q, ",") {
			if f = strings.TrimSpace(f); f != "" {
				fields = append(fields, f)
			}
		}
	}

	key := sess.ID() + "/" + nodeID + "/" + strings.Join(fields, ",")
	v, err, _ := s.recalc.Do(key, func() (any, error) {
		return sess.Recalculate(r.Context(), nodeID, fields...)
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v.(*rollup.Result))
}

// handleRoster handles GET /v1/sessions/roster.
func (s *Server) handleRoster(w http.ResponseWriter, r *http.Request) {
	// Parse optional stale_threshold_secs query param (default: all sessions).
	var staleThreshold time.Duration
	if v := r.URL.Query().Get("stale_threshold_secs"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs < 0 {
			writeEngineError(w, model.NewValidationError("stale_threshold_secs", "must be a non-negative integer"))
			return
		}
		staleThreshold = time.Duration(secs) * time.Second
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.Presence.Roster(staleThreshold)})
}
