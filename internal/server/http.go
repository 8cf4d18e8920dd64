package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alfredjeanlab/plangraph/internal/model"
	"github.com/alfredjeanlab/plangraph/internal/session"
	"github.com/alfredjeanlab/plangraph/internal/store"
)

// HTTPOptions configures the handler returned by NewHTTPHandler.
type HTTPOptions struct {
	// AuthToken, when non-empty, is required as a Bearer token on every
	// request except GET /v1/health.
	AuthToken string
	// Limiter throttles requests per client address. Nil disables it.
	Limiter *RateLimiter
}

// NewHTTPHandler returns an http.Handler with all routes registered.
func (s *Server) NewHTTPHandler(opts HTTPOptions) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/nodes", s.handleCreateNode)
	mux.HandleFunc("GET /v1/nodes", s.handleListNodes)
	mux.HandleFunc("GET /v1/nodes/{id}", s.handleGetNode)
	mux.HandleFunc("GET /v1/nodes/{id}/hierarchy", s.handleGetHierarchy)
	mux.HandleFunc("GET /v1/nodes/{id}/cost", s.handleCostSummary)
	mux.HandleFunc("GET /v1/teams/{id}/capacity", s.handleTeamCapacity)
	mux.HandleFunc("POST /v1/allocation/details", s.handleAllocationDetails)
	mux.HandleFunc("POST /v1/allocation/check", s.handleOverAllocation)

	mux.HandleFunc("POST /v1/sessions", s.handleOpenSession)
	mux.HandleFunc("GET /v1/sessions", s.handleListSessions)
	mux.HandleFunc("DELETE /v1/sessions/{sid}", s.handleCloseSession)
	mux.HandleFunc("POST /v1/sessions/{sid}/flush", s.handleFlush)
	mux.HandleFunc("GET /v1/sessions/{sid}/events", s.handleSessionEvents)
	mux.HandleFunc("POST /v1/sessions/{sid}/nodes/{id}/mount", s.handleMount)
	mux.HandleFunc("GET /v1/sessions/{sid}/nodes/{id}", s.handleSessionNode)
	mux.HandleFunc("PATCH /v1/sessions/{sid}/nodes/{id}", s.handleEdit)
	mux.HandleFunc("DELETE /v1/sessions/{sid}/nodes/{id}", s.handleUnmount)
	mux.HandleFunc("PUT /v1/sessions/{sid}/nodes/{id}/parent", s.handleSetParent)
	mux.HandleFunc("DELETE /v1/sessions/{sid}/nodes/{id}/parent", s.handleRemoveParent)
	mux.HandleFunc("POST /v1/sessions/{sid}/nodes/{id}/recalculate", s.handleRecalculate)

	mux.HandleFunc("GET /v1/sessions/roster", s.handleRoster)
	mux.HandleFunc("GET /v1/events/stream", s.handleEventStream)
	mux.HandleFunc("GET /v1/health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	var h http.Handler = LoggingMiddleware(s.logger, mux)
	h = RecoveryMiddleware(s.logger, h)
	h = RateLimitMiddleware(opts.Limiter, h)
	return AuthMiddleware(opts.AuthToken, h)
}

// handleHealth handles GET /v1/health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ping != nil {
		if err := s.ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "sessions": len(s.Sessions())})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeEngineError maps engine errors to HTTP status codes. Validation
// failures carry their field errors in the body.
func writeEngineError(w http.ResponseWriter, err error) {
	var ve *model.ValidationError
	switch {
	case errors.As(err, &ve):
		fields := make(map[string]string, len(ve.Errors))
		for _, fe := range ve.Errors {
			fields[fe.Field] = fe.Message
		}
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": ve.Error(), "fields": fields})
	case errors.Is(err, store.ErrNotFound), errors.Is(err, errSessionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrClosed):
		writeError(w, http.StatusGone, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// decodeBody decodes a JSON request body into v, writing a 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}
