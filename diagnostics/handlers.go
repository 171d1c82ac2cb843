package diagnostics

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/devblac/sport-tracker-sub010/errors"
)

const maxActivityBody = 64 * 1024

// activityRequest is the body of POST /activity
type activityRequest struct {
	Type     string `json:"type"`
	Target   string `json:"target"`
	Location string `json:"location"`
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := s.engine.Health()
	code := http.StatusOK
	if status.IsUnhealthy() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

func (s *Server) handleComponent(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "component")
	report, ok := s.engine.Component(name)
	if !ok {
		s.writeError(w, r, http.StatusNotFound, fmt.Errorf("unknown component %q, expected one of %v", name, s.engine.Components()))
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	var req activityRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxActivityBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("decode activity: %w", err))
		return
	}

	if err := s.engine.RecordAction(r.Context(), req.Type, req.Target, req.Location); err != nil {
		code := http.StatusInternalServerError
		if errors.IsInvalid(err) {
			code = http.StatusBadRequest
		}
		s.writeError(w, r, code, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, code int, err error) {
	if code >= http.StatusInternalServerError {
		s.logger.Error("Request failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, code, errorResponse{Error: err.Error(), RequestID: w.Header().Get(requestIDHeader)})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
