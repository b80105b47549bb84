package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/northlight-studio/atelier/internal/store"
)

// POST /assist/sessions — start (or resume) a call-assistant session
func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.assist == nil {
		writeError(w, http.StatusServiceUnavailable, "call assistant is disabled")
		return
	}

	var req struct {
		ProjectID int64  `json:"project_id"`
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json request body")
		return
	}
	if req.ProjectID == 0 {
		writeError(w, http.StatusBadRequest, "project_id is required")
		return
	}
	if _, err := s.store.GetProject(r.Context(), req.ProjectID); err != nil {
		writeStoreError(w, err)
		return
	}

	// Sessions outlive the request; tie them to the server context instead.
	sess, err := s.assist.Start(s.baseContext(), req.ProjectID, strings.TrimSpace(req.SessionID))
	if err != nil {
		s.logger.Error("failed to start call session", "project_id", req.ProjectID, "error", err)
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	w.WriteHeader(http.StatusCreated)
	writeJSON(w, map[string]any{
		"session_id": sess.ID(),
		"state":      sess.State(),
		"last_seq":   sess.LastSeq(),
	})
}

// routeSessions routes /assist/sessions/{id} to the appropriate handler
func (s *Server) routeSessions(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/assist/sessions/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "session id required")
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.handleSessionDetail(w, r, id)
	case http.MethodDelete:
		s.handleSessionStop(w, r, id)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// GET /assist/sessions/{id} — live state when running, else the persisted
// recovery record
func (s *Server) handleSessionDetail(w http.ResponseWriter, r *http.Request, id string) {
	if s.assist != nil {
		if sess, ok := s.assist.Get(id); ok {
			writeJSON(w, map[string]any{
				"session_id": id,
				"state":      sess.State(),
				"last_seq":   sess.LastSeq(),
				"live":       true,
			})
			return
		}
	}

	sess, err := s.store.GetCallSession(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, map[string]any{
		"session_id": sess.ID,
		"state":      sess.State,
		"last_seq":   sess.LastSeq,
		"live":       false,
	})
}

// DELETE /assist/sessions/{id}
func (s *Server) handleSessionStop(w http.ResponseWriter, r *http.Request, id string) {
	if s.assist == nil {
		writeError(w, http.StatusServiceUnavailable, "call assistant is disabled")
		return
	}
	if err := s.assist.Stop(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, map[string]any{"session_id": id, "stopped": true})
}

// GET /projects/{id}/sessions — persisted sessions for a project
func (s *Server) handleProjectSessions(w http.ResponseWriter, r *http.Request, projectID int64) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if _, err := s.store.GetProject(r.Context(), projectID); err != nil {
		writeStoreError(w, err)
		return
	}
	sessions, err := s.store.ListCallSessions(r.Context(), projectID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if sessions == nil {
		sessions = []store.CallSession{}
	}
	writeJSON(w, sessions)
}
