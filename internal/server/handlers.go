package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/mcpgate/mcpgate-go/internal/auth"
)

// handleHealthz reports liveness.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleListTools serves the direct (non-session) tool listing.
func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	tools, err := s.dispatcher.ListTools(r.Context(), TenantKeyFromContext(r.Context()), r.URL.Query().Get("server"))
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		s.logger.Error("tool listing failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "server_error", "tool listing failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"tools": tools})
}

// callToolRequest is the direct tool-call body.
type callToolRequest struct {
	Name   string         `json:"name"`
	Server string         `json:"server,omitempty"`
	Args   map[string]any `json:"args,omitempty"`
}

// handleCallTool forwards one tool call. Downstream failures come back as
// a 200 with a structured error result so clients can tell a rejected call
// from one that executed and failed.
func (s *Server) handleCallTool(w http.ResponseWriter, r *http.Request) {
	var req callToolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "failed to parse request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing tool name")
		return
	}

	target := req.Name
	if req.Server != "" {
		target = req.Server + ":" + req.Name
	}

	s.logger.Debug("dispatching tool call",
		zap.String("client_id", ClientIDFromContext(r.Context())),
		zap.String("target", target))

	result, err := s.dispatcher.CallTool(r.Context(), TenantKeyFromContext(r.Context()), target, req.Args)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		s.logger.Error("tool call failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "server_error", "tool call failed")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// handleListSessions reports the live protocol sessions.
func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"count":    s.sessions.Count(),
		"sessions": s.sessions.List(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"error":   code,
		"message": message,
	})
}
