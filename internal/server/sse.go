package server

import (
	"encoding/json"
	"net/http"

	"github.com/hapi-hub/hapi/internal/logging"
)

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("clientId")
	if clientID == "" {
		writeValidationError(w, "clientId query parameter is required")
		return
	}
	if err := s.sseManager.ServeHTTP(w, r, clientID, namespaceFrom(r)); err != nil {
		logging.Warn().Err(err).Str("clientId", clientID).Msg("sse stream ended with error")
	}
}

type setVisibilityRequest struct {
	ClientID string `json:"clientId"`
	Visible  bool   `json:"visible"`
}

func (s *Server) setVisibility(w http.ResponseWriter, r *http.Request) {
	var req setVisibilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, "invalid request body")
		return
	}
	if req.ClientID == "" {
		writeValidationError(w, "clientId is required")
		return
	}
	s.sseManager.SetVisible(req.ClientID, req.Visible)
	writeSuccess(w)
}

// serveRunnerSocket upgrades a runner's connection on /cli. The socket id
// is the machine's own id, supplied as a query parameter since the
// handshake happens before any RPC registration.
func (s *Server) serveRunnerSocket(w http.ResponseWriter, r *http.Request) {
	machineID := r.URL.Query().Get("machineId")
	if machineID == "" {
		writeValidationError(w, "machineId query parameter is required")
		return
	}
	if err := s.runnerHub.ServeHTTP(w, r, machineID); err != nil {
		logging.Warn().Err(err).Str("machineId", machineID).Msg("runner socket closed with error")
	}
}
