package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

type createMachineRequest struct {
	ID       string          `json:"id"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

func (s *Server) createMachine(w http.ResponseWriter, r *http.Request) {
	var req createMachineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, "invalid request body")
		return
	}
	if req.ID == "" {
		writeValidationError(w, "id is required")
		return
	}

	machine, err := s.store.GetOrCreateMachine(r.Context(), req.ID, namespaceFrom(r), req.Metadata)
	if err != nil {
		writeConflict(w, "machine id already exists in a different namespace")
		return
	}
	writeJSON(w, http.StatusOK, machine)
}

func (s *Server) listMachines(w http.ResponseWriter, r *http.Request) {
	machines, err := s.store.ListMachines(r.Context(), namespaceFrom(r))
	if err != nil {
		writeInternalError(w)
		return
	}
	writeJSON(w, http.StatusOK, machines)
}

func (s *Server) getMachine(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "machineID")
	machine, err := s.store.GetMachine(r.Context(), id, namespaceFrom(r))
	if err != nil {
		writeNotFound(w, "machine not found")
		return
	}
	writeJSON(w, http.StatusOK, machine)
}

type spawnSessionRequest struct {
	Directory     string          `json:"directory"`
	Agent         string          `json:"agent"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	InitialPrompt string          `json:"initialPrompt,omitempty"`
}

func (s *Server) spawnSession(w http.ResponseWriter, r *http.Request) {
	machineID := chi.URLParam(r, "machineID")
	ns := namespaceFrom(r)

	if _, err := s.store.GetMachine(r.Context(), machineID, ns); err != nil {
		writeNotFound(w, "machine not found")
		return
	}

	var req spawnSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, "invalid request body")
		return
	}
	if req.Directory == "" || req.Agent == "" {
		writeValidationError(w, "directory and agent are required")
		return
	}

	result, err := s.coord.SpawnSession(r.Context(), machineID, ns, req.Directory, req.Agent, req.Metadata, req.InitialPrompt)
	if err != nil {
		writeServiceUnavailable(w, MsgRunnerNotRegistered)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"type":                  "success",
		"sessionId":             result.SessionID,
		"initialPromptDelivery": result.InitialPromptDelivery,
	})
}

type restartSessionsRequest struct {
	SessionIDs []string `json:"sessionIds,omitempty"`
	MachineID  string   `json:"machineId,omitempty"`
}

func (s *Server) restartSessions(w http.ResponseWriter, r *http.Request) {
	var req restartSessionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, "invalid request body")
		return
	}

	results, err := s.coord.RestartSessions(r.Context(), namespaceFrom(r), req.SessionIDs, req.MachineID)
	if err != nil {
		writeInternalError(w)
		return
	}
	writeJSON(w, http.StatusOK, results)
}
