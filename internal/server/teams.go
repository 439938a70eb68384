package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hapi-hub/hapi/pkg/types"
)

type createTeamRequest struct {
	Name       string `json:"name"`
	Color      string `json:"color"`
	TTLSeconds int64  `json:"ttlSeconds,omitempty"`
}

func (s *Server) createTeam(w http.ResponseWriter, r *http.Request) {
	var req createTeamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, "invalid request body")
		return
	}
	if req.Name == "" {
		writeValidationError(w, "name is required")
		return
	}

	team, err := s.store.CreateTeam(r.Context(), req.Name, namespaceFrom(r), req.Color, "", req.TTLSeconds)
	if err != nil {
		if errors.Is(err, types.ErrConflict) {
			writeConflict(w, "a team with this name already exists")
			return
		}
		writeInternalError(w)
		return
	}
	writeJSON(w, http.StatusOK, team)
}

func (s *Server) listTeams(w http.ResponseWriter, r *http.Request) {
	teams, err := s.store.ListTeams(r.Context(), namespaceFrom(r))
	if err != nil {
		writeInternalError(w)
		return
	}
	writeJSON(w, http.StatusOK, teams)
}

func (s *Server) getTeam(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "teamID")
	team, err := s.teamOrError(w, r, id)
	if err != nil {
		return
	}
	writeJSON(w, http.StatusOK, team)
}

type updateTeamRequest struct {
	Name       *string `json:"name,omitempty"`
	Color      *string `json:"color,omitempty"`
	TTLSeconds *int64  `json:"ttlSeconds,omitempty"`
}

func (s *Server) updateTeam(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "teamID")
	if _, err := s.teamOrError(w, r, id); err != nil {
		return
	}

	var req updateTeamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, "invalid request body")
		return
	}
	if err := s.store.UpdateTeam(r.Context(), id, namespaceFrom(r), req.Name, req.Color, req.TTLSeconds); err != nil {
		if errors.Is(err, types.ErrAccessDenied) {
			writeAccessDenied(w, "cannot rename the always-on team")
			return
		}
		writeInternalError(w)
		return
	}
	writeSuccess(w)
}

func (s *Server) deleteTeam(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "teamID")
	if _, err := s.teamOrError(w, r, id); err != nil {
		return
	}
	if err := s.store.DeleteTeam(r.Context(), id, namespaceFrom(r)); err != nil {
		if errors.Is(err, types.ErrAccessDenied) {
			writeAccessDenied(w, "cannot delete the always-on team")
			return
		}
		writeInternalError(w)
		return
	}
	writeSuccess(w)
}

type addTeamMemberRequest struct {
	SessionID string `json:"sessionId"`
}

func (s *Server) addTeamMember(w http.ResponseWriter, r *http.Request) {
	teamID := chi.URLParam(r, "teamID")
	if _, err := s.teamOrError(w, r, teamID); err != nil {
		return
	}

	var req addTeamMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, "invalid request body")
		return
	}
	if req.SessionID == "" {
		writeValidationError(w, "sessionId is required")
		return
	}

	if err := s.store.AddMember(r.Context(), teamID, req.SessionID); err != nil {
		if errors.Is(err, types.ErrConflict) {
			writeConflict(w, "session already belongs to a team")
			return
		}
		writeInternalError(w)
		return
	}
	writeSuccess(w)
}

func (s *Server) removeTeamMember(w http.ResponseWriter, r *http.Request) {
	teamID := chi.URLParam(r, "teamID")
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := s.teamOrError(w, r, teamID); err != nil {
		return
	}
	if err := s.store.RemoveMember(r.Context(), teamID, sessionID); err != nil {
		writeInternalError(w)
		return
	}
	writeSuccess(w)
}

// teamOrError resolves a team within the caller's namespace, writing the
// appropriate error response and returning a non-nil error if it can't.
func (s *Server) teamOrError(w http.ResponseWriter, r *http.Request, id string) (*types.Team, error) {
	team, err := s.store.GetTeam(r.Context(), id, namespaceFrom(r))
	if err != nil {
		if errors.Is(err, types.ErrAccessDenied) {
			writeAccessDenied(w, "team belongs to a different namespace")
		} else {
			writeNotFound(w, "team not found")
		}
		return nil, err
	}
	return team, nil
}
