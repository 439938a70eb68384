package server

import (
	"encoding/json"
	"net/http"
)

func (s *Server) getPreferences(w http.ResponseWriter, r *http.Request) {
	prefs, err := s.store.GetPreferences(r.Context(), namespaceFrom(r))
	if err != nil {
		writeInternalError(w)
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

type updatePreferencesRequest struct {
	ReadyAnnouncements      *bool   `json:"readyAnnouncements,omitempty"`
	PermissionNotifications *bool   `json:"permissionNotifications,omitempty"`
	ErrorNotifications      *bool   `json:"errorNotifications,omitempty"`
	TeamGroupStyle          *string `json:"teamGroupStyle,omitempty"`
}

func (s *Server) updatePreferences(w http.ResponseWriter, r *http.Request) {
	var req updatePreferencesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, "invalid request body")
		return
	}

	prefs, err := s.store.UpdatePreferences(r.Context(), namespaceFrom(r), req.ReadyAnnouncements, req.PermissionNotifications, req.ErrorNotifications, req.TeamGroupStyle)
	if err != nil {
		writeInternalError(w)
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}
