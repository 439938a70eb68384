package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hapi-hub/hapi/internal/coordinator"
	"github.com/hapi-hub/hapi/pkg/types"
)

type createSessionRequest struct {
	Tag             string          `json:"tag"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	AgentState      json.RawMessage `json:"agentState,omitempty"`
	ParentSessionID *string         `json:"parentSessionId,omitempty"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, "invalid request body")
		return
	}
	if req.Tag == "" {
		writeValidationError(w, "tag is required")
		return
	}

	ns := namespaceFrom(r)
	sess, err := s.store.GetOrCreateSession(r.Context(), req.Tag, ns, req.Metadata, req.AgentState, req.ParentSessionID)
	if err != nil {
		writeInternalError(w)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	sessions, err := s.store.ListSessions(r.Context(), namespaceFrom(r), activeOnly)
	if err != nil {
		writeInternalError(w)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	sess, access := s.coord.ResolveSessionAccess(r.Context(), id, namespaceFrom(r))
	switch access {
	case coordinator.AccessOK:
		writeJSON(w, http.StatusOK, sess)
	case coordinator.AccessDenied:
		writeAccessDenied(w, "session belongs to a different namespace")
	default:
		writeNotFound(w, "session not found")
	}
}

func (s *Server) getMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if _, access := s.coord.ResolveSessionAccess(r.Context(), id, namespaceFrom(r)); access != coordinator.AccessOK {
		writeSessionAccessError(w, access)
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}

	var (
		msgs []*types.Message
		err  error
	)
	if raw := r.URL.Query().Get("afterSeq"); raw != "" {
		afterSeq, convErr := strconv.ParseInt(raw, 10, 64)
		if convErr != nil {
			writeValidationError(w, "afterSeq must be an integer")
			return
		}
		msgs, err = s.store.GetMessagesAfter(r.Context(), id, afterSeq, limit)
	} else {
		msgs, err = s.store.GetMessages(r.Context(), id, limit)
	}
	if err != nil {
		writeInternalError(w)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

type sendMessageRequest struct {
	SenderSessionID string          `json:"senderSessionId"`
	Content         json.RawMessage `json:"content"`
	HopCount        int             `json:"hopCount"`
}

// sendMessage implements POST /sessions/:id/message, where :id is the
// message's TARGET session and the body names the sender (spec §6).
func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	targetID := chi.URLParam(r, "sessionID")
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, "invalid request body")
		return
	}
	if req.SenderSessionID == "" || len(req.Content) == 0 {
		writeValidationError(w, "senderSessionId and content are required")
		return
	}

	result, err := s.coord.SendMessage(r.Context(), req.SenderSessionID, targetID, namespaceFrom(r), req.Content, req.HopCount)
	if err != nil {
		switch {
		case errors.Is(err, types.ErrNotFound):
			writeNotFound(w, "sender or target session not found")
		case errors.Is(err, types.ErrAccessDenied):
			writeAccessDenied(w, "sender or target session belongs to a different namespace")
		default:
			writeInternalError(w)
		}
		return
	}

	switch result {
	case coordinator.SendMessageDelivered:
		writeJSON(w, http.StatusOK, map[string]string{"result": "delivered"})
	case coordinator.SendMessageNotAuthorized:
		writeAccessDenied(w, "sender is not authorized to message this session")
	case coordinator.SendMessageTooLarge:
		writeValidationError(w, "message exceeds maximum size")
	case coordinator.SendMessageHopLimitExceeded:
		writeValidationError(w, "hop count limit exceeded")
	default:
		writeInternalError(w)
	}
}

type acceptAllMessagesRequest struct {
	Accept bool `json:"accept"`
}

func (s *Server) setAcceptAllMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	ns := namespaceFrom(r)
	if _, access := s.coord.ResolveSessionAccess(r.Context(), id, ns); access != coordinator.AccessOK {
		writeSessionAccessError(w, access)
		return
	}

	var req acceptAllMessagesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, "invalid request body")
		return
	}
	if err := s.store.SetAcceptAllMessages(r.Context(), id, ns, req.Accept); err != nil {
		writeInternalError(w)
		return
	}
	writeSuccess(w)
}

type permissionModeRequest struct {
	RequestID string `json:"requestId"`
	Response  string `json:"response"`
}

func (s *Server) setPermissionMode(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	ns := namespaceFrom(r)
	if _, access := s.coord.ResolveSessionAccess(r.Context(), id, ns); access != coordinator.AccessOK {
		writeSessionAccessError(w, access)
		return
	}

	var req permissionModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, "invalid request body")
		return
	}
	if req.RequestID == "" || req.Response == "" {
		writeValidationError(w, "requestId and response are required")
		return
	}

	if err := s.coord.ResolvePermission(r.Context(), id, ns, req.RequestID, req.Response); err != nil {
		// Internal detail of why resolution failed (stale request id,
		// races with disconnect) is not safe to echo back verbatim
		// (spec §6: sanitized message on 500).
		writeError(w, http.StatusInternalServerError, ErrCodeRemoteFailure, "Failed to apply permission mode")
		return
	}
	writeSuccess(w)
}

func writeSessionAccessError(w http.ResponseWriter, access coordinator.Access) {
	switch access {
	case coordinator.AccessDenied:
		writeAccessDenied(w, "session belongs to a different namespace")
	default:
		writeNotFound(w, "session not found")
	}
}
