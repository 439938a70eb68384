package server

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Error kinds, per the six-way taxonomy: validation, auth, not_found,
// conflict, service_unavailable, remote_failure.
const (
	ErrCodeValidation         = "validation"
	ErrCodeAuth               = "auth"
	ErrCodeNotFound           = "not_found"
	ErrCodeConflict           = "conflict"
	ErrCodeServiceUnavailable = "service_unavailable"
	ErrCodeRemoteFailure      = "remote_failure"
)

// Stable remote-failure messages. These are surfaced verbatim to callers
// so a CLI can match on them without parsing free text.
const (
	MsgRunnerNotRegistered = "RPC handler not registered"
	MsgRunnerTimedOut      = "timed_out"
	MsgBeadsCommandTimeout = "Beads command timed out"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// writeErrorWithDetails writes an error response with details.
func writeErrorWithDetails(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

// writeSuccess writes a success response.
func writeSuccess(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// writeValidationError writes a 400 validation error.
func writeValidationError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeValidation, message)
}

// writeNotFound writes a 404 not_found error.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// writeAccessDenied writes a 403 auth error.
func writeAccessDenied(w http.ResponseWriter, message string) {
	writeError(w, http.StatusForbidden, ErrCodeAuth, message)
}

// writeConflict writes a 409 conflict error.
func writeConflict(w http.ResponseWriter, message string) {
	writeError(w, http.StatusConflict, ErrCodeConflict, message)
}

// writeServiceUnavailable writes a 503 service_unavailable error, used
// when no runner socket is registered to serve a request.
func writeServiceUnavailable(w http.ResponseWriter, message string) {
	writeError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, message)
}

// writeRemoteFailure writes a 502 remote_failure error, used when a
// runner RPC call itself errored or timed out.
func writeRemoteFailure(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadGateway, ErrCodeRemoteFailure, message)
}

// writeInternalError writes a sanitized 500; internal details never
// reach the client.
func writeInternalError(w http.ResponseWriter) {
	writeError(w, http.StatusInternalServerError, ErrCodeRemoteFailure, "internal error")
}
