package event

import "github.com/hapi-hub/hapi/pkg/types"

// SessionUpdatedPayload carries the full session record whenever any of
// its observable fields (active, thinking, metadata, agentState, todos,
// sortOrder) changes.
type SessionUpdatedPayload struct {
	Session *types.Session `json:"session"`
}

// SessionRemovedPayload is emitted once per deleted session (including
// batch deletes, one event each, per spec §4.3).
type SessionRemovedPayload struct {
	SessionID string `json:"sessionId"`
}

// MessageAddedPayload is emitted when a message is appended to a session.
type MessageAddedPayload struct {
	Message *types.Message `json:"message"`
}

// BeadsUpdatedPayload is emitted when a bead poll changes a session's
// stored snapshots. Version is a monotonic per-session counter so clients
// can discard stale deliveries.
type BeadsUpdatedPayload struct {
	SessionID string `json:"sessionId"`
	Version   int64  `json:"version"`
}

// MachineUpdatedPayload mirrors SessionUpdatedPayload for machines.
type MachineUpdatedPayload struct {
	Machine *types.Machine `json:"machine"`
}

// TeamUpdatedPayload is emitted on team create/update/delete/membership
// changes.
type TeamUpdatedPayload struct {
	Team *types.Team `json:"team"`
}

// PermissionRequestedPayload is emitted when a tool call produces a
// pending permission request.
type PermissionRequestedPayload struct {
	RequestID      string   `json:"requestId"`
	SessionID      string   `json:"sessionId"`
	PermissionType string   `json:"permissionType"`
	Pattern        []string `json:"pattern,omitempty"`
	Title          string   `json:"title"`
}

// PermissionResolvedPayload is emitted when a pending permission request
// is approved, denied, or aborted.
type PermissionResolvedPayload struct {
	RequestID string `json:"requestId"`
	SessionID string `json:"sessionId"`
	Response  string `json:"response"` // "once" | "always" | "reject" | "aborted"
}
