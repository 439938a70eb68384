package types

// PermissionMode is the runner-resolved live mode governing whether a tool
// call auto-approves or prompts (spec §4.6). The hub never chooses a mode;
// it only stores and surfaces the pending prompts that fall out of it.
type PermissionMode string

const (
	PermissionModeDefault           PermissionMode = "default"
	PermissionModePlan              PermissionMode = "plan"
	PermissionModeAcceptEdits       PermissionMode = "acceptEdits"
	PermissionModeBypassPermissions PermissionMode = "bypassPermissions"
)

// EditToolNames is the tool set acceptEdits auto-approves without
// prompting (spec §4.6).
var EditToolNames = map[string]bool{
	"Edit":         true,
	"Write":        true,
	"MultiEdit":    true,
	"NotebookEdit": true,
	"Update":       true,
}

// PendingPermissionRequest is stored under a session's agentState.requests
// keyed by tool-call id while a prompt awaits a response.
type PendingPermissionRequest struct {
	ID             string         `json:"id"`
	SessionID      string         `json:"sessionId"`
	CallID         string         `json:"callId"`
	PermissionType string         `json:"permissionType"`
	Pattern        []string       `json:"pattern,omitempty"`
	Title          string         `json:"title"`
	RequestedAt    int64          `json:"requestedAt"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// CompletedRequest is what a PendingPermissionRequest becomes once
// resolved, retained briefly for audit/UI purposes.
type CompletedRequest struct {
	PendingPermissionRequest
	Response   string `json:"response"` // "once" | "always" | "reject" | "aborted"
	ResolvedAt int64  `json:"resolvedAt"`
}
