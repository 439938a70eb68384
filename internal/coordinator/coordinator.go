// Package coordinator implements the cross-cutting request handlers that
// couple the store, the RPC registry, and the runner sockets: spawning
// sessions, routing inter-agent messages, restarting sessions, and
// tracking permission prompts (spec §4.6).
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hapi-hub/hapi/internal/event"
	"github.com/hapi-hub/hapi/internal/logging"
	"github.com/hapi-hub/hapi/internal/store"
	"github.com/hapi-hub/hapi/pkg/types"
)

const (
	// MaxMessageBytes bounds an inter-agent message's content size.
	MaxMessageBytes = 100 * 1024
	// MaxHopCount bounds how many times a message may be relayed
	// session-to-session before it is refused.
	MaxHopCount = 10

	spawnRPCTimeout   = 30 * time.Second
	restartRPCTimeout = 15 * time.Second
	sessionAliveWait  = 20 * time.Second
)

// Access mirrors the tri-state resolveSessionAccess contract from spec §4.6:
// routes map Ok/Denied/NotFound to HTTP 200/403/404.
type Access string

const (
	AccessOK       Access = "ok"
	AccessDenied   Access = "access-denied"
	AccessNotFound Access = "not-found"
)

// RPCCaller is the socket-routing surface the Coordinator needs for
// spawning and restarting sessions on a machine. Implemented by the
// runner socket transport and injected explicitly.
type RPCCaller interface {
	SpawnSession(ctx context.Context, machineID string, req SpawnRequest) (SpawnResult, error)
	RestartSession(ctx context.Context, machineID, sessionID string) error
}

// SpawnRequest is the payload sent to a machine's `<machineId>:spawn-happy-session` RPC.
type SpawnRequest struct {
	Directory     string          `json:"directory"`
	Agent         string          `json:"agent,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	InitialPrompt string          `json:"initialPrompt,omitempty"`
}

// SpawnResult is the machine's ack, carrying the id of the session it just
// created (spec §4.6: `{type:"success", sessionId:"S"}`).
type SpawnResult struct {
	SessionID string `json:"sessionId"`
}

// pendingPermission tracks one outstanding permission prompt: ch receives
// the resolved response exactly once.
type pendingPermission struct {
	request types.PendingPermissionRequest
	ch      chan string
}

// Coordinator owns spawn/message/restart/permission request handling. It
// holds no session or machine state of its own beyond in-flight
// permission prompts; all durable state lives in the store.
type Coordinator struct {
	store *store.Store
	bus   *event.Bus
	rpc   RPCCaller

	mu      sync.Mutex
	pending map[string]*pendingPermission // requestId -> pending
}

// New builds a Coordinator against the given store, event bus, and RPC
// caller (spec §9 "no module-level singletons").
func New(st *store.Store, bus *event.Bus, rpc RPCCaller) *Coordinator {
	return &Coordinator{
		store:   st,
		bus:     bus,
		rpc:     rpc,
		pending: make(map[string]*pendingPermission),
	}
}

// ResolveSessionAccess implements the namespace-first authorization rule
// shared by every session-scoped route (spec §4.6).
func (c *Coordinator) ResolveSessionAccess(ctx context.Context, id, namespace string) (*types.Session, Access) {
	sess, err := c.store.GetSession(ctx, id, namespace)
	switch {
	case err == nil:
		return sess, AccessOK
	case errors.Is(err, types.ErrAccessDenied):
		return nil, AccessDenied
	default:
		return nil, AccessNotFound
	}
}

// SendMessageResult is the outcome of a SendMessage call.
type SendMessageResult string

const (
	SendMessageDelivered        SendMessageResult = "delivered"
	SendMessageNotAuthorized    SendMessageResult = "not_authorized"
	SendMessageTooLarge         SendMessageResult = "message_too_large"
	SendMessageHopLimitExceeded SendMessageResult = "hop_limit_exceeded"
)

// SendMessage delivers content from sender to target, enforcing the
// parent/child-or-acceptAllMessages topology rule, a content size cap, and
// a hop-count cap carried in meta.hopCount (spec §4.6).
func (c *Coordinator) SendMessage(ctx context.Context, senderID, targetID, namespace string, content json.RawMessage, hopCount int) (SendMessageResult, error) {
	if len(content) > MaxMessageBytes {
		return SendMessageTooLarge, nil
	}
	if hopCount >= MaxHopCount {
		return SendMessageHopLimitExceeded, nil
	}

	sender, err := c.store.GetSession(ctx, senderID, namespace)
	if err != nil {
		return "", err
	}
	target, err := c.store.GetSession(ctx, targetID, namespace)
	if err != nil {
		return "", err
	}

	authorized := target.AcceptAllMessages
	if target.ParentSessionID != nil && *target.ParentSessionID == senderID {
		authorized = true
	}
	if sender.ParentSessionID != nil && *sender.ParentSessionID == targetID {
		authorized = true
	}
	if !authorized {
		return SendMessageNotAuthorized, nil
	}

	if _, err := c.store.AddMessage(ctx, targetID, content, nil); err != nil {
		return "", err
	}

	msgs, err := c.store.GetMessages(ctx, targetID, 1)
	if err == nil && len(msgs) == 1 {
		c.bus.PublishSync(event.Event{
			Kind:      event.KindMessageAdded,
			Namespace: namespace,
			Payload:   event.MessageAddedPayload{Message: msgs[0]},
		})
	}

	return SendMessageDelivered, nil
}

// RestartResult is the per-session or per-machine outcome reported by
// RestartSessions.
type RestartResult struct {
	SessionID string `json:"sessionId"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// RestartSessions restarts every named session (or, if ids is empty and
// machineID is set, every active session on that machine), aggregating
// per-session RPC results (spec §4.6).
func (c *Coordinator) RestartSessions(ctx context.Context, namespace string, ids []string, machineID string) ([]RestartResult, error) {
	targets := ids
	if len(targets) == 0 && machineID != "" {
		sessions, err := c.store.ListSessions(ctx, namespace, true)
		if err != nil {
			return nil, err
		}
		for _, sess := range sessions {
			if sess.MachineID != nil && *sess.MachineID == machineID {
				targets = append(targets, sess.ID)
			}
		}
	}

	results := make([]RestartResult, 0, len(targets))
	for _, id := range targets {
		sess, err := c.store.GetSession(ctx, id, namespace)
		if err != nil {
			results = append(results, RestartResult{SessionID: id, Success: false, Error: err.Error()})
			continue
		}
		if sess.MachineID == nil {
			results = append(results, RestartResult{SessionID: id, Success: false, Error: "session has no machine"})
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, restartRPCTimeout)
		err = c.rpc.RestartSession(callCtx, *sess.MachineID, id)
		cancel()
		if err != nil {
			results = append(results, RestartResult{SessionID: id, Success: false, Error: err.Error()})
			continue
		}
		results = append(results, RestartResult{SessionID: id, Success: true})
	}
	return results, nil
}

// SpawnSessionResult is returned to the route handler once the spawn RPC
// completes and, for a non-empty initial prompt, the bounded wait for the
// new session to go active resolves.
type SpawnSessionResult struct {
	SessionID             string `json:"sessionId"`
	InitialPromptDelivery string `json:"initialPromptDelivery,omitempty"` // "delivered" | "timed_out"
}

// SpawnSession asks machineID to start a new session, waits briefly for it
// to go active if an initial prompt was supplied, and tags a delivered
// prompt as a user message from "spawn" (spec §4.6).
func (c *Coordinator) SpawnSession(ctx context.Context, machineID, namespace, directory, agent string, metadata json.RawMessage, initialPrompt string) (*SpawnSessionResult, error) {
	if _, err := c.store.GetMachine(ctx, machineID, namespace); err != nil {
		return nil, err
	}

	trimmedPrompt := strings.TrimSpace(initialPrompt)

	callCtx, cancel := context.WithTimeout(ctx, spawnRPCTimeout)
	ack, err := c.rpc.SpawnSession(callCtx, machineID, SpawnRequest{Directory: directory, Agent: agent, Metadata: metadata, InitialPrompt: trimmedPrompt})
	cancel()
	if err != nil {
		return nil, fmt.Errorf("spawn-happy-session rpc: %w", err)
	}

	result := &SpawnSessionResult{SessionID: ack.SessionID}
	if trimmedPrompt == "" {
		return result, nil
	}

	delivered := c.awaitSessionAlive(ctx, ack.SessionID, namespace)
	if delivered {
		payload, _ := json.Marshal(map[string]any{
			"role": "user",
			"text": trimmedPrompt,
			"meta": map[string]any{"sentFrom": "spawn"},
		})
		if _, err := c.store.AddMessage(ctx, ack.SessionID, payload, nil); err != nil {
			logging.Warn().Err(err).Str("sessionId", ack.SessionID).Msg("coordinator: failed to write spawn initial prompt")
		}
		result.InitialPromptDelivery = "delivered"
	} else {
		result.InitialPromptDelivery = "timed_out"
	}
	return result, nil
}

// awaitSessionAlive polls for sessionID to go active within
// sessionAliveWait, returning whether it did.
func (c *Coordinator) awaitSessionAlive(ctx context.Context, sessionID, namespace string) bool {
	deadline := time.Now().Add(sessionAliveWait)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		sess, err := c.store.GetSession(ctx, sessionID, namespace)
		if err == nil && sess.Active {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
