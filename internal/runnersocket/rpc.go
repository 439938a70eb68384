package runnersocket

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hapi-hub/hapi/internal/coordinator"
)

// Methods are registered by runners under an id-prefixed name so the
// registry's single `method -> ownerSocketId` mapping can route a call to
// exactly the machine or session that owns it, even though many runners
// share the same literal RPC name (spec §4.2, §4.5, §4.6).
func spawnMethod(machineID string) string       { return machineID + ":spawn-happy-session" }
func restartMethod(machineID string) string     { return machineID + ":restart-session" }
func showSessionMethod(sessionID string) string { return sessionID + ":show-session-beads" }
func showMachineMethod(machineID string) string { return machineID + ":show-machine-beads" }

// SpawnSession implements coordinator.RPCCaller by routing to the socket
// that registered machineID's spawn method.
func (h *Hub) SpawnSession(ctx context.Context, machineID string, req coordinator.SpawnRequest) (coordinator.SpawnResult, error) {
	sock := h.SocketForMethod(spawnMethod(machineID))
	if sock == nil {
		return coordinator.SpawnResult{}, fmt.Errorf("no runner registered for %s", spawnMethod(machineID))
	}

	raw, err := sock.EmitWithAck(ctx, spawnMethod(machineID), req, 30*time.Second)
	if err != nil {
		return coordinator.SpawnResult{}, err
	}

	var result coordinator.SpawnResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return coordinator.SpawnResult{}, fmt.Errorf("decode spawn-happy-session ack: %w", err)
	}
	return result, nil
}

// RestartSession implements coordinator.RPCCaller.
func (h *Hub) RestartSession(ctx context.Context, machineID, sessionID string) error {
	sock := h.SocketForMethod(restartMethod(machineID))
	if sock == nil {
		return fmt.Errorf("no runner registered for %s", restartMethod(machineID))
	}
	_, err := sock.EmitWithAck(ctx, restartMethod(machineID), map[string]string{"sessionId": sessionID}, 15*time.Second)
	return err
}

// ShowSessionBeads implements beads.RPCCaller by routing to the session's
// own socket (spec §4.5 step 4, first attempt).
func (h *Hub) ShowSessionBeads(ctx context.Context, sessionID string, beadIDs []string) (map[string]json.RawMessage, error) {
	sock := h.SocketForMethod(showSessionMethod(sessionID))
	if sock == nil {
		return nil, fmt.Errorf("no runner registered for %s", showSessionMethod(sessionID))
	}
	return h.callShowBeads(ctx, sock, showSessionMethod(sessionID), beadIDs)
}

// ShowMachineBeads implements beads.RPCCaller, the fallback path when a
// session's own socket can't serve the request.
func (h *Hub) ShowMachineBeads(ctx context.Context, machineID string, beadIDs []string) (map[string]json.RawMessage, error) {
	sock := h.SocketForMethod(showMachineMethod(machineID))
	if sock == nil {
		return nil, fmt.Errorf("no runner registered for %s", showMachineMethod(machineID))
	}
	return h.callShowBeads(ctx, sock, showMachineMethod(machineID), beadIDs)
}

func (h *Hub) callShowBeads(ctx context.Context, sock *Socket, method string, beadIDs []string) (map[string]json.RawMessage, error) {
	raw, err := sock.EmitWithAck(ctx, method, map[string][]string{"beadIds": beadIDs}, 10*time.Second)
	if err != nil {
		return nil, err
	}
	var result map[string]json.RawMessage
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode %s ack: %w", method, err)
	}
	return result, nil
}
