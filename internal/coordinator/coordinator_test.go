package coordinator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/hapi-hub/hapi/internal/event"
	"github.com/hapi-hub/hapi/internal/store"
	"github.com/hapi-hub/hapi/pkg/types"
)

type fakeRPC struct {
	spawnResult  SpawnResult
	spawnErr     error
	restartErr   error
	restartedIDs []string
}

func (f *fakeRPC) SpawnSession(ctx context.Context, machineID string, req SpawnRequest) (SpawnResult, error) {
	return f.spawnResult, f.spawnErr
}

func (f *fakeRPC) RestartSession(ctx context.Context, machineID, sessionID string) error {
	f.restartedIDs = append(f.restartedIDs, sessionID)
	return f.restartErr
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(context.Background(), filepath.Join(dir, "hapi.db"), event.New())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		st.Close()
		os.RemoveAll(dir)
	})
	return st
}

func TestSendMessage_AuthorizesParentToChild(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	bus := event.New()
	defer bus.Close()

	parent, err := st.GetOrCreateSession(ctx, "parent", "default", nil, nil, nil)
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	child, err := st.GetOrCreateSession(ctx, "child", "default", nil, nil, &parent.ID)
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}

	c := New(st, bus, &fakeRPC{})
	result, err := c.SendMessage(ctx, parent.ID, child.ID, "default", json.RawMessage(`"hi"`), 0)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if result != SendMessageDelivered {
		t.Errorf("expected delivered, got %v", result)
	}
}

func TestSendMessage_RejectsUnrelatedSessions(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	bus := event.New()
	defer bus.Close()

	a, err := st.GetOrCreateSession(ctx, "a", "default", nil, nil, nil)
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	b, err := st.GetOrCreateSession(ctx, "b", "default", nil, nil, nil)
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}

	c := New(st, bus, &fakeRPC{})
	result, err := c.SendMessage(ctx, a.ID, b.ID, "default", json.RawMessage(`"hi"`), 0)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if result != SendMessageNotAuthorized {
		t.Errorf("expected not_authorized, got %v", result)
	}
}

func TestSendMessage_RejectsOversizedContent(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	bus := event.New()
	defer bus.Close()

	a, err := st.GetOrCreateSession(ctx, "a", "default", nil, nil, nil)
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	if err := st.SetAcceptAllMessages(ctx, a.ID, "default", true); err != nil {
		t.Fatalf("SetAcceptAllMessages: %v", err)
	}
	b, err := st.GetOrCreateSession(ctx, "b", "default", nil, nil, nil)
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}

	c := New(st, bus, &fakeRPC{})
	big := make([]byte, MaxMessageBytes+1)
	result, err := c.SendMessage(ctx, b.ID, a.ID, "default", json.RawMessage(big), 0)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if result != SendMessageTooLarge {
		t.Errorf("expected message_too_large, got %v", result)
	}
}

func TestSendMessage_RejectsAtHopLimit(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	bus := event.New()
	defer bus.Close()

	parent, _ := st.GetOrCreateSession(ctx, "parent", "default", nil, nil, nil)
	child, _ := st.GetOrCreateSession(ctx, "child", "default", nil, nil, &parent.ID)

	c := New(st, bus, &fakeRPC{})
	result, err := c.SendMessage(ctx, parent.ID, child.ID, "default", json.RawMessage(`"hi"`), MaxHopCount)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if result != SendMessageHopLimitExceeded {
		t.Errorf("expected hop_limit_exceeded, got %v", result)
	}
}

func TestRestartSessions_AggregatesPerSessionResults(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	bus := event.New()
	defer bus.Close()

	machine, err := st.GetOrCreateMachine(ctx, "machine-1", "default", nil)
	if err != nil {
		t.Fatalf("GetOrCreateMachine: %v", err)
	}
	sess, err := st.GetOrCreateSession(ctx, "tag-1", "default", nil, nil, nil)
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	if _, err := st.DB().ExecContext(ctx, `UPDATE sessions SET machine_id = ? WHERE id = ?`, machine.ID, sess.ID); err != nil {
		t.Fatalf("attach machine: %v", err)
	}

	rpc := &fakeRPC{}
	c := New(st, bus, rpc)
	results, err := c.RestartSessions(ctx, "default", []string{sess.ID}, "")
	if err != nil {
		t.Fatalf("RestartSessions: %v", err)
	}
	if len(results) != 1 || !results[0].Success {
		t.Fatalf("expected one successful restart result, got %+v", results)
	}
	if len(rpc.restartedIDs) != 1 || rpc.restartedIDs[0] != sess.ID {
		t.Errorf("expected restart RPC against %s, got %v", sess.ID, rpc.restartedIDs)
	}
}

func TestRequestPermission_ResolveWakesWaiter(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	bus := event.New()
	defer bus.Close()

	sess, err := st.GetOrCreateSession(ctx, "tag-1", "default", nil, nil, nil)
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}

	c := New(st, bus, &fakeRPC{})
	ch, err := c.RequestPermission(ctx, types.PendingPermissionRequest{
		ID:        "req-1",
		SessionID: sess.ID,
		CallID:    "call-1",
		Title:     "Run rm -rf",
	})
	if err != nil {
		t.Fatalf("RequestPermission: %v", err)
	}

	updated, err := st.GetSession(ctx, sess.ID, "default")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if c.PendingRequestsCount(updated) != 1 {
		t.Fatalf("expected 1 pending request, got %d", c.PendingRequestsCount(updated))
	}

	if err := c.ResolvePermission(ctx, sess.ID, "default", "req-1", "once"); err != nil {
		t.Fatalf("ResolvePermission: %v", err)
	}

	select {
	case resp := <-ch:
		if resp != "once" {
			t.Errorf("expected response 'once', got %q", resp)
		}
	default:
		t.Fatal("expected resolved response to be buffered on the channel")
	}

	final, err := st.GetSession(ctx, sess.ID, "default")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if c.PendingRequestsCount(final) != 0 {
		t.Errorf("expected 0 pending requests after resolve, got %d", c.PendingRequestsCount(final))
	}
}

func TestSpawnSession_DeliversInitialPromptWhenSessionGoesAlive(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	bus := event.New()
	defer bus.Close()

	machine, err := st.GetOrCreateMachine(ctx, "machine-1", "default", nil)
	if err != nil {
		t.Fatalf("GetOrCreateMachine: %v", err)
	}
	sess, err := st.GetOrCreateSession(ctx, "spawned", "default", nil, nil, nil)
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	if err := st.SetSessionActive(ctx, sess.ID, "default", true, 1); err != nil {
		t.Fatalf("SetSessionActive: %v", err)
	}

	rpc := &fakeRPC{spawnResult: SpawnResult{SessionID: sess.ID}}
	c := New(st, bus, rpc)

	result, err := c.SpawnSession(ctx, machine.ID, "default", "/tmp/repo", "codex", nil, "Solve this task")
	if err != nil {
		t.Fatalf("SpawnSession: %v", err)
	}
	if result.InitialPromptDelivery != "delivered" {
		t.Fatalf("expected delivered, got %v", result.InitialPromptDelivery)
	}

	msgs, err := st.GetMessages(ctx, sess.ID, 10)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected exactly one message, got %d", len(msgs))
	}
}
