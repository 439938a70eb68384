package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/hapi-hub/hapi/internal/beads"
	"github.com/hapi-hub/hapi/internal/coordinator"
	"github.com/hapi-hub/hapi/internal/event"
	"github.com/hapi-hub/hapi/internal/rpcregistry"
	"github.com/hapi-hub/hapi/internal/runnersocket"
	"github.com/hapi-hub/hapi/internal/sse"
	"github.com/hapi-hub/hapi/internal/sessioncache"
	"github.com/hapi-hub/hapi/internal/store"
)

type noopRPC struct{}

func (noopRPC) SpawnSession(ctx context.Context, machineID string, req coordinator.SpawnRequest) (coordinator.SpawnResult, error) {
	return coordinator.SpawnResult{}, nil
}
func (noopRPC) RestartSession(ctx context.Context, machineID, sessionID string) error { return nil }

func setupTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	dir := t.TempDir()
	bus := event.New()
	t.Cleanup(func() { bus.Close() })

	st, err := store.Open(context.Background(), filepath.Join(dir, "hapi.db"), bus)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	registry := rpcregistry.New()
	cache := sessioncache.New(st, bus)
	coord := coordinator.New(st, bus, noopRPC{})
	beadsSvc := beads.New(st, bus, noopRPC2{})
	sseManager := sse.NewManager(bus)
	runnerHub := runnersocket.NewHub(registry, sessioncache.NewPresenceAdapter(cache, st))

	const token = "test-base-token"
	srv := New(DefaultConfig(), st, bus, cache, registry, coord, sseManager, beadsSvc, runnerHub, token)
	return srv, token
}

type noopRPC2 struct{}

func (noopRPC2) ShowSessionBeads(ctx context.Context, sessionID string, beadIDs []string) (map[string]json.RawMessage, error) {
	return nil, nil
}
func (noopRPC2) ShowMachineBeads(ctx context.Context, machineID string, beadIDs []string) (map[string]json.RawMessage, error) {
	return nil, nil
}

func TestAuthenticate_RejectsMissingToken(t *testing.T) {
	srv, _ := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestAuthenticate_RejectsWrongToken(t *testing.T) {
	srv, _ := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestAuthenticate_AcceptsCorrectToken(t *testing.T) {
	srv, token := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("X-Hapi-Protocol-Version"); got != protocolVersion {
		t.Errorf("expected protocol version header %q, got %q", protocolVersion, got)
	}
}

func TestSplitToken_FallsBackToDefaultNamespace(t *testing.T) {
	base, ns := splitToken("abc123")
	if base != "abc123" || ns != defaultNamespace {
		t.Errorf("expected (abc123, default), got (%s, %s)", base, ns)
	}
}

func TestSplitToken_ParsesNamespaceSuffix(t *testing.T) {
	base, ns := splitToken("abc123.alpha")
	if base != "abc123" || ns != "alpha" {
		t.Errorf("expected (abc123, alpha), got (%s, %s)", base, ns)
	}
}

func TestSplitToken_RejectsInvalidSuffixCharacters(t *testing.T) {
	base, ns := splitToken("abc123.not valid")
	if base != "abc123.not valid" || ns != defaultNamespace {
		t.Errorf("expected fallback to default namespace, got (%s, %s)", base, ns)
	}
}

func TestCreateAndGetSession_RoundTrips(t *testing.T) {
	srv, token := setupTestServer(t)

	body, _ := json.Marshal(createSessionRequest{Tag: "my-session"})
	req := httptest.NewRequest(http.MethodPost, "/sessions/", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("createSession: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var created map[string]any
	if err := json.NewDecoder(w.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	id, _ := created["id"].(string)
	if id == "" {
		t.Fatal("expected non-empty session id")
	}

	getReq := httptest.NewRequest(http.MethodGet, "/sessions/"+id+"/", nil)
	getReq.Header.Set("Authorization", "Bearer "+token)
	getW := httptest.NewRecorder()
	srv.Router().ServeHTTP(getW, getReq)

	if getW.Code != http.StatusOK {
		t.Fatalf("getSession: expected 200, got %d: %s", getW.Code, getW.Body.String())
	}
}

func TestGetSession_UnknownIDIsNotFound(t *testing.T) {
	srv, token := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/sessions/does-not-exist/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}
