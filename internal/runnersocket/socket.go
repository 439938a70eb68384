// Package runnersocket is the websocket transport runners connect over on
// the `/cli` namespace: method registration, inbound presence events
// (session-alive, session-end), and outbound RPC dispatch by method-id lookup through the
// rpcregistry (spec §4.2, §6 "Socket interface (runners)").
package runnersocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hapi-hub/hapi/internal/logging"
	"github.com/hapi-hub/hapi/internal/rpcregistry"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// envelope is the wire format for both directions: method identifies the
// RPC or inbound event name, id correlates a call with its ack, payload
// carries the opaque body.
type envelope struct {
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// PresenceHandler receives the inbound presence/lifecycle events a runner
// emits outside the RPC-ack flow.
type PresenceHandler interface {
	SessionAlive(sessionID string, at time.Time, thinking bool, thinkingActivity string)
	SessionEnd(sessionID string, at time.Time)
}

// Socket wraps one connected runner's websocket and the pending-call
// table used to correlate emitWithAck-style RPCs with their responses.
type Socket struct {
	id       string
	conn     *websocket.Conn
	registry *rpcregistry.Registry
	presence PresenceHandler

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan envelope
	nextID  uint64
}

// Hub tracks every connected runner socket by id.
type Hub struct {
	registry *rpcregistry.Registry
	presence PresenceHandler

	mu      sync.RWMutex
	sockets map[string]*Socket
}

// NewHub constructs a Hub; registry and presence are injected explicitly
// (spec §9 "no module-level singletons").
func NewHub(registry *rpcregistry.Registry, presence PresenceHandler) *Hub {
	return &Hub{registry: registry, presence: presence, sockets: make(map[string]*Socket)}
}

// ServeHTTP upgrades the connection and runs the socket's read loop until
// disconnect, releasing every RPC method it owned on the way out (spec
// §4.2, §5 "unregisterAll must be called on socket disconnect").
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request, socketID string) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	defer conn.Close()

	sock := &Socket{
		id:       socketID,
		conn:     conn,
		registry: h.registry,
		presence: h.presence,
		pending:  make(map[string]chan envelope),
	}

	h.mu.Lock()
	h.sockets[socketID] = sock
	h.mu.Unlock()
	logging.Info().Str("socketId", socketID).Msg("runnersocket: connected")
	defer func() {
		h.mu.Lock()
		delete(h.sockets, socketID)
		h.mu.Unlock()
		h.registry.UnregisterAll(socketID)
		logging.Info().Str("socketId", socketID).Msg("runnersocket: disconnected")
	}()

	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			return err
		}
		sock.handleInbound(env)
	}
}

// Socket returns the connected socket for id, or nil if not connected.
func (h *Hub) Socket(id string) *Socket {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sockets[id]
}

// SocketForMethod resolves the owner of method through the registry and
// returns its live connection.
func (h *Hub) SocketForMethod(method string) *Socket {
	id := h.registry.GetSocketIDForMethod(method)
	if id == "" {
		return nil
	}
	return h.Socket(id)
}

func (s *Socket) handleInbound(env envelope) {
	switch env.Method {
	case "register":
		var body struct {
			Method string `json:"method"`
		}
		if err := json.Unmarshal(env.Payload, &body); err == nil {
			s.registry.Register(s.id, body.Method)
		}
	case "session-alive":
		var body struct {
			SID              string `json:"sid"`
			Time             int64  `json:"time"`
			Thinking         bool   `json:"thinking"`
			ThinkingActivity string `json:"thinkingActivity"`
		}
		if err := json.Unmarshal(env.Payload, &body); err == nil && s.presence != nil {
			s.presence.SessionAlive(body.SID, time.UnixMilli(body.Time), body.Thinking, body.ThinkingActivity)
		}
	case "session-end":
		var body struct {
			SID  string `json:"sid"`
			Time int64  `json:"time"`
		}
		if err := json.Unmarshal(env.Payload, &body); err == nil && s.presence != nil {
			s.presence.SessionEnd(body.SID, time.UnixMilli(body.Time))
		}
	default:
		// An ack for a previously emitted RPC call.
		if env.ID != "" {
			s.mu.Lock()
			ch, ok := s.pending[env.ID]
			s.mu.Unlock()
			if ok {
				ch <- env
			}
		}
	}
}

// EmitWithAck sends method/payload and blocks for the matching ack or
// until timeout elapses, mirroring `socket.timeout(ms).emitWithAck(...)`
// (spec §6).
func (s *Socket) EmitWithAck(ctx context.Context, method string, payload any, timeout time.Duration) (json.RawMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	id := s.newCallID()
	ch := make(chan envelope, 1)
	s.mu.Lock()
	s.pending[id] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	s.writeMu.Lock()
	err = s.conn.WriteJSON(envelope{ID: id, Method: method, Payload: data})
	s.writeMu.Unlock()
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case <-callCtx.Done():
		return nil, fmt.Errorf("timed_out")
	case resp := <-ch:
		if resp.Error != "" {
			return nil, fmt.Errorf("%s", resp.Error)
		}
		return resp.Payload, nil
	}
}

func (s *Socket) newCallID() string {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.mu.Unlock()
	return fmt.Sprintf("%s-%d", s.id, id)
}
