// Package sse streams HAPI's events to web/mobile clients over
// Server-Sent Events, namespace-scoped and throttled by tab visibility
// (spec §4.4).
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hapi-hub/hapi/internal/event"
	"github.com/hapi-hub/hapi/internal/logging"
)

const (
	clientQueueSize = 64
	heartbeatPeriod = 25 * time.Second
)

// wireEvent is what actually gets written to the wire: the event's kind
// as the SSE "event:" field, the payload JSON-encoded as "data:".
type wireEvent struct {
	kind event.Kind
	data []byte
}

// client is one connected SSE subscriber. session-updated events are
// coalesced per sessionId (spec §4.4 "drops stale session-updated for the
// same sessionId if a newer one is queued behind it"); everything else
// goes through a plain FIFO queue.
type client struct {
	id        string
	namespace string

	queue chan wireEvent
	wake  chan struct{}

	mu             sync.Mutex
	visible        bool
	sessionUpdates map[string]wireEvent // sessionId -> latest pending update
}

func newClient(id, namespace string) *client {
	return &client{
		id:             id,
		namespace:      namespace,
		queue:          make(chan wireEvent, clientQueueSize),
		wake:           make(chan struct{}, 1),
		visible:        true,
		sessionUpdates: make(map[string]wireEvent),
	}
}

// send enqueues ev. A session-updated event replaces whatever is already
// pending for the same session instead of stacking up.
func (c *client) send(ev wireEvent, sessionID string) {
	if sessionID != "" {
		c.mu.Lock()
		c.sessionUpdates[sessionID] = ev
		c.mu.Unlock()
		select {
		case c.wake <- struct{}{}:
		default:
		}
		return
	}

	select {
	case c.queue <- ev:
	default:
		logging.Logger.Warn().Str("client", c.id).Msg("sse: client queue full, dropping event")
	}
}

// drainSessionUpdates pops every currently pending session-updated event.
func (c *client) drainSessionUpdates() []wireEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sessionUpdates) == 0 {
		return nil
	}
	out := make([]wireEvent, 0, len(c.sessionUpdates))
	for _, ev := range c.sessionUpdates {
		out = append(out, ev)
	}
	c.sessionUpdates = make(map[string]wireEvent)
	return out
}

func (c *client) setVisible(visible bool) {
	c.mu.Lock()
	c.visible = visible
	c.mu.Unlock()
}

func (c *client) isVisible() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.visible
}

// Manager fans events out to every connected client in the matching
// namespace. Constructed once per hub instance and injected explicitly
// (spec §9 "no module-level singletons").
type Manager struct {
	mu      sync.Mutex
	clients map[string]*client
}

// NewManager subscribes to bus immediately.
func NewManager(bus *event.Bus) *Manager {
	m := &Manager{clients: make(map[string]*client)}
	bus.SubscribeAll(m.onEvent)
	return m
}

// ServeHTTP registers w/r as a new SSE subscriber scoped to namespace and
// blocks until the request context is cancelled (client disconnect).
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request, clientID, namespace string) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("sse: ResponseWriter does not support flushing")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	c := newClient(clientID, namespace)
	m.mu.Lock()
	m.clients[clientID] = c
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.clients, clientID)
		m.mu.Unlock()
	}()

	ticker := time.NewTicker(heartbeatPeriod)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return err
			}
			flusher.Flush()
		case <-c.wake:
			for _, ev := range c.drainSessionUpdates() {
				if err := writeEvent(w, ev); err != nil {
					return err
				}
			}
			flusher.Flush()
		case ev, ok := <-c.queue:
			if !ok {
				return nil
			}
			if err := writeEvent(w, ev); err != nil {
				return err
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, ev wireEvent) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.kind, ev.data)
	return err
}

// SetVisible records a client's reported tab visibility (spec §4.4
// "idle-tab throttling").
func (m *Manager) SetVisible(clientID string, visible bool) {
	m.mu.Lock()
	c := m.clients[clientID]
	m.mu.Unlock()
	if c != nil {
		c.setVisible(visible)
	}
}

// onEvent is the bus subscriber: fan the event out to every client whose
// namespace matches, skipping clients that reported visibility=false.
func (m *Manager) onEvent(ev event.Event) {
	data, err := json.Marshal(ev.Payload)
	if err != nil {
		logging.Logger.Warn().Err(err).Str("kind", string(ev.Kind)).Msg("sse: failed to marshal event payload")
		return
	}
	out := wireEvent{kind: ev.Kind, data: data}
	sessionID := sessionIDFor(ev)

	m.mu.Lock()
	targets := make([]*client, 0, len(m.clients))
	for _, c := range m.clients {
		if ev.Namespace != "" && c.namespace != ev.Namespace {
			continue
		}
		targets = append(targets, c)
	}
	m.mu.Unlock()

	for _, c := range targets {
		if !c.isVisible() {
			continue
		}
		c.send(out, sessionID)
	}
}

func sessionIDFor(ev event.Event) string {
	if ev.Kind != event.KindSessionUpdated {
		return ""
	}
	if p, ok := ev.Payload.(event.SessionUpdatedPayload); ok && p.Session != nil {
		return p.Session.ID
	}
	return ""
}
