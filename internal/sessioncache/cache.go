// Package sessioncache holds the presence-driven view of sessions that
// runner heartbeats keep warm, and the periodic sweep that ages inactive
// ones back to offline (spec §4.3).
package sessioncache

import (
	"context"
	"sync"
	"time"

	"github.com/hapi-hub/hapi/internal/event"
	"github.com/hapi-hub/hapi/internal/logging"
	"github.com/hapi-hub/hapi/internal/store"
)

// aliveWindow is how long a session is still considered Active after its
// most recent heartbeat before a sweep ages it back to Offline.
const aliveWindow = 30 * time.Second

type presence struct {
	namespace        string
	lastAlive        time.Time
	thinking         bool
	thinkingActivity string
}

// Cache is constructed once per hub instance and injected explicitly into
// the components that need it (spec §9 "no module-level singletons").
type Cache struct {
	store *store.Store
	bus   *event.Bus

	mu       sync.Mutex
	sessions map[string]*presence // sessionId -> presence
}

// New builds a Cache against the given root store and event bus.
func New(st *store.Store, bus *event.Bus) *Cache {
	return &Cache{
		store:    st,
		bus:      bus,
		sessions: make(map[string]*presence),
	}
}

// Heartbeat records a session-alive ping. Offline -> Active transitions
// and thinking-value changes each broadcast a session-updated event; a
// heartbeat that changes neither does not (spec §4.3).
func (c *Cache) Heartbeat(ctx context.Context, sessionID, namespace string, thinking bool, thinkingActivity string, at time.Time) error {
	c.mu.Lock()
	p, existed := c.sessions[sessionID]
	wasThinking := existed && p.thinking
	if !existed {
		p = &presence{namespace: namespace}
		c.sessions[sessionID] = p
	}
	p.lastAlive = at
	p.thinking = thinking
	p.thinkingActivity = thinkingActivity
	c.mu.Unlock()

	thinkingChanged := existed && wasThinking != thinking
	if existed && !thinkingChanged {
		return nil
	}

	if err := c.store.SetSessionActive(ctx, sessionID, namespace, true, at.UnixMilli()); err != nil {
		return err
	}
	sess, err := c.store.GetSession(ctx, sessionID, namespace)
	if err != nil {
		return err
	}
	sess.Thinking = thinking
	sess.ThinkingActivity = thinkingActivity
	c.bus.PublishSync(event.Event{Kind: event.KindSessionUpdated, Namespace: namespace, Payload: event.SessionUpdatedPayload{Session: sess}})
	return nil
}

// SessionEnd forces a session to Offline immediately, clearing thinking
// (spec §4.3 "Active -> Offline immediately on session-end").
func (c *Cache) SessionEnd(ctx context.Context, sessionID, namespace string, at time.Time) error {
	c.mu.Lock()
	delete(c.sessions, sessionID)
	c.mu.Unlock()

	if err := c.store.SetSessionActive(ctx, sessionID, namespace, false, at.UnixMilli()); err != nil {
		return err
	}
	sess, err := c.store.GetSession(ctx, sessionID, namespace)
	if err != nil {
		return err
	}
	sess.Thinking = false
	c.bus.PublishSync(event.Event{Kind: event.KindSessionUpdated, Namespace: namespace, Payload: event.SessionUpdatedPayload{Session: sess}})
	return nil
}

// Sweep ages every tracked session whose last heartbeat is older than
// aliveWindow back to Offline, clearing thinking in the same event so no
// client observes a stale spinner (spec §4.3).
func (c *Cache) Sweep(ctx context.Context, now time.Time) {
	var stale []string
	c.mu.Lock()
	for id, p := range c.sessions {
		if now.Sub(p.lastAlive) > aliveWindow {
			stale = append(stale, id)
			delete(c.sessions, id)
		}
	}
	c.mu.Unlock()

	for _, id := range stale {
		sess, err := c.store.GetSessionAnyNamespaceForSweep(ctx, id)
		if err != nil {
			logging.Logger.Warn().Err(err).Str("sessionId", id).Msg("sweep: could not load aged-out session")
			continue
		}
		if err := c.store.SetSessionActive(ctx, id, sess.Namespace, false, now.UnixMilli()); err != nil {
			logging.Logger.Warn().Err(err).Str("sessionId", id).Msg("sweep: failed to mark session offline")
			continue
		}
		sess.Active = false
		sess.Thinking = false
		c.bus.PublishSync(event.Event{Kind: event.KindSessionUpdated, Namespace: sess.Namespace, Payload: event.SessionUpdatedPayload{Session: sess}})
	}
}

// Run drives Sweep on its own ticker until ctx is cancelled (spec §5
// "background loops ... run on their own periodic timers").
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			c.Sweep(ctx, t)
		}
	}
}

// ClearInactiveSessions deletes, atomically, every session in namespace
// that is inactive and whose updatedAt is older than now-maxAge, emitting
// one session-removed event per deletion. On failure it rolls back and
// returns the ids it could not delete (spec §4.3).
func (c *Cache) ClearInactiveSessions(ctx context.Context, namespace string, maxAge time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-maxAge).UnixMilli()
	candidates, err := c.store.ListInactiveSessionsOlderThan(ctx, namespace, cutoff)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	deleted, err := c.store.DeleteSessionBatch(ctx, candidates, namespace)
	if err != nil {
		return candidates, err
	}
	if deleted != len(candidates) {
		return candidates, nil
	}

	for _, id := range candidates {
		c.bus.PublishSync(event.Event{Kind: event.KindSessionRemoved, Namespace: namespace, Payload: event.SessionRemovedPayload{SessionID: id}})
	}
	return nil, nil
}

// MergeSessions delegates the atomic store-level merge and then notifies
// subscribers that source is gone and target changed.
func (c *Cache) MergeSessions(ctx context.Context, sourceID, targetID, namespace string) error {
	if err := c.store.MergeSessions(ctx, sourceID, targetID, namespace); err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.sessions, sourceID)
	c.mu.Unlock()

	c.bus.PublishSync(event.Event{Kind: event.KindSessionRemoved, Namespace: namespace, Payload: event.SessionRemovedPayload{SessionID: sourceID}})

	target, err := c.store.GetSession(ctx, targetID, namespace)
	if err != nil {
		return err
	}
	c.bus.PublishSync(event.Event{Kind: event.KindSessionUpdated, Namespace: namespace, Payload: event.SessionUpdatedPayload{Session: target}})
	return nil
}

// UpdateSortOrder passes straight through to the store: reordering never
// bumps updatedAt (spec §4.1, §4.3).
func (c *Cache) UpdateSortOrder(ctx context.Context, sessionID, namespace, sortOrder string) (bool, error) {
	return c.store.UpdateSessionSortOrder(ctx, sessionID, namespace, sortOrder)
}
