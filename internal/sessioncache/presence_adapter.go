package sessioncache

import (
	"context"
	"time"

	"github.com/hapi-hub/hapi/internal/logging"
	"github.com/hapi-hub/hapi/internal/store"
)

// PresenceAdapter satisfies the runner socket transport's namespace-free
// presence callbacks: inbound session-alive/session-end wire frames carry
// only a session id, so the adapter resolves its namespace from the store
// before delegating to Cache.
type PresenceAdapter struct {
	cache *Cache
	store *store.Store
}

// NewPresenceAdapter builds an adapter over an existing Cache.
func NewPresenceAdapter(cache *Cache, st *store.Store) *PresenceAdapter {
	return &PresenceAdapter{cache: cache, store: st}
}

// SessionAlive resolves sessionID's namespace and forwards to Heartbeat.
// Errors are logged, not returned, since the socket read loop that
// triggers this has nothing sensible to do with them.
func (a *PresenceAdapter) SessionAlive(sessionID string, at time.Time, thinking bool, thinkingActivity string) {
	ctx := context.Background()
	sess, err := a.store.GetSessionAnyNamespaceForSweep(ctx, sessionID)
	if err != nil {
		logging.Warn().Err(err).Str("sessionId", sessionID).Msg("presence: session-alive for unknown session")
		return
	}
	if err := a.cache.Heartbeat(ctx, sessionID, sess.Namespace, thinking, thinkingActivity, at); err != nil {
		logging.Warn().Err(err).Str("sessionId", sessionID).Msg("presence: heartbeat failed")
	}
}

// SessionEnd resolves sessionID's namespace and forwards to Cache.SessionEnd.
func (a *PresenceAdapter) SessionEnd(sessionID string, at time.Time) {
	ctx := context.Background()
	sess, err := a.store.GetSessionAnyNamespaceForSweep(ctx, sessionID)
	if err != nil {
		logging.Warn().Err(err).Str("sessionId", sessionID).Msg("presence: session-end for unknown session")
		return
	}
	if err := a.cache.SessionEnd(ctx, sessionID, sess.Namespace, at); err != nil {
		logging.Warn().Err(err).Str("sessionId", sessionID).Msg("presence: session-end failed")
	}
}
