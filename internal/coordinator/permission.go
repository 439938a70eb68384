package coordinator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hapi-hub/hapi/internal/event"
	"github.com/hapi-hub/hapi/internal/logging"
	"github.com/hapi-hub/hapi/pkg/types"
)

// requestsKey is the field under a session's opaque agentState document
// that holds the map of outstanding permission requests keyed by id
// (spec §4.6: "pending requests live in agentState.requests").
const requestsKey = "requests"

// RequestPermission records a new pending permission request against the
// session's agentState and returns a channel that receives exactly one of
// "once" | "always" | "reject" | "aborted" once resolved. The caller is
// expected to wait on the channel (or ctx) after returning the prompt to
// the runner.
func (c *Coordinator) RequestPermission(ctx context.Context, req types.PendingPermissionRequest) (<-chan string, error) {
	// The caller only knows the session id; resolve its namespace first
	// since agentState mutation is namespace-scoped.
	sess, err := c.findSessionAnyNamespace(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}

	if err := c.mutateAgentState(ctx, sess, func(doc map[string]json.RawMessage) error {
		requests, err := decodeRequests(doc)
		if err != nil {
			return err
		}
		requests[req.ID] = req
		return encodeRequests(doc, requests)
	}); err != nil {
		return nil, err
	}

	ch := make(chan string, 1)
	c.mu.Lock()
	c.pending[req.ID] = &pendingPermission{request: req, ch: ch}
	c.mu.Unlock()

	c.bus.PublishSync(event.Event{
		Kind:      event.KindPermissionRequested,
		Namespace: sess.Namespace,
		Payload: event.PermissionRequestedPayload{
			RequestID:      req.ID,
			SessionID:      req.SessionID,
			PermissionType: req.PermissionType,
			Pattern:        req.Pattern,
			Title:          req.Title,
		},
	})

	return ch, nil
}

// ResolvePermission answers a pending request with response ("once",
// "always", "reject", or "aborted"), removes it from agentState.requests,
// and wakes any waiter registered via RequestPermission.
func (c *Coordinator) ResolvePermission(ctx context.Context, sessionID, namespace, requestID, response string) error {
	c.mu.Lock()
	pending, ok := c.pending[requestID]
	if ok {
		delete(c.pending, requestID)
	}
	c.mu.Unlock()

	sess, err := c.store.GetSession(ctx, sessionID, namespace)
	if err != nil {
		return err
	}

	if err := c.mutateAgentState(ctx, sess, func(doc map[string]json.RawMessage) error {
		requests, err := decodeRequests(doc)
		if err != nil {
			return err
		}
		delete(requests, requestID)
		return encodeRequests(doc, requests)
	}); err != nil {
		return err
	}

	c.bus.PublishSync(event.Event{
		Kind:      event.KindPermissionResolved,
		Namespace: namespace,
		Payload: event.PermissionResolvedPayload{
			RequestID: requestID,
			SessionID: sessionID,
			Response:  response,
		},
	})

	if ok {
		pending.ch <- response
		close(pending.ch)
	}
	return nil
}

// PendingRequestsCount reports how many permission requests are currently
// outstanding for sessionID, derived from agentState.requests (spec §4.4:
// "pendingRequestsCount feeds DeriveStatus").
func (c *Coordinator) PendingRequestsCount(sess *types.Session) int {
	doc, err := decodeAgentStateDoc(sess.AgentState)
	if err != nil {
		return 0
	}
	requests, err := decodeRequests(doc)
	if err != nil {
		return 0
	}
	return len(requests)
}

func (c *Coordinator) findSessionAnyNamespace(ctx context.Context, sessionID string) (*types.Session, error) {
	return c.store.GetSessionAnyNamespaceForSweep(ctx, sessionID)
}

// mutateAgentState applies fn to the session's agentState document under
// the store's optimistic-concurrency contract, retrying once on a lost
// race (spec §5 "version-mismatch retried by the caller").
func (c *Coordinator) mutateAgentState(ctx context.Context, sess *types.Session, fn func(doc map[string]json.RawMessage) error) error {
	for attempt := 0; attempt < 2; attempt++ {
		doc, err := decodeAgentStateDoc(sess.AgentState)
		if err != nil {
			return err
		}
		if err := fn(doc); err != nil {
			return err
		}
		encoded, err := json.Marshal(doc)
		if err != nil {
			return err
		}

		res, err := c.store.UpdateSessionAgentState(ctx, sess.ID, sess.Namespace, encoded, sess.AgentStateVersion)
		if err != nil {
			return err
		}
		if res.Result == types.ResultSuccess {
			return nil
		}

		logging.Debug().Str("sessionId", sess.ID).Msg("coordinator: agentState version mismatch, retrying")
		sess, err = c.store.GetSession(ctx, sess.ID, sess.Namespace)
		if err != nil {
			return err
		}
	}
	return fmt.Errorf("agentState update lost the race twice for session %s", sess.ID)
}

func decodeAgentStateDoc(raw json.RawMessage) (map[string]json.RawMessage, error) {
	doc := map[string]json.RawMessage{}
	if len(raw) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode agentState: %w", err)
	}
	return doc, nil
}

func decodeRequests(doc map[string]json.RawMessage) (map[string]types.PendingPermissionRequest, error) {
	requests := map[string]types.PendingPermissionRequest{}
	raw, ok := doc[requestsKey]
	if !ok || len(raw) == 0 {
		return requests, nil
	}
	if err := json.Unmarshal(raw, &requests); err != nil {
		return nil, fmt.Errorf("decode agentState.requests: %w", err)
	}
	return requests, nil
}

func encodeRequests(doc map[string]json.RawMessage, requests map[string]types.PendingPermissionRequest) error {
	encoded, err := json.Marshal(requests)
	if err != nil {
		return err
	}
	doc[requestsKey] = encoded
	return nil
}
