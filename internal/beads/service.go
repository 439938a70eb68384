// Package beads implements the periodic bead-polling engine: per-repo
// deduplication, jitter, in-flight guarding, circuit breaking, and
// freshness metadata (spec §4.5).
package beads

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"

	"github.com/hapi-hub/hapi/internal/event"
	"github.com/hapi-hub/hapi/internal/logging"
	"github.com/hapi-hub/hapi/internal/store"
	"github.com/hapi-hub/hapi/pkg/types"
)

const (
	pollInterval    = 15 * time.Second
	pollJitter      = 5 * time.Second
	rpcTimeout      = 10 * time.Second
	breakerCooldown = 60 * time.Second
	breakerTripAt   = 3
)

// RPCCaller is the socket-routing surface BeadService needs; implemented
// by the runner socket transport and injected explicitly (spec §9 "no
// module-level singletons").
type RPCCaller interface {
	ShowSessionBeads(ctx context.Context, sessionID string, beadIDs []string) (map[string]json.RawMessage, error)
	ShowMachineBeads(ctx context.Context, machineID string, beadIDs []string) (map[string]json.RawMessage, error)
}

// sessionMetadata is the subset of a session's opaque metadata BeadService
// reads to learn which repo a session's beads belong to. Unknown fields
// pass through untouched (spec §9 "duck-typed payloads ... bead
// summaries").
type sessionMetadata struct {
	RepoPath string `json:"repoPath"`
}

type group struct {
	machineID string
	repoPath  string
	sessions  []store.SessionBeadGroup
	repSessID string // representative session used for show-session-beads

	mu       sync.Mutex
	failures int
}

// Service polls linked bead data for every active session on its own
// schedule, coalescing sessions that share a (machineId, repoPath).
type Service struct {
	store *store.Store
	bus   *event.Bus
	rpc   RPCCaller

	flight   singleflight.Group
	breakers sync.Map // groupKey -> *gobreaker.CircuitBreaker
	stale    sync.Map // sessionId -> bool
}

// New builds a Service against the given root store, event bus, and RPC
// caller.
func New(st *store.Store, bus *event.Bus, rpc RPCCaller) *Service {
	return &Service{store: st, bus: bus, rpc: rpc}
}

// Run drives the poll loop, with ±5s jitter around the 15s default
// interval, until ctx is cancelled (spec §4.5, §5).
func (s *Service) Run(ctx context.Context, namespace string) {
	for {
		jitter := time.Duration(rand.Int63n(int64(2 * pollJitter))) - pollJitter
		wait := pollInterval + jitter
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
			s.PollOnce(ctx, namespace)
		}
	}
}

// PollOnce runs one poll cycle synchronously, grouping active
// session-bead links by (machineId, repoPath) and fetching each group at
// most once, concurrently.
func (s *Service) PollOnce(ctx context.Context, namespace string) {
	groups, err := s.buildGroups(ctx, namespace)
	if err != nil {
		logging.Warn().Err(err).Msg("beads: failed to collect session-bead groups")
		return
	}

	var wg sync.WaitGroup
	for _, g := range groups {
		g := g
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.refreshGroup(ctx, g)
		}()
	}
	wg.Wait()
}

// RefreshSession triggers an immediate, non-jittered refresh of the
// session's group — used when a bead is newly linked to an active session
// (spec §4.5 invariant).
func (s *Service) RefreshSession(ctx context.Context, sessionID, namespace string) error {
	groups, err := s.buildGroups(ctx, namespace)
	if err != nil {
		return err
	}
	for _, g := range groups {
		for _, sg := range g.sessions {
			if sg.SessionID == sessionID {
				s.refreshGroup(ctx, g)
				return nil
			}
		}
	}
	return nil
}

// GetSessionBeads opportunistically triggers a poll for an active
// session, then returns its currently stored snapshots (spec §4.5
// "getSessionBeads").
func (s *Service) GetSessionBeads(ctx context.Context, sessionID, namespace string, active bool) (snapshots []*types.BeadSnapshot, stale bool, err error) {
	if active {
		if refreshErr := s.RefreshSession(ctx, sessionID, namespace); refreshErr != nil {
			logging.Warn().Err(refreshErr).Str("sessionId", sessionID).Msg("beads: opportunistic refresh failed")
		}
	}
	snapshots, err = s.store.GetBeadSnapshots(ctx, sessionID)
	return snapshots, s.isStale(sessionID), err
}

func (s *Service) isStale(sessionID string) bool {
	v, ok := s.stale.Load(sessionID)
	return ok && v.(bool)
}

func (s *Service) buildGroups(ctx context.Context, namespace string) ([]*group, error) {
	sessionGroups, err := s.store.ListActiveSessionBeadGroups(ctx, namespace)
	if err != nil {
		return nil, err
	}

	byKey := map[string]*group{}
	var order []string
	for _, sg := range sessionGroups {
		sess, err := s.store.GetSessionAnyNamespaceForSweep(ctx, sg.SessionID)
		if err != nil || sess.MachineID == nil {
			continue
		}
		repoPath := repoPathFor(sess.Metadata)
		key := *sess.MachineID + "\x00" + repoPath

		g, ok := byKey[key]
		if !ok {
			g = &group{machineID: *sess.MachineID, repoPath: repoPath, repSessID: sg.SessionID}
			byKey[key] = g
			order = append(order, key)
		}
		g.sessions = append(g.sessions, sg)
	}

	out := make([]*group, 0, len(order))
	for _, key := range order {
		out = append(out, byKey[key])
	}
	return out, nil
}

func repoPathFor(metadata json.RawMessage) string {
	var m sessionMetadata
	_ = json.Unmarshal(metadata, &m)
	return m.RepoPath
}

func (s *Service) groupKey(g *group) string {
	return g.machineID + "\x00" + g.repoPath
}

func (s *Service) breaker(key string) *gobreaker.CircuitBreaker {
	if b, ok := s.breakers.Load(key); ok {
		return b.(*gobreaker.CircuitBreaker)
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        key,
		MaxRequests: 1,
		Timeout:     breakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerTripAt
		},
	})
	actual, _ := s.breakers.LoadOrStore(key, b)
	return actual.(*gobreaker.CircuitBreaker)
}

// refreshGroup fetches bead data for one (machineId, repoPath) group. At
// most one in-flight RPC per group key runs at a time; overlapping
// callers await the same result via singleflight (spec §4.5 invariant).
func (s *Service) refreshGroup(ctx context.Context, g *group) {
	key := s.groupKey(g)
	_, _, _ = s.flight.Do(key, func() (any, error) {
		breaker := s.breaker(key)

		result, err := breaker.Execute(func() (any, error) {
			return s.fetchGroup(ctx, g)
		})
		if err != nil {
			g.mu.Lock()
			g.failures++
			g.mu.Unlock()
			for _, sg := range g.sessions {
				s.stale.Store(sg.SessionID, true)
			}
			logging.Warn().Err(err).Str("machineId", g.machineID).Str("repoPath", g.repoPath).Msg("beads: poll group failed")
			return nil, err
		}
		for _, sg := range g.sessions {
			s.stale.Store(sg.SessionID, false)
		}

		g.mu.Lock()
		g.failures = 0
		g.mu.Unlock()

		beads := result.(map[string]json.RawMessage)
		s.persistGroup(ctx, g, beads)
		return nil, nil
	})
}

// fetchGroup performs the RPC with a short retry via exponential backoff,
// trying show-session-beads first and falling back to
// show-machine-beads (spec §4.5 step 4).
func (s *Service) fetchGroup(ctx context.Context, g *group) (map[string]json.RawMessage, error) {
	beadIDs := mergedBeadIDs(g.sessions)

	callCtx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	var result map[string]json.RawMessage
	op := func() error {
		res, err := s.rpc.ShowSessionBeads(callCtx, g.repSessID, beadIDs)
		if err == nil {
			result = res
			return nil
		}
		res, err2 := s.rpc.ShowMachineBeads(callCtx, g.machineID, beadIDs)
		if err2 != nil {
			return err2
		}
		result = res
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), callCtx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}
	return result, nil
}

func mergedBeadIDs(sessions []store.SessionBeadGroup) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, sg := range sessions {
		for _, id := range sg.BeadIDs {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				out = append(out, id)
			}
		}
	}
	return out
}

// persistGroup saves each session's snapshots and emits beads-updated for
// sessions whose data actually changed (spec §4.5 step 5).
func (s *Service) persistGroup(ctx context.Context, g *group, beads map[string]json.RawMessage) {
	for _, sg := range g.sessions {
		changed := false
		for _, beadID := range sg.BeadIDs {
			data, ok := beads[beadID]
			if !ok {
				continue
			}
			didChange, err := s.store.SaveSnapshot(ctx, sg.SessionID, beadID, data)
			if err != nil {
				logging.Warn().Err(err).Str("sessionId", sg.SessionID).Str("beadId", beadID).Msg("beads: failed to save snapshot")
				continue
			}
			if didChange {
				changed = true
			}
		}
		if changed {
			sess, err := s.store.GetSessionAnyNamespaceForSweep(ctx, sg.SessionID)
			if err != nil {
				continue
			}
			s.bus.PublishSync(event.Event{
				Kind:      event.KindBeadsUpdated,
				Namespace: sess.Namespace,
				Payload:   event.BeadsUpdatedPayload{SessionID: sg.SessionID, Version: sess.Seq},
			})
		}
	}
}
