// Package rpcregistry maintains which connected runner socket owns which
// RPC method name, so the hub knows where to route an outbound call (spec
// §4.2).
package rpcregistry

import (
	"sync"

	"github.com/hapi-hub/hapi/internal/logging"
)

// Registry maintains method -> ownerSocketId and socketId -> set<method>.
// A single mutex protects both maps (spec §5 "a single mutex per map is
// sufficient").
type Registry struct {
	mu      sync.RWMutex
	owners  map[string]string            // method -> socketId
	methods map[string]map[string]struct{} // socketId -> set<method>
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		owners:  make(map[string]string),
		methods: make(map[string]map[string]struct{}),
	}
}

// Register claims method for socketID. Idempotent if socketID already owns
// it; rejected (existing owner wins) if owned by someone else.
func (r *Registry) Register(socketID, method string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if owner, ok := r.owners[method]; ok {
		if owner == socketID {
			return true
		}
		logging.Logger.Warn().
			Str("method", method).
			Str("owner", owner).
			Str("rejected", socketID).
			Msg("rpc method already owned, rejecting registration")
		return false
	}

	r.owners[method] = socketID
	if r.methods[socketID] == nil {
		r.methods[socketID] = make(map[string]struct{})
	}
	r.methods[socketID][method] = struct{}{}
	return true
}

// Unregister releases method only if socketID is the current owner.
func (r *Registry) Unregister(socketID, method string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unregisterLocked(socketID, method)
}

func (r *Registry) unregisterLocked(socketID, method string) {
	if r.owners[method] != socketID {
		return
	}
	delete(r.owners, method)
	if set, ok := r.methods[socketID]; ok {
		delete(set, method)
		if len(set) == 0 {
			delete(r.methods, socketID)
		}
	}
}

// UnregisterAll releases every method socketID owns. Must run on socket
// disconnect; racing with an inbound Register from a reconnecting client
// is safe because only the recorded owner is ever released (spec §5).
func (r *Registry) UnregisterAll(socketID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.methods[socketID]
	if !ok {
		return
	}
	for method := range set {
		if r.owners[method] == socketID {
			delete(r.owners, method)
		}
	}
	delete(r.methods, socketID)
}

// GetSocketIDForMethod returns the current owner, or "" if unowned.
func (r *Registry) GetSocketIDForMethod(method string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.owners[method]
}

// MethodsFor returns the set of methods socketID currently owns.
func (r *Registry) MethodsFor(socketID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.methods[socketID]
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	return out
}
