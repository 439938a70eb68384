// Package event is the hub's single event funnel: every coordination
// change (session, machine, message, bead, team) is published here once
// and fanned out to every interested subscriber (in the hub, the SSE
// manager subscribes to every kind).
//
// It is built on watermill's gochannel for its pub/sub infrastructure
// while preserving direct-call semantics so subscribers receive typed Go
// values instead of re-decoding JSON. Unlike the event bus this package is
// descended from, there is no package-level singleton: the hub
// constructs one *Bus and injects it into every component that needs to
// publish or subscribe, per the "no module-level singletons" design note.
package event

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// Kind identifies the tagged variant carried by an Event's Payload. Every
// subscriber is expected to pattern-match Kind exhaustively rather than
// type-switch on Payload (design note "Sum types for events").
type Kind string

const (
	KindSessionUpdated       Kind = "session-updated"
	KindSessionRemoved       Kind = "session-removed"
	KindMessageAdded         Kind = "message-added"
	KindBeadsUpdated         Kind = "beads-updated"
	KindMachineUpdated       Kind = "machine-updated"
	KindTeamUpdated          Kind = "team-updated"
	KindPermissionRequested  Kind = "permission-requested"
	KindPermissionResolved   Kind = "permission-resolved"
)

// Event is the tagged-union envelope published on the bus. Namespace is
// always set: every HAPI event is namespace-scoped (spec §4.4).
type Event struct {
	Kind      Kind   `json:"kind"`
	Namespace string `json:"namespace"`
	Payload   any    `json:"payload"`
}

// Subscriber receives events.
type Subscriber func(Event)

type subscriberEntry struct {
	id uint64
	fn Subscriber
}

// Bus is the event bus instance. The zero value is not usable; construct
// with New.
type Bus struct {
	mu sync.RWMutex

	pubsub *gochannel.GoChannel

	subscribers map[Kind][]subscriberEntry
	global      []subscriberEntry

	nextID       uint64
	closed       bool
	closedCancel context.CancelFunc
	closedCtx    context.Context
}

// New creates a new, independent event bus.
func New() *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{
				OutputChannelBuffer: 100,
				Persistent:          false,
			},
			watermill.NopLogger{},
		),
		subscribers:  make(map[Kind][]subscriberEntry),
		closedCtx:    ctx,
		closedCancel: cancel,
	}
}

func (b *Bus) newID() uint64 {
	return atomic.AddUint64(&b.nextID, 1)
}

// Subscribe registers fn for one Kind. Returns an unsubscribe function.
func (b *Bus) Subscribe(kind Kind, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := b.newID()
	b.subscribers[kind] = append(b.subscribers[kind], subscriberEntry{id: id, fn: fn})
	return func() { b.unsubscribe(kind, id) }
}

// SubscribeAll registers fn for every Kind.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := b.newID()
	b.global = append(b.global, subscriberEntry{id: id, fn: fn})
	return func() { b.unsubscribeGlobal(id) }
}

func (b *Bus) unsubscribe(kind Kind, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[kind]
	for i, entry := range subs {
		if entry.id == id {
			b.subscribers[kind] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

func (b *Bus) unsubscribeGlobal(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, entry := range b.global {
		if entry.id == id {
			b.global = append(b.global[:i], b.global[i+1:]...)
			return
		}
	}
}

// snapshot returns a copy-on-write-safe slice of subscribers for kind, so
// iteration never races with concurrent (un)subscribe calls (spec §5,
// "EventPublisher's subscriber list is copy-on-write during iteration").
func (b *Bus) snapshot(kind Kind) []Subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil
	}

	out := make([]Subscriber, 0, len(b.subscribers[kind])+len(b.global))
	for _, entry := range b.subscribers[kind] {
		out = append(out, entry.fn)
	}
	for _, entry := range b.global {
		out = append(out, entry.fn)
	}
	return out
}

// Publish delivers ev to every subscriber asynchronously, one goroutine
// per subscriber, so a slow subscriber never blocks the publisher.
func (b *Bus) Publish(ev Event) {
	for _, sub := range b.snapshot(ev.Kind) {
		go sub(ev)
	}
}

// PublishSync delivers ev to every subscriber synchronously in the
// caller's goroutine, preserving per-entity seq ordering for subscribers
// that require it (spec §5, "Ordering guarantees").
func (b *Bus) PublishSync(ev Event) {
	for _, sub := range b.snapshot(ev.Kind) {
		sub(ev)
	}
}

// Close stops the bus; subsequent Subscribe/Publish calls are no-ops.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.closedCancel()
	b.subscribers = make(map[Kind][]subscriberEntry)
	b.global = nil
	b.mu.Unlock()

	return b.pubsub.Close()
}

// PubSub exposes the underlying watermill GoChannel for advanced uses
// (middleware, routing, or swapping in a distributed backend later).
func (b *Bus) PubSub() *gochannel.GoChannel {
	return b.pubsub
}
