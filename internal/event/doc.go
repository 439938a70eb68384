/*
Package event is the hub's pub/sub funnel: session, machine, message,
bead, team, and permission changes are published here once and fanned
out to every interested subscriber.

# Architecture

The package is built on watermill's gochannel for infrastructure while
maintaining direct-call semantics to preserve type information. Every
Event carries a Kind (a closed set of tagged variants, see Kind's
constants), a Namespace, and a Payload that is one of the fixed per-Kind
structs defined in types.go.

# Basic usage

	bus := event.New()
	defer bus.Close()

	unsub := bus.Subscribe(event.KindSessionUpdated, func(e event.Event) {
		p := e.Payload.(event.SessionUpdatedPayload)
		logging.Info().Str("session", p.Session.ID).Msg("session updated")
	})
	defer unsub()

	bus.Publish(event.Event{
		Kind:      event.KindSessionUpdated,
		Namespace: session.Namespace,
		Payload:   event.SessionUpdatedPayload{Session: session},
	})

# Subscriber safety

PublishSync calls subscribers synchronously in the publisher's goroutine.
Subscribers registered for synchronous delivery must return quickly and
must not call Publish/PublishSync re-entrantly.

# No global instance

Unlike earlier iterations of this bus, there is no package-level
singleton. The hub constructs exactly one *Bus at startup and passes it
explicitly to every component that publishes or subscribes (store
wrapper, SessionCache, SSE manager, BeadService, Coordinator), per the
"no module-level singletons" design note.
*/
package event
