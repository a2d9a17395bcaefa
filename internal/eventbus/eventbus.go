// Package eventbus implements the permissioned publish/subscribe channel
// connecting UI-facing publishers to orchestration subscribers. A static
// authorization table fixes which publisher may emit which event name;
// violations are configuration defects and fail loudly at publish time.
package eventbus

import (
	"errors"
	"fmt"
	"sync"

	"github.com/joss/siflow/internal/logging"
)

// ErrUnauthorized marks a publish whose event name is absent from the
// publisher's permitted set.
var ErrUnauthorized = errors.New("unauthorized event publish")

// Event is one delivered emission.
type Event struct {
	Name      string
	Publisher string
	Payload   map[string]any
}

// Handler receives events synchronously, in emission order. Handlers
// must not block indefinitely; delivery on the bus waits for them.
type Handler func(Event)

// AuthorizationTable maps publisher identity to its permitted event
// names. A publisher absent from the table may publish nothing.
type AuthorizationTable map[string][]string

// allows reports whether publisher may emit name.
func (t AuthorizationTable) allows(publisher, name string) bool {
	for _, n := range t[publisher] {
		if n == name {
			return true
		}
	}
	return false
}

// Bus is a per-session event channel. Dispatch is single-threaded with
// respect to the bus: a publish does not return until every handler
// registered for the event has completed.
type Bus struct {
	mu       sync.Mutex
	authz    AuthorizationTable
	handlers map[string][]Handler
	log      *logging.Logger
}

// New creates a bus with the given authorization table. The table is
// fixed for the bus lifetime.
func New(authz AuthorizationTable) *Bus {
	return &Bus{
		authz:    authz,
		handlers: make(map[string][]Handler),
		log:      logging.New("eventbus"),
	}
}

// Subscribe registers handler for events named name. Handlers run in
// registration order.
func (b *Bus) Subscribe(name string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], handler)
}

// Publish emits an event on behalf of publisher. It fails before any
// handler runs when the publisher is not authorized for the event name.
// Events with no subscribers at publish time are dropped; the bus has
// no persistence or replay.
func (b *Bus) Publish(publisher, name string, payload map[string]any) error {
	if !b.authz.allows(publisher, name) {
		err := fmt.Errorf("%w: publisher %q may not emit %q", ErrUnauthorized, publisher, name)
		b.log.Error("publish_rejected", err, map[string]interface{}{
			"publisher": publisher,
			"event":     name,
		})
		return err
	}

	// Snapshot under lock, dispatch outside it so handlers may publish
	// follow-up events without deadlocking. Serialization of deliveries
	// comes from publishers sharing the coordinating loop, not from the
	// bus blocking them.
	b.mu.Lock()
	handlers := make([]Handler, len(b.handlers[name]))
	copy(handlers, b.handlers[name])
	b.mu.Unlock()

	ev := Event{Name: name, Publisher: publisher, Payload: payload}
	for _, h := range handlers {
		h(ev)
	}
	return nil
}
