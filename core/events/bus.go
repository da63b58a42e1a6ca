// Package events provides a publish/subscribe bus for enforcement
// state-transition events. Consumers include the transition history log,
// the live event stream and the external alerting hook.
package events

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/artpar/quotagate/domain/quota"
	"github.com/artpar/quotagate/ports"
	"github.com/rs/zerolog"
)

// Event is one published state transition.
type Event struct {
	// ID is unique and sorts in emission order.
	ID string

	// Name is "transition.<state>" where state is the lower-cased target
	// state, e.g. "transition.degraded".
	Name string

	Transition quota.Transition

	PublishedAt time.Time
}

// NameFor returns the event name for a transition into to.
func NameFor(to quota.State) string {
	return "transition." + strings.ToLower(string(to))
}

// Handler is a function that processes an event.
type Handler func(ctx context.Context, event Event) error

// Bus is a simple publish/subscribe event bus.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	ids      ports.IDGenerator
	clock    ports.Clock
	logger   zerolog.Logger
}

// NewBus creates a new event bus.
func NewBus(ids ports.IDGenerator, clock ports.Clock, logger zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[string][]Handler),
		ids:      ids,
		clock:    clock,
		logger:   logger,
	}
}

// Subscribe registers a handler for an event.
// Supports wildcard subscriptions:
//   - "transition.suspended" - exact match
//   - "transition.*" - all transitions
//   - "*" - all events
func (b *Bus) Subscribe(event string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[event] = append(b.handlers[event], handler)
}

// Publish delivers an event to all matching handlers synchronously in
// registration order. Handler errors are logged and do not stop delivery.
func (b *Bus) Publish(ctx context.Context, event Event) {
	matched := b.match(event.Name)

	b.logger.Debug().
		Str("event", event.Name).
		Str("account_id", event.Transition.AccountID).
		Int("handlers", len(matched)).
		Msg("event emitted")

	for _, handler := range matched {
		if err := handler(ctx, event); err != nil {
			b.logger.Error().
				Err(err).
				Str("event", event.Name).
				Str("account_id", event.Transition.AccountID).
				Msg("event handler error")
		}
	}
}

// PublishTransition wraps t in an Event and publishes it.
func (b *Bus) PublishTransition(ctx context.Context, t quota.Transition) {
	b.Publish(ctx, Event{
		ID:          b.ids.New(),
		Name:        NameFor(t.To),
		Transition:  t,
		PublishedAt: b.clock.Now(),
	})
}

// HasSubscribers checks if any handlers are registered for an event.
func (b *Bus) HasSubscribers(event string) bool {
	return len(b.match(event)) > 0
}

// match collects handlers for exact, prefix-wildcard and global subscriptions.
func (b *Bus) match(name string) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var matched []Handler
	matched = append(matched, b.handlers[name]...)
	if prefix, _, ok := strings.Cut(name, "."); ok && name != "*" {
		matched = append(matched, b.handlers[prefix+".*"]...)
	}
	if name != "*" {
		matched = append(matched, b.handlers["*"]...)
	}
	return matched
}

// Ensure interface compliance.
var _ ports.TransitionPublisher = (*Bus)(nil)
