// Package event provides the marketplace event bus: every board and
// reward-ledger operation publishes a named event through it, and
// subscribers (the wire layer, tests, external consumers) wait on names.
package event

import (
	"context"
	"sync"
	"time"

	"github.com/workmesh/escrow/id"
)

// Observer receives every published event after it has been persisted.
// Observers must not block; slow consumers should buffer internally.
type Observer func(*Event)

// Bus provides high-level publish/subscribe operations over an event
// Store.
type Bus struct {
	store Store

	mu        sync.RWMutex
	observers []Observer
}

// NewBus creates an event bus backed by the given store.
func NewBus(store Store) *Bus {
	return &Bus{store: store}
}

// Observe registers an observer that is called for every event
// published after registration.
func (b *Bus) Observe(fn Observer) {
	b.mu.Lock()
	b.observers = append(b.observers, fn)
	b.mu.Unlock()
}

// Publish creates and persists a new event, making it available for
// subscribers and notifying registered observers.
func (b *Bus) Publish(ctx context.Context, evt *Event) (*Event, error) {
	evt.ID = id.NewEventID()
	evt.CreatedAt = time.Now().UTC()
	if err := b.store.PublishEvent(ctx, evt); err != nil {
		return nil, err
	}
	b.mu.RLock()
	observers := b.observers
	b.mu.RUnlock()
	for _, fn := range observers {
		fn(evt)
	}
	return evt, nil
}

// Subscribe waits for an unacked event matching the given name.
// Blocks until available or timeout. Returns nil on timeout.
func (b *Bus) Subscribe(ctx context.Context, name string, timeout time.Duration) (*Event, error) {
	return b.store.SubscribeEvent(ctx, name, timeout)
}

// Ack acknowledges an event, marking it as consumed.
func (b *Bus) Ack(ctx context.Context, eventID id.EventID) error {
	return b.store.AckEvent(ctx, eventID)
}

// Store returns the underlying event store.
func (b *Bus) Store() Store { return b.store }
