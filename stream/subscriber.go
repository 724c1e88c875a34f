package stream

import (
	"sync"
	"sync/atomic"
)

// Subscriber is one consumer of marketplace events. Delivery is
// credit-gated: each delivered event costs one credit, and a consumer
// with no credits left is skipped until it replenishes them. Slow
// consumers therefore shed events instead of stalling the broker.
type Subscriber struct {
	id string
	ch chan *Event

	// credits gates delivery; zero means skip this subscriber.
	credits atomic.Int64

	// dropped counts events shed for any reason since creation.
	dropped atomic.Int64

	mu     sync.RWMutex
	topics map[string]struct{}

	// filter, when set, must return true for an event to be delivered.
	filter func(*Event) bool

	closed atomic.Bool
}

// NewSubscriber creates a subscriber with the given channel buffer and
// initial credit grant.
func NewSubscriber(id string, bufferSize int, initialCredits int64) *Subscriber {
	s := &Subscriber{
		id:     id,
		ch:     make(chan *Event, bufferSize),
		topics: make(map[string]struct{}),
	}
	s.credits.Store(initialCredits)
	return s
}

// ID returns the subscriber identifier.
func (s *Subscriber) ID() string { return s.id }

// C returns the read-only event channel.
func (s *Subscriber) C() <-chan *Event { return s.ch }

// AddCredits replenishes flow-control credits.
func (s *Subscriber) AddCredits(n int64) { s.credits.Add(n) }

// Credits returns the current credit count.
func (s *Subscriber) Credits() int64 { return s.credits.Load() }

// Dropped returns how many events were shed instead of delivered.
func (s *Subscriber) Dropped() int64 { return s.dropped.Load() }

// SetFilter sets an optional event filter predicate.
func (s *Subscriber) SetFilter(fn func(*Event) bool) { s.filter = fn }

func (s *Subscriber) addTopic(topic string) {
	s.mu.Lock()
	s.topics[topic] = struct{}{}
	s.mu.Unlock()
}

func (s *Subscriber) removeTopic(topic string) {
	s.mu.Lock()
	delete(s.topics, topic)
	s.mu.Unlock()
}

// Topics returns a copy of all subscribed topic names.
func (s *Subscriber) Topics() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.topics))
	for t := range s.topics {
		out = append(out, t)
	}
	return out
}

// takeCredit consumes one credit, reporting false when none remain.
func (s *Subscriber) takeCredit() bool {
	for {
		current := s.credits.Load()
		if current <= 0 {
			return false
		}
		if s.credits.CompareAndSwap(current, current-1) {
			return true
		}
	}
}

// send attempts to deliver an event. It returns false when the event
// was shed: subscriber closed, filter mismatch, out of credits, or a
// full buffer. A send refused by a full buffer refunds its credit.
func (s *Subscriber) send(evt *Event) bool {
	if s.closed.Load() {
		return false
	}
	if s.filter != nil && !s.filter(evt) {
		return false
	}
	if !s.takeCredit() {
		s.dropped.Add(1)
		return false
	}

	select {
	case s.ch <- evt:
		return true
	default:
		s.credits.Add(1)
		s.dropped.Add(1)
		return false
	}
}

// Close closes the subscriber channel. Safe to call multiple times.
func (s *Subscriber) Close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}
