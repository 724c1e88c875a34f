// Package stream provides a real-time event broker for marketplace
// lifecycle events. It taps the event bus and fans events out to
// connected clients via topic-based pub/sub with credit-based flow
// control.
package stream

import (
	"encoding/json"
	"time"
)

// EventType identifies the category of a stream event. Stream events
// mirror the marketplace event names published on the event bus.
type EventType string

const (
	EventJobCreated    EventType = "job.created"
	EventJobFunded     EventType = "job.funded"
	EventJobApplied    EventType = "job.applied"
	EventJobUnapplied  EventType = "job.unapplied"
	EventJobOffered    EventType = "job.offered"
	EventJobRescinded  EventType = "job.rescinded"
	EventJobAccepted   EventType = "job.accepted"
	EventJobEnded      EventType = "job.ended"
	EventJobCancelled  EventType = "job.cancelled"
	EventJobRefunded   EventType = "job.refunded"
	EventJobClaimed    EventType = "job.claimed"
	EventPoolCreated   EventType = "pool.created"
	EventPoolStaked    EventType = "pool.staked"
	EventPoolUnstaked  EventType = "pool.unstaked"
	EventPoolDeposited EventType = "pool.deposited"
	EventPoolClaimed   EventType = "pool.claimed"
	EventAudit         EventType = "audit.violation"
)

// Event is the unit delivered to stream subscribers.
type Event struct {
	// Type categorizes the event (mirrors the bus event name).
	Type EventType `json:"type"`

	// Timestamp records when the event was published.
	Timestamp time.Time `json:"timestamp"`

	// Topic is the entity-specific topic this event belongs to
	// (e.g., "job:42" or "pool:pool_01H..."). Empty for events
	// with no entity anchor.
	Topic string `json:"topic,omitempty"`

	// Data carries the event payload.
	Data json.RawMessage `json:"data,omitempty"`
}

// MarketEventData is the payload for job and pool lifecycle events.
type MarketEventData struct {
	EventID string          `json:"event_id"`
	JobID   uint64          `json:"job_id,omitempty"`
	PoolID  string          `json:"pool_id,omitempty"`
	Actor   string          `json:"actor,omitempty"`
	Detail  json.RawMessage `json:"detail,omitempty"`
}
