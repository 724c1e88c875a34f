package event

import (
	"time"

	"github.com/workmesh/escrow/id"
)

// Event records one marketplace state transition. Events are the audit
// trail of the escrow: every job lifecycle change and every reward-pool
// movement publishes one, and the wire layer streams them to subscribers.
type Event struct {
	ID   id.EventID `json:"id" msgpack:"id"`
	Name string     `json:"name" msgpack:"name"`

	// JobID is set for job lifecycle events, zero otherwise.
	JobID uint64 `json:"job_id,omitempty" msgpack:"job_id,omitempty"`

	// PoolID is set for reward-pool events, nil otherwise.
	PoolID id.PoolID `json:"pool_id,omitempty" msgpack:"pool_id,omitempty"`

	// Actor is the account whose operation produced the event.
	Actor id.AccountID `json:"actor,omitempty" msgpack:"actor,omitempty"`

	// Payload carries event-specific JSON detail.
	Payload []byte `json:"payload,omitempty" msgpack:"payload,omitempty"`

	Acked     bool      `json:"acked" msgpack:"acked"`
	CreatedAt time.Time `json:"created_at" msgpack:"created_at"`
}

// Event name constants, one per observable state transition.
const (
	JobCreated    = "job.created"
	JobFunded     = "job.funded"
	JobApplied    = "job.applied"
	JobUnapplied  = "job.unapplied"
	JobOffered    = "job.offered"
	JobRescinded  = "job.rescinded"
	JobAccepted   = "job.accepted"
	JobEnded      = "job.ended"
	JobCancelled  = "job.cancelled"
	JobRefunded   = "job.refunded"
	JobClaimed    = "job.claimed"
	PoolCreated   = "pool.created"
	PoolStaked    = "pool.staked"
	PoolUnstaked  = "pool.unstaked"
	PoolDeposited = "pool.deposited"
	PoolClaimed   = "pool.claimed"

	// AuditViolation is published by the invariant auditor when a
	// persisted record breaks an accounting invariant.
	AuditViolation = "audit.violation"
)
