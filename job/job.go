package job

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"maps"
	"time"

	"github.com/workmesh/escrow"
	"github.com/workmesh/escrow/id"
)

// Status represents the derived lifecycle state of a job.
type Status string

const (
	// StatusCreated means the job is funded and open: it can take further
	// funding, applications, and an offer.
	StatusCreated Status = "created"
	// StatusWorking means a worker accepted and wage is vesting.
	StatusWorking Status = "working"
	// StatusEnded means vesting is over — explicitly ended, cancelled, or
	// the full duration elapsed. A job never leaves this state.
	StatusEnded Status = "ended"
)

// Offer is a single-slot binding worker proposal. Exactly one of
// Candidate or Commitment is set: a direct offer names the candidate
// account, a blind offer carries a SHA-256 commitment over
// (jobID, candidate, secret) that Accept must reproduce.
type Offer struct {
	Candidate  id.AccountID `json:"candidate,omitempty" msgpack:"candidate,omitempty"`
	Commitment []byte       `json:"commitment,omitempty" msgpack:"commitment,omitempty"`
}

// Commit computes the blind-offer commitment hash for a candidate.
func Commit(jobID uint64, candidate id.AccountID, secret []byte) []byte {
	h := sha256.New()

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], jobID)
	h.Write(buf[:])
	h.Write([]byte(candidate.String()))
	h.Write(secret)

	return h.Sum(nil)
}

// Matches reports whether caller satisfies the offer predicate.
func (o *Offer) Matches(jobID uint64, caller id.AccountID, secret []byte) bool {
	if len(o.Commitment) > 0 {
		return bytes.Equal(o.Commitment, Commit(jobID, caller, secret))
	}
	return o.Candidate.Equal(caller)
}

// Job is an escrowed unit of work with time-proportional settlement.
type Job struct {
	escrow.Entity

	ID          uint64       `json:"id"`
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Manager     id.AccountID `json:"manager"`
	Token       id.TokenID   `json:"token"`

	// Quantity is the total escrowed amount. It grows as funders add.
	Quantity uint64 `json:"quantity"`

	// Duration is the fixed vesting window, immutable once set.
	Duration time.Duration `json:"duration"`

	// StartedAt is set at acceptance and never changes afterwards.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// Worker is the assigned account once an offer was accepted.
	Worker id.AccountID `json:"worker,omitempty"`

	// Offer is the outstanding single-slot proposal, if any.
	Offer *Offer `json:"offer,omitempty"`

	// TimePaid is the vesting time already withdrawn as wage.
	TimePaid time.Duration `json:"time_paid"`

	// TimeRefunded is the vesting time cancelled back to the funders.
	// Nonzero only once the job has ended.
	TimeRefunded time.Duration `json:"time_refunded"`

	// Contributions maps funder account → cumulative quantity funded.
	Contributions map[string]uint64 `json:"contributions"`

	// Applications maps applicant account → non-binding application time.
	Applications map[string]time.Time `json:"applications,omitempty"`

	// Refunded maps funder account → refund already paid.
	Refunded map[string]bool `json:"refunded,omitempty"`
}

// TimeWorked returns the portion of the duration already worked as of now.
// Ended jobs report duration minus the refunded time; unassigned jobs
// report zero; running jobs report elapsed time capped at the duration.
func (j *Job) TimeWorked(now time.Time) time.Duration {
	if j.TimeRefunded > 0 {
		return j.Duration - j.TimeRefunded
	}
	if j.Worker.IsNil() || j.StartedAt == nil {
		return 0
	}

	elapsed := now.Sub(*j.StartedAt)
	if elapsed < 0 {
		return 0
	}
	if elapsed > j.Duration {
		return j.Duration
	}
	return elapsed
}

// StatusAt derives the job's lifecycle state as of now.
func (j *Job) StatusAt(now time.Time) Status {
	if j.TimeRefunded > 0 {
		return StatusEnded
	}
	if j.Worker.IsNil() {
		return StatusCreated
	}
	if j.TimeWorked(now) < j.Duration {
		return StatusWorking
	}
	return StatusEnded
}

// Contribution returns the funder's cumulative contribution.
func (j *Job) Contribution(funder id.AccountID) uint64 {
	return j.Contributions[funder.String()]
}

// Clone returns a deep copy so callers can mutate without racing with
// a shared store record.
func (j *Job) Clone() *Job {
	cp := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.Offer != nil {
		o := *j.Offer
		o.Commitment = bytes.Clone(j.Offer.Commitment)
		cp.Offer = &o
	}
	cp.Contributions = maps.Clone(j.Contributions)
	cp.Applications = maps.Clone(j.Applications)
	cp.Refunded = maps.Clone(j.Refunded)
	return &cp
}
