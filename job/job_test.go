package job_test

import (
	"testing"
	"time"

	"github.com/workmesh/escrow"
	"github.com/workmesh/escrow/id"
	"github.com/workmesh/escrow/job"
)

var epoch = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func newJob(worker id.AccountID, started *time.Time, refunded time.Duration) *job.Job {
	return &job.Job{
		Entity:        escrow.NewEntity(),
		ID:            1,
		Title:         "index the archive",
		Manager:       id.NewAccountID(),
		Token:         id.NewTokenID(),
		Quantity:      1000,
		Duration:      1000 * time.Second,
		Worker:        worker,
		StartedAt:     started,
		TimeRefunded:  refunded,
		Contributions: map[string]uint64{},
	}
}

func TestStatusDerivation(t *testing.T) {
	t.Parallel()

	worker := id.NewAccountID()
	started := epoch

	tests := []struct {
		name string
		j    *job.Job
		now  time.Time
		want job.Status
	}{
		{"no worker", newJob(id.Nil, nil, 0), epoch, job.StatusCreated},
		{"no worker much later", newJob(id.Nil, nil, 0), epoch.Add(time.Hour), job.StatusCreated},
		{"working mid-vest", newJob(worker, &started, 0), epoch.Add(500 * time.Second), job.StatusWorking},
		{"lazy end at full duration", newJob(worker, &started, 0), epoch.Add(1000 * time.Second), job.StatusEnded},
		{"lazy end past full duration", newJob(worker, &started, 0), epoch.Add(2000 * time.Second), job.StatusEnded},
		{"refunded means ended", newJob(worker, &started, 400*time.Second), epoch.Add(time.Second), job.StatusEnded},
		{"cancelled before work", newJob(id.Nil, nil, 1000*time.Second), epoch, job.StatusEnded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.j.StatusAt(tt.now); got != tt.want {
				t.Errorf("StatusAt = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTimeWorked(t *testing.T) {
	t.Parallel()

	worker := id.NewAccountID()
	started := epoch

	tests := []struct {
		name string
		j    *job.Job
		now  time.Time
		want time.Duration
	}{
		{"unassigned", newJob(id.Nil, nil, 0), epoch.Add(time.Hour), 0},
		{"mid-vest", newJob(worker, &started, 0), epoch.Add(300 * time.Second), 300 * time.Second},
		{"capped at duration", newJob(worker, &started, 0), epoch.Add(5000 * time.Second), 1000 * time.Second},
		{"clock before start", newJob(worker, &started, 0), epoch.Add(-time.Second), 0},
		{"ended with refund", newJob(worker, &started, 400*time.Second), epoch.Add(time.Hour), 600 * time.Second},
		{"fully cancelled", newJob(id.Nil, nil, 1000*time.Second), epoch, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.j.TimeWorked(tt.now); got != tt.want {
				t.Errorf("TimeWorked = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTimeAccountingInvariant(t *testing.T) {
	t.Parallel()

	// Once ended, timeWorked + timeRefunded must equal duration.
	worker := id.NewAccountID()
	started := epoch
	j := newJob(worker, &started, 250*time.Second)

	now := epoch.Add(time.Hour)
	if got := j.TimeWorked(now) + j.TimeRefunded; got != j.Duration {
		t.Errorf("timeWorked + timeRefunded = %v, want %v", got, j.Duration)
	}
}

func TestOfferMatching(t *testing.T) {
	t.Parallel()

	candidate := id.NewAccountID()
	other := id.NewAccountID()
	secret := []byte("swordfish")

	tests := []struct {
		name   string
		offer  *job.Offer
		caller id.AccountID
		secret []byte
		want   bool
	}{
		{"direct match", &job.Offer{Candidate: candidate}, candidate, nil, true},
		{"direct mismatch", &job.Offer{Candidate: candidate}, other, nil, false},
		{"commitment match", &job.Offer{Commitment: job.Commit(7, candidate, secret)}, candidate, secret, true},
		{"commitment wrong secret", &job.Offer{Commitment: job.Commit(7, candidate, secret)}, candidate, []byte("guess"), false},
		{"commitment wrong caller", &job.Offer{Commitment: job.Commit(7, candidate, secret)}, other, secret, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.offer.Matches(7, tt.caller, tt.secret); got != tt.want {
				t.Errorf("Matches = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCommitBindsJobID(t *testing.T) {
	t.Parallel()

	candidate := id.NewAccountID()
	secret := []byte("s")
	offer := &job.Offer{Commitment: job.Commit(7, candidate, secret)}

	// The same candidate and secret must not satisfy a different job's offer.
	if offer.Matches(8, candidate, secret) {
		t.Error("commitment for job 7 matched job 8")
	}
}

func TestClone(t *testing.T) {
	t.Parallel()

	worker := id.NewAccountID()
	started := epoch
	j := newJob(worker, &started, 0)
	j.Contributions["a"] = 100
	j.Offer = &job.Offer{Commitment: []byte{1, 2, 3}}

	cp := j.Clone()
	cp.Contributions["a"] = 999
	cp.Offer.Commitment[0] = 9
	*cp.StartedAt = epoch.Add(time.Hour)

	if j.Contributions["a"] != 100 {
		t.Error("clone shares contributions map")
	}
	if j.Offer.Commitment[0] != 1 {
		t.Error("clone shares commitment bytes")
	}
	if !j.StartedAt.Equal(epoch) {
		t.Error("clone shares StartedAt pointer")
	}
}
