package job

import (
	"context"

	"github.com/workmesh/escrow/id"
)

// ListOpts controls pagination and filtering for job list queries.
type ListOpts struct {
	// Limit is the maximum number of jobs to return. Zero means no limit.
	Limit int
	// Offset is the number of jobs to skip.
	Offset int
	// Manager filters by the managing account. Nil means all managers.
	Manager id.AccountID
	// Token filters by payment token. Nil means all tokens.
	Token id.TokenID
}

// CountOpts controls filtering for job count queries.
type CountOpts struct {
	// Manager filters by the managing account. Nil means all managers.
	Manager id.AccountID
	// Token filters by payment token. Nil means all tokens.
	Token id.TokenID
}

// Store defines the persistence contract for jobs.
// Records are append/update-only: there is no delete.
type Store interface {
	// NextJobID returns the next value of the board's monotonic job
	// sequence. IDs start at 1.
	NextJobID(ctx context.Context) (uint64, error)

	// CreateJob persists a new job record.
	CreateJob(ctx context.Context, j *Job) error

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, jobID uint64) (*Job, error)

	// UpdateJob persists changes to an existing job.
	UpdateJob(ctx context.Context, j *Job) error

	// ListJobs returns jobs in ascending ID order.
	ListJobs(ctx context.Context, opts ListOpts) ([]*Job, error)

	// CountJobs returns the number of jobs matching the given options.
	CountJobs(ctx context.Context, opts CountOpts) (int64, error)
}
