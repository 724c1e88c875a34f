package bunstore

import (
	"context"
	"fmt"
	"time"

	"github.com/workmesh/escrow"
	"github.com/workmesh/escrow/job"
)

// NextJobID returns the next value of the board's job sequence.
func (s *Store) NextJobID(ctx context.Context) (uint64, error) {
	var next int64
	err := s.db.QueryRowContext(ctx, `SELECT nextval('escrow_job_seq')`).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("escrow/bun: next job id: %w", err)
	}
	return uint64(next), nil
}

// CreateJob persists a new job record.
func (s *Store) CreateJob(ctx context.Context, j *job.Job) error {
	m, err := toJobModel(j)
	if err != nil {
		return err
	}
	_, err = s.db.NewInsert().Model(m).Exec(ctx)
	if err != nil {
		if isDuplicateKey(err) {
			return escrow.ErrJobAlreadyExists
		}
		return fmt.Errorf("escrow/bun: create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID uint64) (*job.Job, error) {
	m := new(jobModel)
	err := s.db.NewSelect().Model(m).
		Where("id = ?", int64(jobID)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, escrow.ErrJobNotFound
		}
		return nil, fmt.Errorf("escrow/bun: get job: %w", err)
	}
	return fromJobModel(m)
}

// UpdateJob persists changes to an existing job.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job) error {
	m, err := toJobModel(j)
	if err != nil {
		return err
	}
	m.UpdatedAt = time.Now().UTC()
	res, err := s.db.NewUpdate().Model(m).WherePK().Exec(ctx)
	if err != nil {
		return fmt.Errorf("escrow/bun: update job: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return escrow.ErrJobNotFound
	}
	return nil
}

// ListJobs returns jobs in ascending ID order.
func (s *Store) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	var models []jobModel
	q := s.db.NewSelect().Model(&models)

	if !opts.Manager.IsNil() {
		q = q.Where("manager = ?", opts.Manager.String())
	}
	if !opts.Token.IsNil() {
		q = q.Where("token = ?", opts.Token.String())
	}

	q = q.Order("id ASC")

	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}

	err := q.Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("escrow/bun: list jobs: %w", err)
	}

	jobs := make([]*job.Job, 0, len(models))
	for i := range models {
		j, convErr := fromJobModel(&models[i])
		if convErr != nil {
			return nil, fmt.Errorf("escrow/bun: list jobs convert: %w", convErr)
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// CountJobs returns the number of jobs matching the given options.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	q := s.db.NewSelect().TableExpr("escrow_jobs")

	if !opts.Manager.IsNil() {
		q = q.Where("manager = ?", opts.Manager.String())
	}
	if !opts.Token.IsNil() {
		q = q.Where("token = ?", opts.Token.String())
	}

	count, err := q.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("escrow/bun: count jobs: %w", err)
	}
	return int64(count), nil
}
