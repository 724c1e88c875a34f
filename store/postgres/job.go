package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/workmesh/escrow"
	"github.com/workmesh/escrow/id"
	"github.com/workmesh/escrow/job"
)

const jobColumns = `
	id, title, description, manager, token, quantity, duration,
	started_at, worker, offer, time_paid, time_refunded,
	contributions, applications, refunded, created_at, updated_at`

// NextJobID returns the next value of the board's job sequence.
func (s *Store) NextJobID(ctx context.Context) (uint64, error) {
	var next int64
	err := s.pool.QueryRow(ctx, `SELECT nextval('escrow_job_seq')`).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("escrow/postgres: next job id: %w", err)
	}
	return uint64(next), nil
}

// CreateJob persists a new job record.
func (s *Store) CreateJob(ctx context.Context, j *job.Job) error {
	offer, contributions, applications, refunded, err := encodeJobJSON(j)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO escrow_jobs (
			id, title, description, manager, token, quantity, duration,
			started_at, worker, offer, time_paid, time_refunded,
			contributions, applications, refunded, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17
		)`,
		int64(j.ID), j.Title, j.Description, j.Manager.String(), j.Token.String(),
		int64(j.Quantity), j.Duration.Nanoseconds(),
		j.StartedAt, j.Worker.String(), offer,
		j.TimePaid.Nanoseconds(), j.TimeRefunded.Nanoseconds(),
		contributions, applications, refunded,
		j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return escrow.ErrJobAlreadyExists
		}
		return fmt.Errorf("escrow/postgres: create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID uint64) (*job.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM escrow_jobs WHERE id = $1`,
		int64(jobID),
	)

	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, escrow.ErrJobNotFound
		}
		return nil, fmt.Errorf("escrow/postgres: get job: %w", err)
	}
	return j, nil
}

// UpdateJob persists changes to an existing job.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job) error {
	offer, contributions, applications, refunded, err := encodeJobJSON(j)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE escrow_jobs SET
			title = $2, description = $3, manager = $4, token = $5,
			quantity = $6, duration = $7, started_at = $8, worker = $9,
			offer = $10, time_paid = $11, time_refunded = $12,
			contributions = $13, applications = $14, refunded = $15,
			updated_at = NOW()
		WHERE id = $1`,
		int64(j.ID), j.Title, j.Description, j.Manager.String(), j.Token.String(),
		int64(j.Quantity), j.Duration.Nanoseconds(),
		j.StartedAt, j.Worker.String(), offer,
		j.TimePaid.Nanoseconds(), j.TimeRefunded.Nanoseconds(),
		contributions, applications, refunded,
	)
	if err != nil {
		return fmt.Errorf("escrow/postgres: update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return escrow.ErrJobNotFound
	}
	return nil
}

// ListJobs returns jobs in ascending ID order.
func (s *Store) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM escrow_jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if !opts.Manager.IsNil() {
		query += fmt.Sprintf(" AND manager = $%d", argIdx)
		args = append(args, opts.Manager.String())
		argIdx++
	}
	if !opts.Token.IsNil() {
		query += fmt.Sprintf(" AND token = $%d", argIdx)
		args = append(args, opts.Token.String())
		argIdx++
	}

	query += " ORDER BY id ASC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("escrow/postgres: list jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// CountJobs returns the number of jobs matching the given options.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	query := `SELECT COUNT(*) FROM escrow_jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if !opts.Manager.IsNil() {
		query += fmt.Sprintf(" AND manager = $%d", argIdx)
		args = append(args, opts.Manager.String())
		argIdx++
	}
	if !opts.Token.IsNil() {
		query += fmt.Sprintf(" AND token = $%d", argIdx)
		args = append(args, opts.Token.String())
	}

	var count int64
	err := s.pool.QueryRow(ctx, query, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("escrow/postgres: count jobs: %w", err)
	}
	return count, nil
}

// encodeJobJSON marshals the job's document-valued columns.
func encodeJobJSON(j *job.Job) (offer, contributions, applications, refunded []byte, err error) {
	if j.Offer != nil {
		offer, err = json.Marshal(j.Offer)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("escrow/postgres: marshal offer: %w", err)
		}
	}

	contributions, err = json.Marshal(j.Contributions)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("escrow/postgres: marshal contributions: %w", err)
	}
	applications, err = json.Marshal(j.Applications)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("escrow/postgres: marshal applications: %w", err)
	}
	refunded, err = json.Marshal(j.Refunded)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("escrow/postgres: marshal refunded: %w", err)
	}
	return offer, contributions, applications, refunded, nil
}

// scanJob scans a single job row.
func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		j             job.Job
		jobID         int64
		managerStr    string
		tokenStr      string
		workerStr     string
		quantity      int64
		durationNs    int64
		timePaidNs    int64
		timeRefNs     int64
		offer         []byte
		contributions []byte
		applications  []byte
		refunded      []byte
	)
	err := row.Scan(
		&jobID, &j.Title, &j.Description, &managerStr, &tokenStr,
		&quantity, &durationNs,
		&j.StartedAt, &workerStr, &offer,
		&timePaidNs, &timeRefNs,
		&contributions, &applications, &refunded,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	j.ID = uint64(jobID)
	j.Quantity = uint64(quantity)
	j.Duration = time.Duration(durationNs)
	j.TimePaid = time.Duration(timePaidNs)
	j.TimeRefunded = time.Duration(timeRefNs)

	j.Manager, err = id.ParseAccountID(managerStr)
	if err != nil {
		return nil, fmt.Errorf("escrow/postgres: parse manager %q: %w", managerStr, err)
	}
	j.Token, err = id.ParseTokenID(tokenStr)
	if err != nil {
		return nil, fmt.Errorf("escrow/postgres: parse token %q: %w", tokenStr, err)
	}
	if workerStr != "" {
		j.Worker, err = id.ParseAccountID(workerStr)
		if err != nil {
			return nil, fmt.Errorf("escrow/postgres: parse worker %q: %w", workerStr, err)
		}
	}

	if len(offer) > 0 {
		var o job.Offer
		if err := json.Unmarshal(offer, &o); err != nil {
			return nil, fmt.Errorf("escrow/postgres: unmarshal offer: %w", err)
		}
		j.Offer = &o
	}
	if err := json.Unmarshal(contributions, &j.Contributions); err != nil {
		return nil, fmt.Errorf("escrow/postgres: unmarshal contributions: %w", err)
	}
	if err := json.Unmarshal(applications, &j.Applications); err != nil {
		return nil, fmt.Errorf("escrow/postgres: unmarshal applications: %w", err)
	}
	if err := json.Unmarshal(refunded, &j.Refunded); err != nil {
		return nil, fmt.Errorf("escrow/postgres: unmarshal refunded: %w", err)
	}

	return &j, nil
}

// collectJobs collects all jobs from query rows.
func collectJobs(rows pgx.Rows) ([]*job.Job, error) {
	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("escrow/postgres: scan job row: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow/postgres: iterate job rows: %w", err)
	}
	return jobs, nil
}
