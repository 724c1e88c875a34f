// Package query is the read-aggregation layer: batch getters over job
// and pool state for display purposes. Everything here is derived from
// the stores; nothing mutates.
package query

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/workmesh/escrow/id"
	"github.com/workmesh/escrow/job"
	"github.com/workmesh/escrow/reward"
)

// JobView is a job record joined with its derived lifecycle values.
type JobView struct {
	Job        *job.Job      `json:"job"`
	Status     job.Status    `json:"status"`
	TimeWorked time.Duration `json:"time_worked"`
}

// JobPage is one page of job views plus the total match count.
type JobPage struct {
	Jobs  []JobView `json:"jobs"`
	Total int64     `json:"total"`
}

// PoolSummary aggregates a pool's reward history and, when a backer is
// given, that backer's claim state.
type PoolSummary struct {
	Pool      *reward.Pool       `json:"pool"`
	Snapshots []*reward.Snapshot `json:"snapshots"`

	// DepositedByToken sums snapshot quantities per reward token.
	DepositedByToken map[string]uint64 `json:"deposited_by_token"`

	// ClaimedByBacker lists the snapshot IDs the queried backer has
	// claimed. Empty when no backer was given.
	ClaimedByBacker []uint64 `json:"claimed_by_backer,omitempty"`
}

// Service answers read queries over the job and reward stores.
type Service struct {
	jobs    job.Store
	rewards reward.Store
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the structured logger for the query service.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock overrides the clock used for derived status. Intended for
// tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a query Service over the given stores.
func NewService(jobs job.Store, rewards reward.Store, opts ...Option) *Service {
	s := &Service{
		jobs:    jobs,
		rewards: rewards,
		logger:  slog.Default(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Job returns a single job view.
func (s *Service) Job(ctx context.Context, jobID uint64) (*JobView, error) {
	j, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	v := s.view(j)
	return &v, nil
}

// Jobs returns one page of job views and the total count of matching
// jobs. The page and the count are fetched concurrently.
func (s *Service) Jobs(ctx context.Context, opts job.ListOpts) (*JobPage, error) {
	var (
		page  []*job.Job
		total int64
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		page, err = s.jobs.ListJobs(ctx, opts)
		return err
	})
	g.Go(func() error {
		var err error
		total, err = s.jobs.CountJobs(ctx, job.CountOpts{Manager: opts.Manager, Token: opts.Token})
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	views := make([]JobView, 0, len(page))
	for _, j := range page {
		views = append(views, s.view(j))
	}
	return &JobPage{Jobs: views, Total: total}, nil
}

// Pool summarizes the recipient's reward pool. A non-nil backer also
// fetches that backer's claimed snapshot IDs. The snapshot list and the
// claim state are fetched concurrently.
func (s *Service) Pool(ctx context.Context, recipient id.AccountID, stakeToken id.TokenID, backer id.AccountID) (*PoolSummary, error) {
	pool, err := s.rewards.FindPool(ctx, recipient, stakeToken)
	if err != nil {
		return nil, err
	}

	summary := &PoolSummary{Pool: pool}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		snaps, err := s.rewards.ListSnapshots(ctx, pool.ID)
		if err != nil {
			return err
		}
		summary.Snapshots = snaps
		return nil
	})
	if !backer.IsNil() {
		g.Go(func() error {
			claimed, err := s.rewards.ClaimedSnapshots(ctx, pool.ID, backer)
			if err != nil {
				return err
			}
			summary.ClaimedByBacker = claimed
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	summary.DepositedByToken = make(map[string]uint64, 1)
	for _, snap := range summary.Snapshots {
		summary.DepositedByToken[snap.RewardToken.String()] += snap.Quantity
	}
	return summary, nil
}

// Pools summarizes every pool, optionally filtered by recipient.
func (s *Service) Pools(ctx context.Context, opts reward.ListOpts) ([]*PoolSummary, error) {
	pools, err := s.rewards.ListPools(ctx, opts)
	if err != nil {
		return nil, err
	}

	summaries := make([]*PoolSummary, len(pools))
	g, ctx := errgroup.WithContext(ctx)
	for i, p := range pools {
		g.Go(func() error {
			summary, err := s.Pool(ctx, p.Recipient, p.StakeToken, id.Nil)
			if err != nil {
				return err
			}
			summaries[i] = summary
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return summaries, nil
}

func (s *Service) view(j *job.Job) JobView {
	now := s.now()
	return JobView{Job: j, Status: j.StatusAt(now), TimeWorked: j.TimeWorked(now)}
}
