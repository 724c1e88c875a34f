package board

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/workmesh/escrow"
	"github.com/workmesh/escrow/directory"
	"github.com/workmesh/escrow/event"
	"github.com/workmesh/escrow/id"
	"github.com/workmesh/escrow/job"
	"github.com/workmesh/escrow/middleware"
	"github.com/workmesh/escrow/num"
	"github.com/workmesh/escrow/token"
)

// Board is the job escrow service. All mutating operations are
// serialized by a single mutex: the settlement arithmetic reads a
// (quantity, timePaid, timeRefunded) triple and writes back a derived
// value, so no two fund-moving operations may interleave on a job.
type Board struct {
	mu     sync.Mutex
	store  job.Store
	tokens token.Ledger
	dir    *directory.Directory
	config escrow.Config
	logger *slog.Logger
	bus    *event.Bus
	now    func() time.Time
	chain  middleware.Middleware

	// account is the board's escrow custody account. Every funded
	// quantity sits here until claimed or refunded.
	account id.AccountID
}

// Option configures a Board.
type Option func(*Board)

// WithLogger sets the structured logger for the board.
func WithLogger(l *slog.Logger) Option {
	return func(b *Board) { b.logger = l }
}

// WithBus sets the event bus the board publishes to.
func WithBus(bus *event.Bus) Option {
	return func(b *Board) { b.bus = bus }
}

// WithClock overrides the board clock. Intended for tests that need
// deterministic vesting arithmetic.
func WithClock(now func() time.Time) Option {
	return func(b *Board) { b.now = now }
}

// WithChain sets the middleware chain every public operation runs
// through.
func WithChain(chain middleware.Middleware) Option {
	return func(b *Board) { b.chain = chain }
}

// WithEscrowAccount pins the escrow custody account. Defaults to a
// fresh account per Board.
func WithEscrowAccount(account id.AccountID) Option {
	return func(b *Board) { b.account = account }
}

// New creates a Board over the given store, token ledger, and directory.
func New(store job.Store, tokens token.Ledger, dir *directory.Directory, cfg escrow.Config, opts ...Option) *Board {
	b := &Board{
		store:   store,
		tokens:  tokens,
		dir:     dir,
		config:  cfg,
		logger:  slog.Default(),
		now:     func() time.Time { return time.Now().UTC() },
		account: id.NewAccountID(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// EscrowAccount returns the board's custody account.
func (b *Board) EscrowAccount() id.AccountID { return b.account }

// ──────────────────────────────────────────────────
// Lifecycle operations
// ──────────────────────────────────────────────────

// Create opens a new job. The caller becomes manager and first funder,
// and the full quantity is pulled into escrow up front.
func (b *Board) Create(ctx context.Context, caller id.AccountID, title, description string, tok id.TokenID, quantity uint64, duration time.Duration) (*job.Job, error) {
	if quantity == 0 {
		return nil, escrow.ErrZeroQuantity
	}
	if duration <= 0 || duration >= b.config.MaxDuration {
		return nil, escrow.ErrDurationRange
	}

	var created *job.Job
	err := b.run(ctx, middleware.Op{Name: "board.create", Actor: caller}, func(ctx context.Context) error {
		b.mu.Lock()
		defer b.mu.Unlock()

		jobID, err := b.store.NextJobID(ctx)
		if err != nil {
			return err
		}

		if err := b.tokens.Transfer(ctx, tok, caller, b.account, quantity); err != nil {
			return err
		}

		j := &job.Job{
			Entity:        escrow.NewEntity(),
			ID:            jobID,
			Title:         title,
			Description:   description,
			Manager:       caller,
			Token:         tok,
			Quantity:      quantity,
			Duration:      duration,
			Contributions: map[string]uint64{caller.String(): quantity},
		}
		if err := b.store.CreateJob(ctx, j); err != nil {
			b.reverseTransfer(ctx, tok, caller, quantity, jobID)
			return err
		}

		b.dir.AutoRegister(ctx, caller)
		b.publish(ctx, &event.Event{Name: event.JobCreated, JobID: j.ID, Actor: caller})
		b.logger.Info("job created",
			slog.Uint64("job_id", j.ID),
			slog.String("manager", caller.String()),
			slog.Uint64("quantity", quantity),
		)
		created = j
		return nil
	})
	return created, err
}

// Fund adds quantity to an open job's escrow and records the caller's
// contribution. Repeated calls accumulate.
func (b *Board) Fund(ctx context.Context, caller id.AccountID, jobID, quantity uint64) error {
	if quantity == 0 {
		return escrow.ErrZeroQuantity
	}

	return b.run(ctx, middleware.Op{Name: "board.fund", JobID: jobID, Actor: caller}, func(ctx context.Context) error {
		b.mu.Lock()
		defer b.mu.Unlock()

		j, err := b.store.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if j.StatusAt(b.now()) != job.StatusCreated {
			return escrow.ErrJobNotOpen
		}

		newQuantity, err := num.Add(j.Quantity, quantity)
		if err != nil {
			return escrow.ErrAmountOverflow
		}
		contribution, err := num.Add(j.Contribution(caller), quantity)
		if err != nil {
			return escrow.ErrAmountOverflow
		}

		if err := b.tokens.Transfer(ctx, j.Token, caller, b.account, quantity); err != nil {
			return err
		}

		j.Quantity = newQuantity
		if j.Contributions == nil {
			j.Contributions = make(map[string]uint64)
		}
		j.Contributions[caller.String()] = contribution
		j.Touch()
		if err := b.store.UpdateJob(ctx, j); err != nil {
			b.reverseTransfer(ctx, j.Token, caller, quantity, j.ID)
			return err
		}

		b.dir.AutoRegister(ctx, caller)
		b.publish(ctx, &event.Event{Name: event.JobFunded, JobID: j.ID, Actor: caller})
		return nil
	})
}

// Apply records a non-binding application timestamp. No funds move.
func (b *Board) Apply(ctx context.Context, caller id.AccountID, jobID uint64) error {
	return b.run(ctx, middleware.Op{Name: "board.apply", JobID: jobID, Actor: caller}, func(ctx context.Context) error {
		b.mu.Lock()
		defer b.mu.Unlock()

		j, err := b.store.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if j.StatusAt(b.now()) != job.StatusCreated {
			return escrow.ErrJobNotOpen
		}

		if j.Applications == nil {
			j.Applications = make(map[string]time.Time)
		}
		j.Applications[caller.String()] = b.now()
		j.Touch()
		if err := b.store.UpdateJob(ctx, j); err != nil {
			return err
		}

		b.publish(ctx, &event.Event{Name: event.JobApplied, JobID: j.ID, Actor: caller})
		return nil
	})
}

// WithdrawApplication removes the caller's application, if any.
func (b *Board) WithdrawApplication(ctx context.Context, caller id.AccountID, jobID uint64) error {
	return b.run(ctx, middleware.Op{Name: "board.withdraw_application", JobID: jobID, Actor: caller}, func(ctx context.Context) error {
		b.mu.Lock()
		defer b.mu.Unlock()

		j, err := b.store.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if j.StatusAt(b.now()) != job.StatusCreated {
			return escrow.ErrJobNotOpen
		}

		delete(j.Applications, caller.String())
		j.Touch()
		if err := b.store.UpdateJob(ctx, j); err != nil {
			return err
		}

		b.publish(ctx, &event.Event{Name: event.JobUnapplied, JobID: j.ID, Actor: caller})
		return nil
	})
}

// Offer sets the job's single-slot binding proposal. Manager only.
// The offer names either a direct candidate or a commitment hash that
// Accept must reproduce.
func (b *Board) Offer(ctx context.Context, caller id.AccountID, jobID uint64, offer *job.Offer) error {
	if offer == nil || (offer.Candidate.IsNil() && len(offer.Commitment) == 0) {
		return escrow.ErrOfferMismatch
	}

	return b.run(ctx, middleware.Op{Name: "board.offer", JobID: jobID, Actor: caller}, func(ctx context.Context) error {
		b.mu.Lock()
		defer b.mu.Unlock()

		j, err := b.store.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if !j.Manager.Equal(caller) {
			return escrow.ErrNotManager
		}
		if j.StatusAt(b.now()) != job.StatusCreated {
			return escrow.ErrJobNotOpen
		}

		j.Offer = offer
		j.Touch()
		if err := b.store.UpdateJob(ctx, j); err != nil {
			return err
		}

		b.publish(ctx, &event.Event{Name: event.JobOffered, JobID: j.ID, Actor: caller})
		return nil
	})
}

// Rescind clears the outstanding offer. Manager only.
func (b *Board) Rescind(ctx context.Context, caller id.AccountID, jobID uint64) error {
	return b.run(ctx, middleware.Op{Name: "board.rescind", JobID: jobID, Actor: caller}, func(ctx context.Context) error {
		b.mu.Lock()
		defer b.mu.Unlock()

		j, err := b.store.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if !j.Manager.Equal(caller) {
			return escrow.ErrNotManager
		}
		if j.Offer == nil {
			return escrow.ErrNoOffer
		}

		j.Offer = nil
		j.Touch()
		if err := b.store.UpdateJob(ctx, j); err != nil {
			return err
		}

		b.publish(ctx, &event.Event{Name: event.JobRescinded, JobID: j.ID, Actor: caller})
		return nil
	})
}

// Accept assigns the caller as worker. The caller must satisfy the
// outstanding offer predicate. Acceptance starts the vesting clock and
// routes the marketplace fee into the worker's reward pool; the stake
// token of that pool is the job's payment token.
func (b *Board) Accept(ctx context.Context, caller id.AccountID, jobID uint64, secret []byte) error {
	return b.run(ctx, middleware.Op{Name: "board.accept", JobID: jobID, Actor: caller}, func(ctx context.Context) error {
		b.mu.Lock()
		defer b.mu.Unlock()

		j, err := b.store.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		now := b.now()
		if j.StatusAt(now) != job.StatusCreated {
			return escrow.ErrJobNotOpen
		}
		if j.Offer == nil {
			return escrow.ErrNoOffer
		}
		if !j.Offer.Matches(j.ID, caller, secret) {
			return escrow.ErrOfferMismatch
		}

		// The fee is carved out of the full escrowed quantity at
		// acceptance; only the remainder vests to the worker.
		fee, err := num.MulDiv(j.Quantity, uint64(b.config.FeeBps), escrow.BpsDenominator)
		if err != nil {
			return escrow.ErrAmountOverflow
		}

		// Persist the assignment before routing the fee. If routing
		// fails the prior record is written back, so a retried Accept
		// finds the open job with its offer intact and the fee is never
		// routed twice for the same acceptance.
		prev := j.Clone()
		j.Worker = caller
		j.StartedAt = &now
		j.Offer = nil
		j.Touch()
		if err := b.store.UpdateJob(ctx, j); err != nil {
			return err
		}

		if fee > 0 {
			if _, err := b.dir.RouteReward(ctx, caller, j.Token, j.Token, fee, b.account); err != nil {
				if restoreErr := b.store.UpdateJob(ctx, prev); restoreErr != nil {
					b.logger.Error("accept rollback failed",
						slog.Uint64("job_id", j.ID),
						slog.String("error", restoreErr.Error()),
					)
				}
				return fmt.Errorf("routing fee for job %d: %w", j.ID, err)
			}
		}

		b.publish(ctx, &event.Event{Name: event.JobAccepted, JobID: j.ID, Actor: caller})
		b.logger.Info("job accepted",
			slog.Uint64("job_id", j.ID),
			slog.String("worker", caller.String()),
			slog.Uint64("fee", fee),
		)
		return nil
	})
}

// End freezes the job's vesting clock: the unworked remainder of the
// duration becomes refundable to the funders. Manager or worker only.
func (b *Board) End(ctx context.Context, caller id.AccountID, jobID uint64) error {
	return b.run(ctx, middleware.Op{Name: "board.end", JobID: jobID, Actor: caller}, func(ctx context.Context) error {
		b.mu.Lock()
		defer b.mu.Unlock()

		j, err := b.store.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		now := b.now()
		if j.StatusAt(now) != job.StatusWorking {
			return escrow.ErrJobNotWorking
		}
		if !j.Manager.Equal(caller) && !j.Worker.Equal(caller) {
			return escrow.ErrNotManager
		}

		j.TimeRefunded = j.Duration - j.TimeWorked(now)
		j.Touch()
		if err := b.store.UpdateJob(ctx, j); err != nil {
			return err
		}

		b.publish(ctx, &event.Event{Name: event.JobEnded, JobID: j.ID, Actor: caller})
		return nil
	})
}

// Cancel ends an open job before any acceptance. The full duration
// becomes refundable. Manager only.
func (b *Board) Cancel(ctx context.Context, caller id.AccountID, jobID uint64) error {
	return b.run(ctx, middleware.Op{Name: "board.cancel", JobID: jobID, Actor: caller}, func(ctx context.Context) error {
		b.mu.Lock()
		defer b.mu.Unlock()

		j, err := b.store.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if !j.Manager.Equal(caller) {
			return escrow.ErrNotManager
		}
		if j.StatusAt(b.now()) != job.StatusCreated {
			return escrow.ErrJobNotOpen
		}

		j.TimeRefunded = j.Duration
		j.Touch()
		if err := b.store.UpdateJob(ctx, j); err != nil {
			return err
		}

		b.publish(ctx, &event.Event{Name: event.JobCancelled, JobID: j.ID, Actor: caller})
		return nil
	})
}

// Refund pays the funder its share of the refunded time, once. Anyone
// may trigger the payout; the tokens always go to the funder.
func (b *Board) Refund(ctx context.Context, caller id.AccountID, jobID uint64, funder id.AccountID) (uint64, error) {
	var refunded uint64
	err := b.run(ctx, middleware.Op{Name: "board.refund", JobID: jobID, Actor: caller}, func(ctx context.Context) error {
		b.mu.Lock()
		defer b.mu.Unlock()

		j, err := b.store.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if j.StatusAt(b.now()) != job.StatusEnded {
			return escrow.ErrJobNotEnded
		}

		contribution := j.Contribution(funder)
		if contribution == 0 {
			return escrow.ErrNotFunder
		}
		if j.Refunded[funder.String()] {
			return escrow.ErrAlreadyRefunded
		}

		amount, err := num.MulDiv(contribution, uint64(j.TimeRefunded), uint64(j.Duration))
		if err != nil {
			return escrow.ErrAmountOverflow
		}
		if amount > 0 {
			if err := b.tokens.Transfer(ctx, j.Token, b.account, funder, amount); err != nil {
				return err
			}
		}

		if j.Refunded == nil {
			j.Refunded = make(map[string]bool)
		}
		j.Refunded[funder.String()] = true
		j.Touch()
		if err := b.store.UpdateJob(ctx, j); err != nil {
			if amount > 0 {
				b.clawBack(ctx, j.Token, funder, amount, j.ID)
			}
			return err
		}

		b.publish(ctx, &event.Event{Name: event.JobRefunded, JobID: j.ID, Actor: funder})
		refunded = amount
		return nil
	})
	return refunded, err
}

// Claim pays the worker's wage vested since the last claim to the given
// account and advances the paid-time watermark. Worker only. A claim
// with nothing vested is a zero payout, not a failure.
func (b *Board) Claim(ctx context.Context, caller id.AccountID, jobID uint64, to id.AccountID) (uint64, error) {
	var wage uint64
	err := b.run(ctx, middleware.Op{Name: "board.claim", JobID: jobID, Actor: caller}, func(ctx context.Context) error {
		b.mu.Lock()
		defer b.mu.Unlock()

		j, err := b.store.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if j.Worker.IsNil() || !j.Worker.Equal(caller) {
			return escrow.ErrNotWorker
		}

		now := b.now()
		worked := j.TimeWorked(now)
		unpaid := worked - j.TimePaid
		if unpaid <= 0 {
			return nil
		}

		workerQuantity, err := num.MulDiv(j.Quantity, uint64(b.config.WorkerBps()), escrow.BpsDenominator)
		if err != nil {
			return escrow.ErrAmountOverflow
		}
		amount, err := num.MulDiv(workerQuantity, uint64(unpaid), uint64(j.Duration))
		if err != nil {
			return escrow.ErrAmountOverflow
		}
		if amount > 0 {
			if err := b.tokens.Transfer(ctx, j.Token, b.account, to, amount); err != nil {
				return err
			}
		}

		j.TimePaid = worked
		j.Touch()
		if err := b.store.UpdateJob(ctx, j); err != nil {
			if amount > 0 {
				b.clawBack(ctx, j.Token, to, amount, j.ID)
			}
			return err
		}

		b.publish(ctx, &event.Event{Name: event.JobClaimed, JobID: j.ID, Actor: caller})
		b.logger.Info("wage claimed",
			slog.Uint64("job_id", j.ID),
			slog.Uint64("amount", amount),
			slog.Duration("time_paid", j.TimePaid),
		)
		wage = amount
		return nil
	})
	return wage, err
}

// ──────────────────────────────────────────────────
// Read accessors
// ──────────────────────────────────────────────────

// Get returns the job by ID.
func (b *Board) Get(ctx context.Context, jobID uint64) (*job.Job, error) {
	return b.store.GetJob(ctx, jobID)
}

// List returns jobs in ascending ID order.
func (b *Board) List(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	return b.store.ListJobs(ctx, opts)
}

// Count returns the number of jobs matching the options.
func (b *Board) Count(ctx context.Context, opts job.CountOpts) (int64, error) {
	return b.store.CountJobs(ctx, opts)
}

// Status derives the job's lifecycle state as of the board clock.
func (b *Board) Status(ctx context.Context, jobID uint64) (job.Status, error) {
	j, err := b.store.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	return j.StatusAt(b.now()), nil
}

// TimeWorked returns the portion of the duration already worked as of
// the board clock.
func (b *Board) TimeWorked(ctx context.Context, jobID uint64) (time.Duration, error) {
	j, err := b.store.GetJob(ctx, jobID)
	if err != nil {
		return 0, err
	}
	return j.TimeWorked(b.now()), nil
}

// ──────────────────────────────────────────────────
// Internals
// ──────────────────────────────────────────────────

// reverseTransfer returns an inbound escrow deposit to its sender after
// the store write failed, so the caller observes either a fully applied
// operation or none of it. A failed reversal strands the quantity in
// custody; it is logged at error level for manual reconciliation.
func (b *Board) reverseTransfer(ctx context.Context, tok id.TokenID, to id.AccountID, quantity, jobID uint64) {
	if err := b.tokens.Transfer(ctx, tok, b.account, to, quantity); err != nil {
		b.logger.Error("escrow reversal failed",
			slog.Uint64("job_id", jobID),
			slog.Uint64("quantity", quantity),
			slog.String("error", err.Error()),
		)
	}
}

// clawBack pulls an outbound payout back into custody after the store
// write failed, so the paid-time and refunded markers never lag a
// completed payout.
func (b *Board) clawBack(ctx context.Context, tok id.TokenID, from id.AccountID, quantity, jobID uint64) {
	if err := b.tokens.Transfer(ctx, tok, from, b.account, quantity); err != nil {
		b.logger.Error("payout claw-back failed",
			slog.Uint64("job_id", jobID),
			slog.Uint64("quantity", quantity),
			slog.String("error", err.Error()),
		)
	}
}

func (b *Board) run(ctx context.Context, op middleware.Op, fn middleware.Handler) error {
	if b.chain == nil {
		return fn(ctx)
	}
	return b.chain(ctx, op, fn)
}

func (b *Board) publish(ctx context.Context, evt *event.Event) {
	if b.bus == nil {
		return
	}
	if _, err := b.bus.Publish(ctx, evt); err != nil {
		b.logger.Warn("event publish failed", slog.String("event", evt.Name), slog.String("error", err.Error()))
	}
}
