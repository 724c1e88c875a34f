// Package audit implements the invariant auditor: a scheduled sweep
// over all persisted jobs and reward pools that verifies the accounting
// invariants the settlement arithmetic depends on. When wired with the
// token ledger it also reconciles custody balances against outstanding
// obligations. Violations are reported through the log and as
// audit.violation events; the auditor never mutates state.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/workmesh/escrow"
	"github.com/workmesh/escrow/event"
	"github.com/workmesh/escrow/id"
	"github.com/workmesh/escrow/job"
	"github.com/workmesh/escrow/num"
	"github.com/workmesh/escrow/reward"
	"github.com/workmesh/escrow/token"
)

// sweepPageSize bounds one job-store read during a sweep.
const sweepPageSize = 200

// cronParser supports standard 5-field cron and descriptors like "@every 1m".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Violation is one broken invariant found by a sweep.
type Violation struct {
	// Rule names the invariant, e.g. "job.time_accounted".
	Rule string `json:"rule"`

	// JobID is set for job invariants, zero otherwise.
	JobID uint64 `json:"job_id,omitempty"`

	// PoolID is set for pool invariants, nil otherwise.
	PoolID id.PoolID `json:"pool_id,omitempty"`

	Detail string `json:"detail"`
}

// Auditor sweeps the stores on a cron schedule.
type Auditor struct {
	jobs    job.Store
	rewards reward.Store
	logger  *slog.Logger
	bus     *event.Bus
	now     func() time.Time

	// tokens, escrowAccount, and feeBps enable the custody checks.
	// Without them a sweep verifies record-level invariants only.
	tokens        token.Ledger
	escrowAccount id.AccountID
	feeBps        uint32

	schedule cronlib.Schedule

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Option configures an Auditor.
type Option func(*Auditor)

// WithLogger sets the structured logger for the auditor.
func WithLogger(l *slog.Logger) Option {
	return func(a *Auditor) { a.logger = l }
}

// WithBus sets the event bus violations are published to.
func WithBus(b *event.Bus) Option {
	return func(a *Auditor) { a.bus = b }
}

// WithClock overrides the auditor clock. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Auditor) { a.now = now }
}

// WithCustody wires the token ledger so sweeps can reconcile the escrow
// account and pool custody accounts against outstanding obligations.
// feeBps is the marketplace fee rate used to reconstruct the fee routed
// at acceptance.
func WithCustody(tokens token.Ledger, escrowAccount id.AccountID, feeBps uint32) Option {
	return func(a *Auditor) {
		a.tokens = tokens
		a.escrowAccount = escrowAccount
		a.feeBps = feeBps
	}
}

// New creates an Auditor sweeping on the given cron schedule.
func New(jobs job.Store, rewards reward.Store, schedule string, opts ...Option) (*Auditor, error) {
	parsed, err := cronParser.Parse(schedule)
	if err != nil {
		return nil, fmt.Errorf("parsing audit schedule %q: %w", schedule, err)
	}

	a := &Auditor{
		jobs:     jobs,
		rewards:  rewards,
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
		schedule: parsed,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Start launches the sweep loop.
func (a *Auditor) Start(_ context.Context) error {
	a.wg.Add(1)
	go a.loop()
	a.logger.Info("invariant auditor started")
	return nil
}

// Stop signals the loop to stop and waits for it to finish.
func (a *Auditor) Stop(_ context.Context) error {
	close(a.stopCh)
	a.wg.Wait()
	a.logger.Info("invariant auditor stopped")
	return nil
}

func (a *Auditor) loop() {
	defer a.wg.Done()
	for {
		next := a.schedule.Next(a.now())
		timer := time.NewTimer(next.Sub(a.now()))
		select {
		case <-a.stopCh:
			timer.Stop()
			return
		case <-timer.C:
			if _, err := a.Sweep(context.Background()); err != nil {
				a.logger.Error("audit sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Sweep verifies every job and pool once and returns the violations
// found. Jobs and pools are swept concurrently.
func (a *Auditor) Sweep(ctx context.Context) ([]Violation, error) {
	var (
		mu         sync.Mutex
		violations []Violation
	)
	collect := func(vs []Violation) {
		if len(vs) == 0 {
			return
		}
		mu.Lock()
		violations = append(violations, vs...)
		mu.Unlock()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		vs, err := a.sweepJobs(ctx)
		collect(vs)
		return err
	})
	g.Go(func() error {
		vs, err := a.sweepPools(ctx)
		collect(vs)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, v := range violations {
		a.report(ctx, v)
	}
	return violations, nil
}

func (a *Auditor) sweepJobs(ctx context.Context) ([]Violation, error) {
	var violations []Violation
	obligations := make(map[string]uint64)
	for offset := 0; ; offset += sweepPageSize {
		page, err := a.jobs.ListJobs(ctx, job.ListOpts{Limit: sweepPageSize, Offset: offset})
		if err != nil {
			return violations, err
		}
		for _, j := range page {
			violations = append(violations, a.checkJob(j)...)
			if a.tokens != nil {
				violations = append(violations, a.accumulateObligations(j, obligations)...)
			}
		}
		if len(page) < sweepPageSize {
			break
		}
	}

	if a.tokens != nil {
		vs, err := a.checkEscrowCustody(ctx, obligations)
		violations = append(violations, vs...)
		if err != nil {
			return violations, err
		}
	}
	return violations, nil
}

// accumulateObligations adds the job's outstanding custody obligation to
// the per-token totals the escrow account must cover.
func (a *Auditor) accumulateObligations(j *job.Job, obligations map[string]uint64) []Violation {
	outstanding, ok := jobOutstanding(j, a.feeBps)
	if !ok {
		return []Violation{{
			Rule:   "job.payout_bound",
			JobID:  j.ID,
			Detail: "fee, wages, and refunds paid exceed the escrowed quantity",
		}}
	}

	key := j.Token.String()
	total, err := num.Add(obligations[key], outstanding)
	if err != nil {
		return []Violation{{
			Rule:   "job.payout_bound",
			JobID:  j.ID,
			Detail: "outstanding obligation overflows the per-token total",
		}}
	}
	obligations[key] = total
	return nil
}

// jobOutstanding reconstructs the slice of the escrowed quantity the
// custody account still owes this job: the full quantity minus the fee
// routed at acceptance, the wage vested and paid so far, and the
// refunds already taken. Each payout leg rounds down, so the true
// custody balance is never below the reconstruction. ok is false when
// the reconstruction underflows, meaning more left custody than ever
// went in.
func jobOutstanding(j *job.Job, feeBps uint32) (uint64, bool) {
	remaining := j.Quantity

	if !j.Worker.IsNil() {
		fee, err := num.MulDiv(j.Quantity, uint64(feeBps), escrow.BpsDenominator)
		if err != nil || fee > remaining {
			return 0, false
		}
		remaining -= fee

		if j.TimePaid > 0 {
			workerQuantity, err := num.MulDiv(j.Quantity, uint64(escrow.BpsDenominator-feeBps), escrow.BpsDenominator)
			if err != nil {
				return 0, false
			}
			wagePaid, err := num.MulDiv(workerQuantity, uint64(j.TimePaid), uint64(j.Duration))
			if err != nil || wagePaid > remaining {
				return 0, false
			}
			remaining -= wagePaid
		}
	}

	for funder := range j.Refunded {
		refunded, err := num.MulDiv(j.Contributions[funder], uint64(j.TimeRefunded), uint64(j.Duration))
		if err != nil || refunded > remaining {
			return 0, false
		}
		remaining -= refunded
	}
	return remaining, true
}

// checkEscrowCustody verifies the escrow account holds every token's
// outstanding obligation total.
func (a *Auditor) checkEscrowCustody(ctx context.Context, obligations map[string]uint64) ([]Violation, error) {
	keys := make([]string, 0, len(obligations))
	for k := range obligations {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var vs []Violation
	for _, key := range keys {
		tok, err := id.ParseTokenID(key)
		if err != nil {
			continue
		}
		balance, err := a.tokens.BalanceOf(ctx, tok, a.escrowAccount)
		if err != nil {
			return vs, err
		}
		if balance < obligations[key] {
			vs = append(vs, Violation{
				Rule:   "escrow.solvency",
				Detail: fmt.Sprintf("custody holds %d of %s against %d outstanding", balance, key, obligations[key]),
			})
		}
	}
	return vs, nil
}

func (a *Auditor) checkJob(j *job.Job) []Violation {
	var vs []Violation
	now := a.now()

	if j.Quantity == 0 || j.Duration <= 0 {
		vs = append(vs, Violation{
			Rule:   "job.shape",
			JobID:  j.ID,
			Detail: fmt.Sprintf("quantity=%d duration=%s", j.Quantity, j.Duration),
		})
	}

	worked := j.TimeWorked(now)
	if worked > j.Duration {
		vs = append(vs, Violation{
			Rule:   "job.time_worked_bound",
			JobID:  j.ID,
			Detail: fmt.Sprintf("timeWorked %s exceeds duration %s", worked, j.Duration),
		})
	}
	if j.TimeRefunded > 0 && worked+j.TimeRefunded != j.Duration {
		vs = append(vs, Violation{
			Rule:   "job.time_accounted",
			JobID:  j.ID,
			Detail: fmt.Sprintf("timeWorked %s + timeRefunded %s != duration %s", worked, j.TimeRefunded, j.Duration),
		})
	}
	if j.TimePaid > worked {
		vs = append(vs, Violation{
			Rule:   "job.time_paid_bound",
			JobID:  j.ID,
			Detail: fmt.Sprintf("timePaid %s exceeds timeWorked %s", j.TimePaid, worked),
		})
	}

	var contributed uint64
	for _, c := range j.Contributions {
		contributed += c
	}
	if contributed != j.Quantity {
		vs = append(vs, Violation{
			Rule:   "job.contribution_sum",
			JobID:  j.ID,
			Detail: fmt.Sprintf("contributions sum %d != quantity %d", contributed, j.Quantity),
		})
	}

	for funder := range j.Refunded {
		if _, ok := j.Contributions[funder]; !ok {
			vs = append(vs, Violation{
				Rule:   "job.refund_without_contribution",
				JobID:  j.ID,
				Detail: fmt.Sprintf("refund recorded for non-funder %s", funder),
			})
		}
	}
	return vs
}

func (a *Auditor) sweepPools(ctx context.Context) ([]Violation, error) {
	pools, err := a.rewards.ListPools(ctx, reward.ListOpts{})
	if err != nil {
		return nil, err
	}

	var violations []Violation
	for _, p := range pools {
		vs, err := a.checkPool(ctx, p)
		violations = append(violations, vs...)
		if err != nil {
			return violations, err
		}
	}
	return violations, nil
}

func (a *Auditor) checkPool(ctx context.Context, p *reward.Pool) ([]Violation, error) {
	var vs []Violation

	supplyLog, err := a.rewards.CheckpointLog(ctx, p.ID, id.Nil)
	if err != nil {
		return vs, err
	}
	var currentSupply uint64
	if len(supplyLog) > 0 {
		currentSupply = supplyLog[len(supplyLog)-1].Balance
	}
	if currentSupply != p.TotalStaked {
		vs = append(vs, Violation{
			Rule:   "pool.supply_log",
			PoolID: p.ID,
			Detail: fmt.Sprintf("supply log tail %d != total staked %d", currentSupply, p.TotalStaked),
		})
	}

	// The checkpoint log is append-only: snapshot IDs never decrease and
	// never run ahead of the pool's counter.
	var prev uint64
	for _, cp := range supplyLog {
		if cp.SnapshotID < prev || cp.SnapshotID > p.Snapshots {
			vs = append(vs, Violation{
				Rule:   "pool.checkpoint_order",
				PoolID: p.ID,
				Detail: fmt.Sprintf("checkpoint at snapshot %d out of order (counter %d)", cp.SnapshotID, p.Snapshots),
			})
			break
		}
		prev = cp.SnapshotID
	}

	snaps, err := a.rewards.ListSnapshots(ctx, p.ID)
	if err != nil {
		return vs, err
	}
	for _, s := range snaps {
		if s.ID == 0 || s.ID > p.Snapshots {
			vs = append(vs, Violation{
				Rule:   "pool.snapshot_counter",
				PoolID: p.ID,
				Detail: fmt.Sprintf("snapshot %d outside counter range 1..%d", s.ID, p.Snapshots),
			})
		}
		if s.Quantity == 0 {
			vs = append(vs, Violation{
				Rule:   "pool.snapshot_empty",
				PoolID: p.ID,
				Detail: fmt.Sprintf("snapshot %d records zero quantity", s.ID),
			})
		}
	}

	if a.tokens != nil {
		custodyVs, err := a.checkPoolCustody(ctx, p)
		vs = append(vs, custodyVs...)
		if err != nil {
			return vs, err
		}
	}
	return vs, nil
}

// checkPoolCustody verifies the pool's custody account holds the staked
// supply plus every carried-forward deposit. Distributed snapshot value
// is excluded: claimed amounts are not recorded per backer, so custody
// of undistributed snapshots cannot be reconstructed from the store.
func (a *Auditor) checkPoolCustody(ctx context.Context, p *reward.Pool) ([]Violation, error) {
	required := map[string]uint64{p.StakeToken.String(): p.TotalStaked}
	for key, carried := range p.Carry {
		total, err := num.Add(required[key], carried)
		if err != nil {
			return []Violation{{
				Rule:   "pool.custody",
				PoolID: p.ID,
				Detail: fmt.Sprintf("carried quantity for %s overflows the custody total", key),
			}}, nil
		}
		required[key] = total
	}

	keys := make([]string, 0, len(required))
	for k := range required {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var vs []Violation
	for _, key := range keys {
		tok, err := id.ParseTokenID(key)
		if err != nil {
			continue
		}
		balance, err := a.tokens.BalanceOf(ctx, tok, p.ID)
		if err != nil {
			return vs, err
		}
		if balance < required[key] {
			vs = append(vs, Violation{
				Rule:   "pool.custody",
				PoolID: p.ID,
				Detail: fmt.Sprintf("custody holds %d of %s against %d required", balance, key, required[key]),
			})
		}
	}
	return vs, nil
}

func (a *Auditor) report(ctx context.Context, v Violation) {
	a.logger.Warn("invariant violation",
		slog.String("rule", v.Rule),
		slog.Uint64("job_id", v.JobID),
		slog.String("pool_id", v.PoolID.String()),
		slog.String("detail", v.Detail),
	)
	if a.bus == nil {
		return
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	evt := &event.Event{Name: event.AuditViolation, JobID: v.JobID, PoolID: v.PoolID, Payload: payload}
	if _, err := a.bus.Publish(ctx, evt); err != nil {
		a.logger.Warn("violation publish failed", slog.String("error", err.Error()))
	}
}
