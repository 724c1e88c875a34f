package audit_test

import (
	"context"
	"testing"
	"time"

	"github.com/workmesh/escrow"
	"github.com/workmesh/escrow/audit"
	"github.com/workmesh/escrow/event"
	"github.com/workmesh/escrow/id"
	"github.com/workmesh/escrow/job"
	"github.com/workmesh/escrow/reward"
	"github.com/workmesh/escrow/store/memory"
	"github.com/workmesh/escrow/token"
)

func TestNewRejectsBadSchedule(t *testing.T) {
	t.Parallel()

	st := memory.New()
	if _, err := audit.New(st, st, "not a schedule"); err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
	if _, err := audit.New(st, st, "@every 1m"); err != nil {
		t.Fatalf("valid descriptor rejected: %v", err)
	}
}

func TestSweepCleanState(t *testing.T) {
	t.Parallel()

	st := memory.New()
	ctx := context.Background()
	tokens := token.NewMemory()
	ledger := reward.NewLedger(st, tokens)

	recipient := id.NewAccountID()
	backer := id.NewAccountID()
	stakeToken := id.NewTokenID()
	tokens.Mint(stakeToken, backer, 100)
	if err := ledger.Stake(ctx, recipient, stakeToken, backer, 100); err != nil {
		t.Fatalf("Stake: %v", err)
	}

	manager := id.NewAccountID()
	j := &job.Job{
		Entity:        escrow.NewEntity(),
		ID:            1,
		Title:         "clean",
		Manager:       manager,
		Token:         stakeToken,
		Quantity:      500,
		Duration:      time.Hour,
		Contributions: map[string]uint64{manager.String(): 500},
	}
	if err := st.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	a, err := audit.New(st, st, "@every 1m")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	violations, err := a.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(violations) != 0 {
		t.Fatalf("violations on clean state: %+v", violations)
	}
}

func TestSweepDetectsCorruptJob(t *testing.T) {
	t.Parallel()

	st := memory.New()
	ctx := context.Background()
	manager := id.NewAccountID()

	// Contributions that do not sum to the quantity, and a paid time
	// with no worker assigned.
	j := &job.Job{
		Entity:        escrow.NewEntity(),
		ID:            1,
		Title:         "corrupt",
		Manager:       manager,
		Token:         id.NewTokenID(),
		Quantity:      500,
		Duration:      time.Hour,
		TimePaid:      time.Minute,
		Contributions: map[string]uint64{manager.String(): 300},
	}
	if err := st.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	bus := event.NewBus(st)
	a, err := audit.New(st, st, "@every 1m", audit.WithBus(bus))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	violations, err := a.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	rules := make(map[string]bool, len(violations))
	for _, v := range violations {
		rules[v.Rule] = true
		if v.JobID != 1 {
			t.Errorf("violation %q has job ID %d, want 1", v.Rule, v.JobID)
		}
	}
	if !rules["job.contribution_sum"] {
		t.Errorf("missing job.contribution_sum violation, got %+v", violations)
	}
	if !rules["job.time_paid_bound"] {
		t.Errorf("missing job.time_paid_bound violation, got %+v", violations)
	}

	// Each violation was published as an event.
	evt, err := bus.Subscribe(ctx, event.AuditViolation, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if evt == nil {
		t.Fatal("no audit.violation event published")
	}
}

func TestSweepDetectsCorruptPool(t *testing.T) {
	t.Parallel()

	st := memory.New()
	ctx := context.Background()

	// A pool whose recorded supply disagrees with its checkpoint log.
	p := reward.NewPool(id.NewAccountID(), id.NewTokenID())
	p.TotalStaked = 100
	p.Snapshots = 1
	if err := st.CreatePool(ctx, p); err != nil {
		t.Fatalf("CreatePool: %v", err)
	}
	err := st.AppendCheckpoints(ctx,
		&reward.Checkpoint{PoolID: p.ID, Account: id.Nil, SnapshotID: 0, Balance: 60},
	)
	if err != nil {
		t.Fatalf("AppendCheckpoints: %v", err)
	}
	snap := &reward.Snapshot{Entity: escrow.NewEntity(), PoolID: p.ID, ID: 1, RewardToken: id.NewTokenID(), Quantity: 0}
	if err := st.RecordSnapshot(ctx, snap); err != nil {
		t.Fatalf("RecordSnapshot: %v", err)
	}

	a, err := audit.New(st, st, "@every 1m")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	violations, err := a.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	rules := make(map[string]bool, len(violations))
	for _, v := range violations {
		rules[v.Rule] = true
	}
	if !rules["pool.supply_log"] {
		t.Errorf("missing pool.supply_log violation, got %+v", violations)
	}
	if !rules["pool.snapshot_empty"] {
		t.Errorf("missing pool.snapshot_empty violation, got %+v", violations)
	}
}

// TestSweepCustodyReconciles runs the custody sweep against a working
// job halfway through its duration: the fee and half the worker-rate
// wage have left custody, so 450 of the original 1000 is still owed.
func TestSweepCustodyReconciles(t *testing.T) {
	t.Parallel()

	st := memory.New()
	ctx := context.Background()
	tokens := token.NewMemory()

	now := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	escrowAccount := id.NewAccountID()
	manager := id.NewAccountID()
	worker := id.NewAccountID()
	tok := id.NewTokenID()

	started := now.Add(-500 * time.Second)
	j := &job.Job{
		Entity:        escrow.NewEntity(),
		ID:            1,
		Title:         "halfway",
		Manager:       manager,
		Worker:        worker,
		Token:         tok,
		Quantity:      1_000,
		Duration:      1_000 * time.Second,
		StartedAt:     &started,
		TimePaid:      500 * time.Second,
		Contributions: map[string]uint64{manager.String(): 1_000},
	}
	if err := st.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	tokens.Mint(tok, escrowAccount, 450)

	a, err := audit.New(st, st, "@every 1m",
		audit.WithClock(func() time.Time { return now }),
		audit.WithCustody(tokens, escrowAccount, 1_000),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	violations, err := a.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(violations) != 0 {
		t.Fatalf("violations on solvent custody: %+v", violations)
	}

	// Draining custody below the outstanding obligation trips the
	// solvency rule.
	if err := tokens.Transfer(ctx, tok, escrowAccount, id.NewAccountID(), 100); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	violations, err = a.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep after drain: %v", err)
	}
	rules := make(map[string]bool, len(violations))
	for _, v := range violations {
		rules[v.Rule] = true
	}
	if !rules["escrow.solvency"] {
		t.Errorf("missing escrow.solvency violation, got %+v", violations)
	}
}

func TestSweepDetectsPoolCustodyShortfall(t *testing.T) {
	t.Parallel()

	st := memory.New()
	ctx := context.Background()
	tokens := token.NewMemory()
	ledger := reward.NewLedger(st, tokens)

	recipient := id.NewAccountID()
	backer := id.NewAccountID()
	stakeToken := id.NewTokenID()
	tokens.Mint(stakeToken, backer, 100)
	if err := ledger.Stake(ctx, recipient, stakeToken, backer, 100); err != nil {
		t.Fatalf("Stake: %v", err)
	}

	pool, err := ledger.Lookup(ctx, recipient, stakeToken)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	// Leak staked tokens out of the custody account behind the ledger's
	// back.
	if err := tokens.Transfer(ctx, stakeToken, pool.ID, id.NewAccountID(), 40); err != nil {
		t.Fatalf("Transfer: %v", err)
	}

	a, err := audit.New(st, st, "@every 1m",
		audit.WithCustody(tokens, id.NewAccountID(), 1_000),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	violations, err := a.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	rules := make(map[string]bool, len(violations))
	for _, v := range violations {
		rules[v.Rule] = true
	}
	if !rules["pool.custody"] {
		t.Errorf("missing pool.custody violation, got %+v", violations)
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()

	st := memory.New()
	a, err := audit.New(st, st, "@every 1h")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := a.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
