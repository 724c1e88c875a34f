package reward_test

import (
	"context"
	"errors"
	"testing"

	"github.com/workmesh/escrow"
	"github.com/workmesh/escrow/id"
	"github.com/workmesh/escrow/reward"
	"github.com/workmesh/escrow/store/memory"
	"github.com/workmesh/escrow/token"
)

type fixture struct {
	ledger *reward.Ledger
	tokens *token.Memory

	recipient  id.AccountID
	stakeToken id.TokenID
	reward1    id.TokenID
	payer      id.AccountID
}

func newFixture(t *testing.T, opts ...reward.LedgerOption) *fixture {
	t.Helper()

	f := &fixture{
		tokens:     token.NewMemory(),
		recipient:  id.NewAccountID(),
		stakeToken: id.NewTokenID(),
		reward1:    id.NewTokenID(),
		payer:      id.NewAccountID(),
	}
	f.ledger = reward.NewLedger(memory.New(), f.tokens, opts...)
	f.tokens.Mint(f.reward1, f.payer, 1_000_000)
	return f
}

func (f *fixture) stake(t *testing.T, backer id.AccountID, quantity uint64) {
	t.Helper()
	f.tokens.Mint(f.stakeToken, backer, quantity)
	if err := f.ledger.Stake(context.Background(), f.recipient, f.stakeToken, backer, quantity); err != nil {
		t.Fatalf("Stake(%d): %v", quantity, err)
	}
}

func (f *fixture) deposit(t *testing.T, quantity uint64) uint64 {
	t.Helper()
	snapID, err := f.ledger.Deposit(context.Background(), f.recipient, f.stakeToken, f.reward1, quantity, f.payer)
	if err != nil {
		t.Fatalf("Deposit(%d): %v", quantity, err)
	}
	return snapID
}

func TestStakeUnstake(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	backer := id.NewAccountID()

	if err := f.ledger.Stake(ctx, f.recipient, f.stakeToken, backer, 0); !errors.Is(err, escrow.ErrZeroQuantity) {
		t.Fatalf("Stake(0) error = %v, want ErrZeroQuantity", err)
	}

	f.stake(t, backer, 100)

	balance, err := f.ledger.StakedBalance(ctx, f.recipient, f.stakeToken, backer)
	if err != nil {
		t.Fatalf("StakedBalance: %v", err)
	}
	if balance != 100 {
		t.Fatalf("staked balance = %d, want 100", balance)
	}

	// Staked tokens sit in the pool's custody account.
	pool, err := f.ledger.Lookup(ctx, f.recipient, f.stakeToken)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	custody, _ := f.tokens.BalanceOf(ctx, f.stakeToken, pool.ID)
	if custody != 100 {
		t.Fatalf("custody balance = %d, want 100", custody)
	}

	if err := f.ledger.Unstake(ctx, f.recipient, f.stakeToken, backer, 150); !errors.Is(err, escrow.ErrInsufficientStake) {
		t.Fatalf("Unstake beyond balance error = %v, want ErrInsufficientStake", err)
	}
	if err := f.ledger.Unstake(ctx, f.recipient, f.stakeToken, backer, 60); err != nil {
		t.Fatalf("Unstake: %v", err)
	}

	balance, _ = f.ledger.StakedBalance(ctx, f.recipient, f.stakeToken, backer)
	if balance != 40 {
		t.Fatalf("staked balance after unstake = %d, want 40", balance)
	}
	returned, _ := f.tokens.BalanceOf(ctx, f.stakeToken, backer)
	if returned != 60 {
		t.Fatalf("backer token balance = %d, want 60", returned)
	}
}

// TestProportionalSplit walks the canonical split scenario: backers with
// balances 30 and 70 at deposit time share a 100-token reward 30/70, and
// a later deposit after backer A's full unstake is split from the
// balances at that later snapshot, not the historical ratio.
func TestProportionalSplit(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	backerA := id.NewAccountID()
	backerB := id.NewAccountID()

	f.stake(t, backerA, 30)
	f.stake(t, backerB, 70)

	snap1 := f.deposit(t, 100)
	if snap1 != 1 {
		t.Fatalf("first snapshot ID = %d, want 1", snap1)
	}

	shareA, err := f.ledger.Share(ctx, f.recipient, f.stakeToken, backerA, snap1)
	if err != nil {
		t.Fatalf("Share(A): %v", err)
	}
	if shareA.Quantity != 30 {
		t.Fatalf("share A = %d, want 30", shareA.Quantity)
	}

	payouts, err := f.ledger.Claim(ctx, f.recipient, f.stakeToken, backerA, []uint64{snap1})
	if err != nil {
		t.Fatalf("Claim(A): %v", err)
	}
	if len(payouts) != 1 || payouts[0].Quantity != 30 {
		t.Fatalf("payouts A = %+v, want one 30-token payout", payouts)
	}

	// Backer A fully exits; a later deposit belongs entirely to B.
	if err := f.ledger.Unstake(ctx, f.recipient, f.stakeToken, backerA, 30); err != nil {
		t.Fatalf("Unstake(A): %v", err)
	}
	snap2 := f.deposit(t, 100)

	shareA, err = f.ledger.Share(ctx, f.recipient, f.stakeToken, backerA, snap2)
	if err != nil {
		t.Fatalf("Share(A, snap2): %v", err)
	}
	if shareA.Quantity != 0 {
		t.Fatalf("share A at snapshot 2 = %d, want 0", shareA.Quantity)
	}

	payouts, err = f.ledger.Claim(ctx, f.recipient, f.stakeToken, backerB, []uint64{snap1, snap2})
	if err != nil {
		t.Fatalf("Claim(B): %v", err)
	}
	if len(payouts) != 1 || payouts[0].Quantity != 170 {
		t.Fatalf("payouts B = %+v, want one 170-token payout", payouts)
	}
	balance, _ := f.tokens.BalanceOf(ctx, f.reward1, backerB)
	if balance != 170 {
		t.Fatalf("backer B reward balance = %d, want 170", balance)
	}
}

func TestClaimBatchAtomic(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	backer := id.NewAccountID()
	f.stake(t, backer, 100)

	snap1 := f.deposit(t, 50)
	snap2 := f.deposit(t, 50)

	// Empty batch is a silent no-op by contract.
	payouts, err := f.ledger.Claim(ctx, f.recipient, f.stakeToken, backer, nil)
	if err != nil || payouts != nil {
		t.Fatalf("empty Claim = (%v, %v), want (nil, nil)", payouts, err)
	}

	if _, err := f.ledger.Claim(ctx, f.recipient, f.stakeToken, backer, []uint64{snap1}); err != nil {
		t.Fatalf("Claim(snap1): %v", err)
	}

	// One already-claimed ID fails the whole batch and leaves snap2
	// unclaimed.
	if _, err := f.ledger.Claim(ctx, f.recipient, f.stakeToken, backer, []uint64{snap2, snap1}); !errors.Is(err, escrow.ErrSnapshotClaimed) {
		t.Fatalf("mixed Claim error = %v, want ErrSnapshotClaimed", err)
	}
	claimed, err := f.ledger.Claimed(ctx, f.recipient, f.stakeToken, backer)
	if err != nil {
		t.Fatalf("Claimed: %v", err)
	}
	if len(claimed) != 1 || claimed[0] != snap1 {
		t.Fatalf("claimed = %v, want [%d]", claimed, snap1)
	}

	// Duplicates within one batch and unknown IDs also fail whole.
	if _, err := f.ledger.Claim(ctx, f.recipient, f.stakeToken, backer, []uint64{snap2, snap2}); !errors.Is(err, escrow.ErrSnapshotClaimed) {
		t.Fatalf("duplicate Claim error = %v, want ErrSnapshotClaimed", err)
	}
	if _, err := f.ledger.Claim(ctx, f.recipient, f.stakeToken, backer, []uint64{snap2, 99}); !errors.Is(err, escrow.ErrSnapshotNotFound) {
		t.Fatalf("unknown Claim error = %v, want ErrSnapshotNotFound", err)
	}

	if _, err := f.ledger.Claim(ctx, f.recipient, f.stakeToken, backer, []uint64{snap2}); err != nil {
		t.Fatalf("Claim(snap2): %v", err)
	}
	balance, _ := f.tokens.BalanceOf(ctx, f.reward1, backer)
	if balance != 100 {
		t.Fatalf("claimed total = %d, want 100", balance)
	}
}

// TestLateBackerEarnsNothing pins the historical-snapshot semantics: a
// balance minted after a snapshot was taken carries no share of it, even
// though it is the backer's current balance at claim time.
func TestLateBackerEarnsNothing(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	early := id.NewAccountID()
	late := id.NewAccountID()

	f.stake(t, early, 10)
	snap1 := f.deposit(t, 100)
	f.stake(t, late, 90)

	payouts, err := f.ledger.Claim(ctx, f.recipient, f.stakeToken, late, []uint64{snap1})
	if err != nil {
		t.Fatalf("Claim(late): %v", err)
	}
	if len(payouts) != 0 {
		t.Fatalf("late backer payouts = %+v, want none", payouts)
	}

	payouts, err = f.ledger.Claim(ctx, f.recipient, f.stakeToken, early, []uint64{snap1})
	if err != nil {
		t.Fatalf("Claim(early): %v", err)
	}
	if len(payouts) != 1 || payouts[0].Quantity != 100 {
		t.Fatalf("early backer payouts = %+v, want full 100", payouts)
	}
}

func TestZeroSupplyRollForward(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	backer := id.NewAccountID()

	// No backers yet: the deposit is carried, not snapshotted.
	snapID := f.deposit(t, 40)
	if snapID != 0 {
		t.Fatalf("zero-supply deposit snapshot ID = %d, want 0", snapID)
	}
	current, err := f.ledger.CurrentSnapshot(ctx, f.recipient, f.stakeToken)
	if err != nil {
		t.Fatalf("CurrentSnapshot: %v", err)
	}
	if current != 0 {
		t.Fatalf("current snapshot = %d, want 0", current)
	}

	// The next deposit with backing supply folds the carried 40 in.
	f.stake(t, backer, 10)
	snapID = f.deposit(t, 60)
	if snapID != 1 {
		t.Fatalf("folded deposit snapshot ID = %d, want 1", snapID)
	}

	snap, err := f.ledger.SnapshotAt(ctx, f.recipient, f.stakeToken, snapID)
	if err != nil {
		t.Fatalf("SnapshotAt: %v", err)
	}
	if snap.Quantity != 100 {
		t.Fatalf("folded snapshot quantity = %d, want 100", snap.Quantity)
	}

	payouts, err := f.ledger.Claim(ctx, f.recipient, f.stakeToken, backer, []uint64{snapID})
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(payouts) != 1 || payouts[0].Quantity != 100 {
		t.Fatalf("payouts = %+v, want the full folded 100", payouts)
	}
}

func TestZeroSupplyForfeit(t *testing.T) {
	t.Parallel()

	f := newFixture(t, reward.WithZeroSupplyPolicy(escrow.ZeroSupplyForfeit))
	ctx := context.Background()
	backer := id.NewAccountID()

	// Under forfeit a zero-supply deposit still takes a snapshot; the
	// value parks in the pool unclaimable.
	snapID := f.deposit(t, 40)
	if snapID != 1 {
		t.Fatalf("forfeit deposit snapshot ID = %d, want 1", snapID)
	}

	f.stake(t, backer, 10)
	payouts, err := f.ledger.Claim(ctx, f.recipient, f.stakeToken, backer, []uint64{snapID})
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(payouts) != 0 {
		t.Fatalf("payouts for forfeited snapshot = %+v, want none", payouts)
	}

	// The forfeited value is not folded into later snapshots.
	snap2 := f.deposit(t, 60)
	snap, err := f.ledger.SnapshotAt(ctx, f.recipient, f.stakeToken, snap2)
	if err != nil {
		t.Fatalf("SnapshotAt: %v", err)
	}
	if snap.Quantity != 60 {
		t.Fatalf("second snapshot quantity = %d, want 60", snap.Quantity)
	}
}

func TestBalanceAt(t *testing.T) {
	t.Parallel()

	poolID := id.NewPoolID()
	account := id.NewAccountID()
	log := []reward.Checkpoint{
		{PoolID: poolID, Account: account, SnapshotID: 0, Balance: 30},
		{PoolID: poolID, Account: account, SnapshotID: 2, Balance: 50},
		{PoolID: poolID, Account: account, SnapshotID: 2, Balance: 0},
		{PoolID: poolID, Account: account, SnapshotID: 5, Balance: 80},
	}

	tests := []struct {
		name   string
		snapID uint64
		want   uint64
	}{
		{"before any change", 0, 0},
		{"first snapshot", 1, 30},
		{"change at same snapshot not yet visible", 2, 30},
		{"latest change at snapshot wins", 3, 0},
		{"between changes", 5, 0},
		{"after last change", 6, 80},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := reward.BalanceAt(log, tc.snapID); got != tc.want {
				t.Fatalf("BalanceAt(%d) = %d, want %d", tc.snapID, got, tc.want)
			}
		})
	}
}

// ──────────────────────────────────────────────────
// Write-failure compensation
// ──────────────────────────────────────────────────

var errTransferFailed = errors.New("transfer failed")

// flakyTokens wraps a token.Ledger and fails transfers of one token
// while tripped.
type flakyTokens struct {
	token.Ledger
	failToken id.TokenID
	fail      bool
}

func (l *flakyTokens) Transfer(ctx context.Context, tok id.TokenID, from, to id.AnyID, quantity uint64) error {
	if l.fail && tok.Equal(l.failToken) {
		return errTransferFailed
	}
	return l.Ledger.Transfer(ctx, tok, from, to, quantity)
}

// faultRewards wraps a reward.Store and fails MarkClaimed while
// tripped.
type faultRewards struct {
	reward.Store
	failMark bool
}

func (s *faultRewards) MarkClaimed(ctx context.Context, poolID id.PoolID, backer id.AccountID, snapIDs []uint64) error {
	if s.failMark {
		return errTransferFailed
	}
	return s.Store.MarkClaimed(ctx, poolID, backer, snapIDs)
}

// TestClaimTransferFailureRevertsPayouts claims two snapshots paid in
// different reward tokens and fails the transfer of whichever token
// pays second. The payout already made must return to pool custody and
// the snapshots must stay claimable.
func TestClaimTransferFailureRevertsPayouts(t *testing.T) {
	t.Parallel()

	mem := token.NewMemory()
	ft := &flakyTokens{Ledger: mem}
	ledger := reward.NewLedger(memory.New(), ft)

	ctx := context.Background()
	recipient := id.NewAccountID()
	stakeToken := id.NewTokenID()
	rewardA := id.NewTokenID()
	rewardB := id.NewTokenID()
	payer := id.NewAccountID()
	backer := id.NewAccountID()
	mem.Mint(rewardA, payer, 1_000)
	mem.Mint(rewardB, payer, 1_000)
	mem.Mint(stakeToken, backer, 100)

	if err := ledger.Stake(ctx, recipient, stakeToken, backer, 100); err != nil {
		t.Fatalf("Stake: %v", err)
	}
	if _, err := ledger.Deposit(ctx, recipient, stakeToken, rewardA, 300, payer); err != nil {
		t.Fatalf("Deposit(rewardA): %v", err)
	}
	if _, err := ledger.Deposit(ctx, recipient, stakeToken, rewardB, 200, payer); err != nil {
		t.Fatalf("Deposit(rewardB): %v", err)
	}

	// Payouts run in token-string order; fail the one that pays second
	// so the first payout has already landed.
	ft.failToken = rewardA
	if rewardB.String() > rewardA.String() {
		ft.failToken = rewardB
	}
	ft.fail = true

	if _, err := ledger.Claim(ctx, recipient, stakeToken, backer, []uint64{1, 2}); !errors.Is(err, errTransferFailed) {
		t.Fatalf("Claim error = %v, want errTransferFailed", err)
	}

	// Both payouts are back in custody and nothing is marked claimed.
	for _, tok := range []id.TokenID{rewardA, rewardB} {
		bal, err := mem.BalanceOf(ctx, tok, backer)
		if err != nil {
			t.Fatalf("BalanceOf: %v", err)
		}
		if bal != 0 {
			t.Fatalf("backer balance of %s after failed claim = %d, want 0", tok, bal)
		}
	}
	pool, err := ledger.Lookup(ctx, recipient, stakeToken)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if custody, _ := mem.BalanceOf(ctx, rewardA, pool.ID); custody != 300 {
		t.Fatalf("rewardA custody after failed claim = %d, want 300", custody)
	}
	if custody, _ := mem.BalanceOf(ctx, rewardB, pool.ID); custody != 200 {
		t.Fatalf("rewardB custody after failed claim = %d, want 200", custody)
	}
	claimed, err := ledger.Claimed(ctx, recipient, stakeToken, backer)
	if err != nil {
		t.Fatalf("Claimed: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatalf("claimed after failed claim = %v, want none", claimed)
	}

	// The retry pays both tokens in full.
	ft.fail = false
	payouts, err := ledger.Claim(ctx, recipient, stakeToken, backer, []uint64{1, 2})
	if err != nil {
		t.Fatalf("retry Claim: %v", err)
	}
	var total uint64
	for _, p := range payouts {
		total += p.Quantity
	}
	if total != 500 {
		t.Fatalf("retry payout total = %d, want 500", total)
	}
}

// TestClaimMarkFailureRevertsPayouts fails the claim marker after the
// payout: the tokens must return to custody so a retried claim cannot
// pay twice.
func TestClaimMarkFailureRevertsPayouts(t *testing.T) {
	t.Parallel()

	frs := &faultRewards{Store: memory.New()}
	mem := token.NewMemory()
	ledger := reward.NewLedger(frs, mem)

	ctx := context.Background()
	recipient := id.NewAccountID()
	stakeToken := id.NewTokenID()
	rewardToken := id.NewTokenID()
	payer := id.NewAccountID()
	backer := id.NewAccountID()
	mem.Mint(rewardToken, payer, 1_000)
	mem.Mint(stakeToken, backer, 100)

	if err := ledger.Stake(ctx, recipient, stakeToken, backer, 100); err != nil {
		t.Fatalf("Stake: %v", err)
	}
	if _, err := ledger.Deposit(ctx, recipient, stakeToken, rewardToken, 400, payer); err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	frs.failMark = true
	if _, err := ledger.Claim(ctx, recipient, stakeToken, backer, []uint64{1}); !errors.Is(err, errTransferFailed) {
		t.Fatalf("Claim error = %v, want errTransferFailed", err)
	}
	bal, err := mem.BalanceOf(ctx, rewardToken, backer)
	if err != nil {
		t.Fatalf("BalanceOf: %v", err)
	}
	if bal != 0 {
		t.Fatalf("backer balance after failed claim = %d, want 0", bal)
	}

	frs.failMark = false
	payouts, err := ledger.Claim(ctx, recipient, stakeToken, backer, []uint64{1})
	if err != nil {
		t.Fatalf("retry Claim: %v", err)
	}
	if len(payouts) != 1 || payouts[0].Quantity != 400 {
		t.Fatalf("retry payouts = %+v, want one payout of 400", payouts)
	}
}
