package reward

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/workmesh/escrow"
	"github.com/workmesh/escrow/event"
	"github.com/workmesh/escrow/id"
	"github.com/workmesh/escrow/num"
	"github.com/workmesh/escrow/token"
)

// Payout is one (token, quantity) pair paid out by a claim.
type Payout struct {
	Token    id.TokenID `json:"token"`
	Quantity uint64     `json:"quantity"`
}

// Ledger is the reward-distribution service. All mutating operations
// are serialized by a single mutex: snapshot IDs and checkpoint logs
// are assigned in write order, so no two deposits or claims may
// interleave on a pool.
type Ledger struct {
	mu     sync.Mutex
	store  Store
	tokens token.Ledger
	policy escrow.ZeroSupplyPolicy
	logger *slog.Logger
	bus    *event.Bus
}

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

// WithLogger sets the structured logger for the ledger.
func WithLogger(l *slog.Logger) LedgerOption {
	return func(ld *Ledger) { ld.logger = l }
}

// WithBus sets the event bus the ledger publishes to.
func WithBus(b *event.Bus) LedgerOption {
	return func(ld *Ledger) { ld.bus = b }
}

// WithZeroSupplyPolicy overrides the zero-backing-supply deposit policy.
func WithZeroSupplyPolicy(p escrow.ZeroSupplyPolicy) LedgerOption {
	return func(ld *Ledger) { ld.policy = p }
}

// NewLedger creates a reward Ledger over the given store and token ledger.
func NewLedger(store Store, tokens token.Ledger, opts ...LedgerOption) *Ledger {
	ld := &Ledger{
		store:  store,
		tokens: tokens,
		policy: escrow.ZeroSupplyRollForward,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(ld)
	}
	return ld
}

// Resolve returns the pool for (recipient, stakeToken), creating it
// lazily on first interaction. Creation is idempotent: concurrent
// resolutions of the same pair observe one pool.
func (ld *Ledger) Resolve(ctx context.Context, recipient id.AccountID, stakeToken id.TokenID) (*Pool, error) {
	ld.mu.Lock()
	defer ld.mu.Unlock()

	return ld.resolve(ctx, recipient, stakeToken)
}

// Lookup returns the pool for (recipient, stakeToken) without creating it.
func (ld *Ledger) Lookup(ctx context.Context, recipient id.AccountID, stakeToken id.TokenID) (*Pool, error) {
	return ld.store.FindPool(ctx, recipient, stakeToken)
}

// Stake mints backing balance for the backer within the recipient's pool,
// pulling the staked tokens into the pool's custody account. Backing
// positions only ever change through Stake and Unstake; they cannot be
// transferred.
func (ld *Ledger) Stake(ctx context.Context, recipient id.AccountID, stakeToken id.TokenID, backer id.AccountID, quantity uint64) error {
	if quantity == 0 {
		return escrow.ErrZeroQuantity
	}

	ld.mu.Lock()
	defer ld.mu.Unlock()

	pool, err := ld.resolve(ctx, recipient, stakeToken)
	if err != nil {
		return err
	}

	current, err := ld.currentBalance(ctx, pool.ID, backer)
	if err != nil {
		return err
	}
	newBalance, err := num.Add(current, quantity)
	if err != nil {
		return escrow.ErrAmountOverflow
	}
	newSupply, err := num.Add(pool.TotalStaked, quantity)
	if err != nil {
		return escrow.ErrAmountOverflow
	}

	if err := ld.tokens.Transfer(ctx, stakeToken, backer, pool.ID, quantity); err != nil {
		return err
	}

	if err := ld.writeBalances(ctx, pool, backer, newBalance, newSupply); err != nil {
		return err
	}

	ld.publish(ctx, &event.Event{Name: event.PoolStaked, PoolID: pool.ID, Actor: backer})
	ld.logger.Debug("stake recorded",
		slog.String("pool_id", pool.ID.String()),
		slog.String("backer", backer.String()),
		slog.Uint64("quantity", quantity),
	)
	return nil
}

// Unstake burns backing balance and returns the staked tokens to the
// backer.
func (ld *Ledger) Unstake(ctx context.Context, recipient id.AccountID, stakeToken id.TokenID, backer id.AccountID, quantity uint64) error {
	if quantity == 0 {
		return escrow.ErrZeroQuantity
	}

	ld.mu.Lock()
	defer ld.mu.Unlock()

	pool, err := ld.store.FindPool(ctx, recipient, stakeToken)
	if err != nil {
		return err
	}

	current, err := ld.currentBalance(ctx, pool.ID, backer)
	if err != nil {
		return err
	}
	newBalance, err := num.Sub(current, quantity)
	if err != nil {
		return escrow.ErrInsufficientStake
	}
	newSupply, err := num.Sub(pool.TotalStaked, quantity)
	if err != nil {
		return escrow.ErrInsufficientStake
	}

	if err := ld.tokens.Transfer(ctx, stakeToken, pool.ID, backer, quantity); err != nil {
		return err
	}

	if err := ld.writeBalances(ctx, pool, backer, newBalance, newSupply); err != nil {
		return err
	}

	ld.publish(ctx, &event.Event{Name: event.PoolUnstaked, PoolID: pool.ID, Actor: backer})
	return nil
}

// Deposit pulls quantity of rewardToken from the from account into the
// pool's custody and records a reward snapshot against it. This is the
// sole write path the escrow's accept transition drives. It returns the
// snapshot ID taken, or zero when the deposit was carried forward under
// the roll-forward zero-supply policy.
func (ld *Ledger) Deposit(ctx context.Context, recipient id.AccountID, stakeToken, rewardToken id.TokenID, quantity uint64, from id.AnyID) (uint64, error) {
	if quantity == 0 {
		return 0, escrow.ErrZeroQuantity
	}

	ld.mu.Lock()
	defer ld.mu.Unlock()

	pool, err := ld.resolve(ctx, recipient, stakeToken)
	if err != nil {
		return 0, err
	}

	if err := ld.tokens.Transfer(ctx, rewardToken, from, pool.ID, quantity); err != nil {
		return 0, err
	}

	// A deposit taken with no backers cannot be split. Under roll-forward
	// the value is carried and folded into this token's next snapshot;
	// under forfeit a zero-supply snapshot is taken and the value parks
	// in the pool unclaimable.
	if pool.TotalStaked == 0 && ld.policy == escrow.ZeroSupplyRollForward {
		if pool.Carry == nil {
			pool.Carry = make(map[string]uint64)
		}
		carried, err := num.Add(pool.Carry[rewardToken.String()], quantity)
		if err != nil {
			ld.returnDeposit(ctx, rewardToken, pool.ID, from, quantity)
			return 0, escrow.ErrAmountOverflow
		}
		pool.Carry[rewardToken.String()] = carried
		pool.Touch()
		if err := ld.store.UpdatePool(ctx, pool); err != nil {
			ld.returnDeposit(ctx, rewardToken, pool.ID, from, quantity)
			return 0, err
		}

		ld.publish(ctx, &event.Event{Name: event.PoolDeposited, PoolID: pool.ID, Actor: recipient})
		ld.logger.Info("reward carried forward",
			slog.String("pool_id", pool.ID.String()),
			slog.Uint64("quantity", quantity),
		)
		return 0, nil
	}

	deposited := quantity
	if pool.TotalStaked > 0 {
		if carried, ok := pool.Carry[rewardToken.String()]; ok {
			folded, err := num.Add(quantity, carried)
			if err != nil {
				ld.returnDeposit(ctx, rewardToken, pool.ID, from, deposited)
				return 0, escrow.ErrAmountOverflow
			}
			quantity = folded
			delete(pool.Carry, rewardToken.String())
		}
	}

	snapID := pool.Snapshots + 1
	snap := &Snapshot{
		Entity:      escrow.NewEntity(),
		PoolID:      pool.ID,
		ID:          snapID,
		RewardToken: rewardToken,
		Quantity:    quantity,
	}
	if err := ld.store.RecordSnapshot(ctx, snap); err != nil {
		ld.returnDeposit(ctx, rewardToken, pool.ID, from, deposited)
		return 0, err
	}

	pool.Snapshots = snapID
	pool.Touch()
	if err := ld.store.UpdatePool(ctx, pool); err != nil {
		ld.returnDeposit(ctx, rewardToken, pool.ID, from, deposited)
		return 0, err
	}

	ld.publish(ctx, &event.Event{Name: event.PoolDeposited, PoolID: pool.ID, Actor: recipient})
	ld.logger.Info("reward snapshot taken",
		slog.String("pool_id", pool.ID.String()),
		slog.Uint64("snapshot_id", snapID),
		slog.Uint64("quantity", quantity),
	)
	return snapID, nil
}

// Claim pays the backer its share of each requested snapshot, marks them
// claimed, and returns the aggregated per-token payouts. The batch is
// all-or-nothing: one already-claimed ID fails the whole call and leaves
// state unchanged. An empty batch returns empty results. A backer with
// no balance at a snapshot simply earns a zero share.
func (ld *Ledger) Claim(ctx context.Context, recipient id.AccountID, stakeToken id.TokenID, backer id.AccountID, snapIDs []uint64) ([]Payout, error) {
	if len(snapIDs) == 0 {
		return nil, nil
	}

	ld.mu.Lock()
	defer ld.mu.Unlock()

	pool, err := ld.store.FindPool(ctx, recipient, stakeToken)
	if err != nil {
		return nil, err
	}

	claimed, err := ld.store.ClaimedSnapshots(ctx, pool.ID, backer)
	if err != nil {
		return nil, err
	}
	claimedSet := make(map[uint64]struct{}, len(claimed))
	for _, s := range claimed {
		claimedSet[s] = struct{}{}
	}

	seen := make(map[uint64]struct{}, len(snapIDs))
	for _, s := range snapIDs {
		if s == 0 || s > pool.Snapshots {
			return nil, fmt.Errorf("snapshot %d: %w", s, escrow.ErrSnapshotNotFound)
		}
		if _, dup := seen[s]; dup {
			return nil, fmt.Errorf("snapshot %d: %w", s, escrow.ErrSnapshotClaimed)
		}
		seen[s] = struct{}{}
		if _, done := claimedSet[s]; done {
			return nil, fmt.Errorf("snapshot %d: %w", s, escrow.ErrSnapshotClaimed)
		}
	}

	backerLog, err := ld.store.CheckpointLog(ctx, pool.ID, backer)
	if err != nil {
		return nil, err
	}
	supplyLog, err := ld.store.CheckpointLog(ctx, pool.ID, id.Nil)
	if err != nil {
		return nil, err
	}

	totals := make(map[string]uint64)
	tokensByKey := make(map[string]id.TokenID)
	for _, s := range snapIDs {
		snap, err := ld.store.GetSnapshot(ctx, pool.ID, s)
		if err != nil {
			return nil, err
		}

		supply := BalanceAt(supplyLog, s)
		if supply == 0 {
			continue
		}
		balance := BalanceAt(backerLog, s)
		share, err := num.MulDiv(snap.Quantity, balance, supply)
		if err != nil {
			return nil, escrow.ErrAmountOverflow
		}
		if share == 0 {
			continue
		}

		key := snap.RewardToken.String()
		total, err := num.Add(totals[key], share)
		if err != nil {
			return nil, escrow.ErrAmountOverflow
		}
		totals[key] = total
		tokensByKey[key] = snap.RewardToken
	}

	// Pay out before marking. When a later transfer or the claim marker
	// fails, every payout already made is pulled back into custody, so
	// a retried claim never pays the same snapshot twice.
	keys := make([]string, 0, len(totals))
	for k := range totals {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	payouts := make([]Payout, 0, len(keys))
	for _, k := range keys {
		if err := ld.tokens.Transfer(ctx, tokensByKey[k], pool.ID, backer, totals[k]); err != nil {
			ld.revertPayouts(ctx, pool.ID, backer, payouts)
			return nil, err
		}
		payouts = append(payouts, Payout{Token: tokensByKey[k], Quantity: totals[k]})
	}

	if err := ld.store.MarkClaimed(ctx, pool.ID, backer, snapIDs); err != nil {
		ld.revertPayouts(ctx, pool.ID, backer, payouts)
		return nil, err
	}

	ld.publish(ctx, &event.Event{Name: event.PoolClaimed, PoolID: pool.ID, Actor: backer})
	ld.logger.Info("reward claimed",
		slog.String("pool_id", pool.ID.String()),
		slog.String("backer", backer.String()),
		slog.Int("snapshots", len(snapIDs)),
	)
	return payouts, nil
}

// ──────────────────────────────────────────────────
// Read accessors
// ──────────────────────────────────────────────────

// CurrentSnapshot returns the pool's latest snapshot ID, zero when the
// pool does not exist or has taken none.
func (ld *Ledger) CurrentSnapshot(ctx context.Context, recipient id.AccountID, stakeToken id.TokenID) (uint64, error) {
	pool, err := ld.store.FindPool(ctx, recipient, stakeToken)
	if err != nil {
		if errors.Is(err, escrow.ErrPoolNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return pool.Snapshots, nil
}

// SnapshotAt returns the reward event recorded at the given snapshot ID.
func (ld *Ledger) SnapshotAt(ctx context.Context, recipient id.AccountID, stakeToken id.TokenID, snapID uint64) (*Snapshot, error) {
	pool, err := ld.store.FindPool(ctx, recipient, stakeToken)
	if err != nil {
		return nil, err
	}
	return ld.store.GetSnapshot(ctx, pool.ID, snapID)
}

// StakedBalance returns the backer's current backing balance.
func (ld *Ledger) StakedBalance(ctx context.Context, recipient id.AccountID, stakeToken id.TokenID, backer id.AccountID) (uint64, error) {
	pool, err := ld.store.FindPool(ctx, recipient, stakeToken)
	if err != nil {
		if errors.Is(err, escrow.ErrPoolNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return ld.currentBalance(ctx, pool.ID, backer)
}

// Share computes, without claiming, the backer's share of one snapshot.
func (ld *Ledger) Share(ctx context.Context, recipient id.AccountID, stakeToken id.TokenID, backer id.AccountID, snapID uint64) (Payout, error) {
	pool, err := ld.store.FindPool(ctx, recipient, stakeToken)
	if err != nil {
		return Payout{}, err
	}
	snap, err := ld.store.GetSnapshot(ctx, pool.ID, snapID)
	if err != nil {
		return Payout{}, err
	}

	supplyLog, err := ld.store.CheckpointLog(ctx, pool.ID, id.Nil)
	if err != nil {
		return Payout{}, err
	}
	supply := BalanceAt(supplyLog, snapID)
	if supply == 0 {
		return Payout{Token: snap.RewardToken}, nil
	}

	backerLog, err := ld.store.CheckpointLog(ctx, pool.ID, backer)
	if err != nil {
		return Payout{}, err
	}
	share, err := num.MulDiv(snap.Quantity, BalanceAt(backerLog, snapID), supply)
	if err != nil {
		return Payout{}, escrow.ErrAmountOverflow
	}
	return Payout{Token: snap.RewardToken, Quantity: share}, nil
}

// Claimed returns the snapshot IDs the backer has already claimed.
func (ld *Ledger) Claimed(ctx context.Context, recipient id.AccountID, stakeToken id.TokenID, backer id.AccountID) ([]uint64, error) {
	pool, err := ld.store.FindPool(ctx, recipient, stakeToken)
	if err != nil {
		if errors.Is(err, escrow.ErrPoolNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return ld.store.ClaimedSnapshots(ctx, pool.ID, backer)
}

// ──────────────────────────────────────────────────
// Internals
// ──────────────────────────────────────────────────

// resolve finds or lazily creates the pool. Caller holds ld.mu.
func (ld *Ledger) resolve(ctx context.Context, recipient id.AccountID, stakeToken id.TokenID) (*Pool, error) {
	pool, err := ld.store.FindPool(ctx, recipient, stakeToken)
	if err == nil {
		return pool, nil
	}
	if !errors.Is(err, escrow.ErrPoolNotFound) {
		return nil, err
	}

	pool = NewPool(recipient, stakeToken)
	if err := ld.store.CreatePool(ctx, pool); err != nil {
		// Lost a creation race on a shared backend; re-read.
		if errors.Is(err, escrow.ErrPoolAlreadyExists) {
			return ld.store.FindPool(ctx, recipient, stakeToken)
		}
		return nil, err
	}

	ld.publish(ctx, &event.Event{Name: event.PoolCreated, PoolID: pool.ID, Actor: recipient})
	return pool, nil
}

// currentBalance reads the last checkpoint of the account's log.
func (ld *Ledger) currentBalance(ctx context.Context, poolID id.PoolID, account id.AccountID) (uint64, error) {
	log, err := ld.store.CheckpointLog(ctx, poolID, account)
	if err != nil {
		return 0, err
	}
	if len(log) == 0 {
		return 0, nil
	}
	return log[len(log)-1].Balance, nil
}

// writeBalances appends the account and supply checkpoints and persists
// the pool's new supply. Caller holds ld.mu.
func (ld *Ledger) writeBalances(ctx context.Context, pool *Pool, account id.AccountID, newBalance, newSupply uint64) error {
	err := ld.store.AppendCheckpoints(ctx,
		&Checkpoint{PoolID: pool.ID, Account: account, SnapshotID: pool.Snapshots, Balance: newBalance},
		&Checkpoint{PoolID: pool.ID, Account: id.Nil, SnapshotID: pool.Snapshots, Balance: newSupply},
	)
	if err != nil {
		return err
	}

	pool.TotalStaked = newSupply
	pool.Touch()
	return ld.store.UpdatePool(ctx, pool)
}

// returnDeposit sends a deposit back to its source after a failed store
// write, so the depositor observes either a recorded snapshot or an
// untouched balance. A failed reversal strands the quantity in pool
// custody; it is logged at error level for manual reconciliation.
func (ld *Ledger) returnDeposit(ctx context.Context, rewardToken id.TokenID, poolID id.PoolID, to id.AnyID, quantity uint64) {
	if err := ld.tokens.Transfer(ctx, rewardToken, poolID, to, quantity); err != nil {
		ld.logger.Error("deposit reversal failed",
			slog.String("pool_id", poolID.String()),
			slog.Uint64("quantity", quantity),
			slog.String("error", err.Error()),
		)
	}
}

// revertPayouts pulls completed claim payouts back into pool custody
// after a later transfer or the claim marker failed. Failed reversals
// are logged at error level for manual reconciliation.
func (ld *Ledger) revertPayouts(ctx context.Context, poolID id.PoolID, backer id.AccountID, paid []Payout) {
	for _, p := range paid {
		if err := ld.tokens.Transfer(ctx, p.Token, backer, poolID, p.Quantity); err != nil {
			ld.logger.Error("claim reversal failed",
				slog.String("pool_id", poolID.String()),
				slog.String("token", p.Token.String()),
				slog.Uint64("quantity", p.Quantity),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (ld *Ledger) publish(ctx context.Context, evt *event.Event) {
	if ld.bus == nil {
		return
	}
	if _, err := ld.bus.Publish(ctx, evt); err != nil {
		ld.logger.Warn("event publish failed", slog.String("event", evt.Name), slog.String("error", err.Error()))
	}
}
