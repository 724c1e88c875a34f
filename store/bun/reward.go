package bunstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/workmesh/escrow"
	"github.com/workmesh/escrow/id"
	"github.com/workmesh/escrow/reward"
)

// CreatePool persists a new pool record.
func (s *Store) CreatePool(ctx context.Context, p *reward.Pool) error {
	m, err := toPoolModel(p)
	if err != nil {
		return err
	}
	_, err = s.db.NewInsert().Model(m).Exec(ctx)
	if err != nil {
		if isDuplicateKey(err) {
			return escrow.ErrPoolAlreadyExists
		}
		return fmt.Errorf("escrow/bun: create pool: %w", err)
	}
	return nil
}

// GetPool retrieves a pool by ID.
func (s *Store) GetPool(ctx context.Context, poolID id.PoolID) (*reward.Pool, error) {
	m := new(poolModel)
	err := s.db.NewSelect().Model(m).
		Where("id = ?", poolID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, escrow.ErrPoolNotFound
		}
		return nil, fmt.Errorf("escrow/bun: get pool: %w", err)
	}
	return fromPoolModel(m)
}

// FindPool retrieves the pool for a (recipient, stake-token) pair.
func (s *Store) FindPool(ctx context.Context, recipient id.AccountID, stakeToken id.TokenID) (*reward.Pool, error) {
	m := new(poolModel)
	err := s.db.NewSelect().Model(m).
		Where("recipient = ?", recipient.String()).
		Where("stake_token = ?", stakeToken.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, escrow.ErrPoolNotFound
		}
		return nil, fmt.Errorf("escrow/bun: find pool: %w", err)
	}
	return fromPoolModel(m)
}

// UpdatePool persists changes to an existing pool record.
func (s *Store) UpdatePool(ctx context.Context, p *reward.Pool) error {
	m, err := toPoolModel(p)
	if err != nil {
		return err
	}
	m.UpdatedAt = time.Now().UTC()
	res, err := s.db.NewUpdate().Model(m).
		Column("snapshots", "total_staked", "carry", "updated_at").
		WherePK().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("escrow/bun: update pool: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return escrow.ErrPoolNotFound
	}
	return nil
}

// ListPools returns pools ordered by creation time.
func (s *Store) ListPools(ctx context.Context, opts reward.ListOpts) ([]*reward.Pool, error) {
	var models []poolModel
	q := s.db.NewSelect().Model(&models)

	if !opts.Recipient.IsNil() {
		q = q.Where("recipient = ?", opts.Recipient.String())
	}

	q = q.Order("created_at ASC").Order("id ASC")

	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}

	err := q.Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("escrow/bun: list pools: %w", err)
	}

	pools := make([]*reward.Pool, 0, len(models))
	for i := range models {
		p, convErr := fromPoolModel(&models[i])
		if convErr != nil {
			return nil, fmt.Errorf("escrow/bun: list pools convert: %w", convErr)
		}
		pools = append(pools, p)
	}
	return pools, nil
}

// AppendCheckpoints appends balance-change entries to their logs.
func (s *Store) AppendCheckpoints(ctx context.Context, cps ...*reward.Checkpoint) error {
	if len(cps) == 0 {
		return nil
	}

	models := make([]checkpointModel, len(cps))
	for i, cp := range cps {
		models[i] = checkpointModel{
			PoolID:     cp.PoolID.String(),
			Account:    cp.Account.String(),
			SnapshotID: int64(cp.SnapshotID),
			Balance:    int64(cp.Balance),
		}
	}

	_, err := s.db.NewInsert().Model(&models).Exec(ctx)
	if err != nil {
		return fmt.Errorf("escrow/bun: append checkpoints: %w", err)
	}
	return nil
}

// CheckpointLog returns the append-ordered balance-change log for an
// account within a pool. A Nil account selects the total-supply log.
func (s *Store) CheckpointLog(ctx context.Context, poolID id.PoolID, account id.AccountID) ([]reward.Checkpoint, error) {
	var models []checkpointModel
	err := s.db.NewSelect().Model(&models).
		Where("pool_id = ?", poolID.String()).
		Where("account = ?", account.String()).
		Order("seq ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("escrow/bun: checkpoint log: %w", err)
	}

	log := make([]reward.Checkpoint, len(models))
	for i := range models {
		log[i] = reward.Checkpoint{
			PoolID:     poolID,
			Account:    account,
			SnapshotID: uint64(models[i].SnapshotID),
			Balance:    uint64(models[i].Balance),
		}
	}
	return log, nil
}

// RecordSnapshot persists a reward event against its snapshot ID.
func (s *Store) RecordSnapshot(ctx context.Context, snap *reward.Snapshot) error {
	m := &snapshotModel{
		PoolID:      snap.PoolID.String(),
		ID:          int64(snap.ID),
		RewardToken: snap.RewardToken.String(),
		Quantity:    int64(snap.Quantity),
		CreatedAt:   snap.CreatedAt,
		UpdatedAt:   snap.UpdatedAt,
	}
	_, err := s.db.NewInsert().Model(m).Exec(ctx)
	if err != nil {
		return fmt.Errorf("escrow/bun: record snapshot: %w", err)
	}
	return nil
}

// GetSnapshot retrieves a snapshot by pool and snapshot ID.
func (s *Store) GetSnapshot(ctx context.Context, poolID id.PoolID, snapID uint64) (*reward.Snapshot, error) {
	m := new(snapshotModel)
	err := s.db.NewSelect().Model(m).
		Where("pool_id = ?", poolID.String()).
		Where("id = ?", int64(snapID)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, escrow.ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("escrow/bun: get snapshot: %w", err)
	}
	return fromSnapshotModel(m)
}

// ListSnapshots returns a pool's snapshots in ascending ID order.
func (s *Store) ListSnapshots(ctx context.Context, poolID id.PoolID) ([]*reward.Snapshot, error) {
	var models []snapshotModel
	err := s.db.NewSelect().Model(&models).
		Where("pool_id = ?", poolID.String()).
		Order("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("escrow/bun: list snapshots: %w", err)
	}

	snaps := make([]*reward.Snapshot, 0, len(models))
	for i := range models {
		snap, convErr := fromSnapshotModel(&models[i])
		if convErr != nil {
			return nil, fmt.Errorf("escrow/bun: list snapshots convert: %w", convErr)
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

// MarkClaimed records claimed snapshot IDs for a backer inside a single
// transaction. Any already-claimed ID fails the whole batch.
func (s *Store) MarkClaimed(ctx context.Context, poolID id.PoolID, backer id.AccountID, snapIDs []uint64) error {
	return s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		ids := make([]int64, len(snapIDs))
		for i, snapID := range snapIDs {
			ids[i] = int64(snapID)
		}

		taken, err := tx.NewSelect().TableExpr("escrow_claims").
			Where("pool_id = ?", poolID.String()).
			Where("backer = ?", backer.String()).
			Where("snapshot_id IN (?)", bun.In(ids)).
			Count(ctx)
		if err != nil {
			return fmt.Errorf("escrow/bun: check claims: %w", err)
		}
		if taken > 0 {
			return escrow.ErrSnapshotClaimed
		}

		models := make([]claimModel, len(snapIDs))
		now := time.Now().UTC()
		for i, snapID := range snapIDs {
			models[i] = claimModel{
				PoolID:     poolID.String(),
				Backer:     backer.String(),
				SnapshotID: int64(snapID),
				ClaimedAt:  now,
			}
		}

		_, err = tx.NewInsert().Model(&models).Exec(ctx)
		if err != nil {
			if isDuplicateKey(err) {
				return escrow.ErrSnapshotClaimed
			}
			return fmt.Errorf("escrow/bun: mark claimed: %w", err)
		}
		return nil
	})
}

// ClaimedSnapshots returns the snapshot IDs the backer has claimed.
func (s *Store) ClaimedSnapshots(ctx context.Context, poolID id.PoolID, backer id.AccountID) ([]uint64, error) {
	var ids []int64
	err := s.db.NewSelect().TableExpr("escrow_claims").
		Column("snapshot_id").
		Where("pool_id = ?", poolID.String()).
		Where("backer = ?", backer.String()).
		Order("snapshot_id ASC").
		Scan(ctx, &ids)
	if err != nil {
		return nil, fmt.Errorf("escrow/bun: claimed snapshots: %w", err)
	}

	claimed := make([]uint64, len(ids))
	for i, snapID := range ids {
		claimed[i] = uint64(snapID)
	}
	return claimed, nil
}
