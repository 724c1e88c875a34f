package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/workmesh/escrow"
	"github.com/workmesh/escrow/id"
	"github.com/workmesh/escrow/reward"
)

const poolColumns = `
	id, recipient, stake_token, snapshots, total_staked, carry,
	created_at, updated_at`

// CreatePool persists a new pool record.
func (s *Store) CreatePool(ctx context.Context, p *reward.Pool) error {
	carry, err := encodeCarry(p)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO escrow_pools (
			id, recipient, stake_token, snapshots, total_staked, carry,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.ID.String(), p.Recipient.String(), p.StakeToken.String(),
		int64(p.Snapshots), int64(p.TotalStaked), carry,
		p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return escrow.ErrPoolAlreadyExists
		}
		return fmt.Errorf("escrow/postgres: create pool: %w", err)
	}
	return nil
}

// GetPool retrieves a pool by ID.
func (s *Store) GetPool(ctx context.Context, poolID id.PoolID) (*reward.Pool, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+poolColumns+` FROM escrow_pools WHERE id = $1`,
		poolID.String(),
	)

	p, err := scanPool(row)
	if err != nil {
		if isNoRows(err) {
			return nil, escrow.ErrPoolNotFound
		}
		return nil, fmt.Errorf("escrow/postgres: get pool: %w", err)
	}
	return p, nil
}

// FindPool retrieves the pool for a (recipient, stake-token) pair.
func (s *Store) FindPool(ctx context.Context, recipient id.AccountID, stakeToken id.TokenID) (*reward.Pool, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+poolColumns+` FROM escrow_pools WHERE recipient = $1 AND stake_token = $2`,
		recipient.String(), stakeToken.String(),
	)

	p, err := scanPool(row)
	if err != nil {
		if isNoRows(err) {
			return nil, escrow.ErrPoolNotFound
		}
		return nil, fmt.Errorf("escrow/postgres: find pool: %w", err)
	}
	return p, nil
}

// UpdatePool persists changes to an existing pool record.
func (s *Store) UpdatePool(ctx context.Context, p *reward.Pool) error {
	carry, err := encodeCarry(p)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE escrow_pools SET
			snapshots = $2, total_staked = $3, carry = $4, updated_at = NOW()
		WHERE id = $1`,
		p.ID.String(), int64(p.Snapshots), int64(p.TotalStaked), carry,
	)
	if err != nil {
		return fmt.Errorf("escrow/postgres: update pool: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return escrow.ErrPoolNotFound
	}
	return nil
}

// ListPools returns pools ordered by creation time.
func (s *Store) ListPools(ctx context.Context, opts reward.ListOpts) ([]*reward.Pool, error) {
	query := `SELECT ` + poolColumns + ` FROM escrow_pools WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if !opts.Recipient.IsNil() {
		query += fmt.Sprintf(" AND recipient = $%d", argIdx)
		args = append(args, opts.Recipient.String())
		argIdx++
	}

	query += " ORDER BY created_at ASC, id ASC"

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
		return nil, fmt.Errorf("escrow/postgres: list pools: %w", err)
	}
	defer rows.Close()

	var pools []*reward.Pool
	for rows.Next() {
		p, scanErr := scanPool(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("escrow/postgres: scan pool row: %w", scanErr)
		}
		pools = append(pools, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow/postgres: iterate pool rows: %w", err)
	}
	return pools, nil
}

// AppendCheckpoints appends balance-change entries to their logs.
func (s *Store) AppendCheckpoints(ctx context.Context, cps ...*reward.Checkpoint) error {
	batch := &pgx.Batch{}
	for _, cp := range cps {
		batch.Queue(`
			INSERT INTO escrow_checkpoints (pool_id, account, snapshot_id, balance)
			VALUES ($1, $2, $3, $4)`,
			cp.PoolID.String(), cp.Account.String(),
			int64(cp.SnapshotID), int64(cp.Balance),
		)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range cps {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("escrow/postgres: append checkpoint: %w", err)
		}
	}
	return nil
}

// CheckpointLog returns the append-ordered balance-change log for an
// account within a pool. A Nil account selects the total-supply log.
func (s *Store) CheckpointLog(ctx context.Context, poolID id.PoolID, account id.AccountID) ([]reward.Checkpoint, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT snapshot_id, balance
		FROM escrow_checkpoints
		WHERE pool_id = $1 AND account = $2
		ORDER BY seq ASC`,
		poolID.String(), account.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("escrow/postgres: checkpoint log: %w", err)
	}
	defer rows.Close()

	var log []reward.Checkpoint
	for rows.Next() {
		var snapID, balance int64
		if err := rows.Scan(&snapID, &balance); err != nil {
			return nil, fmt.Errorf("escrow/postgres: scan checkpoint row: %w", err)
		}
		log = append(log, reward.Checkpoint{
			PoolID:     poolID,
			Account:    account,
			SnapshotID: uint64(snapID),
			Balance:    uint64(balance),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow/postgres: iterate checkpoint rows: %w", err)
	}
	return log, nil
}

// RecordSnapshot persists a reward event against its snapshot ID.
func (s *Store) RecordSnapshot(ctx context.Context, snap *reward.Snapshot) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO escrow_snapshots (pool_id, id, reward_token, quantity, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		snap.PoolID.String(), int64(snap.ID), snap.RewardToken.String(),
		int64(snap.Quantity), snap.CreatedAt, snap.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("escrow/postgres: record snapshot: %w", err)
	}
	return nil
}

// GetSnapshot retrieves a snapshot by pool and snapshot ID.
func (s *Store) GetSnapshot(ctx context.Context, poolID id.PoolID, snapID uint64) (*reward.Snapshot, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT pool_id, id, reward_token, quantity, created_at, updated_at
		FROM escrow_snapshots
		WHERE pool_id = $1 AND id = $2`,
		poolID.String(), int64(snapID),
	)

	snap, err := scanSnapshot(row)
	if err != nil {
		if isNoRows(err) {
			return nil, escrow.ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("escrow/postgres: get snapshot: %w", err)
	}
	return snap, nil
}

// ListSnapshots returns a pool's snapshots in ascending ID order.
func (s *Store) ListSnapshots(ctx context.Context, poolID id.PoolID) ([]*reward.Snapshot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT pool_id, id, reward_token, quantity, created_at, updated_at
		FROM escrow_snapshots
		WHERE pool_id = $1
		ORDER BY id ASC`,
		poolID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("escrow/postgres: list snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []*reward.Snapshot
	for rows.Next() {
		snap, scanErr := scanSnapshot(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("escrow/postgres: scan snapshot row: %w", scanErr)
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow/postgres: iterate snapshot rows: %w", err)
	}
	return snaps, nil
}

// MarkClaimed records claimed snapshot IDs for a backer inside a single
// transaction. Any already-claimed ID fails the whole batch.
func (s *Store) MarkClaimed(ctx context.Context, poolID id.PoolID, backer id.AccountID, snapIDs []uint64) error {
	ids := make([]int64, len(snapIDs))
	for i, snapID := range snapIDs {
		ids[i] = int64(snapID)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("escrow/postgres: begin claim tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var taken int64
	err = tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM escrow_claims
		WHERE pool_id = $1 AND backer = $2 AND snapshot_id = ANY($3)`,
		poolID.String(), backer.String(), ids,
	).Scan(&taken)
	if err != nil {
		return fmt.Errorf("escrow/postgres: check claims: %w", err)
	}
	if taken > 0 {
		return escrow.ErrSnapshotClaimed
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO escrow_claims (pool_id, backer, snapshot_id)
		SELECT $1, $2, unnest($3::bigint[])`,
		poolID.String(), backer.String(), ids,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return escrow.ErrSnapshotClaimed
		}
		return fmt.Errorf("escrow/postgres: mark claimed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("escrow/postgres: commit claim tx: %w", err)
	}
	return nil
}

// ClaimedSnapshots returns the snapshot IDs the backer has claimed.
func (s *Store) ClaimedSnapshots(ctx context.Context, poolID id.PoolID, backer id.AccountID) ([]uint64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT snapshot_id FROM escrow_claims
		WHERE pool_id = $1 AND backer = $2
		ORDER BY snapshot_id ASC`,
		poolID.String(), backer.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("escrow/postgres: claimed snapshots: %w", err)
	}
	defer rows.Close()

	var claimed []uint64
	for rows.Next() {
		var snapID int64
		if err := rows.Scan(&snapID); err != nil {
			return nil, fmt.Errorf("escrow/postgres: scan claim row: %w", err)
		}
		claimed = append(claimed, uint64(snapID))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow/postgres: iterate claim rows: %w", err)
	}
	return claimed, nil
}

// encodeCarry marshals the pool's zero-supply carry map, nil when empty.
func encodeCarry(p *reward.Pool) ([]byte, error) {
	if len(p.Carry) == 0 {
		return nil, nil
	}
	carry, err := json.Marshal(p.Carry)
	if err != nil {
		return nil, fmt.Errorf("escrow/postgres: marshal carry: %w", err)
	}
	return carry, nil
}

// scanPool scans a single pool row.
func scanPool(row pgx.Row) (*reward.Pool, error) {
	var (
		p            reward.Pool
		idStr        string
		recipientStr string
		tokenStr     string
		snapshots    int64
		totalStaked  int64
		carry        []byte
	)
	err := row.Scan(
		&idStr, &recipientStr, &tokenStr, &snapshots, &totalStaked, &carry,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.Snapshots = uint64(snapshots)
	p.TotalStaked = uint64(totalStaked)

	p.ID, err = id.ParsePoolID(idStr)
	if err != nil {
		return nil, fmt.Errorf("escrow/postgres: parse pool id %q: %w", idStr, err)
	}
	p.Recipient, err = id.ParseAccountID(recipientStr)
	if err != nil {
		return nil, fmt.Errorf("escrow/postgres: parse recipient %q: %w", recipientStr, err)
	}
	p.StakeToken, err = id.ParseTokenID(tokenStr)
	if err != nil {
		return nil, fmt.Errorf("escrow/postgres: parse stake token %q: %w", tokenStr, err)
	}

	if len(carry) > 0 {
		if err := json.Unmarshal(carry, &p.Carry); err != nil {
			return nil, fmt.Errorf("escrow/postgres: unmarshal carry: %w", err)
		}
	}

	return &p, nil
}

// scanSnapshot scans a single snapshot row.
func scanSnapshot(row pgx.Row) (*reward.Snapshot, error) {
	var (
		snap     reward.Snapshot
		poolStr  string
		tokenStr string
		snapID   int64
		quantity int64
	)
	err := row.Scan(&poolStr, &snapID, &tokenStr, &quantity, &snap.CreatedAt, &snap.UpdatedAt)
	if err != nil {
		return nil, err
	}

	snap.ID = uint64(snapID)
	snap.Quantity = uint64(quantity)

	snap.PoolID, err = id.ParsePoolID(poolStr)
	if err != nil {
		return nil, fmt.Errorf("escrow/postgres: parse pool id %q: %w", poolStr, err)
	}
	snap.RewardToken, err = id.ParseTokenID(tokenStr)
	if err != nil {
		return nil, fmt.Errorf("escrow/postgres: parse reward token %q: %w", tokenStr, err)
	}

	return &snap, nil
}
