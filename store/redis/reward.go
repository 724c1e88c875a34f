package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/workmesh/escrow"
	"github.com/workmesh/escrow/id"
	"github.com/workmesh/escrow/reward"
)

// poolIndexField builds the Hash field for the (recipient, stake-token) index.
func poolIndexField(recipient id.AccountID, stakeToken id.TokenID) string {
	return recipient.String() + "|" + stakeToken.String()
}

// CreatePool stores the pool as a Hash and indexes its registry key.
func (s *Store) CreatePool(ctx context.Context, p *reward.Pool) error {
	field := poolIndexField(p.Recipient, p.StakeToken)

	// Claim the registry slot first; HSetNX is the duplicate check.
	claimed, err := s.client.HSetNX(ctx, poolIndexKey, field, p.ID.String()).Result()
	if err != nil {
		return fmt.Errorf("escrow/redis: create pool index: %w", err)
	}
	if !claimed {
		return escrow.ErrPoolAlreadyExists
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, poolKey(p.ID.String()), poolToMap(p))
	pipe.SAdd(ctx, poolIDsKey, p.ID.String())
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("escrow/redis: create pool: %w", err)
	}
	return nil
}

// GetPool retrieves a pool by ID.
func (s *Store) GetPool(ctx context.Context, poolID id.PoolID) (*reward.Pool, error) {
	return s.getPoolByKey(ctx, poolKey(poolID.String()))
}

// FindPool retrieves the pool for a (recipient, stake-token) pair.
func (s *Store) FindPool(ctx context.Context, recipient id.AccountID, stakeToken id.TokenID) (*reward.Pool, error) {
	poolID, err := s.client.HGet(ctx, poolIndexKey, poolIndexField(recipient, stakeToken)).Result()
	if err != nil {
		if err == goredis.Nil {
			return nil, escrow.ErrPoolNotFound
		}
		return nil, fmt.Errorf("escrow/redis: find pool: %w", err)
	}
	return s.getPoolByKey(ctx, poolKey(poolID))
}

// UpdatePool persists changes to an existing pool record.
func (s *Store) UpdatePool(ctx context.Context, p *reward.Pool) error {
	key := poolKey(p.ID.String())

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("escrow/redis: update pool exists: %w", err)
	}
	if exists == 0 {
		return escrow.ErrPoolNotFound
	}

	fields := poolToMap(p)
	fields["updated_at"] = time.Now().UTC().Format(time.RFC3339Nano)

	_, err = s.client.HSet(ctx, key, fields).Result()
	if err != nil {
		return fmt.Errorf("escrow/redis: update pool: %w", err)
	}
	return nil
}

// ListPools returns pools ordered by creation time.
func (s *Store) ListPools(ctx context.Context, opts reward.ListOpts) ([]*reward.Pool, error) {
	ids, err := s.client.SMembers(ctx, poolIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("escrow/redis: list pools smembers: %w", err)
	}

	pools := make([]*reward.Pool, 0, len(ids))
	for _, poolID := range ids {
		p, getErr := s.getPoolByKey(ctx, poolKey(poolID))
		if getErr != nil {
			continue // skip missing
		}
		if !opts.Recipient.IsNil() && !p.Recipient.Equal(opts.Recipient) {
			continue
		}
		pools = append(pools, p)
	}

	sort.Slice(pools, func(i, k int) bool {
		if !pools[i].CreatedAt.Equal(pools[k].CreatedAt) {
			return pools[i].CreatedAt.Before(pools[k].CreatedAt)
		}
		return pools[i].ID.String() < pools[k].ID.String()
	})

	// Apply offset/limit.
	if opts.Offset > 0 && opts.Offset < len(pools) {
		pools = pools[opts.Offset:]
	} else if opts.Offset >= len(pools) && opts.Offset > 0 {
		return nil, nil
	}
	if opts.Limit > 0 && opts.Limit < len(pools) {
		pools = pools[:opts.Limit]
	}
	return pools, nil
}

// AppendCheckpoints pushes balance-change entries onto their log Lists.
func (s *Store) AppendCheckpoints(ctx context.Context, cps ...*reward.Checkpoint) error {
	if len(cps) == 0 {
		return nil
	}

	pipe := s.client.TxPipeline()
	for _, cp := range cps {
		key := checkpointLogKey(cp.PoolID.String(), cp.Account.String())
		pipe.RPush(ctx, key, marshalJSON(checkpointEntry{
			SnapshotID: cp.SnapshotID,
			Balance:    cp.Balance,
		}))
	}
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("escrow/redis: append checkpoints: %w", err)
	}
	return nil
}

// CheckpointLog returns the append-ordered balance-change log for an
// account within a pool. A Nil account selects the total-supply log.
func (s *Store) CheckpointLog(ctx context.Context, poolID id.PoolID, account id.AccountID) ([]reward.Checkpoint, error) {
	key := checkpointLogKey(poolID.String(), account.String())
	raw, err := s.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("escrow/redis: checkpoint log: %w", err)
	}

	log := make([]reward.Checkpoint, 0, len(raw))
	for _, entry := range raw {
		var cp checkpointEntry
		if err := json.Unmarshal([]byte(entry), &cp); err != nil {
			return nil, fmt.Errorf("escrow/redis: parse checkpoint entry: %w", err)
		}
		log = append(log, reward.Checkpoint{
			PoolID:     poolID,
			Account:    account,
			SnapshotID: cp.SnapshotID,
			Balance:    cp.Balance,
		})
	}
	return log, nil
}

// RecordSnapshot persists a reward event against its snapshot ID.
func (s *Store) RecordSnapshot(ctx context.Context, snap *reward.Snapshot) error {
	poolID := snap.PoolID.String()

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, snapshotKey(poolID, snap.ID),
		"pool_id", poolID,
		"id", strconv.FormatUint(snap.ID, 10),
		"reward_token", snap.RewardToken.String(),
		"quantity", strconv.FormatUint(snap.Quantity, 10),
		"created_at", snap.CreatedAt.Format(time.RFC3339Nano),
		"updated_at", snap.UpdatedAt.Format(time.RFC3339Nano),
	)
	pipe.SAdd(ctx, snapshotIdxKey(poolID), strconv.FormatUint(snap.ID, 10))
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("escrow/redis: record snapshot: %w", err)
	}
	return nil
}

// GetSnapshot retrieves a snapshot by pool and snapshot ID.
func (s *Store) GetSnapshot(ctx context.Context, poolID id.PoolID, snapID uint64) (*reward.Snapshot, error) {
	vals, err := s.client.HGetAll(ctx, snapshotKey(poolID.String(), snapID)).Result()
	if err != nil {
		return nil, fmt.Errorf("escrow/redis: get snapshot: %w", err)
	}
	if len(vals) == 0 {
		return nil, escrow.ErrSnapshotNotFound
	}
	return mapToSnapshot(vals)
}

// ListSnapshots returns a pool's snapshots in ascending ID order.
func (s *Store) ListSnapshots(ctx context.Context, poolID id.PoolID) ([]*reward.Snapshot, error) {
	ids, err := s.client.SMembers(ctx, snapshotIdxKey(poolID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("escrow/redis: list snapshots smembers: %w", err)
	}

	snaps := make([]*reward.Snapshot, 0, len(ids))
	for _, raw := range ids {
		snapID, parseErr := strconv.ParseUint(raw, 10, 64)
		if parseErr != nil {
			continue
		}
		snap, getErr := s.GetSnapshot(ctx, poolID, snapID)
		if getErr != nil {
			continue
		}
		snaps = append(snaps, snap)
	}

	sort.Slice(snaps, func(i, k int) bool { return snaps[i].ID < snaps[k].ID })
	return snaps, nil
}

// MarkClaimed records claimed snapshot IDs for a backer. The batch fails
// as a whole when any ID is already in the claim Set.
func (s *Store) MarkClaimed(ctx context.Context, poolID id.PoolID, backer id.AccountID, snapIDs []uint64) error {
	key := claimsKey(poolID.String(), backer.String())

	members := make([]interface{}, len(snapIDs))
	for i, snapID := range snapIDs {
		members[i] = strconv.FormatUint(snapID, 10)
	}

	taken, err := s.client.SMIsMember(ctx, key, members...).Result()
	if err != nil {
		return fmt.Errorf("escrow/redis: check claims: %w", err)
	}
	for _, is := range taken {
		if is {
			return escrow.ErrSnapshotClaimed
		}
	}

	if err := s.client.SAdd(ctx, key, members...).Err(); err != nil {
		return fmt.Errorf("escrow/redis: mark claimed: %w", err)
	}
	return nil
}

// ClaimedSnapshots returns the snapshot IDs the backer has claimed.
func (s *Store) ClaimedSnapshots(ctx context.Context, poolID id.PoolID, backer id.AccountID) ([]uint64, error) {
	raw, err := s.client.SMembers(ctx, claimsKey(poolID.String(), backer.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("escrow/redis: claimed snapshots: %w", err)
	}

	claimed := make([]uint64, 0, len(raw))
	for _, member := range raw {
		snapID, parseErr := strconv.ParseUint(member, 10, 64)
		if parseErr != nil {
			continue
		}
		claimed = append(claimed, snapID)
	}
	sort.Slice(claimed, func(i, k int) bool { return claimed[i] < claimed[k] })
	return claimed, nil
}

// ── helpers ──

// checkpointEntry is the JSON shape of one checkpoint log element.
type checkpointEntry struct {
	SnapshotID uint64 `json:"s"`
	Balance    uint64 `json:"b"`
}

func poolToMap(p *reward.Pool) map[string]interface{} {
	m := map[string]interface{}{
		"id":           p.ID.String(),
		"recipient":    p.Recipient.String(),
		"stake_token":  p.StakeToken.String(),
		"snapshots":    strconv.FormatUint(p.Snapshots, 10),
		"total_staked": strconv.FormatUint(p.TotalStaked, 10),
		"carry":        marshalJSON(p.Carry),
		"created_at":   p.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":   p.UpdatedAt.Format(time.RFC3339Nano),
	}
	return m
}

func (s *Store) getPoolByKey(ctx context.Context, key string) (*reward.Pool, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("escrow/redis: get pool: %w", err)
	}
	if len(vals) == 0 {
		return nil, escrow.ErrPoolNotFound
	}
	return mapToPool(vals)
}

func mapToPool(m map[string]string) (*reward.Pool, error) {
	poolID, err := id.ParsePoolID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("escrow/redis: parse pool id: %w", err)
	}
	recipient, err := id.ParseAccountID(m["recipient"])
	if err != nil {
		return nil, fmt.Errorf("escrow/redis: parse recipient: %w", err)
	}
	stakeToken, err := id.ParseTokenID(m["stake_token"])
	if err != nil {
		return nil, fmt.Errorf("escrow/redis: parse stake token: %w", err)
	}

	snapshots, _ := strconv.ParseUint(m["snapshots"], 10, 64)       //nolint:errcheck // best-effort parse from trusted Redis data
	totalStaked, _ := strconv.ParseUint(m["total_staked"], 10, 64)  //nolint:errcheck // best-effort parse from trusted Redis data
	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"])   //nolint:errcheck // best-effort parse from trusted Redis data
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"])   //nolint:errcheck // best-effort parse from trusted Redis data

	return &reward.Pool{
		Entity: escrow.Entity{
			CreatedAt: createdAt,
			UpdatedAt: updatedAt,
		},
		ID:          poolID,
		Recipient:   recipient,
		StakeToken:  stakeToken,
		Snapshots:   snapshots,
		TotalStaked: totalStaked,
		Carry:       unmarshalUintMap(m["carry"]),
	}, nil
}

func mapToSnapshot(m map[string]string) (*reward.Snapshot, error) {
	poolID, err := id.ParsePoolID(m["pool_id"])
	if err != nil {
		return nil, fmt.Errorf("escrow/redis: parse pool id: %w", err)
	}
	rewardToken, err := id.ParseTokenID(m["reward_token"])
	if err != nil {
		return nil, fmt.Errorf("escrow/redis: parse reward token: %w", err)
	}

	snapID, _ := strconv.ParseUint(m["id"], 10, 64)               //nolint:errcheck // best-effort parse from trusted Redis data
	quantity, _ := strconv.ParseUint(m["quantity"], 10, 64)       //nolint:errcheck // best-effort parse from trusted Redis data
	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // best-effort parse from trusted Redis data
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"]) //nolint:errcheck // best-effort parse from trusted Redis data

	return &reward.Snapshot{
		Entity: escrow.Entity{
			CreatedAt: createdAt,
			UpdatedAt: updatedAt,
		},
		PoolID:      poolID,
		ID:          snapID,
		RewardToken: rewardToken,
		Quantity:    quantity,
	}, nil
}
