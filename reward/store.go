package reward

import (
	"context"

	"github.com/workmesh/escrow/id"
)

// ListOpts controls pagination and filtering for pool list queries.
type ListOpts struct {
	// Limit is the maximum number of pools to return. Zero means no limit.
	Limit int
	// Offset is the number of pools to skip.
	Offset int
	// Recipient filters by pool recipient. Nil means all recipients.
	Recipient id.AccountID
}

// Store defines the persistence contract for reward pools, balance
// checkpoint logs, snapshots, and claim state. Everything is append or
// update-only; nothing is ever deleted.
type Store interface {
	// CreatePool persists a new pool record.
	CreatePool(ctx context.Context, p *Pool) error

	// GetPool retrieves a pool by ID.
	GetPool(ctx context.Context, poolID id.PoolID) (*Pool, error)

	// FindPool retrieves the pool for a (recipient, stake-token) pair.
	FindPool(ctx context.Context, recipient id.AccountID, stakeToken id.TokenID) (*Pool, error)

	// UpdatePool persists changes to an existing pool record.
	UpdatePool(ctx context.Context, p *Pool) error

	// ListPools returns pools ordered by creation time.
	ListPools(ctx context.Context, opts ListOpts) ([]*Pool, error)

	// AppendCheckpoints appends balance-change entries to their logs.
	AppendCheckpoints(ctx context.Context, cps ...*Checkpoint) error

	// CheckpointLog returns the append-ordered balance-change log for an
	// account within a pool. A Nil account selects the total-supply log.
	CheckpointLog(ctx context.Context, poolID id.PoolID, account id.AccountID) ([]Checkpoint, error)

	// RecordSnapshot persists a reward event against its snapshot ID.
	RecordSnapshot(ctx context.Context, s *Snapshot) error

	// GetSnapshot retrieves a snapshot by pool and snapshot ID.
	GetSnapshot(ctx context.Context, poolID id.PoolID, snapID uint64) (*Snapshot, error)

	// ListSnapshots returns a pool's snapshots in ascending ID order.
	ListSnapshots(ctx context.Context, poolID id.PoolID) ([]*Snapshot, error)

	// MarkClaimed records that the backer claimed the given snapshot IDs.
	// The batch is atomic: if any ID was already claimed, the whole call
	// fails with ErrSnapshotClaimed and records nothing.
	MarkClaimed(ctx context.Context, poolID id.PoolID, backer id.AccountID, snapIDs []uint64) error

	// ClaimedSnapshots returns the snapshot IDs the backer has claimed,
	// in ascending order.
	ClaimedSnapshots(ctx context.Context, poolID id.PoolID, backer id.AccountID) ([]uint64, error)
}
