package reward

import (
	"sort"

	"github.com/workmesh/escrow"
	"github.com/workmesh/escrow/id"
)

// Pool is the per (recipient, backing-token) reward aggregate. Its ID
// doubles as the custody account holding staked and deposited tokens on
// the token ledger.
type Pool struct {
	escrow.Entity

	ID         id.PoolID    `json:"id"`
	Recipient  id.AccountID `json:"recipient"`
	StakeToken id.TokenID   `json:"stake_token"`

	// Snapshots is the ID of the last snapshot taken. Zero means none;
	// snapshot IDs start at 1 and only ever grow.
	Snapshots uint64 `json:"snapshots"`

	// TotalStaked is the current backing supply.
	TotalStaked uint64 `json:"total_staked"`

	// Carry holds reward quantities deposited while the backing supply
	// was zero, keyed by reward token, awaiting roll-forward into the
	// next snapshot of that token.
	Carry map[string]uint64 `json:"carry,omitempty"`
}

// NewPool returns a fresh pool for a (recipient, stake-token) pair with
// a generated ID and no snapshots taken.
func NewPool(recipient id.AccountID, stakeToken id.TokenID) *Pool {
	return &Pool{
		Entity:     escrow.NewEntity(),
		ID:         id.NewPoolID(),
		Recipient:  recipient,
		StakeToken: stakeToken,
	}
}

// Clone returns a deep copy of the pool record.
func (p *Pool) Clone() *Pool {
	cp := *p
	if p.Carry != nil {
		cp.Carry = make(map[string]uint64, len(p.Carry))
		for k, v := range p.Carry {
			cp.Carry[k] = v
		}
	}
	return &cp
}

// Checkpoint is one entry in an append-only balance-change log. Account
// is Nil for the pool's total-supply log. SnapshotID records the pool's
// snapshot counter at the moment of the change, so the balance applies
// to every snapshot taken strictly after it.
type Checkpoint struct {
	PoolID     id.PoolID    `json:"pool_id"`
	Account    id.AccountID `json:"account,omitempty"`
	SnapshotID uint64       `json:"snapshot_id"`
	Balance    uint64       `json:"balance"`
}

// Snapshot is the reward event recorded at one snapshot ID: the deposited
// (reward-token, quantity) pair against which backer shares are computed.
type Snapshot struct {
	escrow.Entity

	PoolID      id.PoolID  `json:"pool_id"`
	ID          uint64     `json:"id"`
	RewardToken id.TokenID `json:"reward_token"`
	Quantity    uint64     `json:"quantity"`
}

// BalanceAt returns the balance in effect at snapshot snapID: the value
// written by the last change that happened strictly before the snapshot
// was taken. The log must be in append order, which keeps SnapshotID
// non-decreasing, so this is a binary search — O(log k) in the number of
// balance changes.
func BalanceAt(log []Checkpoint, snapID uint64) uint64 {
	idx := sort.Search(len(log), func(i int) bool {
		return log[i].SnapshotID >= snapID
	})
	if idx == 0 {
		return 0
	}
	return log[idx-1].Balance
}
