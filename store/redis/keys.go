package redis

import (
	"fmt"
	"strconv"
)

// Redis key naming conventions for escrow data.
// All keys are prefixed with "escrow:" to avoid collisions.

const keyPrefix = "escrow:"

// ── Job keys ──

// jobKey returns the key for a job entity: escrow:job:{id}
func jobKey(jobID uint64) string { return keyPrefix + "job:" + strconv.FormatUint(jobID, 10) }

// jobIDsKey is the Set tracking all job IDs for enumeration.
const jobIDsKey = keyPrefix + "job_ids"

// jobSeqKey is the counter backing the board's monotonic job sequence.
const jobSeqKey = keyPrefix + "job_seq"

// ── Pool keys ──

// poolKey returns the key for a pool entity: escrow:pool:{id}
func poolKey(id string) string { return keyPrefix + "pool:" + id }

// poolIDsKey is the Set tracking all pool IDs for enumeration.
const poolIDsKey = keyPrefix + "pool_ids"

// poolIndexKey is the Hash mapping "recipient|stakeToken" to pool IDs.
const poolIndexKey = keyPrefix + "pool_idx"

// checkpointLogKey returns the List key holding an account's append-only
// balance-change log: escrow:checkpoints:{poolID}:{account}
func checkpointLogKey(poolID, account string) string {
	return fmt.Sprintf("%scheckpoints:%s:%s", keyPrefix, poolID, account)
}

// snapshotKey returns the Hash key for a snapshot: escrow:snapshot:{poolID}:{id}
func snapshotKey(poolID string, snapID uint64) string {
	return fmt.Sprintf("%ssnapshot:%s:%d", keyPrefix, poolID, snapID)
}

// snapshotIdxKey returns the Set key tracking snapshot IDs for a pool.
func snapshotIdxKey(poolID string) string {
	return keyPrefix + "snapshot_idx:" + poolID
}

// claimsKey returns the Set key holding a backer's claimed snapshot IDs.
func claimsKey(poolID, backer string) string {
	return fmt.Sprintf("%sclaims:%s:%s", keyPrefix, poolID, backer)
}

// ── Event keys ──

// eventKey returns the key for an event entity: escrow:event:{id}
func eventKey(id string) string { return keyPrefix + "event:" + id }

// eventStreamKey returns the Stream key for an event name: escrow:events:{name}
func eventStreamKey(name string) string { return keyPrefix + "events:" + name }
