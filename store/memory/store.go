package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/workmesh/escrow"
	"github.com/workmesh/escrow/event"
	"github.com/workmesh/escrow/id"
	"github.com/workmesh/escrow/job"
	"github.com/workmesh/escrow/reward"
)

// Ensure Store implements store.Store at compile time.
// We can't import store here (import cycle), so we verify each subsystem.
var (
	_ job.Store    = (*Store)(nil)
	_ reward.Store = (*Store)(nil)
	_ event.Store  = (*Store)(nil)
)

// Store is a fully in-memory implementation of store.Store.
// Safe for concurrent access. Intended for unit testing and development.
type Store struct {
	mu sync.RWMutex

	jobSeq uint64
	jobs   map[uint64]*job.Job

	pools     map[string]*reward.Pool // key: pool ID
	poolIndex map[string]string       // key: recipient|stakeToken → pool ID

	checkpoints map[string][]reward.Checkpoint // key: poolID|account
	snapshots   map[string]*reward.Snapshot    // key: poolID|snapID
	claims      map[string]map[uint64]bool     // key: poolID|backer

	events map[string]*event.Event
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		jobs:        make(map[uint64]*job.Job),
		pools:       make(map[string]*reward.Pool),
		poolIndex:   make(map[string]string),
		checkpoints: make(map[string][]reward.Checkpoint),
		snapshots:   make(map[string]*reward.Snapshot),
		claims:      make(map[string]map[uint64]bool),
		events:      make(map[string]*event.Event),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle — Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Job Store
// ──────────────────────────────────────────────────

// NextJobID returns the next value of the board's job sequence.
func (m *Store) NextJobID(_ context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.jobSeq++
	return m.jobSeq, nil
}

// CreateJob persists a new job record.
func (m *Store) CreateJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[j.ID]; exists {
		return escrow.ErrJobAlreadyExists
	}
	m.jobs[j.ID] = j.Clone()
	return nil
}

// GetJob retrieves a job by ID.
func (m *Store) GetJob(_ context.Context, jobID uint64) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return nil, escrow.ErrJobNotFound
	}
	return j.Clone(), nil
}

// UpdateJob persists changes to an existing job.
func (m *Store) UpdateJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[j.ID]; !ok {
		return escrow.ErrJobNotFound
	}
	m.jobs[j.ID] = j.Clone()
	return nil
}

// ListJobs returns jobs in ascending ID order.
func (m *Store) ListJobs(_ context.Context, opts job.ListOpts) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if !opts.Manager.IsNil() && !j.Manager.Equal(opts.Manager) {
			continue
		}
		if !opts.Token.IsNil() && !j.Token.Equal(opts.Token) {
			continue
		}
		matched = append(matched, j)
	}

	sort.Slice(matched, func(i, k int) bool { return matched[i].ID < matched[k].ID })

	if opts.Offset > 0 {
		if opts.Offset >= len(matched) {
			return []*job.Job{}, nil
		}
		matched = matched[opts.Offset:]
	}
	if opts.Limit > 0 && len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}

	result := make([]*job.Job, len(matched))
	for i, j := range matched {
		result[i] = j.Clone()
	}
	return result, nil
}

// CountJobs returns the number of jobs matching the given options.
func (m *Store) CountJobs(_ context.Context, opts job.CountOpts) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var count int64
	for _, j := range m.jobs {
		if !opts.Manager.IsNil() && !j.Manager.Equal(opts.Manager) {
			continue
		}
		if !opts.Token.IsNil() && !j.Token.Equal(opts.Token) {
			continue
		}
		count++
	}
	return count, nil
}

// ──────────────────────────────────────────────────
// Reward Store
// ──────────────────────────────────────────────────

func poolIndexKey(recipient id.AccountID, stakeToken id.TokenID) string {
	return recipient.String() + "|" + stakeToken.String()
}

func accountKey(poolID id.PoolID, account id.AccountID) string {
	return poolID.String() + "|" + account.String()
}

func snapshotKey(poolID id.PoolID, snapID uint64) string {
	return fmt.Sprintf("%s|%d", poolID.String(), snapID)
}

// CreatePool persists a new pool record.
func (m *Store) CreatePool(_ context.Context, p *reward.Pool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := poolIndexKey(p.Recipient, p.StakeToken)
	if _, exists := m.poolIndex[idx]; exists {
		return escrow.ErrPoolAlreadyExists
	}
	m.pools[p.ID.String()] = p.Clone()
	m.poolIndex[idx] = p.ID.String()
	return nil
}

// GetPool retrieves a pool by ID.
func (m *Store) GetPool(_ context.Context, poolID id.PoolID) (*reward.Pool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.pools[poolID.String()]
	if !ok {
		return nil, escrow.ErrPoolNotFound
	}
	return p.Clone(), nil
}

// FindPool retrieves the pool for a (recipient, stake-token) pair.
func (m *Store) FindPool(_ context.Context, recipient id.AccountID, stakeToken id.TokenID) (*reward.Pool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	key, ok := m.poolIndex[poolIndexKey(recipient, stakeToken)]
	if !ok {
		return nil, escrow.ErrPoolNotFound
	}
	return m.pools[key].Clone(), nil
}

// UpdatePool persists changes to an existing pool record.
func (m *Store) UpdatePool(_ context.Context, p *reward.Pool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.pools[p.ID.String()]; !ok {
		return escrow.ErrPoolNotFound
	}
	m.pools[p.ID.String()] = p.Clone()
	return nil
}

// ListPools returns pools ordered by creation time.
func (m *Store) ListPools(_ context.Context, opts reward.ListOpts) ([]*reward.Pool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := make([]*reward.Pool, 0, len(m.pools))
	for _, p := range m.pools {
		if !opts.Recipient.IsNil() && !p.Recipient.Equal(opts.Recipient) {
			continue
		}
		matched = append(matched, p)
	}

	sort.Slice(matched, func(i, k int) bool {
		if !matched[i].CreatedAt.Equal(matched[k].CreatedAt) {
			return matched[i].CreatedAt.Before(matched[k].CreatedAt)
		}
		return matched[i].ID.String() < matched[k].ID.String()
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(matched) {
			return []*reward.Pool{}, nil
		}
		matched = matched[opts.Offset:]
	}
	if opts.Limit > 0 && len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}

	result := make([]*reward.Pool, len(matched))
	for i, p := range matched {
		result[i] = p.Clone()
	}
	return result, nil
}

// AppendCheckpoints appends balance-change entries to their logs.
func (m *Store) AppendCheckpoints(_ context.Context, cps ...*reward.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, cp := range cps {
		key := accountKey(cp.PoolID, cp.Account)
		m.checkpoints[key] = append(m.checkpoints[key], *cp)
	}
	return nil
}

// CheckpointLog returns the append-ordered balance-change log for an
// account within a pool.
func (m *Store) CheckpointLog(_ context.Context, poolID id.PoolID, account id.AccountID) ([]reward.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	log := m.checkpoints[accountKey(poolID, account)]
	out := make([]reward.Checkpoint, len(log))
	copy(out, log)
	return out, nil
}

// RecordSnapshot persists a reward event against its snapshot ID.
func (m *Store) RecordSnapshot(_ context.Context, s *reward.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *s
	m.snapshots[snapshotKey(s.PoolID, s.ID)] = &cp
	return nil
}

// GetSnapshot retrieves a snapshot by pool and snapshot ID.
func (m *Store) GetSnapshot(_ context.Context, poolID id.PoolID, snapID uint64) (*reward.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.snapshots[snapshotKey(poolID, snapID)]
	if !ok {
		return nil, escrow.ErrSnapshotNotFound
	}
	cp := *s
	return &cp, nil
}

// ListSnapshots returns a pool's snapshots in ascending ID order.
func (m *Store) ListSnapshots(_ context.Context, poolID id.PoolID) ([]*reward.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*reward.Snapshot
	for _, s := range m.snapshots {
		if s.PoolID.Equal(poolID) {
			cp := *s
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, k int) bool { return result[i].ID < result[k].ID })
	return result, nil
}

// MarkClaimed records claimed snapshot IDs for a backer. The batch is
// atomic: any already-claimed ID fails the whole call.
func (m *Store) MarkClaimed(_ context.Context, poolID id.PoolID, backer id.AccountID, snapIDs []uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := accountKey(poolID, backer)
	set := m.claims[key]
	for _, s := range snapIDs {
		if set[s] {
			return escrow.ErrSnapshotClaimed
		}
	}

	if set == nil {
		set = make(map[uint64]bool, len(snapIDs))
		m.claims[key] = set
	}
	for _, s := range snapIDs {
		set[s] = true
	}
	return nil
}

// ClaimedSnapshots returns the snapshot IDs the backer has claimed.
func (m *Store) ClaimedSnapshots(_ context.Context, poolID id.PoolID, backer id.AccountID) ([]uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	set := m.claims[accountKey(poolID, backer)]
	out := make([]uint64, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Slice(out, func(i, k int) bool { return out[i] < out[k] })
	return out, nil
}

// ──────────────────────────────────────────────────
// Event Store
// ──────────────────────────────────────────────────

// PublishEvent persists a new event.
func (m *Store) PublishEvent(_ context.Context, evt *event.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.events[evt.ID.String()] = evt
	return nil
}

// SubscribeEvent waits for an unacked event matching the given name.
// Poll-based: loops with 10ms sleep until an event is available or timeout.
func (m *Store) SubscribeEvent(ctx context.Context, name string, timeout time.Duration) (*event.Event, error) {
	deadline := time.Now().Add(timeout)

	for {
		// Check context cancellation.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if time.Now().After(deadline) {
			return nil, nil
		}

		m.mu.RLock()
		for _, evt := range m.events {
			if evt.Name == name && !evt.Acked {
				m.mu.RUnlock()
				return evt, nil
			}
		}
		m.mu.RUnlock()

		// Brief sleep to avoid busy-waiting.
		time.Sleep(10 * time.Millisecond)
	}
}

// AckEvent acknowledges an event, marking it as consumed.
func (m *Store) AckEvent(_ context.Context, eventID id.EventID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	evt, ok := m.events[eventID.String()]
	if !ok {
		return escrow.ErrEventNotFound
	}
	evt.Acked = true
	return nil
}
