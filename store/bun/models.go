package bunstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/workmesh/escrow"
	"github.com/workmesh/escrow/event"
	"github.com/workmesh/escrow/id"
	"github.com/workmesh/escrow/job"
	"github.com/workmesh/escrow/reward"
)

// ── Job model ─────────────────────────────────────────────────────

type jobModel struct {
	bun.BaseModel `bun:"table:escrow_jobs"`

	ID            int64      `bun:"id,pk"`
	Title         string     `bun:"title,notnull"`
	Description   string     `bun:"description,notnull,default:''"`
	Manager       string     `bun:"manager,notnull"`
	Token         string     `bun:"token,notnull"`
	Quantity      int64      `bun:"quantity,notnull,default:0"`
	Duration      int64      `bun:"duration,notnull"`
	StartedAt     *time.Time `bun:"started_at"`
	Worker        string     `bun:"worker,notnull,default:''"`
	Offer         []byte     `bun:"offer,type:jsonb,nullzero"`
	TimePaid      int64      `bun:"time_paid,notnull,default:0"`
	TimeRefunded  int64      `bun:"time_refunded,notnull,default:0"`
	Contributions []byte     `bun:"contributions,type:jsonb,notnull"`
	Applications  []byte     `bun:"applications,type:jsonb,notnull"`
	Refunded      []byte     `bun:"refunded,type:jsonb,notnull"`
	CreatedAt     time.Time  `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt     time.Time  `bun:"updated_at,notnull,default:current_timestamp"`
}

func toJobModel(j *job.Job) (*jobModel, error) {
	m := &jobModel{
		ID:           int64(j.ID),
		Title:        j.Title,
		Description:  j.Description,
		Manager:      j.Manager.String(),
		Token:        j.Token.String(),
		Quantity:     int64(j.Quantity),
		Duration:     j.Duration.Nanoseconds(),
		StartedAt:    j.StartedAt,
		Worker:       j.Worker.String(),
		TimePaid:     j.TimePaid.Nanoseconds(),
		TimeRefunded: j.TimeRefunded.Nanoseconds(),
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
	}

	var err error
	if j.Offer != nil {
		m.Offer, err = json.Marshal(j.Offer)
		if err != nil {
			return nil, fmt.Errorf("escrow/bun: marshal offer: %w", err)
		}
	}
	m.Contributions, err = json.Marshal(j.Contributions)
	if err != nil {
		return nil, fmt.Errorf("escrow/bun: marshal contributions: %w", err)
	}
	m.Applications, err = json.Marshal(j.Applications)
	if err != nil {
		return nil, fmt.Errorf("escrow/bun: marshal applications: %w", err)
	}
	m.Refunded, err = json.Marshal(j.Refunded)
	if err != nil {
		return nil, fmt.Errorf("escrow/bun: marshal refunded: %w", err)
	}

	return m, nil
}

func fromJobModel(m *jobModel) (*job.Job, error) {
	manager, err := id.ParseAccountID(m.Manager)
	if err != nil {
		return nil, fmt.Errorf("escrow/bun: parse manager %q: %w", m.Manager, err)
	}
	token, err := id.ParseTokenID(m.Token)
	if err != nil {
		return nil, fmt.Errorf("escrow/bun: parse token %q: %w", m.Token, err)
	}

	j := &job.Job{
		Entity: escrow.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:           uint64(m.ID),
		Title:        m.Title,
		Description:  m.Description,
		Manager:      manager,
		Token:        token,
		Quantity:     uint64(m.Quantity),
		Duration:     time.Duration(m.Duration),
		StartedAt:    m.StartedAt,
		TimePaid:     time.Duration(m.TimePaid),
		TimeRefunded: time.Duration(m.TimeRefunded),
	}

	if m.Worker != "" {
		worker, wErr := id.ParseAccountID(m.Worker)
		if wErr != nil {
			return nil, fmt.Errorf("escrow/bun: parse worker %q: %w", m.Worker, wErr)
		}
		j.Worker = worker
	}

	if len(m.Offer) > 0 {
		var o job.Offer
		if err := json.Unmarshal(m.Offer, &o); err != nil {
			return nil, fmt.Errorf("escrow/bun: unmarshal offer: %w", err)
		}
		j.Offer = &o
	}
	if err := json.Unmarshal(m.Contributions, &j.Contributions); err != nil {
		return nil, fmt.Errorf("escrow/bun: unmarshal contributions: %w", err)
	}
	if err := json.Unmarshal(m.Applications, &j.Applications); err != nil {
		return nil, fmt.Errorf("escrow/bun: unmarshal applications: %w", err)
	}
	if err := json.Unmarshal(m.Refunded, &j.Refunded); err != nil {
		return nil, fmt.Errorf("escrow/bun: unmarshal refunded: %w", err)
	}

	return j, nil
}

// ── Pool model ────────────────────────────────────────────────────

type poolModel struct {
	bun.BaseModel `bun:"table:escrow_pools"`

	ID          string    `bun:"id,pk"`
	Recipient   string    `bun:"recipient,notnull"`
	StakeToken  string    `bun:"stake_token,notnull"`
	Snapshots   int64     `bun:"snapshots,notnull,default:0"`
	TotalStaked int64     `bun:"total_staked,notnull,default:0"`
	Carry       []byte    `bun:"carry,type:jsonb,nullzero"`
	CreatedAt   time.Time `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt   time.Time `bun:"updated_at,notnull,default:current_timestamp"`
}

func toPoolModel(p *reward.Pool) (*poolModel, error) {
	m := &poolModel{
		ID:          p.ID.String(),
		Recipient:   p.Recipient.String(),
		StakeToken:  p.StakeToken.String(),
		Snapshots:   int64(p.Snapshots),
		TotalStaked: int64(p.TotalStaked),
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}

	if len(p.Carry) > 0 {
		carry, err := json.Marshal(p.Carry)
		if err != nil {
			return nil, fmt.Errorf("escrow/bun: marshal carry: %w", err)
		}
		m.Carry = carry
	}

	return m, nil
}

func fromPoolModel(m *poolModel) (*reward.Pool, error) {
	poolID, err := id.ParsePoolID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("escrow/bun: parse pool id %q: %w", m.ID, err)
	}
	recipient, err := id.ParseAccountID(m.Recipient)
	if err != nil {
		return nil, fmt.Errorf("escrow/bun: parse recipient %q: %w", m.Recipient, err)
	}
	stakeToken, err := id.ParseTokenID(m.StakeToken)
	if err != nil {
		return nil, fmt.Errorf("escrow/bun: parse stake token %q: %w", m.StakeToken, err)
	}

	p := &reward.Pool{
		Entity: escrow.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:          poolID,
		Recipient:   recipient,
		StakeToken:  stakeToken,
		Snapshots:   uint64(m.Snapshots),
		TotalStaked: uint64(m.TotalStaked),
	}

	if len(m.Carry) > 0 {
		if err := json.Unmarshal(m.Carry, &p.Carry); err != nil {
			return nil, fmt.Errorf("escrow/bun: unmarshal carry: %w", err)
		}
	}

	return p, nil
}

// ── Checkpoint model ──────────────────────────────────────────────

type checkpointModel struct {
	bun.BaseModel `bun:"table:escrow_checkpoints"`

	Seq        int64  `bun:"seq,pk,autoincrement"`
	PoolID     string `bun:"pool_id,notnull"`
	Account    string `bun:"account,notnull,default:''"`
	SnapshotID int64  `bun:"snapshot_id,notnull"`
	Balance    int64  `bun:"balance,notnull"`
}

// ── Snapshot model ────────────────────────────────────────────────

type snapshotModel struct {
	bun.BaseModel `bun:"table:escrow_snapshots"`

	PoolID      string    `bun:"pool_id,pk"`
	ID          int64     `bun:"id,pk"`
	RewardToken string    `bun:"reward_token,notnull"`
	Quantity    int64     `bun:"quantity,notnull"`
	CreatedAt   time.Time `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt   time.Time `bun:"updated_at,notnull,default:current_timestamp"`
}

func fromSnapshotModel(m *snapshotModel) (*reward.Snapshot, error) {
	poolID, err := id.ParsePoolID(m.PoolID)
	if err != nil {
		return nil, fmt.Errorf("escrow/bun: parse pool id %q: %w", m.PoolID, err)
	}
	rewardToken, err := id.ParseTokenID(m.RewardToken)
	if err != nil {
		return nil, fmt.Errorf("escrow/bun: parse reward token %q: %w", m.RewardToken, err)
	}

	return &reward.Snapshot{
		Entity: escrow.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		PoolID:      poolID,
		ID:          uint64(m.ID),
		RewardToken: rewardToken,
		Quantity:    uint64(m.Quantity),
	}, nil
}

// ── Claim model ───────────────────────────────────────────────────

type claimModel struct {
	bun.BaseModel `bun:"table:escrow_claims"`

	PoolID     string    `bun:"pool_id,pk"`
	Backer     string    `bun:"backer,pk"`
	SnapshotID int64     `bun:"snapshot_id,pk"`
	ClaimedAt  time.Time `bun:"claimed_at,notnull,default:current_timestamp"`
}

// ── Event model ───────────────────────────────────────────────────

type eventModel struct {
	bun.BaseModel `bun:"table:escrow_events"`

	ID        string    `bun:"id,pk"`
	Name      string    `bun:"name,notnull"`
	JobID     int64     `bun:"job_id,notnull,default:0"`
	PoolID    string    `bun:"pool_id,notnull,default:''"`
	Actor     string    `bun:"actor,notnull,default:''"`
	Payload   []byte    `bun:"payload,type:bytea"`
	Acked     bool      `bun:"acked,notnull,default:false"`
	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
}

func toEventModel(evt *event.Event) *eventModel {
	return &eventModel{
		ID:        evt.ID.String(),
		Name:      evt.Name,
		JobID:     int64(evt.JobID),
		PoolID:    evt.PoolID.String(),
		Actor:     evt.Actor.String(),
		Payload:   evt.Payload,
		Acked:     evt.Acked,
		CreatedAt: evt.CreatedAt,
	}
}

func fromEventModel(m *eventModel) (*event.Event, error) {
	eventID, err := id.ParseEventID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("escrow/bun: parse event id %q: %w", m.ID, err)
	}

	evt := &event.Event{
		ID:        eventID,
		Name:      m.Name,
		JobID:     uint64(m.JobID),
		Payload:   m.Payload,
		Acked:     m.Acked,
		CreatedAt: m.CreatedAt,
	}

	if m.PoolID != "" {
		evt.PoolID, err = id.ParsePoolID(m.PoolID)
		if err != nil {
			return nil, fmt.Errorf("escrow/bun: parse pool id %q: %w", m.PoolID, err)
		}
	}
	if m.Actor != "" {
		evt.Actor, err = id.ParseAccountID(m.Actor)
		if err != nil {
			return nil, fmt.Errorf("escrow/bun: parse actor %q: %w", m.Actor, err)
		}
	}

	return evt, nil
}
