// Package directory resolves marketplace participants to their reward
// pools and performs the fee hand-off from the job escrow into the
// reward ledger. It also keeps lightweight participant profiles.
package directory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/workmesh/escrow/id"
	"github.com/workmesh/escrow/reward"
)

// Profile is optional display metadata for a registered participant.
type Profile struct {
	Account      id.AccountID `json:"account"`
	DisplayName  string       `json:"display_name,omitempty"`
	Bio          string       `json:"bio,omitempty"`
	RegisteredAt time.Time    `json:"registered_at"`
}

// Directory maps participants to their reward pools. Pools are created
// lazily on first interaction, so any marketplace call that touches a
// recipient implicitly registers it.
type Directory struct {
	mu       sync.RWMutex
	profiles map[string]*Profile

	ledger *reward.Ledger
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Directory.
type Option func(*Directory)

// WithLogger sets the structured logger for the directory.
func WithLogger(l *slog.Logger) Option {
	return func(d *Directory) { d.logger = l }
}

// WithClock overrides the registration clock. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Directory) { d.now = now }
}

// New creates a Directory over the given reward ledger.
func New(ledger *reward.Ledger, opts ...Option) *Directory {
	d := &Directory{
		profiles: make(map[string]*Profile),
		ledger:   ledger,
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register records or updates the participant's profile metadata.
func (d *Directory) Register(_ context.Context, account id.AccountID, displayName, bio string) *Profile {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.profiles[account.String()]
	if !ok {
		p = &Profile{Account: account, RegisteredAt: d.now()}
		d.profiles[account.String()] = p
	}
	p.DisplayName = displayName
	p.Bio = bio
	return p
}

// AutoRegister ensures a bare profile exists for the participant. It is
// idempotent: repeated calls leave an existing profile untouched.
func (d *Directory) AutoRegister(_ context.Context, account id.AccountID) *Profile {
	d.mu.Lock()
	defer d.mu.Unlock()

	if p, ok := d.profiles[account.String()]; ok {
		return p
	}
	p := &Profile{Account: account, RegisteredAt: d.now()}
	d.profiles[account.String()] = p

	d.logger.Debug("participant auto-registered", slog.String("account", account.String()))
	return p
}

// Lookup returns the participant's profile, or nil when unregistered.
func (d *Directory) Lookup(_ context.Context, account id.AccountID) *Profile {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.profiles[account.String()]
}

// ResolvePool returns the recipient's reward pool for the stake token,
// creating it lazily on first interaction.
func (d *Directory) ResolvePool(ctx context.Context, recipient id.AccountID, stakeToken id.TokenID) (*reward.Pool, error) {
	d.AutoRegister(ctx, recipient)
	return d.ledger.Resolve(ctx, recipient, stakeToken)
}

// RouteReward pulls quantity of rewardToken from the from account and
// forwards it into the recipient's pool as a reward deposit. It returns
// the snapshot ID the deposit was recorded at, zero when the deposit was
// carried forward. This is the call chain the escrow's accept transition
// drives; any failure aborts the caller's whole transition.
func (d *Directory) RouteReward(ctx context.Context, recipient id.AccountID, stakeToken, rewardToken id.TokenID, quantity uint64, from id.AnyID) (uint64, error) {
	d.AutoRegister(ctx, recipient)

	snapID, err := d.ledger.Deposit(ctx, recipient, stakeToken, rewardToken, quantity, from)
	if err != nil {
		return 0, err
	}

	d.logger.Debug("reward routed",
		slog.String("recipient", recipient.String()),
		slog.Uint64("quantity", quantity),
		slog.Uint64("snapshot_id", snapID),
	)
	return snapID, nil
}
