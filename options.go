package escrow

import (
	"context"
	"log/slog"
	"time"
)

// Option configures a Marketplace.
type Option func(*Marketplace) error

// Storer is the minimal store interface held by the Marketplace.
// It covers lifecycle operations only. The full composite interface
// (store.Store) is used in subsystem layers that don't create import
// cycles. Implementations satisfy store.Store which embeds all
// subsystem stores.
type Storer interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// auditRunner is an internal interface for the invariant auditor lifecycle.
type auditRunner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Marketplace is the central coordinator for the job escrow and reward
// subsystems. It holds shared configuration, the store, the logger, and
// the clock every settlement computation reads from.
//
// Create one with New() and functional options, then use engine.Build
// to wire the board, reward ledger, directory, and auditor on top.
type Marketplace struct {
	config  Config
	logger  *slog.Logger
	store   Storer
	now     func() time.Time
	auditor auditRunner

	// started tracks whether Start has been called.
	started bool
}

// New creates a new Marketplace with the given options.
func New(opts ...Option) (*Marketplace, error) {
	m := &Marketplace{
		config: DefaultConfig(),
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	if err := m.config.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Logger returns the marketplace's logger.
func (m *Marketplace) Logger() *slog.Logger { return m.logger }

// Store returns the marketplace's store.
func (m *Marketplace) Store() Storer { return m.store }

// Config returns a copy of the marketplace's configuration.
func (m *Marketplace) Config() Config { return m.config }

// Now returns the marketplace's current time. Settlement math must read
// the clock through this so tests can pin it.
func (m *Marketplace) Now() time.Time { return m.now() }

// Clock returns the clock function itself for subsystems that hold one.
func (m *Marketplace) Clock() func() time.Time { return m.now }

// SetAuditor sets the invariant auditor (called by the engine package).
func (m *Marketplace) SetAuditor(a auditRunner) { m.auditor = a }

// Start begins background processing (the invariant auditor).
func (m *Marketplace) Start(ctx context.Context) error {
	if m.store == nil {
		return ErrNoStore
	}
	if m.auditor != nil {
		if err := m.auditor.Start(ctx); err != nil {
			return err
		}
	}
	m.started = true
	return nil
}

// Stop gracefully shuts down the marketplace.
func (m *Marketplace) Stop(ctx context.Context) error {
	if m.auditor != nil && m.started {
		if err := m.auditor.Stop(ctx); err != nil {
			m.logger.Error("auditor stop error", "error", err)
		}
	}
	if m.store != nil {
		return m.store.Close()
	}
	return nil
}

// WithConfig replaces the entire configuration.
func WithConfig(c Config) Option {
	return func(m *Marketplace) error {
		m.config = c
		return nil
	}
}

// WithFeeBps sets the marketplace fee in basis points.
func WithFeeBps(bps uint32) Option {
	return func(m *Marketplace) error {
		m.config.FeeBps = bps
		return nil
	}
}

// WithZeroSupplyPolicy sets the zero-backing-supply deposit policy.
func WithZeroSupplyPolicy(p ZeroSupplyPolicy) Option {
	return func(m *Marketplace) error {
		m.config.ZeroSupply = p
		return nil
	}
}

// WithAuditSchedule sets the cron schedule for the invariant auditor.
func WithAuditSchedule(expr string) Option {
	return func(m *Marketplace) error {
		m.config.AuditSchedule = expr
		return nil
	}
}

// WithLogger sets the structured logger for the marketplace.
func WithLogger(l *slog.Logger) Option {
	return func(m *Marketplace) error {
		m.logger = l
		return nil
	}
}

// WithStore sets the persistence backend for the marketplace.
// The store must implement Storer at minimum; typically it will be a
// store.Store which embeds all subsystem store interfaces.
func WithStore(s Storer) Option {
	return func(m *Marketplace) error {
		m.store = s
		return nil
	}
}

// WithClock overrides the marketplace clock. Intended for tests that
// need deterministic vesting arithmetic.
func WithClock(now func() time.Time) Option {
	return func(m *Marketplace) error {
		m.now = now
		return nil
	}
}
