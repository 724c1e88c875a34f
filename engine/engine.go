package engine

import (
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/workmesh/escrow"
	"github.com/workmesh/escrow/audit"
	"github.com/workmesh/escrow/board"
	"github.com/workmesh/escrow/directory"
	"github.com/workmesh/escrow/event"
	"github.com/workmesh/escrow/id"
	"github.com/workmesh/escrow/job"
	mw "github.com/workmesh/escrow/middleware"
	"github.com/workmesh/escrow/query"
	"github.com/workmesh/escrow/reward"
	"github.com/workmesh/escrow/stream"
	"github.com/workmesh/escrow/token"
)

// Engine wraps a Marketplace with fully wired subsystem services.
// Use Build() to create one.
type Engine struct {
	m      *escrow.Marketplace
	board  *board.Board
	ledger *reward.Ledger
	dir    *directory.Directory
	query  *query.Service
	bus    *event.Bus
	audit  *audit.Auditor
	tokens token.Ledger
	logger *slog.Logger

	broker     *stream.Broker
	brokerOpts []stream.BrokerOption
	withBroker bool

	mws           []mw.Middleware
	escrowAccount id.AccountID

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithTokenLedger sets the external fungible-token ledger the escrow and
// reward subsystems settle against. Required.
func WithTokenLedger(l token.Ledger) Option {
	return func(eng *Engine) {
		eng.tokens = l
	}
}

// WithMiddleware appends middleware to the engine's operation chain,
// after the default stack.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) {
		eng.mws = append(eng.mws, m)
	}
}

// WithEscrowAccount pins the board's escrow custody account. If not set,
// a fresh account is generated at build time.
func WithEscrowAccount(account id.AccountID) Option {
	return func(eng *Engine) {
		eng.escrowAccount = account
	}
}

// WithStreamBroker enables the real-time stream broker. The broker is
// attached to the event bus at build time and fans every marketplace
// event out to topic subscribers (used by the wire server).
func WithStreamBroker(opts ...stream.BrokerOption) Option {
	return func(eng *Engine) {
		eng.withBroker = true
		eng.brokerOpts = opts
	}
}

// WithTracerProvider sets a custom OTel TracerProvider for the engine.
// When set, the tracing middleware uses this provider instead of the global one.
// If not set, the global otel.GetTracerProvider() is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) {
		eng.tracerProvider = tp
	}
}

// WithMeterProvider sets a custom OTel MeterProvider for the engine.
// When set, the metrics middleware uses this provider instead of the global one.
// If not set, the global otel.GetMeterProvider() is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) {
		eng.meterProvider = mp
	}
}

// Build creates an Engine from an existing Marketplace.
// The Marketplace's store must implement job.Store, reward.Store, and
// event.Store; a token ledger must be supplied with WithTokenLedger.
func Build(m *escrow.Marketplace, opts ...Option) (*Engine, error) {
	logger := m.Logger()
	store := m.Store()

	if store == nil {
		return nil, escrow.ErrNoStore
	}

	// Type-assert the store to get the subsystem interfaces.
	js, ok := store.(job.Store)
	if !ok {
		return nil, fmt.Errorf("escrow: store does not implement job.Store")
	}
	rs, ok := store.(reward.Store)
	if !ok {
		return nil, fmt.Errorf("escrow: store does not implement reward.Store")
	}
	es, ok := store.(event.Store)
	if !ok {
		return nil, fmt.Errorf("escrow: store does not implement event.Store")
	}

	eng := &Engine{
		m:      m,
		logger: logger,
	}
	for _, opt := range opts {
		opt(eng)
	}
	if eng.tokens == nil {
		return nil, escrow.ErrNoTokenLedger
	}

	config := m.Config()
	eng.bus = event.NewBus(es)

	if eng.withBroker {
		eng.broker = stream.NewBroker(logger, eng.brokerOpts...)
		eng.broker.Attach(eng.bus)
	}

	// Build tracing middleware (custom provider or global).
	var tracingMw mw.Middleware
	if eng.tracerProvider != nil {
		tracer := eng.tracerProvider.Tracer("github.com/workmesh/escrow")
		tracingMw = mw.TracingWithTracer(tracer)
	} else {
		tracingMw = mw.Tracing()
	}

	// Build metrics middleware (custom provider or global).
	var metricsMw mw.Middleware
	if eng.meterProvider != nil {
		meter := eng.meterProvider.Meter("github.com/workmesh/escrow")
		metricsMw = mw.MetricsWithMeter(meter)
	} else {
		metricsMw = mw.Metrics()
	}

	// Default middleware stack: recover → tracing → metrics → logging.
	allMws := []mw.Middleware{
		mw.Recover(logger),
		tracingMw,
		metricsMw,
		mw.Logging(logger),
	}
	allMws = append(allMws, eng.mws...)
	chain := mw.Chain(allMws...)

	eng.ledger = reward.NewLedger(rs, eng.tokens,
		reward.WithLogger(logger),
		reward.WithBus(eng.bus),
		reward.WithZeroSupplyPolicy(config.ZeroSupply),
	)
	eng.dir = directory.New(eng.ledger,
		directory.WithLogger(logger),
		directory.WithClock(m.Clock()),
	)

	boardOpts := []board.Option{
		board.WithLogger(logger),
		board.WithBus(eng.bus),
		board.WithClock(m.Clock()),
		board.WithChain(chain),
	}
	if !eng.escrowAccount.IsNil() {
		boardOpts = append(boardOpts, board.WithEscrowAccount(eng.escrowAccount))
	}
	eng.board = board.New(js, eng.tokens, eng.dir, config, boardOpts...)

	eng.query = query.NewService(js, rs,
		query.WithLogger(logger),
		query.WithClock(m.Clock()),
	)

	auditor, err := audit.New(js, rs, config.AuditSchedule,
		audit.WithLogger(logger),
		audit.WithBus(eng.bus),
		audit.WithClock(m.Clock()),
		audit.WithCustody(eng.tokens, eng.board.EscrowAccount(), config.FeeBps),
	)
	if err != nil {
		return nil, err
	}
	eng.audit = auditor
	m.SetAuditor(auditor)

	return eng, nil
}

// Board returns the job escrow service.
func (eng *Engine) Board() *board.Board { return eng.board }

// Ledger returns the reward-distribution ledger.
func (eng *Engine) Ledger() *reward.Ledger { return eng.ledger }

// Directory returns the participant directory.
func (eng *Engine) Directory() *directory.Directory { return eng.dir }

// Query returns the read-aggregation service.
func (eng *Engine) Query() *query.Service { return eng.query }

// EventBus returns the event bus.
func (eng *Engine) EventBus() *event.Bus { return eng.bus }

// StreamBroker returns the stream broker, or nil when not enabled.
func (eng *Engine) StreamBroker() *stream.Broker { return eng.broker }

// Auditor returns the invariant auditor.
func (eng *Engine) Auditor() *audit.Auditor { return eng.audit }

// Tokens returns the external token ledger.
func (eng *Engine) Tokens() token.Ledger { return eng.tokens }

// Marketplace returns the underlying Marketplace.
func (eng *Engine) Marketplace() *escrow.Marketplace { return eng.m }
