// Package engine wires all marketplace subsystems together: the job
// escrow board, the reward ledger, the participant directory, the event
// bus, the query layer, and the invariant auditor.
//
// The engine package exists to break a fundamental import cycle: the root
// escrow package defines Entity and Config (imported by job, reward,
// event, etc.) and therefore cannot import those packages back. Engine
// sits above all subsystem packages and below the application layer.
//
// # Building an Engine
//
//	m, err := escrow.New(
//	    escrow.WithStore(pgStore),
//	    escrow.WithFeeBps(1_000),
//	)
//
//	eng, err := engine.Build(m,
//	    engine.WithTokenLedger(tokens),
//	    engine.WithMiddleware(myMiddleware),
//	)
//
//	job, err := eng.Board().Create(ctx, funder, "title", "", tok, 1_000, time.Hour)
//
// # Options
//
//   - [WithTokenLedger] — set the external token ledger (required)
//   - [WithMiddleware] — add a middleware to the operation chain
//   - [WithEscrowAccount] — pin the board's custody account
//   - [WithTracerProvider] — set the OpenTelemetry tracer provider
//   - [WithMeterProvider] — set the OpenTelemetry meter provider
package engine
