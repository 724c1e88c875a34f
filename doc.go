// Package escrow provides a decentralized job-marketplace accounting engine
// for Go. It offers escrowed, time-vested job payment with multi-funder
// refund splitting, and a snapshot-based stake-weighted reward ledger fed
// by a marketplace fee on every accepted job.
//
// Escrow is designed as a library, not a service. Import it, configure a
// store and a token ledger, and drive the job lifecycle through the board
// service.
//
// # Quick Start
//
//	m, err := escrow.New(
//	    escrow.WithStore(pgStore),
//	    escrow.WithFeeBps(1000),
//	)
//
// # Architecture
//
// Escrow follows a composable store pattern where each subsystem (job,
// reward, event) defines its own store interface. A single backend
// implements all of them.
//
// Participant, token, and pool IDs use TypeID — type-prefixed, K-sortable,
// UUIDv7-based, compile-time safe identifiers. Job IDs and snapshot IDs
// are monotonic sequences owned by their aggregate, preserving the
// ordering guarantees the settlement math depends on.
package escrow
