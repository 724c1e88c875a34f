// Package board implements the job escrow state machine: creation,
// multi-party funding, the offer/accept commitment handshake, continuous
// time-proportional wage settlement, cancellation, and per-funder refund
// splitting.
//
// Every operation is a serialized atomic transition. Fund-moving steps
// require the token ledger transfer to succeed; a failed transfer aborts
// the whole operation with no partial state committed. Acceptance is the
// single point where the marketplace fee leaves the escrow: it is routed
// through the directory into the accepting worker's reward pool.
package board
