// Package reward implements the snapshot-based stake-weighted reward
// ledger. Each (recipient, backing-token) pair owns a Pool with a
// monotonically increasing snapshot counter. Backers mint and burn
// internal backing balances through Stake/Unstake — positions are
// accounting artifacts, deliberately not transferable. Every Deposit
// takes a snapshot, and a backer's share of snapshot S is
//
//	quantity[S] * balanceAt(backer, S) / supplyAt(S)
//
// computed retroactively from append-only balance-change logs via binary
// search, so balance changes after a deposit never distort that deposit's
// split.
package reward
