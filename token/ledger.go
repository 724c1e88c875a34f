// Package token defines the external fungible-token ledger boundary.
//
// Every escrow deposit, wage claim, refund, and reward routing is a
// synchronous call against a Ledger; a failed transfer aborts the caller's
// entire state transition. The package also ships an in-memory Ledger for
// tests and development.
package token

import (
	"context"

	"github.com/workmesh/escrow/id"
)

// Ledger is the fungible-token collaborator the marketplace settles
// against. Accounts are identified by TypeIDs: participant accounts,
// pool custody accounts, and the board's escrow account all live in the
// same keyspace.
type Ledger interface {
	// Transfer moves quantity of tok from the from account to the to
	// account. It fails without side effects when from holds less than
	// quantity.
	Transfer(ctx context.Context, tok id.TokenID, from, to id.AnyID, quantity uint64) error

	// TransferFrom moves quantity of tok from the owner account to the
	// to account, consuming the spender's allowance.
	TransferFrom(ctx context.Context, tok id.TokenID, spender, owner, to id.AnyID, quantity uint64) error

	// BalanceOf reports the account's balance of tok.
	BalanceOf(ctx context.Context, tok id.TokenID, account id.AnyID) (uint64, error)

	// Approve grants spender the right to move up to quantity of the
	// owner's tok via TransferFrom. A later call replaces the allowance.
	Approve(ctx context.Context, tok id.TokenID, owner, spender id.AnyID, quantity uint64) error
}
