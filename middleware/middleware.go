package middleware

import (
	"context"

	"github.com/workmesh/escrow/id"
)

// Op describes one marketplace operation flowing through the chain.
type Op struct {
	// Name is the dotted operation name, e.g. "board.accept".
	Name string

	// JobID is set for job escrow operations, zero otherwise.
	JobID uint64

	// PoolID is set for reward pool operations, nil otherwise.
	PoolID id.PoolID

	// Actor is the account invoking the operation.
	Actor id.AccountID
}

// Handler is the terminal function that executes operation logic.
type Handler func(ctx context.Context) error

// Middleware wraps a Handler with cross-cutting logic.
// It receives the current context, the operation being executed, and the
// next handler to call. Middleware MUST call next to continue the chain
// (unless short-circuiting on error).
type Middleware func(ctx context.Context, op Op, next Handler) error

// Chain composes multiple middleware into a single Middleware.
// Middleware are applied right-to-left: the first middleware in the
// list is the outermost wrapper.
//
// Example: Chain(logging, recover) executes as:
//
//	logging → recover → handler
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, op Op, next Handler) error {
		// Build the chain from the end backwards.
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) error {
				return mw(ctx, op, prev)
			}
		}
		return h(ctx)
	}
}
