package middleware

import (
	"context"
	"time"
)

// Timeout returns middleware that enforces a per-operation deadline.
// A non-positive duration disables the middleware. When the deadline is
// exceeded the context is cancelled and the handler should return
// context.DeadlineExceeded. Settlement operations are short synchronous
// transactions; this mainly bounds slow store backends.
func Timeout(d time.Duration) Middleware {
	return func(ctx context.Context, op Op, next Handler) error {
		if d > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
		return next(ctx)
	}
}
