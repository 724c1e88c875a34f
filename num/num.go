// Package num provides overflow-safe integer arithmetic for settlement
// math. Every wage, fee, refund, and reward-share computation in the
// module goes through MulDiv so intermediate products never truncate.
package num

import (
	"errors"
	"math/bits"
)

var (
	// ErrDivideByZero is returned when the divisor is zero.
	ErrDivideByZero = errors.New("num: divide by zero")

	// ErrOverflow is returned when a result does not fit in uint64.
	ErrOverflow = errors.New("num: result overflows uint64")
)

// MulDiv returns floor(x*y/d) computed with 128-bit intermediate
// precision, so x*y may exceed uint64 as long as the quotient fits.
func MulDiv(x, y, d uint64) (uint64, error) {
	if d == 0 {
		return 0, ErrDivideByZero
	}

	hi, lo := bits.Mul64(x, y)
	if hi >= d {
		return 0, ErrOverflow
	}

	q, _ := bits.Div64(hi, lo, d)
	return q, nil
}

// Add returns x+y, failing on wrap-around.
func Add(x, y uint64) (uint64, error) {
	sum, carry := bits.Add64(x, y, 0)
	if carry != 0 {
		return 0, ErrOverflow
	}
	return sum, nil
}

// Sub returns x-y, failing when y exceeds x.
func Sub(x, y uint64) (uint64, error) {
	diff, borrow := bits.Sub64(x, y, 0)
	if borrow != 0 {
		return 0, ErrOverflow
	}
	return diff, nil
}
