// Package safeint implements overflow-checked signed 64-bit arithmetic.
//
// Every offset computation inside the abstract domains goes through here.
// Per spec, an overflow in offset arithmetic is a programming error in the
// caller's size metadata, not a recoverable condition: it aborts analysis.
package safeint

import (
	"errors"
	"fmt"
	"math"
)

// ErrOverflow is wrapped into every overflow-triggered error returned here.
var ErrOverflow = errors.New("integer overflow")

// Add returns a+b, or ErrOverflow if the sum does not fit in an int64.
func Add(a, b int64) (int64, error) {
	r := a + b
	if (b > 0 && r < a) || (b < 0 && r > a) {
		return 0, fmt.Errorf("%w: %d + %d", ErrOverflow, a, b)
	}
	return r, nil
}

// Sub returns a-b, or ErrOverflow if the difference does not fit in an int64.
func Sub(a, b int64) (int64, error) {
	r := a - b
	if (b < 0 && r < a) || (b > 0 && r > a) {
		return 0, fmt.Errorf("%w: %d - %d", ErrOverflow, a, b)
	}
	return r, nil
}

// Mul returns a*b, or ErrOverflow if the product does not fit in an int64.
func Mul(a, b int64) (int64, error) {
	if a == 0 || b == 0 {
		return 0, nil
	}
	r := a * b
	if r/b != a || (a == -1 && b == math.MinInt64) || (b == -1 && a == math.MinInt64) {
		return 0, fmt.Errorf("%w: %d * %d", ErrOverflow, a, b)
	}
	return r, nil
}

// Div returns a/b, or ErrOverflow on overflow (MinInt64 / -1) or division by zero.
func Div(a, b int64) (int64, error) {
	if b == 0 {
		return 0, fmt.Errorf("%w: division by zero (%d / 0)", ErrOverflow, a)
	}
	if a == math.MinInt64 && b == -1 {
		return 0, fmt.Errorf("%w: %d / %d", ErrOverflow, a, b)
	}
	return a / b, nil
}

// MustAdd panics on overflow. Used where the caller has already established
// the operands cannot overflow (e.g. adding a small literal width), so a
// panic indicates a logic bug in the analyzer itself, not bad program input.
func MustAdd(a, b int64) int64 {
	r, err := Add(a, b)
	if err != nil {
		panic(err)
	}
	return r
}
