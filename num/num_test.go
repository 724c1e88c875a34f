package num_test

import (
	"errors"
	"math"
	"testing"

	"github.com/workmesh/escrow/num"
)

func TestMulDiv(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		x, y, d uint64
		want    uint64
		wantErr error
	}{
		{"exact", 1600, 500, 1000, 800, nil},
		{"floor", 10, 1, 3, 3, nil},
		{"zero numerator", 0, 12345, 7, 0, nil},
		{"identity", math.MaxUint64, 1, 1, math.MaxUint64, nil},
		{"wide intermediate", math.MaxUint64, 1000, 100_000, math.MaxUint64 / 100, nil},
		{"divide by zero", 1, 1, 0, 0, num.ErrDivideByZero},
		{"quotient overflow", math.MaxUint64, 2, 1, 0, num.ErrOverflow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := num.MulDiv(tt.x, tt.y, tt.d)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Errorf("MulDiv(%d, %d, %d) = %d, want %d", tt.x, tt.y, tt.d, got, tt.want)
			}
		})
	}
}

func TestMulDivWageScenario(t *testing.T) {
	t.Parallel()

	// Half duration worked on a 1600-quantity job at a 90% worker rate:
	// 500 * (9000 * 1600 / 10000) / 1000 = 720.
	vesting, err := num.MulDiv(1600, 9000, 10000)
	if err != nil {
		t.Fatal(err)
	}
	wage, err := num.MulDiv(vesting, 500, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if wage != 720 {
		t.Errorf("wage = %d, want 720", wage)
	}
}

func TestAdd(t *testing.T) {
	t.Parallel()

	if got, err := num.Add(40, 2); err != nil || got != 42 {
		t.Errorf("Add(40, 2) = %d, %v", got, err)
	}
	if _, err := num.Add(math.MaxUint64, 1); !errors.Is(err, num.ErrOverflow) {
		t.Errorf("expected overflow, got %v", err)
	}
}

func TestSub(t *testing.T) {
	t.Parallel()

	if got, err := num.Sub(42, 2); err != nil || got != 40 {
		t.Errorf("Sub(42, 2) = %d, %v", got, err)
	}
	if _, err := num.Sub(1, 2); !errors.Is(err, num.ErrOverflow) {
		t.Errorf("expected underflow error, got %v", err)
	}
}
