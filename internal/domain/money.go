package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// DefaultFeeRate is the trading fee charged on the notional of every fill (0.1%).
var DefaultFeeRate = decimal.New(1, -3)

// Tolerance bounds the rounding drift accepted when ledger identities are verified.
var Tolerance = decimal.New(1, -6)

var hundred = decimal.NewFromInt(100)

// ApproxEqual reports whether a and b differ by no more than Tolerance.
func ApproxEqual(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(Tolerance)
}

// ParsePositive parses a decimal string and requires it to be > 0.
func ParsePositive(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid decimal %q: %w", s, err)
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("value must be greater than 0, got %s", d)
	}
	return d, nil
}

// MinDecimal returns the smaller of a and b.
func MinDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}
