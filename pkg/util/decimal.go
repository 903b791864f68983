// Package util holds small, pure helpers shared across the core
// components — decimal parsing at the precision §3 requires and
// wallet-pubkey validation.
package util

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// AmountScale is the fixed fractional precision used for every monetary
// and token amount in the data model (§3): 38 digits total, 12 fractional.
const AmountScale = 12

// ParseAmount parses a decimal string at the fixed scale used throughout
// the data model, rejecting negative values (threshold_* columns are
// always ≥ 0 per §3's invariants).
func ParseAmount(raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse amount %q: %w", raw, err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("parse amount %q: must be >= 0", raw)
	}
	return d.Truncate(AmountScale), nil
}

// SumAmount adds two amounts, truncated to the fixed fractional scale.
// Used to collapse duplicate token accounts for the same mint (§4.1).
func SumAmount(a, b decimal.Decimal) decimal.Decimal {
	return a.Add(b).Truncate(AmountScale)
}

// AtLeast reports whether value satisfies a ">=" threshold comparison,
// the comparison every rule variant in §4.3 performs.
func AtLeast(value, threshold decimal.Decimal) bool {
	return value.Cmp(threshold) >= 0
}
