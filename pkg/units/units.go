// Package units converts between human-readable decimal amounts and raw
// integer amounts scaled by a token's decimals.
package units

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// ParseUnits parses s (e.g. "1.5") into raw units at the given decimals.
// Negative values, values finer than one raw unit, and values that do not
// fit uint256 are rejected.
func ParseUnits(s string, decimals uint8) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("negative amount %q", s)
	}
	shifted := d.Shift(int32(decimals))
	if !shifted.IsInteger() {
		return nil, fmt.Errorf("amount %q has more than %d decimal places", s, decimals)
	}
	v := shifted.BigInt()
	if v.BitLen() > 256 {
		return nil, fmt.Errorf("amount %q overflows uint256", s)
	}
	return v, nil
}

// FormatUnits renders raw units as a decimal string without trailing zeros.
func FormatUnits(v *big.Int, decimals uint8) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -int32(decimals)).String()
}

// Scale returns 10^decimals.
func Scale(decimals uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
}
