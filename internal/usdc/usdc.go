// Package usdc converts between human-readable USDC strings and integer
// smallest units.
//
// USDC has 6 decimals: 1 USDC = 1,000,000 units. Ledger records keep
// amounts as int64 units; contract calls use uint256, so big.Int helpers
// are provided for the chain boundary.
package usdc

import (
	"errors"
	"math/big"
	"strings"
)

const Decimals = 6

// Unit is one whole USDC in smallest units.
const Unit int64 = 1_000_000

var (
	ErrInvalidAmount = errors.New("usdc: invalid amount")
	ErrOutOfRange    = errors.New("usdc: amount out of range")
)

// Parse converts a decimal string (e.g. "100.50") to smallest units
// (100500000).
//
// Rules:
//   - Negative amounts and empty strings are rejected
//   - More than 6 fractional digits are rejected rather than truncated
//   - Values that overflow int64 are rejected
func Parse(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return 0, ErrInvalidAmount
	}

	whole, frac, found := strings.Cut(s, ".")
	if strings.Contains(frac, ".") {
		return 0, ErrInvalidAmount
	}
	if whole == "" {
		whole = "0"
	}
	if found && frac == "" {
		return 0, ErrInvalidAmount
	}
	if len(frac) > Decimals {
		return 0, ErrInvalidAmount
	}
	frac += strings.Repeat("0", Decimals-len(frac))

	n, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return 0, ErrInvalidAmount
	}
	if !n.IsInt64() {
		return 0, ErrOutOfRange
	}
	return n.Int64(), nil
}

// Format renders smallest units with exactly 6 decimals (e.g. "1.500000").
func Format(units int64) string {
	return FormatBig(big.NewInt(units))
}

// FormatBig is Format for uint256 values read from chain.
func FormatBig(amount *big.Int) string {
	if amount == nil {
		return "0.000000"
	}
	neg := amount.Sign() < 0
	s := new(big.Int).Abs(amount).String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	point := len(s) - Decimals
	out := s[:point] + "." + s[point:]
	if neg {
		out = "-" + out
	}
	return out
}

// FormatCents renders units with two decimals, truncating sub-cent digits
// ("50.00"). For display only.
func FormatCents(units int64) string {
	full := Format(units)
	return full[:len(full)-(Decimals-2)]
}

// ToBig converts units to a big.Int for ABI encoding.
func ToBig(units int64) *big.Int {
	return big.NewInt(units)
}

// FromBig converts a uint256 value to units, rejecting values that do not
// fit a non-negative int64.
func FromBig(v *big.Int) (int64, error) {
	if v == nil {
		return 0, nil
	}
	if v.Sign() < 0 || !v.IsInt64() {
		return 0, ErrOutOfRange
	}
	return v.Int64(), nil
}
