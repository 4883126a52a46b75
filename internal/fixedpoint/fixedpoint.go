// Package fixedpoint provides 8-decimal fixed-point amount arithmetic over
// big.Int, avoiding the floating-point drift that a naive
// price*quantity + nonce/1e8 computation would accumulate.
package fixedpoint

import (
	"math/big"
	"strings"
)

// Decimals is the number of fractional digits the ledger's base unit
// represents (spec.md §3: "fixed-point decimal with 8 fractional digits").
const Decimals = 8

// unit is 10^8, the number of base units per whole unit.
var unit = new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil)

// Parse converts a decimal string (e.g. "1.50") to its smallest-unit
// big.Int representation. Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to Decimals places
func Parse(s string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}

	if strings.HasPrefix(s, "-") {
		return nil, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	if whole == "" {
		whole = "0"
	}
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}

	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	combined := whole + frac
	result, ok := new(big.Int).SetString(combined, 10)
	return result, ok
}

// Format converts a smallest-unit big.Int to a canonical decimal string with
// exactly Decimals fractional digits (e.g. "1.50000000"). The output is the
// exact text used as the pending-index key and the store's amount_due
// column, so two equal amounts always format identically.
func Format(amount *big.Int) string {
	if amount == nil {
		return zeroString()
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	s := abs.String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	decimal := len(s) - Decimals
	result := s[:decimal] + "." + s[decimal:]
	if neg {
		result = "-" + result
	}
	return result
}

func zeroString() string {
	return "0." + strings.Repeat("0", Decimals)
}

// Unit returns 10^Decimals as a fresh big.Int (one whole unit in base units).
func Unit() *big.Int {
	return new(big.Int).Set(unit)
}

// PerturbationStep returns the smallest representable base-unit increment,
// 10^-Decimals, used as the per-session correlation perturbation.
func PerturbationStep() *big.Int {
	return big.NewInt(1)
}
