// Package helpers provides common utility functions used across the codebase.
package helpers

import (
	"fmt"
	"math/big"
	"strings"
)

// FormatUnits formats an amount in smallest units as a decimal string with
// exactly d fractional digits. For example, FormatUnits(1, 8) returns
// "0.00000001" and FormatUnits(100000000, 8) returns "1.00000000".
// A negative d shifts the other way: FormatUnits(12, -2) returns "1200".
func FormatUnits(amount *big.Int, decimals int) string {
	if amount == nil {
		return "0"
	}
	if amount.Sign() < 0 {
		// Amounts are non-negative by contract; format the magnitude.
		amount = new(big.Int).Neg(amount)
	}

	s := amount.String()
	if decimals == 0 {
		return s
	}
	if decimals < 0 {
		return s + strings.Repeat("0", -decimals)
	}

	// Left-pad to decimals+1 digits, then split whole.frac.
	if len(s) < decimals+1 {
		s = strings.Repeat("0", decimals+1-len(s)) + s
	}
	split := len(s) - decimals
	return s[:split] + "." + s[split:]
}

// ParseUnits parses a decimal string into smallest units. Excess fractional
// digits are truncated, missing ones are zero-filled. A negative d trims
// whole-unit digits instead: ParseUnits("12345", -2) returns 123.
func ParseUnits(s string, decimals int) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("empty amount string")
	}

	whole, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	if whole == "" {
		whole = "0"
	}

	for _, c := range whole {
		if c < '0' || c > '9' {
			return nil, fmt.Errorf("invalid character in amount %q: %c", s, c)
		}
	}
	for _, c := range frac {
		if c < '0' || c > '9' {
			return nil, fmt.Errorf("invalid character in amount %q: %c", s, c)
		}
	}

	var digits string
	if decimals >= 0 {
		for len(frac) < decimals {
			frac += "0"
		}
		digits = whole + frac[:decimals]
	} else {
		// Negative decimals drop whole-unit digits (fractional part is noise).
		if len(whole) <= -decimals {
			return big.NewInt(0), nil
		}
		digits = whole[:len(whole)+decimals]
	}

	if digits == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount: %s", s)
	}
	return amount, nil
}
