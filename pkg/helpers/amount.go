// Package helpers provides common utility functions used across the codebase.
package helpers

import (
	"fmt"
	"math/big"
)

// CentsDecimals is the number of fractional digits a money amount carries
// when formatted as a decimal string. All monetary fields in the store are
// fixed-point integer cents; this is the only scale the core uses.
const CentsDecimals = 2

// FormatAmount formats an integer amount in smallest units as a decimal
// string. FormatAmount(2160, 2) returns "21.60".
func FormatAmount(amount int64, decimals uint8) string {
	neg := amount < 0
	if neg {
		amount = -amount
	}
	if decimals == 0 {
		if neg {
			return fmt.Sprintf("-%d", amount)
		}
		return fmt.Sprintf("%d", amount)
	}

	amountBig := new(big.Int).SetInt64(amount)
	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)

	whole := new(big.Int).Div(amountBig, divisor)
	frac := new(big.Int).Mod(amountBig, divisor)

	fracStr := fmt.Sprintf("%0*d", int(decimals), frac)

	sign := ""
	if neg {
		sign = "-"
	}
	return fmt.Sprintf("%s%s.%s", sign, whole.String(), fracStr)
}

// ParseAmount parses a decimal string to smallest units.
// ParseAmount("21.60", 2) returns 2160.
func ParseAmount(s string, decimals uint8) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty amount string")
	}

	neg := false
	if s[0] == '-' {
		neg = true
		s = s[1:]
	}

	var wholeStr, fracStr string
	dotIdx := -1
	for i, c := range s {
		if c == '.' {
			dotIdx = i
			break
		}
	}
	if dotIdx >= 0 {
		wholeStr = s[:dotIdx]
		fracStr = s[dotIdx+1:]
	} else {
		wholeStr = s
	}
	if wholeStr == "" {
		wholeStr = "0"
	}

	for _, c := range wholeStr {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("invalid character in amount: %c", c)
		}
	}
	for _, c := range fracStr {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("invalid character in amount: %c", c)
		}
	}

	for len(fracStr) < int(decimals) {
		fracStr += "0"
	}
	if len(fracStr) > int(decimals) {
		fracStr = fracStr[:decimals]
	}

	combined := wholeStr + fracStr
	amount := new(big.Int)
	if _, ok := amount.SetString(combined, 10); !ok {
		return 0, fmt.Errorf("invalid amount: %s", s)
	}

	if !amount.IsInt64() {
		return 0, fmt.Errorf("amount overflow: %s", s)
	}

	v := amount.Int64()
	if neg {
		v = -v
	}
	return v, nil
}

// FormatCents formats integer cents as a "12.34"-style decimal string.
func FormatCents(cents int64) string {
	return FormatAmount(cents, CentsDecimals)
}

// ParseCents parses a "12.34"-style decimal string into integer cents.
func ParseCents(s string) (int64, error) {
	return ParseAmount(s, CentsDecimals)
}
