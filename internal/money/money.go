// Package money provides shared EUR parsing and formatting utilities.
//
// All amounts are stored as int64 cents (1 EUR = 100 cents). Balance and
// price arithmetic inside transactions works on cents only; floats never
// enter the store.
package money

import (
	"strings"
)

// Decimals is the number of fractional digits in a EUR amount.
const Decimals = 2

// Amount is a EUR amount in cents.
type Amount int64

// Parse converts a decimal string (e.g. "12.50") to cents (1250).
// Returns (0, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to 2 decimal places
func Parse(s string) (Amount, bool) {
	if s == "" {
		return 0, true
	}
	if strings.HasPrefix(s, "-") {
		return 0, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return 0, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}

	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	var cents int64
	for _, r := range whole + frac {
		if r < '0' || r > '9' {
			return 0, false
		}
		cents = cents*10 + int64(r-'0')
		if cents < 0 { // overflow
			return 0, false
		}
	}
	return Amount(cents), true
}

// Format renders an amount as a decimal string with exactly two
// fractional digits (e.g. "12.50").
func (a Amount) Format() string {
	neg := a < 0
	v := int64(a)
	if neg {
		v = -v
	}
	whole := v / 100
	frac := v % 100
	s := itoa(whole) + "." + pad2(frac)
	if neg {
		s = "-" + s
	}
	return s
}

func (a Amount) String() string { return a.Format() }

// PercentOff returns pct% of a, rounded down to the cent.
// Used for reseller and percentage discount-code deductions.
func (a Amount) PercentOff(pct int64) Amount {
	if pct <= 0 || a <= 0 {
		return 0
	}
	return Amount(int64(a) * pct / 100)
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

func pad2(v int64) string {
	if v < 10 {
		return "0" + itoa(v)
	}
	return itoa(v)
}
