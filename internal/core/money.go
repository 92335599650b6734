// Package core provides money parsing and handling utilities.
//
// All arithmetic happens on integer cents. Decimal conversion is only done
// at the presentation boundary, when parsing user input or printing amounts.
package core

import (
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// ParseDecimalToCents converts a decimal string to cents with proper rounding.
//
// It accepts both dot (12.34) and comma (12,34) decimal separators and performs
// half-up rounding on the third decimal place. The result is always positive cents.
// Returns an error for invalid formats, negative values, or zero amounts.
//
// Examples:
//
//	ParseDecimalToCents("12.34") -> 1234, nil
//	ParseDecimalToCents("12,34") -> 1234, nil
//	ParseDecimalToCents("12.346") -> 1235, nil (rounds up)
func ParseDecimalToCents(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrInvalidAmount
	}
	// Normalize decimal comma to dot
	s = strings.ReplaceAll(s, ",", ".")
	for _, r := range s {
		// Rejects signs and exponent notation, which decimal would accept
		if (r < '0' || r > '9') && r != '.' {
			return 0, ErrInvalidAmount
		}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, ErrInvalidAmount
	}
	cents := d.Shift(2).Round(0)
	if cents.GreaterThan(decimal.NewFromInt(math.MaxInt64)) {
		return 0, ErrInvalidAmount
	}
	if cents.Sign() <= 0 {
		return 0, ErrInvalidAmount
	}
	return cents.IntPart(), nil
}

// Money is an amount in minor currency units.
type Money struct {
	Cents int64
}

func (m Money) Validate() error {
	if m.Cents <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

// String formats the amount for display, e.g. "12.34€" or "-0.50€".
func (m Money) String() string {
	return decimal.New(m.Cents, -2).StringFixed(2) + "€"
}
