// Package core provides the domain model of the sync engine.
//
// This file contains helpers for parsing and formatting monetary amounts.
// Amounts are kept as decimals end to end; floats are only used for display.
package core

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// AmountScale is the number of fractional digits kept for stored amounts.
const AmountScale = 2

var ErrInvalidAmount = errors.New("invalid amount")

// ParseAmount converts user input into a decimal rounded half-up to AmountScale.
//
// Both dot (12.34) and comma (12,34) decimal separators are accepted, as are
// thousands separators when both appear ("1.234,56" or "1,234.56"). A leading
// sign is allowed because transaction amounts are signed.
//
// Examples:
//
//	ParseAmount("12.34")    -> 12.34
//	ParseAmount("12,345")   -> 12.35
//	ParseAmount("-1.234,5") -> -1234.50
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, ErrInvalidAmount
	}
	s = normalizeSeparators(s)
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, ErrInvalidAmount
	}
	return d.Round(AmountScale), nil
}

// FormatAmount renders an amount with exactly AmountScale digits.
func FormatAmount(d decimal.Decimal) string {
	return d.StringFixed(AmountScale)
}

func normalizeSeparators(s string) string {
	lastDot := strings.LastIndex(s, ".")
	lastComma := strings.LastIndex(s, ",")
	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			// 1.234,56
			s = strings.ReplaceAll(s, ".", "")
			return strings.Replace(s, ",", ".", 1)
		}
		// 1,234.56
		return strings.ReplaceAll(s, ",", "")
	case lastComma >= 0:
		return strings.Replace(s, ",", ".", 1)
	}
	return s
}
