// Package money holds fixed-point currency arithmetic. Amounts are int64 minor
// units (paise).
package money

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrNegativeAmount = errors.New("amount must not be negative")
	ErrInvalidRate    = errors.New("commission rate must be within [0, 1]")
)

// Split divides gross into the platform commission and the seller earning.
// The commission is rounded half-up to the minor unit and the earning is the
// remainder, so commission+earning always equals gross.
func Split(gross int64, rate decimal.Decimal) (commission, earning int64, err error) {
	if gross < 0 {
		return 0, 0, ErrNegativeAmount
	}
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
		return 0, 0, ErrInvalidRate
	}
	// Round is half away from zero, which is half-up for non-negative values.
	commission = decimal.NewFromInt(gross).Mul(rate).Round(0).IntPart()
	return commission, gross - commission, nil
}

// ParseRate parses a rate such as "0.20".
func ParseRate(s string) (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, err
	}
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.Zero, ErrInvalidRate
	}
	return rate, nil
}

// Format renders minor units as a two-place decimal string.
func Format(minor int64) string {
	return decimal.New(minor, -2).StringFixed(2)
}
