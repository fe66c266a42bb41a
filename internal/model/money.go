package model

import (
	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
)

// ErrInvalidAmount is returned by ParseAmount for non-positive values or
// values with more than two decimal places.
var ErrInvalidAmount = errors.New("invalid amount")

var hundred = decimal.NewFromInt(100)

// ParseAmount converts a decimal string such as "110.50" into cents.
func ParseAmount(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, ErrInvalidAmount
	}
	cents := d.Mul(hundred)
	if !cents.IsInteger() || cents.Sign() <= 0 {
		return 0, ErrInvalidAmount
	}
	return cents.IntPart(), nil
}

// FormatAmount renders cents as a fixed two-decimal string.
func FormatAmount(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}
