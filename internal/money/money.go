// Package money converts between integer minor units and decimal major
// unit amounts. Amounts never pass through floating point.
package money

import (
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const minorDigits = 2

var ErrFractionalMinorUnits = errors.New("amount has more than two decimal places")

// Format renders 4599 as "45.99".
func Format(minor int64) string {
	return decimal.New(minor, -minorDigits).StringFixed(minorDigits)
}

// Parse reads a major unit string such as "45.99" into minor units.
func Parse(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, errors.Wrapf(err, "parse amount %q", s)
	}
	return FromDecimal(d)
}

func FromDecimal(d decimal.Decimal) (int64, error) {
	minor := d.Shift(minorDigits)
	if !minor.IsInteger() {
		return 0, ErrFractionalMinorUnits
	}
	return minor.IntPart(), nil
}
