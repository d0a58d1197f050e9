// Package money handles settlement amounts: int64 counts of the smallest unit
// of a 6-decimal stablecoin (1 unit = 1_000000 micros).
package money

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// Decimals is the number of fractional digits of the settlement currency.
const Decimals = 6

// Unit is one whole coin in micros.
const Unit int64 = 1_000000

var (
	// ErrOverflow is returned when an amount leaves the int64 range.
	ErrOverflow = errors.New("money: amount overflow")

	// ErrPrecision is returned when an amount has more than Decimals fractional digits.
	ErrPrecision = errors.New("money: too many fractional digits")
)

var maxAmount = decimal.NewFromInt(math.MaxInt64)

// Parse converts a decimal string such as "100.5" into micros.
func Parse(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("money: empty amount")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("money: parse %q: %w", s, err)
	}
	micros := d.Shift(Decimals)
	if !micros.Equal(micros.Truncate(0)) {
		return 0, fmt.Errorf("%w: %s", ErrPrecision, s)
	}
	if micros.Abs().GreaterThan(maxAmount) {
		return 0, fmt.Errorf("%w: %s", ErrOverflow, s)
	}
	return micros.IntPart(), nil
}

// Format renders micros as a decimal string without trailing zeros ("100.5").
func Format(micros int64) string {
	return decimal.New(micros, -Decimals).String()
}

// Add returns a+b or ErrOverflow.
func Add(a, b int64) (int64, error) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return 0, ErrOverflow
	}
	return a + b, nil
}
