package num

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits kept for every money and asset
// quantity in the system.
const Scale = 8

type Decimal = decimal.Decimal

var (
	Zero = decimal.Zero

	// CommissionRate is charged to the seller on the quote value of a trade.
	CommissionRate = decimal.RequireFromString("0.015")
)

var (
	ErrInvalidDecimal = errors.New("invalid decimal")
	ErrTooPrecise     = fmt.Errorf("more than %d fractional digits", Scale)
	ErrNotPositive    = errors.New("must be greater than zero")
)

// Truncate drops every digit past Scale. It never rounds.
func Truncate(d Decimal) Decimal {
	return d.Truncate(Scale)
}

// Mul returns a*b truncated to Scale digits.
func Mul(a, b Decimal) Decimal {
	return a.Mul(b).Truncate(Scale)
}

// Add returns a+b truncated to Scale digits.
func Add(a, b Decimal) Decimal {
	return a.Add(b).Truncate(Scale)
}

// Sub returns a-b truncated to Scale digits.
func Sub(a, b Decimal) Decimal {
	return a.Sub(b).Truncate(Scale)
}

// ClampZero returns zero for negative values.
func ClampZero(d Decimal) Decimal {
	if d.IsNegative() {
		return Zero
	}
	return d
}

// Parse reads a plain decimal string such as "0.5" or "49000.12345678".
// Exponent notation and more than Scale fractional digits are rejected.
func Parse(s string) (Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.ContainsAny(s, "eE") {
		return Zero, fmt.Errorf("%w: %q", ErrInvalidDecimal, s)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, fmt.Errorf("%w: %q", ErrInvalidDecimal, s)
	}
	if d.Exponent() < -Scale {
		return Zero, fmt.Errorf("%w: %q", ErrTooPrecise, s)
	}
	return d, nil
}

// ParsePositive is Parse restricted to values greater than zero.
func ParsePositive(s string) (Decimal, error) {
	d, err := Parse(s)
	if err != nil {
		return Zero, err
	}
	if !d.IsPositive() {
		return Zero, fmt.Errorf("%w: %q", ErrNotPositive, s)
	}
	return d, nil
}

// MustFromString panics on malformed input. Meant for constants and tests.
func MustFromString(s string) Decimal {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}
