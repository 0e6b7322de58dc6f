package fixed

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// Parse reads a decimal string onto dp decimals, rounding by mode.
func Parse(s string, dp uint8, mode Rounding) (Value, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return Value{}, fmt.Errorf("fixed: parse %q: %w", s, err)
	}
	return FromDecimal(d, dp, mode)
}

// ParseExact reads a decimal string keeping exactly the decimals written,
// so "1.500" has three decimal places.
func ParseExact(s string) (Value, error) {
	s = strings.TrimSpace(s)
	dp := 0
	if i := strings.IndexByte(s, '.'); i >= 0 {
		dp = len(s) - i - 1
	}
	if dp > MaxDecimals {
		return Value{}, fmt.Errorf("fixed: parse %q: %w", s, ErrScale)
	}
	return Parse(s, uint8(dp), TowardZero)
}

// MustParse is Parse for constants and tests; it panics on error.
func MustParse(s string, dp uint8) Value {
	v, err := Parse(s, dp, HalfEven)
	if err != nil {
		panic(err)
	}
	return v
}

// FromDecimal converts d onto dp decimals, rounding by mode.
func FromDecimal(d decimal.Decimal, dp uint8, mode Rounding) (Value, error) {
	if dp > MaxDecimals {
		return Value{}, ErrScale
	}
	// d = coefficient × 10^exponent
	coef := d.Coefficient()
	return scaleTo(coef, -int(d.Exponent()), dp, mode)
}

// Decimal returns v as an exact shopspring decimal.
func (v Value) Decimal() decimal.Decimal {
	return decimal.NewFromBigInt(big.NewInt(v.n), -int32(v.dp))
}

// String formats v with exactly its own number of decimals.
func (v Value) String() string {
	return v.Decimal().StringFixed(int32(v.dp))
}

// Display formats v at dp decimals with half-even rounding.
func (v Value) Display(dp uint8) string {
	r, err := v.Rescale(dp, HalfEven)
	if err != nil {
		return v.String()
	}
	return r.String()
}

// MarshalText encodes v as a decimal string that keeps its scale, so that
// decoding restores the identical Value.
func (v Value) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

func (v *Value) UnmarshalText(b []byte) error {
	p, err := ParseExact(string(b))
	if err != nil {
		return err
	}
	*v = p
	return nil
}
