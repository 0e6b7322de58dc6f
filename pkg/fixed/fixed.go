// Package fixed implements exact decimal arithmetic on scaled integers.
//
// A Value is an int64 count of units at a fixed number of decimal places.
// Every operation that can lose precision takes an explicit Rounding mode,
// and every operation that can leave the int64 range returns ErrOverflow.
// Intermediate products and quotients are computed with math/big. Nothing in
// this package touches binary floating point.
//
// The representable range is symmetric, [-MaxInt64, MaxInt64]; math.MinInt64
// is treated as overflow so that Neg and Abs are always safe.
package fixed

import (
	"errors"
	"fmt"
	"math"
	"math/big"
)

// MaxDecimals is the largest supported scale.
const MaxDecimals = 18

var (
	ErrOverflow       = errors.New("fixed: overflow")
	ErrDivisionByZero = errors.New("fixed: division by zero")
	ErrNegativeSqrt   = errors.New("fixed: square root of negative value")
	ErrScale          = errors.New("fixed: scale out of range")
)

// Rounding selects how a result that is not representable at the target
// scale is brought onto it.
type Rounding uint8

const (
	// HalfEven rounds to nearest, ties to even. Display only.
	HalfEven Rounding = iota
	// Floor rounds toward negative infinity.
	Floor
	// Ceil rounds toward positive infinity.
	Ceil
	// TowardZero truncates.
	TowardZero
)

func (r Rounding) String() string {
	switch r {
	case HalfEven:
		return "half_even"
	case Floor:
		return "floor"
	case Ceil:
		return "ceil"
	case TowardZero:
		return "toward_zero"
	default:
		return "unknown"
	}
}

// Value is a fixed-point decimal: n × 10^-dp.
type Value struct {
	n  int64
	dp uint8
}

var pow10 = func() [MaxDecimals + 1]int64 {
	var t [MaxDecimals + 1]int64
	t[0] = 1
	for i := 1; i <= MaxDecimals; i++ {
		t[i] = t[i-1] * 10
	}
	return t
}()

// New returns n units at dp decimals. It panics when dp exceeds
// MaxDecimals, since no scale change could keep the value.
func New(n int64, dp uint8) Value {
	if dp > MaxDecimals {
		panic(fmt.Errorf("fixed: new at %d decimals: %w", dp, ErrScale))
	}
	return Value{n: n, dp: dp}
}

// Zero returns 0 at dp decimals.
func Zero(dp uint8) Value { return New(0, dp) }

// FromInt returns the whole number i at dp decimals.
func FromInt(i int64, dp uint8) (Value, error) {
	if dp > MaxDecimals {
		return Value{}, ErrScale
	}
	return fromBig(new(big.Int).Mul(big.NewInt(i), bigPow10(int(dp))), dp)
}

func (v Value) Units() int64     { return v.n }
func (v Value) Decimals() uint8  { return v.dp }
func (v Value) IsZero() bool     { return v.n == 0 }
func (v Value) IsNegative() bool { return v.n < 0 }
func (v Value) IsPositive() bool { return v.n > 0 }

func (v Value) Sign() int {
	switch {
	case v.n > 0:
		return 1
	case v.n < 0:
		return -1
	}
	return 0
}

func (v Value) Neg() Value { return Value{n: -v.n, dp: v.dp} }

func (v Value) Abs() Value {
	if v.n < 0 {
		return v.Neg()
	}
	return v
}

// Rescale moves v to dp decimals, rounding when precision is dropped.
func (v Value) Rescale(dp uint8, mode Rounding) (Value, error) {
	if dp > MaxDecimals {
		return Value{}, ErrScale
	}
	if dp == v.dp {
		return v, nil
	}
	if dp > v.dp {
		return fromBig(new(big.Int).Mul(big.NewInt(v.n), bigPow10(int(dp-v.dp))), dp)
	}
	return fromBig(divRound(big.NewInt(v.n), bigPow10(int(v.dp-dp)), mode), dp)
}

// Add returns v+o at the larger of the two scales. It is always exact.
func (v Value) Add(o Value) (Value, error) {
	a, b, err := align(v, o)
	if err != nil {
		return Value{}, err
	}
	s := a.n + b.n
	if (a.n > 0 && b.n > 0 && s < 0) || (a.n < 0 && b.n < 0 && s >= 0) || s == math.MinInt64 {
		return Value{}, ErrOverflow
	}
	return Value{n: s, dp: a.dp}, nil
}

// Sub returns v-o at the larger of the two scales. It is always exact.
func (v Value) Sub(o Value) (Value, error) {
	return v.Add(o.Neg())
}

// Mul returns v×o at dp decimals.
func (v Value) Mul(o Value, dp uint8, mode Rounding) (Value, error) {
	if dp > MaxDecimals {
		return Value{}, ErrScale
	}
	prod := new(big.Int).Mul(big.NewInt(v.n), big.NewInt(o.n))
	return scaleTo(prod, int(v.dp)+int(o.dp), dp, mode)
}

// MulInt returns v×k at v's scale. It is always exact.
func (v Value) MulInt(k int64) (Value, error) {
	return fromBig(new(big.Int).Mul(big.NewInt(v.n), big.NewInt(k)), v.dp)
}

// Div returns v÷o at dp decimals.
func (v Value) Div(o Value, dp uint8, mode Rounding) (Value, error) {
	if o.n == 0 {
		return Value{}, ErrDivisionByZero
	}
	if dp > MaxDecimals {
		return Value{}, ErrScale
	}
	// v/o at dp = (v.n / o.n) × 10^(dp + o.dp - v.dp)
	num := big.NewInt(v.n)
	den := big.NewInt(o.n)
	e := int(dp) + int(o.dp) - int(v.dp)
	if e >= 0 {
		num.Mul(num, bigPow10(e))
	} else {
		den.Mul(den, bigPow10(-e))
	}
	return fromBig(divRound(num, den, mode), dp)
}

// QuoInt returns v÷k at v's scale.
func (v Value) QuoInt(k int64, mode Rounding) (Value, error) {
	return v.Div(New(k, 0), v.dp, mode)
}

// Cmp compares v and o numerically, regardless of scale.
func (v Value) Cmp(o Value) int {
	if v.dp == o.dp {
		switch {
		case v.n < o.n:
			return -1
		case v.n > o.n:
			return 1
		}
		return 0
	}
	m := v.dp
	if o.dp > m {
		m = o.dp
	}
	a := new(big.Int).Mul(big.NewInt(v.n), bigPow10(int(m-v.dp)))
	b := new(big.Int).Mul(big.NewInt(o.n), bigPow10(int(m-o.dp)))
	return a.Cmp(b)
}

func (v Value) Equal(o Value) bool       { return v.Cmp(o) == 0 }
func (v Value) LessThan(o Value) bool    { return v.Cmp(o) < 0 }
func (v Value) GreaterThan(o Value) bool { return v.Cmp(o) > 0 }

func Min(a, b Value) Value {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}

func Max(a, b Value) Value {
	if a.Cmp(b) >= 0 {
		return a
	}
	return b
}

// Sum adds vs exactly. The result carries the largest input scale, and at
// least dp.
func Sum(dp uint8, vs ...Value) (Value, error) {
	acc := Zero(dp)
	for _, v := range vs {
		var err error
		if acc, err = acc.Add(v); err != nil {
			return Value{}, err
		}
	}
	return acc, nil
}

// Sqrt returns the square root of v at dp decimals, correctly rounded in the
// requested mode: the result differs from the true root by less than one unit
// in the last place (10^-dp), and for HalfEven by at most half of one.
//
// The root is computed by integer Newton iteration (big.Int.Sqrt) at a
// working scale with two guard digits; a sticky digit records inexactness so
// the final rounding step sees the true value's position.
func (v Value) Sqrt(dp uint8, mode Rounding) (Value, error) {
	if v.n < 0 {
		return Value{}, ErrNegativeSqrt
	}
	if dp > MaxDecimals {
		return Value{}, ErrScale
	}
	// work at w decimals with 2w >= v.dp so the radicand is an integer
	w := int(dp) + 2 + int(v.dp)
	radicand := new(big.Int).Mul(big.NewInt(v.n), bigPow10(2*w-int(v.dp)))
	r := new(big.Int).Sqrt(radicand)
	if new(big.Int).Mul(r, r).Cmp(radicand) != 0 {
		r.Mul(r, big.NewInt(10))
		r.Add(r, big.NewInt(1))
		w++
	}
	return scaleTo(r, w, dp, mode)
}

func align(a, b Value) (Value, Value, error) {
	if a.dp == b.dp {
		return a, b, nil
	}
	var err error
	if a.dp < b.dp {
		a, err = a.Rescale(b.dp, TowardZero)
	} else {
		b, err = b.Rescale(a.dp, TowardZero)
	}
	return a, b, err
}

// scaleTo brings x, expressed at from decimals, to a Value at dp decimals.
func scaleTo(x *big.Int, from int, dp uint8, mode Rounding) (Value, error) {
	if int(dp) >= from {
		return fromBig(new(big.Int).Mul(x, bigPow10(int(dp)-from)), dp)
	}
	return fromBig(divRound(x, bigPow10(from-int(dp)), mode), dp)
}

func fromBig(b *big.Int, dp uint8) (Value, error) {
	if !b.IsInt64() {
		return Value{}, ErrOverflow
	}
	n := b.Int64()
	if n == math.MinInt64 {
		return Value{}, ErrOverflow
	}
	return Value{n: n, dp: dp}, nil
}

func bigPow10(e int) *big.Int {
	if e <= MaxDecimals {
		return big.NewInt(pow10[e])
	}
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(e)), nil)
}

// divRound returns num/den rounded by mode. den must be non-zero.
func divRound(num, den *big.Int, mode Rounding) *big.Int {
	n := new(big.Int).Set(num)
	d := new(big.Int).Set(den)
	if d.Sign() < 0 {
		n.Neg(n)
		d.Neg(d)
	}
	q, r := new(big.Int).QuoRem(n, d, new(big.Int))
	if r.Sign() == 0 {
		return q
	}
	away := false
	switch mode {
	case TowardZero:
	case Floor:
		away = n.Sign() < 0
	case Ceil:
		away = n.Sign() > 0
	case HalfEven:
		twice := new(big.Int).Abs(r)
		twice.Lsh(twice, 1)
		switch twice.Cmp(d) {
		case 1:
			away = true
		case 0:
			away = q.Bit(0) == 1
		}
	}
	if away {
		if n.Sign() < 0 {
			q.Sub(q, big.NewInt(1))
		} else {
			q.Add(q, big.NewInt(1))
		}
	}
	return q
}
