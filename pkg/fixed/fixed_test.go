package fixed

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRescaleRounding(t *testing.T) {
	tests := []struct {
		in   string
		mode Rounding
		want string
	}{
		{"1.25", HalfEven, "1.2"},
		{"1.35", HalfEven, "1.4"},
		{"-1.25", HalfEven, "-1.2"},
		{"1.21", Floor, "1.2"},
		{"-1.21", Floor, "-1.3"},
		{"1.21", Ceil, "1.3"},
		{"-1.29", Ceil, "-1.2"},
		{"-1.29", TowardZero, "-1.2"},
		{"1.20", Ceil, "1.2"},
	}
	for _, tt := range tests {
		t.Run(tt.in+"/"+tt.mode.String(), func(t *testing.T) {
			v, err := ParseExact(tt.in)
			require.NoError(t, err)
			got, err := v.Rescale(1, tt.mode)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestAddSubAlignsScale(t *testing.T) {
	a := MustParse("1.5", 1)
	b := MustParse("0.25", 2)

	sum, err := a.Add(b)
	require.NoError(t, err)
	assert.Equal(t, "1.75", sum.String())
	assert.Equal(t, uint8(2), sum.Decimals())

	diff, err := b.Sub(a)
	require.NoError(t, err)
	assert.Equal(t, "-1.25", diff.String())
}

func TestOverflow(t *testing.T) {
	big := New(math.MaxInt64, 0)
	_, err := big.Add(New(1, 0))
	assert.ErrorIs(t, err, ErrOverflow)

	_, err = big.Neg().Sub(New(1, 0))
	assert.ErrorIs(t, err, ErrOverflow)

	_, err = big.MulInt(2)
	assert.ErrorIs(t, err, ErrOverflow)

	_, err = New(math.MaxInt64/10+1, 0).Rescale(1, HalfEven)
	assert.ErrorIs(t, err, ErrOverflow)

	_, err = FromInt(10, MaxDecimals)
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestNewRefusesScaleBeyondMax(t *testing.T) {
	assert.Equal(t, "0.000000000000000001", New(1, MaxDecimals).String())
	assert.PanicsWithError(t, "fixed: new at 19 decimals: fixed: scale out of range", func() {
		New(1, MaxDecimals+1)
	})
	_, err := New(1, 6).Rescale(MaxDecimals+1, HalfEven)
	assert.ErrorIs(t, err, ErrScale)
}

func TestMulDiv(t *testing.T) {
	price := MustParse("100.5", 2)
	size := MustParse("3", 4)

	notional, err := size.Mul(price, 2, HalfEven)
	require.NoError(t, err)
	assert.Equal(t, "301.50", notional.String())

	third, err := New(1, 0).Div(New(3, 0), 6, Floor)
	require.NoError(t, err)
	assert.Equal(t, "0.333333", third.String())

	third, err = New(1, 0).Div(New(3, 0), 6, Ceil)
	require.NoError(t, err)
	assert.Equal(t, "0.333334", third.String())

	negThird, err := New(-1, 0).Div(New(3, 0), 2, Floor)
	require.NoError(t, err)
	assert.Equal(t, "-0.34", negThird.String())

	_, err = price.Div(Zero(4), 2, HalfEven)
	assert.ErrorIs(t, err, ErrDivisionByZero)
}

func TestMulKeepsPrecisionBeyondInt64(t *testing.T) {
	// the raw product of the unit counts overflows int64; the scaled result does not
	a := MustParse("3000000000", 8)
	got, err := a.Mul(a, 0, Floor)
	require.NoError(t, err)
	assert.Equal(t, "9000000000000000000", got.String())

	_, err = a.Mul(a, 1, Floor)
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestCmpAcrossScales(t *testing.T) {
	assert.Equal(t, 0, MustParse("1.5", 1).Cmp(MustParse("1.500", 3)))
	assert.Equal(t, -1, MustParse("1.499", 3).Cmp(MustParse("1.5", 1)))
	assert.True(t, Max(MustParse("2", 0), MustParse("2.01", 2)).Equal(MustParse("2.01", 2)))
	assert.True(t, Min(MustParse("-2", 0), MustParse("2.01", 2)).Equal(MustParse("-2", 0)))
}

func TestSqrt(t *testing.T) {
	tests := []struct {
		in   string
		dp   uint8
		mode Rounding
		want string
	}{
		{"4", 2, HalfEven, "2.00"},
		{"2", 6, Floor, "1.414213"},
		{"2", 6, Ceil, "1.414214"},
		{"2", 6, HalfEven, "1.414214"},
		{"0.0001", 3, HalfEven, "0.010"},
		{"1000000", 0, Floor, "1000"},
		{"0", 4, Ceil, "0.0000"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			v, err := ParseExact(tt.in)
			require.NoError(t, err)
			got, err := v.Sqrt(tt.dp, tt.mode)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}

	_, err := MustParse("-1", 0).Sqrt(2, Floor)
	assert.ErrorIs(t, err, ErrNegativeSqrt)
}

func TestParse(t *testing.T) {
	v, err := Parse("12.3456", 2, Floor)
	require.NoError(t, err)
	assert.Equal(t, "12.34", v.String())

	v, err = Parse("1e3", 1, HalfEven)
	require.NoError(t, err)
	assert.Equal(t, "1000.0", v.String())

	_, err = Parse("12,5", 2, Floor)
	assert.Error(t, err)
}

func TestTextRoundTripKeepsScale(t *testing.T) {
	in := struct {
		Price Value `json:"price"`
		Size  Value `json:"size"`
	}{MustParse("101.500", 3), MustParse("-0.25", 4)}

	b, err := json.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"price":"101.500","size":"-0.2500"}`, string(b))

	var out struct {
		Price Value `json:"price"`
		Size  Value `json:"size"`
	}
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, in, out)
}

func TestDisplayHalfEven(t *testing.T) {
	assert.Equal(t, "2.12", MustParse("2.125", 3).Display(2))
	assert.Equal(t, "2.14", MustParse("2.135", 3).Display(2))
}
