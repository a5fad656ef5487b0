package math

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wad(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), Wad)
}

func TestMulDiv(t *testing.T) {
	t.Run("RoundsDown", func(t *testing.T) {
		out, err := MulDiv(big.NewInt(10), big.NewInt(10), big.NewInt(3))
		require.NoError(t, err)
		assert.Equal(t, int64(33), out.Int64())
	})

	t.Run("ZeroDenominator", func(t *testing.T) {
		_, err := MulDiv(big.NewInt(1), big.NewInt(1), big.NewInt(0))
		assert.ErrorIs(t, err, ErrDivisionByZero)

		_, err = MulDiv(big.NewInt(1), big.NewInt(1), nil)
		assert.ErrorIs(t, err, ErrDivisionByZero)
	})

	t.Run("WideIntermediate", func(t *testing.T) {
		// a*b overflows 256 bits; the result must still be exact.
		a := new(big.Int).Exp(big.NewInt(2), big.NewInt(200), nil)
		out, err := MulDiv(a, a, a)
		require.NoError(t, err)
		assert.Zero(t, out.Cmp(a))
	})
}

func TestWadArithmetic(t *testing.T) {
	t.Run("MulIdentity", func(t *testing.T) {
		assert.Zero(t, WadMul(wad(7), Wad).Cmp(wad(7)))
	})

	t.Run("Mul", func(t *testing.T) {
		// 2.5 * 4 = 10
		half := new(big.Int).Div(Wad, big.NewInt(2))
		twoAndHalf := new(big.Int).Add(wad(2), half)
		assert.Zero(t, WadMul(twoAndHalf, wad(4)).Cmp(wad(10)))
	})

	t.Run("Div", func(t *testing.T) {
		out, err := WadDiv(wad(10), wad(4))
		require.NoError(t, err)
		// 2.5
		half := new(big.Int).Div(Wad, big.NewInt(2))
		assert.Zero(t, out.Cmp(new(big.Int).Add(wad(2), half)))
	})

	t.Run("DivByZero", func(t *testing.T) {
		_, err := WadDiv(wad(1), big.NewInt(0))
		assert.ErrorIs(t, err, ErrDivisionByZero)
	})
}

func TestBpsArithmetic(t *testing.T) {
	t.Run("Mul", func(t *testing.T) {
		// 9 bps fee on 1e18
		fee := BpsMul(Wad, 9)
		assert.Equal(t, "900000000000000", fee.String())
	})

	t.Run("MulFullRatio", func(t *testing.T) {
		assert.Zero(t, BpsMul(wad(3), 10000).Cmp(wad(3)))
	})

	t.Run("Div", func(t *testing.T) {
		// 1000 at an 80% ratio represents a gross 1250.
		out, err := BpsDiv(big.NewInt(1000), 8000)
		require.NoError(t, err)
		assert.Equal(t, int64(1250), out.Int64())
	})

	t.Run("DivByZeroRatio", func(t *testing.T) {
		_, err := BpsDiv(big.NewInt(1000), 0)
		assert.ErrorIs(t, err, ErrDivisionByZero)
	})

	t.Run("DivInverseOfMul", func(t *testing.T) {
		v := big.NewInt(123456789)
		scaled := BpsMul(v, 8000)
		back, err := BpsDiv(scaled, 8000)
		require.NoError(t, err)
		// Round trip loses at most the rounding of the first Div.
		diff := new(big.Int).Sub(v, back)
		assert.True(t, diff.CmpAbs(big.NewInt(1)) <= 0)
	})
}

func TestScaleDecimals(t *testing.T) {
	t.Run("Up", func(t *testing.T) {
		// 1 USDC (6 decimals) to 18 decimals
		out := ScaleDecimals(big.NewInt(1_000_000), 6, 18)
		assert.Zero(t, out.Cmp(wad(1)))
	})

	t.Run("Down", func(t *testing.T) {
		out := ScaleDecimals(wad(1), 18, 6)
		assert.Equal(t, int64(1_000_000), out.Int64())
	})

	t.Run("DownRoundsTowardZero", func(t *testing.T) {
		out := ScaleDecimals(big.NewInt(1_999_999), 6, 0)
		assert.Equal(t, int64(1), out.Int64())
	})

	t.Run("Same", func(t *testing.T) {
		in := big.NewInt(42)
		out := ScaleDecimals(in, 8, 8)
		assert.Equal(t, int64(42), out.Int64())
		// A fresh value, never an alias.
		out.SetInt64(0)
		assert.Equal(t, int64(42), in.Int64())
	})

	t.Run("Nil", func(t *testing.T) {
		assert.Zero(t, ScaleDecimals(nil, 6, 18).Sign())
	})
}

func TestValueConversions(t *testing.T) {
	price2 := wad(2) // $2 per token, WAD

	t.Run("ValueWad", func(t *testing.T) {
		// 1000 tokens of 6 decimals at $2 = $2000
		v, err := ValueWad(big.NewInt(1000_000_000), 6, price2)
		require.NoError(t, err)
		assert.Zero(t, v.Cmp(wad(2000)))
	})

	t.Run("AmountFromValueWad", func(t *testing.T) {
		// $2000 at $2 per token, 6 decimals = 1000 tokens
		a, err := AmountFromValueWad(wad(2000), 6, price2)
		require.NoError(t, err)
		assert.Equal(t, int64(1000_000_000), a.Int64())
	})

	t.Run("RoundTrip", func(t *testing.T) {
		amount := big.NewInt(123_456_789)
		v, err := ValueWad(amount, 8, wad(3))
		require.NoError(t, err)
		back, err := AmountFromValueWad(v, 8, wad(3))
		require.NoError(t, err)
		assert.Zero(t, back.Cmp(amount))
	})

	t.Run("NegativeAmount", func(t *testing.T) {
		_, err := ValueWad(big.NewInt(-1), 18, price2)
		assert.ErrorIs(t, err, ErrNegativeValue)
	})

	t.Run("NonPositivePrice", func(t *testing.T) {
		_, err := AmountFromValueWad(wad(1), 18, big.NewInt(0))
		assert.ErrorIs(t, err, ErrDivisionByZero)

		_, err = AmountFromValueWad(wad(1), 18, big.NewInt(-5))
		assert.ErrorIs(t, err, ErrDivisionByZero)
	})
}

func TestMin(t *testing.T) {
	a, b := big.NewInt(3), big.NewInt(7)
	out := Min(a, b)
	assert.Equal(t, int64(3), out.Int64())

	// Fresh value, not an alias of either input.
	out.SetInt64(99)
	assert.Equal(t, int64(3), a.Int64())
}
