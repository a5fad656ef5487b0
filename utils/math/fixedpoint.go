// Package math provides fixed-point arithmetic helpers for position
// sizing. Values follow lending-protocol conventions: WAD (1e18) for
// prices, leverage multiples and health factors, basis points (1e4)
// for ratios and fees. All intermediates go through big.Int so wide
// multiplications cannot overflow; callers are still responsible for
// rejecting non-positive divisors up front.
package math

import (
	"errors"
	"math/big"
)

var (
	// Wad is the 1e18 fixed-point unit.
	Wad = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

	// BpsDenominator is the basis-points denominator (100% = 10000).
	BpsDenominator = big.NewInt(10000)
)

var (
	ErrDivisionByZero = errors.New("division by zero")
	ErrNegativeValue  = errors.New("negative value")
)

// MulDiv computes a*b/den with a widened intermediate, rounding down.
func MulDiv(a, b, den *big.Int) (*big.Int, error) {
	if den == nil || den.Sign() == 0 {
		return nil, ErrDivisionByZero
	}
	out := new(big.Int).Mul(a, b)
	return out.Div(out, den), nil
}

// WadMul computes a*b/1e18.
func WadMul(a, b *big.Int) *big.Int {
	out := new(big.Int).Mul(a, b)
	return out.Div(out, Wad)
}

// WadDiv computes a*1e18/b, failing on a zero divisor.
func WadDiv(a, b *big.Int) (*big.Int, error) {
	return MulDiv(a, Wad, b)
}

// BpsMul applies a basis-points factor to a value, rounding down.
func BpsMul(a *big.Int, bps uint16) *big.Int {
	out := new(big.Int).Mul(a, big.NewInt(int64(bps)))
	return out.Div(out, BpsDenominator)
}

// BpsDiv divides a value by a basis-points ratio, failing when the
// ratio is zero. BpsDiv(v, 8000) answers "what gross amount does v
// represent at an 80% ratio".
func BpsDiv(a *big.Int, bps uint16) (*big.Int, error) {
	if bps == 0 {
		return nil, ErrDivisionByZero
	}
	return MulDiv(a, BpsDenominator, big.NewInt(int64(bps)))
}

// ScaleDecimals rescales a raw token amount between decimal precisions,
// rounding down when precision is reduced.
func ScaleDecimals(amount *big.Int, from, to uint8) *big.Int {
	if amount == nil {
		return new(big.Int)
	}
	if from == to {
		return new(big.Int).Set(amount)
	}
	if to > from {
		factor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(to-from)), nil)
		return new(big.Int).Mul(amount, factor)
	}
	factor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(from-to)), nil)
	return new(big.Int).Div(amount, factor)
}

// ValueWad converts a raw token amount into a WAD-denominated value
// given a WAD unit price. The amount is first normalized to 18
// decimals so tokens of different precision combine in one unit.
func ValueWad(amount *big.Int, decimals uint8, priceWad *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, ErrNegativeValue
	}
	normalized := ScaleDecimals(amount, decimals, 18)
	return MulDiv(normalized, priceWad, Wad)
}

// AmountFromValueWad converts a WAD-denominated value back into raw
// token units at a WAD unit price, failing on a non-positive price.
func AmountFromValueWad(valueWad *big.Int, decimals uint8, priceWad *big.Int) (*big.Int, error) {
	if priceWad == nil || priceWad.Sign() <= 0 {
		return nil, ErrDivisionByZero
	}
	normalized, err := MulDiv(valueWad, Wad, priceWad)
	if err != nil {
		return nil, err
	}
	return ScaleDecimals(normalized, 18, decimals), nil
}

// Min returns the smaller of x and y as a fresh value.
func Min(x, y *big.Int) *big.Int {
	if x.Cmp(y) <= 0 {
		return new(big.Int).Set(x)
	}
	return new(big.Int).Set(y)
}
