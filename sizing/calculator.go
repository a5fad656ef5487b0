// Package sizing converts desired leverage and live oracle prices into
// exact flash-loan, borrow and withdraw amounts. All functions re-read
// prices and pool configuration at call time; the API deliberately has
// no way to pass a caller-supplied price into the math.
package sizing

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/levbot/oracle"
	"github.com/michaelpento.lv/levbot/pool"
	levmath "github.com/michaelpento.lv/levbot/utils/math"
)

var (
	ErrZeroAmount                 = errors.New("amount must be positive")
	ErrLeverageTooLow             = errors.New("leverage must be at least 1x")
	ErrLeverageExceedsLTV         = errors.New("requested leverage exceeds collateral LTV")
	ErrAssetNotUsableAsCollateral = errors.New("asset has zero LTV and cannot back a position")
	ErrInvalidPrices              = errors.New("non-positive price")
)

// PriceSource supplies validated unit prices. *oracle.Registry
// satisfies it.
type PriceSource interface {
	GetPrice(ctx context.Context, token common.Address) (*oracle.PriceQuote, error)
}

// ReserveReader exposes the pool's per-asset configuration.
type ReserveReader interface {
	ReserveConfig(ctx context.Context, asset common.Address) (*pool.ReserveConfig, error)
}

// Calculator sizes open and unwind operations. It is stateless apart
// from its collaborators and the configured slippage buffer.
type Calculator struct {
	prices      PriceSource
	reserves    ReserveReader
	slippageBps uint16
	logger      *zap.Logger
}

// NewCalculator creates a sizing calculator. slippageBps pads unwind
// withdrawals against swap execution variance.
func NewCalculator(prices PriceSource, reserves ReserveReader, slippageBps uint16, logger *zap.Logger) (*Calculator, error) {
	if prices == nil {
		return nil, fmt.Errorf("price source cannot be nil")
	}
	if reserves == nil {
		return nil, fmt.Errorf("reserve reader cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if slippageBps >= 10000 {
		return nil, fmt.Errorf("slippage buffer must be below 100%%")
	}
	return &Calculator{
		prices:      prices,
		reserves:    reserves,
		slippageBps: slippageBps,
		logger:      logger,
	}, nil
}

// SlippageBps returns the configured unwind slippage buffer.
func (c *Calculator) SlippageBps() uint16 { return c.slippageBps }

// OpenInputs sizes a new leveraged position. Leverage is WAD fixed
// point (1x = 1e18). Safe magnitudes: amounts below 2^128 and prices
// below 2^96; intermediates are big.Int so wider inputs degrade to
// slower math, never to wraparound.
type OpenInputs struct {
	CollateralToken    common.Address
	BorrowToken        common.Address
	CollateralAmount   *big.Int
	Leverage           *big.Int
	CollateralDecimals uint8
	BorrowDecimals     uint8
}

// OpenSizing is the computed open-side order. FlashLoanAmount is in
// collateral-token units, BorrowAmount in borrow-token units.
type OpenSizing struct {
	FlashLoanAmount *big.Int
	BorrowAmount    *big.Int
}

// ComputeOpen sizes an open: target collateral value = user value x
// leverage; the difference is flash-loaned in the collateral asset and
// financed by borrowing its value in the borrow asset.
func (c *Calculator) ComputeOpen(ctx context.Context, in OpenInputs) (*OpenSizing, error) {
	if in.CollateralAmount == nil || in.CollateralAmount.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	if in.Leverage == nil || in.Leverage.Cmp(levmath.Wad) < 0 {
		return nil, ErrLeverageTooLow
	}

	collPrice, err := c.prices.GetPrice(ctx, in.CollateralToken)
	if err != nil {
		return nil, fmt.Errorf("collateral price: %w", err)
	}
	borrowPrice, err := c.prices.GetPrice(ctx, in.BorrowToken)
	if err != nil {
		return nil, fmt.Errorf("borrow price: %w", err)
	}
	if collPrice.Price.Sign() <= 0 || borrowPrice.Price.Sign() <= 0 {
		return nil, ErrInvalidPrices
	}

	reserve, err := c.reserves.ReserveConfig(ctx, in.CollateralToken)
	if err != nil {
		return nil, fmt.Errorf("reserve config: %w", err)
	}
	if reserve.LTVBps == 0 {
		return nil, ErrAssetNotUsableAsCollateral
	}

	userValue, err := levmath.ValueWad(in.CollateralAmount, in.CollateralDecimals, collPrice.Price)
	if err != nil {
		return nil, fmt.Errorf("collateral value: %w", err)
	}
	totalValue := levmath.WadMul(userValue, in.Leverage)
	borrowValue := new(big.Int).Sub(totalValue, userValue)

	// borrowValue/totalValue must stay within the asset's LTV or the
	// pool would reject the borrow (and the position could never be
	// healthy).
	lhs := new(big.Int).Mul(borrowValue, levmath.BpsDenominator)
	rhs := new(big.Int).Mul(totalValue, big.NewInt(int64(reserve.LTVBps)))
	if lhs.Cmp(rhs) > 0 {
		return nil, ErrLeverageExceedsLTV
	}

	borrowAmount, err := levmath.AmountFromValueWad(borrowValue, in.BorrowDecimals, borrowPrice.Price)
	if err != nil {
		return nil, fmt.Errorf("borrow amount: %w", err)
	}
	flashLoanAmount, err := levmath.AmountFromValueWad(borrowValue, in.CollateralDecimals, collPrice.Price)
	if err != nil {
		return nil, fmt.Errorf("flash loan amount: %w", err)
	}

	c.logger.Debug("Sized open",
		zap.String("collateral", in.CollateralToken.Hex()),
		zap.String("borrow", in.BorrowToken.Hex()),
		zap.String("flash_loan_amount", flashLoanAmount.String()),
		zap.String("borrow_amount", borrowAmount.String()))

	return &OpenSizing{
		FlashLoanAmount: flashLoanAmount,
		BorrowAmount:    borrowAmount,
	}, nil
}

// UnwindInputs sizes a position unwind for a given debt repayment.
type UnwindInputs struct {
	CollateralToken    common.Address
	DebtToken          common.Address
	DebtAmount         *big.Int
	CollateralDecimals uint8
	DebtDecimals       uint8
}

// UnwindSizing is the computed unwind-side order. CollateralToWithdraw
// includes the slippage buffer; Unbuffered is the raw ratio result.
type UnwindSizing struct {
	CollateralToWithdraw *big.Int
	Unbuffered           *big.Int
	DebtAmount           *big.Int
}

// ComputeUnwind sizes an unwind: the collateral to withdraw is the
// debt value grossed up by the collateral asset's loan-to-value ratio,
// the same ratio the open side enforces, plus the slippage buffer.
func (c *Calculator) ComputeUnwind(ctx context.Context, in UnwindInputs) (*UnwindSizing, error) {
	if in.DebtAmount == nil || in.DebtAmount.Sign() <= 0 {
		return nil, ErrZeroAmount
	}

	collPrice, err := c.prices.GetPrice(ctx, in.CollateralToken)
	if err != nil {
		return nil, fmt.Errorf("collateral price: %w", err)
	}
	debtPrice, err := c.prices.GetPrice(ctx, in.DebtToken)
	if err != nil {
		return nil, fmt.Errorf("debt price: %w", err)
	}
	// Both prices are divisors below; reject before dividing.
	if collPrice.Price.Sign() <= 0 || debtPrice.Price.Sign() <= 0 {
		return nil, ErrInvalidPrices
	}

	reserve, err := c.reserves.ReserveConfig(ctx, in.CollateralToken)
	if err != nil {
		return nil, fmt.Errorf("reserve config: %w", err)
	}
	if reserve.LTVBps == 0 {
		return nil, ErrAssetNotUsableAsCollateral
	}

	debtValue, err := levmath.ValueWad(in.DebtAmount, in.DebtDecimals, debtPrice.Price)
	if err != nil {
		return nil, fmt.Errorf("debt value: %w", err)
	}
	grossValue, err := levmath.BpsDiv(debtValue, reserve.LTVBps)
	if err != nil {
		return nil, fmt.Errorf("gross collateral value: %w", err)
	}
	unbuffered, err := levmath.AmountFromValueWad(grossValue, in.CollateralDecimals, collPrice.Price)
	if err != nil {
		return nil, fmt.Errorf("collateral amount: %w", err)
	}

	buffered := new(big.Int).Mul(unbuffered, big.NewInt(int64(10000+uint32(c.slippageBps))))
	buffered.Div(buffered, levmath.BpsDenominator)

	c.logger.Debug("Sized unwind",
		zap.String("collateral", in.CollateralToken.Hex()),
		zap.String("debt", in.DebtToken.Hex()),
		zap.String("collateral_to_withdraw", buffered.String()),
		zap.String("debt_amount", in.DebtAmount.String()))

	return &UnwindSizing{
		CollateralToWithdraw: buffered,
		Unbuffered:           unbuffered,
		DebtAmount:           new(big.Int).Set(in.DebtAmount),
	}, nil
}
