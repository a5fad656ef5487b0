package sizing

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/michaelpento.lv/levbot/oracle"
	"github.com/michaelpento.lv/levbot/pool"
	levmath "github.com/michaelpento.lv/levbot/utils/math"
)

// mockPrices returns fixed WAD prices per token
type mockPrices struct {
	prices map[common.Address]*big.Int
	errs   map[common.Address]error
}

func (m *mockPrices) GetPrice(ctx context.Context, token common.Address) (*oracle.PriceQuote, error) {
	if err, ok := m.errs[token]; ok {
		return nil, err
	}
	p, ok := m.prices[token]
	if !ok {
		return nil, oracle.ErrFeedNotConfigured
	}
	return &oracle.PriceQuote{Token: token, Price: p, UpdatedAt: time.Now()}, nil
}

// mockReserves returns a fixed config per asset
type mockReserves struct {
	configs map[common.Address]*pool.ReserveConfig
}

func (m *mockReserves) ReserveConfig(ctx context.Context, asset common.Address) (*pool.ReserveConfig, error) {
	cfg, ok := m.configs[asset]
	if !ok {
		return nil, pool.ErrNoReserve
	}
	return cfg, nil
}

var (
	tokenA = common.HexToAddress("0x0000000000000000000000000000000000000a0a")
	tokenB = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

func wad(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), levmath.Wad)
}

// newTestCalculator prices token A at $1 and token B at $1, sets token
// A's LTV to 80% and applies a 5% slippage buffer. Both tokens use 18
// decimals.
func newTestCalculator(t *testing.T) (*Calculator, *mockPrices, *mockReserves) {
	t.Helper()
	prices := &mockPrices{
		prices: map[common.Address]*big.Int{
			tokenA: wad(1),
			tokenB: wad(1),
		},
		errs: map[common.Address]error{},
	}
	reserves := &mockReserves{
		configs: map[common.Address]*pool.ReserveConfig{
			tokenA: {Decimals: 18, LTVBps: 8000, LiquidationThresholdBps: 8500, Active: true},
			tokenB: {Decimals: 18, LTVBps: 7500, LiquidationThresholdBps: 8000, Active: true},
		},
	}
	calc, err := NewCalculator(prices, reserves, 500, zaptest.NewLogger(t))
	require.NoError(t, err)
	return calc, prices, reserves
}

func TestNewCalculator(t *testing.T) {
	logger := zaptest.NewLogger(t)
	prices := &mockPrices{}
	reserves := &mockReserves{}

	_, err := NewCalculator(nil, reserves, 100, logger)
	assert.Error(t, err)
	_, err = NewCalculator(prices, nil, 100, logger)
	assert.Error(t, err)
	_, err = NewCalculator(prices, reserves, 100, nil)
	assert.Error(t, err)
	_, err = NewCalculator(prices, reserves, 10000, logger)
	assert.Error(t, err)

	calc, err := NewCalculator(prices, reserves, 500, logger)
	require.NoError(t, err)
	assert.Equal(t, uint16(500), calc.SlippageBps())
}

func TestComputeOpen(t *testing.T) {
	ctx := context.Background()

	t.Run("ThreeTimesLeverage", func(t *testing.T) {
		calc, _, _ := newTestCalculator(t)
		// 1000 A at $1, 3x: total $3000, borrow $2000, flash loan 2000 A
		out, err := calc.ComputeOpen(ctx, OpenInputs{
			CollateralToken:    tokenA,
			BorrowToken:        tokenB,
			CollateralAmount:   wad(1000),
			Leverage:           wad(3),
			CollateralDecimals: 18,
			BorrowDecimals:     18,
		})
		require.NoError(t, err)
		assert.Zero(t, out.FlashLoanAmount.Cmp(wad(2000)))
		assert.Zero(t, out.BorrowAmount.Cmp(wad(2000)))
	})

	t.Run("MixedDecimalsAndPrices", func(t *testing.T) {
		calc, prices, _ := newTestCalculator(t)
		prices.prices[tokenA] = wad(2) // $2 collateral
		prices.prices[tokenB] = wad(4) // $4 borrow asset

		// 500 A (6 decimals) at $2 = $1000; 2x: borrow $1000.
		// Flash loan = $1000/$2 = 500 A; borrow = $1000/$4 = 250 B (8 dec).
		out, err := calc.ComputeOpen(ctx, OpenInputs{
			CollateralToken:    tokenA,
			BorrowToken:        tokenB,
			CollateralAmount:   big.NewInt(500_000_000),
			Leverage:           wad(2),
			CollateralDecimals: 6,
			BorrowDecimals:     8,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(500_000_000), out.FlashLoanAmount.Int64())
		assert.Equal(t, int64(250_00000000), out.BorrowAmount.Int64())
	})

	t.Run("OneTimesLeverageBorrowsNothing", func(t *testing.T) {
		calc, _, _ := newTestCalculator(t)
		out, err := calc.ComputeOpen(ctx, OpenInputs{
			CollateralToken:    tokenA,
			BorrowToken:        tokenB,
			CollateralAmount:   wad(1000),
			Leverage:           wad(1),
			CollateralDecimals: 18,
			BorrowDecimals:     18,
		})
		require.NoError(t, err)
		assert.Zero(t, out.FlashLoanAmount.Sign())
		assert.Zero(t, out.BorrowAmount.Sign())
	})

	t.Run("LeverageExceedsLTV", func(t *testing.T) {
		calc, _, _ := newTestCalculator(t)
		// At 80% LTV max leverage is 5x; 6x must be rejected.
		_, err := calc.ComputeOpen(ctx, OpenInputs{
			CollateralToken:    tokenA,
			BorrowToken:        tokenB,
			CollateralAmount:   wad(1000),
			Leverage:           wad(6),
			CollateralDecimals: 18,
			BorrowDecimals:     18,
		})
		assert.ErrorIs(t, err, ErrLeverageExceedsLTV)

		// Exactly 5x sits on the boundary and passes.
		_, err = calc.ComputeOpen(ctx, OpenInputs{
			CollateralToken:    tokenA,
			BorrowToken:        tokenB,
			CollateralAmount:   wad(1000),
			Leverage:           wad(5),
			CollateralDecimals: 18,
			BorrowDecimals:     18,
		})
		assert.NoError(t, err)
	})

	t.Run("ZeroLTVCollateral", func(t *testing.T) {
		calc, _, reserves := newTestCalculator(t)
		reserves.configs[tokenA].LTVBps = 0
		_, err := calc.ComputeOpen(ctx, OpenInputs{
			CollateralToken:    tokenA,
			BorrowToken:        tokenB,
			CollateralAmount:   wad(1000),
			Leverage:           wad(2),
			CollateralDecimals: 18,
			BorrowDecimals:     18,
		})
		assert.ErrorIs(t, err, ErrAssetNotUsableAsCollateral)
	})

	t.Run("InvalidInputs", func(t *testing.T) {
		calc, _, _ := newTestCalculator(t)
		in := OpenInputs{
			CollateralToken:    tokenA,
			BorrowToken:        tokenB,
			CollateralAmount:   big.NewInt(0),
			Leverage:           wad(2),
			CollateralDecimals: 18,
			BorrowDecimals:     18,
		}
		_, err := calc.ComputeOpen(ctx, in)
		assert.ErrorIs(t, err, ErrZeroAmount)

		in.CollateralAmount = wad(1000)
		in.Leverage = new(big.Int).Sub(levmath.Wad, big.NewInt(1))
		_, err = calc.ComputeOpen(ctx, in)
		assert.ErrorIs(t, err, ErrLeverageTooLow)
	})

	t.Run("OracleFailurePropagates", func(t *testing.T) {
		calc, prices, _ := newTestCalculator(t)
		prices.errs[tokenB] = oracle.ErrStalePrice
		_, err := calc.ComputeOpen(ctx, OpenInputs{
			CollateralToken:    tokenA,
			BorrowToken:        tokenB,
			CollateralAmount:   wad(1000),
			Leverage:           wad(2),
			CollateralDecimals: 18,
			BorrowDecimals:     18,
		})
		assert.ErrorIs(t, err, oracle.ErrStalePrice)
	})
}

func TestComputeUnwind(t *testing.T) {
	ctx := context.Background()

	t.Run("GrossesUpByLTV", func(t *testing.T) {
		calc, _, _ := newTestCalculator(t)
		// 1000 B debt at $1, LTV 80%: raw withdrawal 1250 A,
		// buffered by 5% to 1312.5 A.
		out, err := calc.ComputeUnwind(ctx, UnwindInputs{
			CollateralToken:    tokenA,
			DebtToken:          tokenB,
			DebtAmount:         wad(1000),
			CollateralDecimals: 18,
			DebtDecimals:       18,
		})
		require.NoError(t, err)
		assert.Zero(t, out.Unbuffered.Cmp(wad(1250)))

		half := new(big.Int).Div(levmath.Wad, big.NewInt(2))
		want := new(big.Int).Add(wad(1312), half)
		assert.Zero(t, out.CollateralToWithdraw.Cmp(want))
		assert.Zero(t, out.DebtAmount.Cmp(wad(1000)))
	})

	t.Run("PriceRatioApplied", func(t *testing.T) {
		calc, prices, _ := newTestCalculator(t)
		prices.prices[tokenA] = wad(5) // $5 collateral
		prices.prices[tokenB] = wad(1)

		// $1000 debt grossed to $1250, at $5 = 250 A raw.
		out, err := calc.ComputeUnwind(ctx, UnwindInputs{
			CollateralToken:    tokenA,
			DebtToken:          tokenB,
			DebtAmount:         wad(1000),
			CollateralDecimals: 18,
			DebtDecimals:       18,
		})
		require.NoError(t, err)
		assert.Zero(t, out.Unbuffered.Cmp(wad(250)))
	})

	t.Run("ZeroDebt", func(t *testing.T) {
		calc, _, _ := newTestCalculator(t)
		_, err := calc.ComputeUnwind(ctx, UnwindInputs{
			CollateralToken: tokenA,
			DebtToken:       tokenB,
			DebtAmount:      big.NewInt(0),
		})
		assert.ErrorIs(t, err, ErrZeroAmount)
	})

	t.Run("ZeroLTVCollateral", func(t *testing.T) {
		calc, _, reserves := newTestCalculator(t)
		reserves.configs[tokenA].LTVBps = 0
		_, err := calc.ComputeUnwind(ctx, UnwindInputs{
			CollateralToken:    tokenA,
			DebtToken:          tokenB,
			DebtAmount:         wad(1000),
			CollateralDecimals: 18,
			DebtDecimals:       18,
		})
		assert.ErrorIs(t, err, ErrAssetNotUsableAsCollateral)
	})

	t.Run("OracleFailurePropagates", func(t *testing.T) {
		calc, prices, _ := newTestCalculator(t)
		prices.errs[tokenA] = oracle.ErrSequencerDown
		_, err := calc.ComputeUnwind(ctx, UnwindInputs{
			CollateralToken:    tokenA,
			DebtToken:          tokenB,
			DebtAmount:         wad(1000),
			CollateralDecimals: 18,
			DebtDecimals:       18,
		})
		assert.ErrorIs(t, err, oracle.ErrSequencerDown)
	})
}
