package aave

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildBitmap assembles an Aave v3 reserve configuration word.
func buildBitmap(ltv, liqThreshold uint64, decimals uint64, active, frozen bool, borrowCap, supplyCap uint64) *big.Int {
	out := new(big.Int)
	set := func(v uint64, shift uint) {
		out.Or(out, new(big.Int).Lsh(new(big.Int).SetUint64(v), shift))
	}
	set(ltv, cfgLTVBits)
	set(liqThreshold, cfgLiqThresholdBits)
	set(decimals, cfgDecimalsBits)
	if active {
		set(1, cfgActiveBit)
	}
	if frozen {
		set(1, cfgFrozenBit)
	}
	set(borrowCap, cfgBorrowCapBits)
	set(supplyCap, cfgSupplyCapBits)
	return out
}

func TestDecodeConfiguration(t *testing.T) {
	t.Run("TypicalReserve", func(t *testing.T) {
		// WETH-style reserve: 80% LTV, 82.5% liquidation threshold,
		// 18 decimals, active, borrow cap 1.4M, supply cap 1.8M
		bitmap := buildBitmap(8000, 8250, 18, true, false, 1_400_000, 1_800_000)
		cfg := decodeConfiguration(bitmap)

		assert.Equal(t, uint16(8000), cfg.LTVBps)
		assert.Equal(t, uint16(8250), cfg.LiquidationThresholdBps)
		assert.Equal(t, uint8(18), cfg.Decimals)
		assert.True(t, cfg.Active)
		assert.False(t, cfg.Frozen)

		// Caps scale from whole tokens to raw units
		wantBorrow := new(big.Int).Mul(big.NewInt(1_400_000), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
		require.NotNil(t, cfg.BorrowCap)
		assert.Zero(t, cfg.BorrowCap.Cmp(wantBorrow))
		wantSupply := new(big.Int).Mul(big.NewInt(1_800_000), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
		require.NotNil(t, cfg.SupplyCap)
		assert.Zero(t, cfg.SupplyCap.Cmp(wantSupply))
	})

	t.Run("ZeroCapsMeanUncapped", func(t *testing.T) {
		bitmap := buildBitmap(7500, 8000, 6, true, false, 0, 0)
		cfg := decodeConfiguration(bitmap)
		assert.Nil(t, cfg.BorrowCap)
		assert.Nil(t, cfg.SupplyCap)
	})

	t.Run("FrozenInactive", func(t *testing.T) {
		bitmap := buildBitmap(0, 0, 8, false, true, 0, 0)
		cfg := decodeConfiguration(bitmap)
		assert.False(t, cfg.Active)
		assert.True(t, cfg.Frozen)
		assert.Equal(t, uint16(0), cfg.LTVBps)
	})

	t.Run("FieldsDoNotBleed", func(t *testing.T) {
		// Max out every field; neighbors must decode independently.
		bitmap := buildBitmap(0xffff, 0xffff, 0xff, true, true, (1<<36)-1, (1<<36)-1)
		cfg := decodeConfiguration(bitmap)
		assert.Equal(t, uint16(0xffff), cfg.LTVBps)
		assert.Equal(t, uint16(0xffff), cfg.LiquidationThresholdBps)
		assert.Equal(t, uint8(0xff), cfg.Decimals)
	})
}

func TestBits(t *testing.T) {
	bitmap := new(big.Int).SetUint64(0b1101_0110)
	assert.Equal(t, uint64(0b0110), bits(bitmap, 0, 4).Uint64())
	assert.Equal(t, uint64(0b1101), bits(bitmap, 4, 4).Uint64())
	assert.Equal(t, uint64(1), bits(bitmap, 1, 1).Uint64())
	assert.Equal(t, uint64(0), bits(bitmap, 0, 1).Uint64())
}
