package cmd

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelpento.lv/levbot/config"
)

func TestRequireReceiver(t *testing.T) {
	cfg := config.DefaultConfig()
	err := requireReceiver(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "receiver_address")

	cfg.ReceiverAddress = "0x000000000000000000000000000000000000dEaD"
	assert.NoError(t, requireReceiver(cfg))
}

func TestParseAmount(t *testing.T) {
	v, err := parseAmount("1.5", 6)
	require.NoError(t, err)
	assert.Zero(t, v.Cmp(big.NewInt(1_500_000)))

	_, err = parseAmount("0", 6)
	assert.Error(t, err)
	_, err = parseAmount("abc", 6)
	assert.Error(t, err)
}

func TestParseLeverage(t *testing.T) {
	v, err := parseLeverage("2.5")
	require.NoError(t, err)
	want, _ := new(big.Int).SetString("2500000000000000000", 10)
	assert.Zero(t, v.Cmp(want))
}

func TestParseInstruction(t *testing.T) {
	b, err := parseInstruction("0xcafe")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xca, 0xfe}, b)

	b, err = parseInstruction("")
	require.NoError(t, err)
	assert.Nil(t, b)

	_, err = parseInstruction("0xzz")
	assert.Error(t, err)
}
