// Package aave is the on-chain lending-pool client. It wires the
// pool.Pool surface to an Aave-v3-compatible deployment: view calls go
// out directly, mutating operations are signed and submitted as
// transactions whose atomicity the chain itself guarantees.
package aave

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/michaelpento.lv/levbot/pool"
	levmath "github.com/michaelpento.lv/levbot/utils/math"
)

// Aave v3 pool ABI, the subset this client drives
const poolABI = `[
	{
		"inputs": [
			{"internalType": "address", "name": "asset", "type": "address"},
			{"internalType": "uint256", "name": "amount", "type": "uint256"},
			{"internalType": "address", "name": "onBehalfOf", "type": "address"},
			{"internalType": "uint16", "name": "referralCode", "type": "uint16"}
		],
		"name": "supply",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{"internalType": "address", "name": "asset", "type": "address"},
			{"internalType": "uint256", "name": "amount", "type": "uint256"},
			{"internalType": "uint256", "name": "interestRateMode", "type": "uint256"},
			{"internalType": "uint16", "name": "referralCode", "type": "uint16"},
			{"internalType": "address", "name": "onBehalfOf", "type": "address"}
		],
		"name": "borrow",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{"internalType": "address", "name": "asset", "type": "address"},
			{"internalType": "uint256", "name": "amount", "type": "uint256"},
			{"internalType": "uint256", "name": "interestRateMode", "type": "uint256"},
			{"internalType": "address", "name": "onBehalfOf", "type": "address"}
		],
		"name": "repay",
		"outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{"internalType": "address", "name": "asset", "type": "address"},
			{"internalType": "uint256", "name": "amount", "type": "uint256"},
			{"internalType": "address", "name": "to", "type": "address"}
		],
		"name": "withdraw",
		"outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{"internalType": "address", "name": "receiverAddress", "type": "address"},
			{"internalType": "address", "name": "asset", "type": "address"},
			{"internalType": "uint256", "name": "amount", "type": "uint256"},
			{"internalType": "bytes", "name": "params", "type": "bytes"},
			{"internalType": "uint16", "name": "referralCode", "type": "uint16"}
		],
		"name": "flashLoanSimple",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [{"internalType": "address", "name": "asset", "type": "address"}],
		"name": "getConfiguration",
		"outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [{"internalType": "address", "name": "user", "type": "address"}],
		"name": "getUserAccountData",
		"outputs": [
			{"internalType": "uint256", "name": "totalCollateralBase", "type": "uint256"},
			{"internalType": "uint256", "name": "totalDebtBase", "type": "uint256"},
			{"internalType": "uint256", "name": "availableBorrowsBase", "type": "uint256"},
			{"internalType": "uint256", "name": "currentLiquidationThreshold", "type": "uint256"},
			{"internalType": "uint256", "name": "ltv", "type": "uint256"},
			{"internalType": "uint256", "name": "healthFactor", "type": "uint256"}
		],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "FLASHLOAN_PREMIUM_TOTAL",
		"outputs": [{"internalType": "uint128", "name": "", "type": "uint128"}],
		"stateMutability": "view",
		"type": "function"
	}
]`

// Reserve configuration bitmap layout (Aave v3 ReserveConfiguration)
const (
	cfgLTVBits          = 0
	cfgLiqThresholdBits = 16
	cfgDecimalsBits     = 48
	cfgActiveBit        = 56
	cfgFrozenBit        = 57
	cfgBorrowCapBits    = 80
	cfgSupplyCapBits    = 116
	cfgCapWidth         = 36
)

// Config parameterizes the on-chain client.
type Config struct {
	PoolAddress       common.Address
	ChainID           *big.Int
	GasLimit          uint64
	RequestsPerSecond float64
	Burst             int
}

// Client implements pool.Pool against a deployed pool contract.
type Client struct {
	client  *ethclient.Client
	cfg     Config
	abi     abi.ABI
	key     *ecdsa.PrivateKey
	from    common.Address
	signer  types.Signer
	limiter *rate.Limiter
	logger  *zap.Logger
	metrics struct {
		calls     prometheus.CounterVec
		latency   prometheus.Histogram
		liquidity prometheus.GaugeVec
	}
}

// NewClient creates a pool client signing with key.
func NewClient(client *ethclient.Client, cfg Config, key *ecdsa.PrivateKey, logger *zap.Logger) (*Client, error) {
	if client == nil {
		return nil, fmt.Errorf("ethclient cannot be nil")
	}
	if cfg.PoolAddress == (common.Address{}) {
		return nil, fmt.Errorf("pool address cannot be zero")
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("invalid chain id")
	}
	if key == nil {
		return nil, fmt.Errorf("private key cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 20
	}
	if cfg.GasLimit == 0 {
		cfg.GasLimit = 1_200_000
	}

	parsedABI, err := abi.JSON(strings.NewReader(poolABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ABI: %w", err)
	}

	c := &Client{
		client:  client,
		cfg:     cfg,
		abi:     parsedABI,
		key:     key,
		from:    crypto.PubkeyToAddress(key.PublicKey),
		signer:  types.LatestSignerForChainID(cfg.ChainID),
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		logger:  logger,
	}

	c.metrics.calls = *prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "levbot_pool_calls_total",
		Help: "Pool contract calls by method",
	}, []string{"method"})
	c.metrics.latency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "levbot_pool_call_latency_seconds",
		Help:    "Latency of pool contract calls",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
	})
	c.metrics.liquidity = *prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "levbot_pool_liquidity",
		Help: "Observed pool liquidity per asset",
	}, []string{"asset"})

	return c, nil
}

// From returns the signing account, the engine's on-chain identity.
func (c *Client) From() common.Address { return c.from }

func (c *Client) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	start := time.Now()
	defer func() { c.metrics.latency.Observe(time.Since(start).Seconds()) }()
	c.metrics.calls.WithLabelValues(method).Inc()

	callData, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}
	result, err := c.client.CallContract(ctx, ethereum.CallMsg{
		To:   &c.cfg.PoolAddress,
		Data: callData,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("%s call failed: %w", method, err)
	}
	values, err := c.abi.Unpack(method, result)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s: %w", method, err)
	}
	return values, nil
}

// transact packs, signs and submits a state-mutating pool call, then
// waits for its receipt. A reverted transaction is an error.
func (c *Client) transact(ctx context.Context, method string, args ...interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	start := time.Now()
	defer func() { c.metrics.latency.Observe(time.Since(start).Seconds()) }()
	c.metrics.calls.WithLabelValues(method).Inc()

	callData, err := c.abi.Pack(method, args...)
	if err != nil {
		return fmt.Errorf("failed to pack %s: %w", method, err)
	}
	return c.submitRaw(ctx, c.cfg.PoolAddress, callData, nil, method)
}

// submitRaw signs and submits calldata to an arbitrary contract and
// waits for a successful receipt.
func (c *Client) submitRaw(ctx context.Context, to common.Address, callData []byte, value *big.Int, method string) error {
	if value == nil {
		value = big.NewInt(0)
	}
	nonce, err := c.client.PendingNonceAt(ctx, c.from)
	if err != nil {
		return fmt.Errorf("failed to get nonce: %w", err)
	}
	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return fmt.Errorf("failed to get gas price: %w", err)
	}

	tx := types.NewTransaction(nonce, to, value, c.cfg.GasLimit, gasPrice, callData)
	signed, err := types.SignTx(tx, c.signer, c.key)
	if err != nil {
		return fmt.Errorf("failed to sign %s: %w", method, err)
	}
	if err := c.client.SendTransaction(ctx, signed); err != nil {
		return fmt.Errorf("failed to send %s: %w", method, err)
	}

	receipt, err := c.waitMined(ctx, signed.Hash())
	if err != nil {
		return err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("%s transaction reverted: %s", method, signed.Hash().Hex())
	}
	c.logger.Debug("Pool transaction mined",
		zap.String("method", method),
		zap.String("tx", signed.Hash().Hex()),
		zap.Uint64("gas_used", receipt.GasUsed))
	return nil
}

func (c *Client) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		receipt, err := c.client.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Supply implements pool.Pool.
func (c *Client) Supply(ctx context.Context, asset common.Address, amount *big.Int, onBehalfOf common.Address) error {
	return c.transact(ctx, "supply", asset, amount, onBehalfOf, uint16(0))
}

// Borrow implements pool.Pool.
func (c *Client) Borrow(ctx context.Context, asset common.Address, amount *big.Int, mode pool.RateMode, onBehalfOf common.Address) error {
	return c.transact(ctx, "borrow", asset, amount, big.NewInt(int64(mode)), uint16(0), onBehalfOf)
}

// Repay implements pool.Pool. The on-chain repay caps at the
// outstanding debt itself; the submitted amount is returned as the
// applied amount once the transaction succeeds.
func (c *Client) Repay(ctx context.Context, asset common.Address, amount *big.Int, mode pool.RateMode, onBehalfOf common.Address) (*big.Int, error) {
	if err := c.transact(ctx, "repay", asset, amount, big.NewInt(int64(mode)), onBehalfOf); err != nil {
		return nil, err
	}
	return new(big.Int).Set(amount), nil
}

// Withdraw implements pool.Pool.
func (c *Client) Withdraw(ctx context.Context, asset common.Address, amount *big.Int, to common.Address) (*big.Int, error) {
	if err := c.transact(ctx, "withdraw", asset, amount, to); err != nil {
		return nil, err
	}
	return new(big.Int).Set(amount), nil
}

// FlashLoan implements pool.Pool. On-chain, the callback runs inside
// the deployed receiver contract; this client submits the draw-down
// and the chain enforces same-transaction repayment.
func (c *Client) FlashLoan(ctx context.Context, receiver pool.FlashLoanReceiver, asset common.Address, amount *big.Int, params []byte) error {
	if receiver == nil {
		return fmt.Errorf("receiver cannot be nil")
	}
	// The pool calls executeOperation on the receiver; a plain signing
	// account cannot answer it and the draw-down would revert.
	if receiver.Address() == c.From() {
		return fmt.Errorf("flash loan receiver must be a deployed contract, not the signing account")
	}
	return c.transact(ctx, "flashLoanSimple", receiver.Address(), asset, amount, params, uint16(0))
}

// ReserveConfig implements pool.Pool, decoding the v3 configuration
// bitmap.
func (c *Client) ReserveConfig(ctx context.Context, asset common.Address) (*pool.ReserveConfig, error) {
	values, err := c.call(ctx, "getConfiguration", asset)
	if err != nil {
		return nil, err
	}
	bitmap, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected configuration type")
	}
	if bitmap.Sign() == 0 {
		return nil, pool.ErrNoReserve
	}
	return decodeConfiguration(bitmap), nil
}

func bits(bitmap *big.Int, shift, width uint) *big.Int {
	mask := new(big.Int).Lsh(big.NewInt(1), width)
	mask.Sub(mask, big.NewInt(1))
	out := new(big.Int).Rsh(bitmap, shift)
	return out.And(out, mask)
}

func decodeConfiguration(bitmap *big.Int) *pool.ReserveConfig {
	cfg := &pool.ReserveConfig{
		LTVBps:                  uint16(bits(bitmap, cfgLTVBits, 16).Uint64()),
		LiquidationThresholdBps: uint16(bits(bitmap, cfgLiqThresholdBits, 16).Uint64()),
		Decimals:                uint8(bits(bitmap, cfgDecimalsBits, 8).Uint64()),
		Active:                  bits(bitmap, cfgActiveBit, 1).Sign() > 0,
		Frozen:                  bits(bitmap, cfgFrozenBit, 1).Sign() > 0,
	}
	// Caps are stored in whole tokens; zero means uncapped.
	if borrowCap := bits(bitmap, cfgBorrowCapBits, cfgCapWidth); borrowCap.Sign() > 0 {
		cfg.BorrowCap = levmath.ScaleDecimals(borrowCap, 0, cfg.Decimals)
	}
	if supplyCap := bits(bitmap, cfgSupplyCapBits, cfgCapWidth); supplyCap.Sign() > 0 {
		cfg.SupplyCap = levmath.ScaleDecimals(supplyCap, 0, cfg.Decimals)
	}
	return cfg
}

// AccountData implements pool.Pool.
func (c *Client) AccountData(ctx context.Context, user common.Address) (*pool.AccountData, error) {
	values, err := c.call(ctx, "getUserAccountData", user)
	if err != nil {
		return nil, err
	}
	if len(values) != 6 {
		return nil, fmt.Errorf("unexpected getUserAccountData arity: %d", len(values))
	}
	collateral, _ := values[0].(*big.Int)
	debt, _ := values[1].(*big.Int)
	health, _ := values[5].(*big.Int)
	if collateral == nil || debt == nil {
		return nil, fmt.Errorf("unexpected account data types")
	}

	data := &pool.AccountData{
		TotalCollateralValue: collateral,
		TotalDebtValue:       debt,
	}
	if debt.Sign() > 0 {
		data.HealthFactor = health
	}
	return data, nil
}

// FlashLoanPremiumBps implements pool.Pool.
func (c *Client) FlashLoanPremiumBps(ctx context.Context) (uint16, error) {
	values, err := c.call(ctx, "FLASHLOAN_PREMIUM_TOTAL")
	if err != nil {
		return 0, err
	}
	premium, ok := values[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("unexpected premium type")
	}
	return uint16(premium.Uint64()), nil
}

// ObserveLiquidity records an asset's pool balance in the liquidity
// gauge, for operational dashboards.
func (c *Client) ObserveLiquidity(asset common.Address, balance *big.Int) {
	f, _ := new(big.Float).SetInt(balance).Float64()
	c.metrics.liquidity.WithLabelValues(asset.Hex()).Set(f)
}
