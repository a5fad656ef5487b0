package cmd

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/levbot/config"
	"github.com/michaelpento.lv/levbot/engine"
	"github.com/michaelpento.lv/levbot/oracle"
	"github.com/michaelpento.lv/levbot/pool/aave"
	"github.com/michaelpento.lv/levbot/sizing"
	"github.com/michaelpento.lv/levbot/swap"
)

// stack is the fully wired engine and its collaborators.
type stack struct {
	cfg      *config.Config
	client   *aave.Client
	registry *oracle.Registry
	calc     *sizing.Calculator
	engine   *engine.Engine
	owner    common.Address
}

// buildStack wires the on-chain clients, oracle registry, calculator,
// swap adapter and engine from the config file and environment.
func buildStack(log *zap.Logger) (*stack, error) {
	_ = config.LoadEnv()

	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	keyHex, err := config.GetRequiredEnv(config.EnvPrivateKey)
	if err != nil {
		return nil, err
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	eth, err := ethclient.Dial(cfg.RPCEndpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to node: %w", err)
	}

	client, err := aave.NewClient(eth, aave.Config{
		PoolAddress:       common.HexToAddress(cfg.PoolAddress),
		ChainID:           new(big.Int).SetUint64(cfg.ChainID),
		GasLimit:          cfg.GasLimit,
		RequestsPerSecond: cfg.RPCRateLimit.RequestsPerSecond,
		Burst:             cfg.RPCRateLimit.BurstSize,
	}, key, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool client: %w", err)
	}

	owner := common.HexToAddress(cfg.OwnerAddress)

	var sequencer oracle.SequencerFeed
	if cfg.SequencerFeed != "" {
		sequencer, err = oracle.NewSequencerUptimeFeed(eth, common.HexToAddress(cfg.SequencerFeed), log)
		if err != nil {
			return nil, fmt.Errorf("failed to create sequencer feed: %w", err)
		}
	}
	registry, err := oracle.NewRegistry(owner, sequencer, cfg.SequencerGracePeriod, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create oracle registry: %w", err)
	}
	for token, feedCfg := range cfg.Feeds {
		feed, err := oracle.NewChainlinkFeed(eth, common.HexToAddress(feedCfg.Feed), log)
		if err != nil {
			return nil, fmt.Errorf("failed to create feed for %s: %w", token, err)
		}
		maxAge := feedCfg.MaxAge
		if maxAge == 0 {
			maxAge = cfg.MaxFeedAge
		}
		if err := registry.SetFeed(owner, common.HexToAddress(token), feed, maxAge); err != nil {
			return nil, fmt.Errorf("failed to register feed for %s: %w", token, err)
		}
	}

	calc, err := sizing.NewCalculator(registry, client, cfg.SlippageBufferBps, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create calculator: %w", err)
	}

	tokens, err := aave.NewTokenBackend(client)
	if err != nil {
		return nil, fmt.Errorf("failed to create token backend: %w", err)
	}
	executor, err := aave.NewAggregatorExecutor(client, common.HexToAddress(cfg.AggregatorAddress))
	if err != nil {
		return nil, fmt.Errorf("failed to create aggregator executor: %w", err)
	}
	adapter, err := swap.NewAdapter(executor, tokens, client.From(), log)
	if err != nil {
		return nil, fmt.Errorf("failed to create swap adapter: %w", err)
	}

	// The engine's on-chain identity is the deployed receiver
	// contract; the flash-loan callback executes there, never on the
	// signing account. Without one, only read-only commands work.
	self := client.From()
	if cfg.ReceiverAddress != "" {
		self = common.HexToAddress(cfg.ReceiverAddress)
	}
	eng, err := engine.New(client, common.HexToAddress(cfg.PoolAddress), tokens, calc, adapter, self, owner, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	return &stack{
		cfg:      cfg,
		client:   client,
		registry: registry,
		calc:     calc,
		engine:   eng,
		owner:    owner,
	}, nil
}

// requireReceiver gates mutating commands. The pool invokes the
// flash-loan callback on the receiver contract, so submitting open or
// unwind with only a signing key would revert on-chain.
func requireReceiver(cfg *config.Config) error {
	if cfg.ReceiverAddress == "" {
		return fmt.Errorf("receiver_address must be configured: open and unwind execute inside a deployed flash-loan receiver contract")
	}
	return nil
}

// parseAmount converts a human decimal amount to raw token units.
func parseAmount(s string, decimals uint8) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if d.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	return d.Shift(int32(decimals)).BigInt(), nil
}

// parseLeverage converts a human leverage multiple to WAD fixed point.
func parseLeverage(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid leverage %q: %w", s, err)
	}
	return d.Shift(18).BigInt(), nil
}

// formatAmount renders raw token units as a human decimal string.
func formatAmount(v *big.Int, decimals uint8) string {
	return decimal.NewFromBigInt(v, -int32(decimals)).String()
}
