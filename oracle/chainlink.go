package oracle

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
)

// AggregatorV3 ABI, the subset needed for validated reads
const aggregatorV3ABI = `[
	{
		"inputs": [],
		"name": "latestRoundData",
		"outputs": [
			{"internalType": "uint80", "name": "roundId", "type": "uint80"},
			{"internalType": "int256", "name": "answer", "type": "int256"},
			{"internalType": "uint256", "name": "startedAt", "type": "uint256"},
			{"internalType": "uint256", "name": "updatedAt", "type": "uint256"},
			{"internalType": "uint80", "name": "answeredInRound", "type": "uint80"}
		],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "decimals",
		"outputs": [{"internalType": "uint8", "name": "", "type": "uint8"}],
		"stateMutability": "view",
		"type": "function"
	}
]`

// ContractCaller is the read-only subset of an Ethereum client used by
// feed clients. *ethclient.Client satisfies it.
type ContractCaller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// decimalsCache holds feed decimal precision keyed by feed address.
// Decimals are immutable on-chain; prices themselves are never cached.
var decimalsCache, _ = lru.New(256)

// ChainlinkFeed reads an AggregatorV3-compatible on-chain feed. Round
// data is read fresh on every call.
type ChainlinkFeed struct {
	client  ContractCaller
	address common.Address
	abi     abi.ABI
	logger  *zap.Logger
}

// NewChainlinkFeed creates a feed client for the aggregator at address.
func NewChainlinkFeed(client ContractCaller, address common.Address, logger *zap.Logger) (*ChainlinkFeed, error) {
	if client == nil {
		return nil, fmt.Errorf("client cannot be nil")
	}
	if address == (common.Address{}) {
		return nil, ErrZeroAddress
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	parsedABI, err := abi.JSON(strings.NewReader(aggregatorV3ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ABI: %w", err)
	}

	return &ChainlinkFeed{
		client:  client,
		address: address,
		abi:     parsedABI,
		logger:  logger,
	}, nil
}

// LatestRoundData fetches the current round from the aggregator.
func (f *ChainlinkFeed) LatestRoundData(ctx context.Context) (*RoundData, error) {
	callData, err := f.abi.Pack("latestRoundData")
	if err != nil {
		return nil, fmt.Errorf("failed to pack latestRoundData: %w", err)
	}

	result, err := f.client.CallContract(ctx, ethereum.CallMsg{
		To:   &f.address,
		Data: callData,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("feed call failed: %w", err)
	}

	values, err := f.abi.Unpack("latestRoundData", result)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack latestRoundData: %w", err)
	}
	if len(values) != 5 {
		return nil, fmt.Errorf("unexpected latestRoundData arity: %d", len(values))
	}

	roundID, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected roundId type")
	}
	answer, ok := values[1].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected answer type")
	}
	startedAt, ok := values[2].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected startedAt type")
	}
	updatedAt, ok := values[3].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected updatedAt type")
	}
	answeredInRound, ok := values[4].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected answeredInRound type")
	}

	round := &RoundData{
		RoundID:         roundID,
		Answer:          answer,
		AnsweredInRound: answeredInRound,
	}
	if startedAt.Sign() > 0 {
		round.StartedAt = time.Unix(startedAt.Int64(), 0)
	}
	if updatedAt.Sign() > 0 {
		round.UpdatedAt = time.Unix(updatedAt.Int64(), 0)
	}
	return round, nil
}

// Decimals returns the feed's decimal precision, cached after the
// first read.
func (f *ChainlinkFeed) Decimals(ctx context.Context) (uint8, error) {
	if cached, ok := decimalsCache.Get(f.address); ok {
		return cached.(uint8), nil
	}

	callData, err := f.abi.Pack("decimals")
	if err != nil {
		return 0, fmt.Errorf("failed to pack decimals: %w", err)
	}

	result, err := f.client.CallContract(ctx, ethereum.CallMsg{
		To:   &f.address,
		Data: callData,
	}, nil)
	if err != nil {
		return 0, fmt.Errorf("decimals call failed: %w", err)
	}

	values, err := f.abi.Unpack("decimals", result)
	if err != nil {
		return 0, fmt.Errorf("failed to unpack decimals: %w", err)
	}
	decimals, ok := values[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("unexpected decimals type")
	}

	decimalsCache.Add(f.address, decimals)
	return decimals, nil
}

// SequencerUptimeFeed reads a sequencer uptime aggregator. Answer 0
// means up, 1 means down; startedAt marks the start of the current
// status period.
type SequencerUptimeFeed struct {
	feed *ChainlinkFeed
}

// NewSequencerUptimeFeed wraps the uptime aggregator at address.
func NewSequencerUptimeFeed(client ContractCaller, address common.Address, logger *zap.Logger) (*SequencerUptimeFeed, error) {
	feed, err := NewChainlinkFeed(client, address, logger)
	if err != nil {
		return nil, err
	}
	return &SequencerUptimeFeed{feed: feed}, nil
}

// Status implements SequencerFeed. The status period starts at the
// round's startedAt; updatedAt only tracks the latest heartbeat.
func (s *SequencerUptimeFeed) Status(ctx context.Context) (bool, time.Time, error) {
	round, err := s.feed.LatestRoundData(ctx)
	if err != nil {
		return false, time.Time{}, err
	}
	up := round.Answer != nil && round.Answer.Sign() == 0
	return up, round.StartedAt, nil
}
