package aave

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// AggregatorExecutor submits pre-built aggregator calldata on-chain,
// implementing swap.Aggregator. Transaction receipts carry no return
// data, so it always returns nil data and the swap adapter reconciles
// through its balance-delta fallback. Native value forwards through
// the transaction value; native output arrives at the signing account
// like any other balance.
type AggregatorExecutor struct {
	client *Client
	target common.Address
}

// NewAggregatorExecutor creates an executor for the aggregator router
// at target.
func NewAggregatorExecutor(client *Client, target common.Address) (*AggregatorExecutor, error) {
	if client == nil {
		return nil, fmt.Errorf("client cannot be nil")
	}
	if target == (common.Address{}) {
		return nil, fmt.Errorf("aggregator address cannot be zero")
	}
	return &AggregatorExecutor{client: client, target: target}, nil
}

// Execute implements swap.Aggregator.
func (a *AggregatorExecutor) Execute(ctx context.Context, instruction []byte, inputToken common.Address, inputAmount *big.Int, value *big.Int) ([]byte, error) {
	if len(instruction) == 0 {
		return nil, fmt.Errorf("empty instruction")
	}
	if err := a.client.submitRaw(ctx, a.target, instruction, value, "aggregator_swap"); err != nil {
		return nil, err
	}
	return nil, nil
}
