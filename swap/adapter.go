// Package swap executes pre-built aggregator instructions and
// reconciles the realized output amount.
package swap

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/levbot/pool"
)

var (
	ErrSwapFailed         = errors.New("swap call failed")
	ErrInsufficientOutput = errors.New("swap output below minimum")
	ErrEmptyInstruction   = errors.New("empty swap instruction")
)

// Aggregator is the external swap executor. The instruction is opaque
// calldata built off-path; value carries native funds into the call.
// The return data, when 32 bytes or longer, encodes the realized
// output amount in its first word; aggregators that return nothing are
// handled by the adapter's balance-delta fallback.
type Aggregator interface {
	Execute(ctx context.Context, instruction []byte, inputToken common.Address, inputAmount *big.Int, value *big.Int) ([]byte, error)
}

// Adapter invokes the aggregator and determines the realized output.
// It supports native value in both directions: value is forwarded into
// the call, and native output is read back through the token backend's
// native balance.
type Adapter struct {
	agg    Aggregator
	tokens pool.TokenBackend
	self   common.Address
	logger *zap.Logger
}

// NewAdapter creates a swap adapter operating from the self account.
func NewAdapter(agg Aggregator, tokens pool.TokenBackend, self common.Address, logger *zap.Logger) (*Adapter, error) {
	if agg == nil {
		return nil, fmt.Errorf("aggregator cannot be nil")
	}
	if tokens == nil {
		return nil, fmt.Errorf("token backend cannot be nil")
	}
	if self == (common.Address{}) {
		return nil, fmt.Errorf("self address cannot be zero")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	return &Adapter{agg: agg, tokens: tokens, self: self, logger: logger}, nil
}

// ExecuteSwap runs the instruction and returns the realized output of
// outputToken. The pre-call balance is always recorded so the fallback
// stays correct when input and output token are the same asset; the
// fallback measures outputToken, never the token that was spent.
func (a *Adapter) ExecuteSwap(ctx context.Context, instruction []byte, inputToken common.Address, inputAmount *big.Int, outputToken common.Address, minOutput, value *big.Int) (*big.Int, error) {
	if len(instruction) == 0 {
		return nil, ErrEmptyInstruction
	}
	if minOutput == nil {
		minOutput = new(big.Int)
	}
	if value == nil {
		value = new(big.Int)
	}

	pre, err := a.tokens.BalanceOf(ctx, outputToken, a.self)
	if err != nil {
		return nil, fmt.Errorf("pre-swap balance: %w", err)
	}

	ret, err := a.agg.Execute(ctx, instruction, inputToken, inputAmount, value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSwapFailed, err)
	}

	var realized *big.Int
	if len(ret) >= 32 {
		realized = new(big.Int).SetBytes(ret[:32])
	} else {
		post, err := a.tokens.BalanceOf(ctx, outputToken, a.self)
		if err != nil {
			return nil, fmt.Errorf("post-swap balance: %w", err)
		}
		realized = new(big.Int).Sub(post, pre)
		if realized.Sign() < 0 {
			realized.SetInt64(0)
		}
	}

	if realized.Cmp(minOutput) < 0 {
		return nil, fmt.Errorf("realized %s below minimum %s: %w",
			realized.String(), minOutput.String(), ErrInsufficientOutput)
	}

	a.logger.Debug("Swap executed",
		zap.String("output_token", outputToken.Hex()),
		zap.String("realized", realized.String()),
		zap.Bool("balance_delta_fallback", len(ret) < 32))

	return realized, nil
}
