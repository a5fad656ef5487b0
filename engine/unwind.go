package engine

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/levbot/pool"
	"github.com/michaelpento.lv/levbot/sizing"
	levmath "github.com/michaelpento.lv/levbot/utils/math"
)

// UnwindParams describes a position unwind repaying DebtAmount of the
// debt asset. The swap instruction converts withdrawn collateral back
// into the debt asset.
type UnwindParams struct {
	Caller          common.Address
	CollateralToken common.Address
	DebtToken       common.Address
	DebtAmount      *big.Int
	SwapInstruction []byte
	MinSwapOutput   *big.Int
	Deadline        time.Time
}

// ComputeUnwindSizing exposes the unwind calculator read-only.
func (e *Engine) ComputeUnwindSizing(ctx context.Context, p UnwindParams) (*sizing.UnwindSizing, error) {
	collDec, err := e.reserveDecimals(ctx, p.CollateralToken)
	if err != nil {
		return nil, err
	}
	debtDec, err := e.reserveDecimals(ctx, p.DebtToken)
	if err != nil {
		return nil, err
	}
	return e.calc.ComputeUnwind(ctx, sizing.UnwindInputs{
		CollateralToken:    p.CollateralToken,
		DebtToken:          p.DebtToken,
		DebtAmount:         p.DebtAmount,
		CollateralDecimals: collDec,
		DebtDecimals:       debtDec,
	})
}

// UnwindPosition repays DebtAmount of debt with a flash loan, frees
// the matching collateral, swaps it back to the debt asset and repays
// the loan, all as one atomic unit. Owner only.
func (e *Engine) UnwindPosition(ctx context.Context, p UnwindParams) (err error) {
	if err := e.acquire(); err != nil {
		return err
	}
	defer e.release()

	start := e.now()
	defer func() {
		e.metrics.executionLatency.Observe(time.Since(start).Seconds())
		e.metrics.record(opUnwind.String(), err)
	}()

	if err = e.requireOwner(p.Caller); err != nil {
		return err
	}
	if p.CollateralToken == (common.Address{}) || p.DebtToken == (common.Address{}) {
		return ErrZeroAddress
	}
	if p.DebtAmount == nil || p.DebtAmount.Sign() <= 0 {
		return ErrZeroAmount
	}
	if err = e.checkDeadline(p.Deadline); err != nil {
		return err
	}
	if len(p.SwapInstruction) == 0 && p.CollateralToken != p.DebtToken {
		return ErrEmptyInstruction
	}

	sized, err := e.ComputeUnwindSizing(ctx, p)
	if err != nil {
		return fmt.Errorf("unwind sizing: %w", err)
	}

	fc := &flashContext{
		kind:   opUnwind,
		nonce:  e.newNonce(),
		caller: p.Caller,
		unwind: &unwindRequest{
			CollateralToken:      p.CollateralToken,
			DebtToken:            p.DebtToken,
			CollateralToWithdraw: sized.CollateralToWithdraw,
			DebtAmount:           p.DebtAmount,
			MinSwapOutput:        p.MinSwapOutput,
			SwapInstruction:      p.SwapInstruction,
		},
	}
	params, err := fc.encode()
	if err != nil {
		e.dropNonce(fc.nonce)
		return fmt.Errorf("encode context: %w", err)
	}

	e.logger.Info("Unwinding position",
		zap.String("collateral", p.CollateralToken.Hex()),
		zap.String("debt", p.DebtToken.Hex()),
		zap.String("debt_amount", p.DebtAmount.String()),
		zap.String("collateral_to_withdraw", sized.CollateralToWithdraw.String()))

	err = e.pool.FlashLoan(ctx, e, p.DebtToken, p.DebtAmount, params)
	e.dropNonce(fc.nonce)
	if err != nil {
		return fmt.Errorf("unwind flash loan: %w", err)
	}

	volume, _ := new(big.Float).SetInt(p.DebtAmount).Float64()
	e.metrics.totalVolume.Add(volume)
	return nil
}

// executeUnwind is the callback body of the unwind state machine.
func (e *Engine) executeUnwind(ctx context.Context, asset common.Address, amount, premium *big.Int, req *unwindRequest) error {
	// Defense against a malformed or misencoded context: the loaned
	// asset must be the debt asset the context claims.
	if asset != req.DebtToken {
		return ErrAssetMismatch
	}

	repaid, err := e.pool.Repay(ctx, req.DebtToken, amount, pool.RateModeVariable, e.self)
	if err != nil {
		return fmt.Errorf("repay: %w", err)
	}
	if repaid.Sign() == 0 {
		return fmt.Errorf("repay applied nothing: %w", ErrZeroAmount)
	}

	// Recompute the withdrawal from live state with the same
	// loan-to-value ratio the sizing side uses. The caller-supplied
	// figure is only accepted if the two agree within the slippage
	// buffer.
	collDec, err := e.reserveDecimals(ctx, req.CollateralToken)
	if err != nil {
		return err
	}
	debtDec, err := e.reserveDecimals(ctx, req.DebtToken)
	if err != nil {
		return err
	}
	live, err := e.calc.ComputeUnwind(ctx, sizing.UnwindInputs{
		CollateralToken:    req.CollateralToken,
		DebtToken:          req.DebtToken,
		DebtAmount:         repaid,
		CollateralDecimals: collDec,
		DebtDecimals:       debtDec,
	})
	if err != nil {
		return fmt.Errorf("live unwind sizing: %w", err)
	}
	drift := new(big.Int).Sub(live.CollateralToWithdraw, req.CollateralToWithdraw)
	if drift.Sign() < 0 {
		drift.Neg(drift)
	}
	if drift.Cmp(levmath.BpsMul(live.CollateralToWithdraw, e.calc.SlippageBps())) > 0 {
		return fmt.Errorf("requested %s live %s: %w",
			req.CollateralToWithdraw.String(), live.CollateralToWithdraw.String(), ErrSizingDrift)
	}

	withdrawn, err := e.pool.Withdraw(ctx, req.CollateralToken, live.CollateralToWithdraw, e.self)
	if err != nil {
		return fmt.Errorf("withdraw: %w", err)
	}
	if withdrawn.Sign() == 0 {
		return fmt.Errorf("withdraw returned nothing: %w", ErrZeroAmount)
	}

	// The pool may round the withdrawal down; the swap input is what
	// actually arrived, not what was requested.
	var realized *big.Int
	if req.CollateralToken == req.DebtToken {
		realized = new(big.Int).Set(withdrawn)
	} else {
		realized, err = e.swapper.ExecuteSwap(ctx, req.SwapInstruction,
			req.CollateralToken, withdrawn,
			req.DebtToken, req.MinSwapOutput,
			nativeValue(req.CollateralToken, withdrawn))
		if err != nil {
			return fmt.Errorf("swap: %w", err)
		}
	}

	owed := new(big.Int).Add(amount, premium)
	if realized.Cmp(owed) < 0 {
		return fmt.Errorf("realized %s owed %s: %w",
			realized.String(), owed.String(), ErrInsufficientReturnForRepayment)
	}

	if surplus := new(big.Int).Sub(realized, owed); surplus.Sign() > 0 {
		if err := e.pool.Supply(ctx, req.DebtToken, surplus, e.self); err != nil {
			return fmt.Errorf("surplus supply: %w", err)
		}
	}

	e.logger.Info("Unwind callback complete",
		zap.String("asset", asset.Hex()),
		zap.String("repaid", repaid.String()),
		zap.String("withdrawn", withdrawn.String()),
		zap.String("flash_owed", owed.String()),
		zap.String("realized", realized.String()))
	return nil
}
