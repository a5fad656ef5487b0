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
)

// OpenParams describes a position open. Leverage is WAD fixed point.
// The swap instruction is pre-built calldata converting the borrow
// asset into the collateral asset; it is unused when the two are the
// same token.
type OpenParams struct {
	Caller           common.Address
	CollateralToken  common.Address
	BorrowToken      common.Address
	CollateralAmount *big.Int
	Leverage         *big.Int
	SwapInstruction  []byte
	MinSwapOutput    *big.Int
	Deadline         time.Time
}

// ComputeOpenSizing exposes the calculator read-only, for callers that
// want to preview amounts before committing.
func (e *Engine) ComputeOpenSizing(ctx context.Context, p OpenParams) (*sizing.OpenSizing, error) {
	collDec, err := e.reserveDecimals(ctx, p.CollateralToken)
	if err != nil {
		return nil, err
	}
	borrowDec, err := e.reserveDecimals(ctx, p.BorrowToken)
	if err != nil {
		return nil, err
	}
	return e.calc.ComputeOpen(ctx, sizing.OpenInputs{
		CollateralToken:    p.CollateralToken,
		BorrowToken:        p.BorrowToken,
		CollateralAmount:   p.CollateralAmount,
		Leverage:           p.Leverage,
		CollateralDecimals: collDec,
		BorrowDecimals:     borrowDec,
	})
}

// OpenPosition opens a leveraged position as one atomic flash-loan
// unit: pull collateral, flash-loan the shortfall, supply, borrow,
// swap borrowings back to collateral, repay the loan, re-supply any
// surplus. Owner only.
func (e *Engine) OpenPosition(ctx context.Context, p OpenParams) (err error) {
	if err := e.acquire(); err != nil {
		return err
	}
	defer e.release()

	start := e.now()
	defer func() {
		e.metrics.executionLatency.Observe(time.Since(start).Seconds())
		e.metrics.record(opOpen.String(), err)
	}()

	if err = e.requireOwner(p.Caller); err != nil {
		return err
	}
	// Positions are held in wrapped tokens; the native-asset identity
	// is only valid inside the swap leg.
	if p.CollateralToken == (common.Address{}) || p.BorrowToken == (common.Address{}) {
		return ErrZeroAddress
	}
	if p.CollateralAmount == nil || p.CollateralAmount.Sign() <= 0 {
		return ErrZeroAmount
	}
	if err = e.checkDeadline(p.Deadline); err != nil {
		return err
	}
	if len(p.SwapInstruction) == 0 && p.CollateralToken != p.BorrowToken {
		return ErrEmptyInstruction
	}

	sized, err := e.ComputeOpenSizing(ctx, p)
	if err != nil {
		return fmt.Errorf("open sizing: %w", err)
	}

	// Pull the user's collateral into custody. The received amount is
	// what counts from here on; fee-on-transfer tokens deliver less
	// than requested.
	before, err := e.tokens.BalanceOf(ctx, p.CollateralToken, e.self)
	if err != nil {
		return fmt.Errorf("custody balance: %w", err)
	}
	if err = e.tokens.TransferFrom(ctx, p.CollateralToken, p.Caller, e.self, p.CollateralAmount); err != nil {
		return fmt.Errorf("collateral pull: %w", err)
	}
	after, err := e.tokens.BalanceOf(ctx, p.CollateralToken, e.self)
	if err != nil {
		return fmt.Errorf("custody balance: %w", err)
	}
	received := new(big.Int).Sub(after, before)
	if received.Sign() <= 0 {
		return ErrZeroAmount
	}

	fc := &flashContext{
		kind:   opOpen,
		nonce:  e.newNonce(),
		caller: p.Caller,
		open: &openRequest{
			CollateralToken:    p.CollateralToken,
			BorrowToken:        p.BorrowToken,
			CollateralReceived: received,
			BorrowAmount:       sized.BorrowAmount,
			MinSwapOutput:      p.MinSwapOutput,
			SwapInstruction:    p.SwapInstruction,
		},
	}
	params, err := fc.encode()
	if err != nil {
		e.dropNonce(fc.nonce)
		return fmt.Errorf("encode context: %w", err)
	}

	e.logger.Info("Opening position",
		zap.String("collateral", p.CollateralToken.Hex()),
		zap.String("borrow", p.BorrowToken.Hex()),
		zap.String("collateral_received", received.String()),
		zap.String("flash_loan_amount", sized.FlashLoanAmount.String()),
		zap.String("borrow_amount", sized.BorrowAmount.String()))

	err = e.pool.FlashLoan(ctx, e, p.CollateralToken, sized.FlashLoanAmount, params)
	e.dropNonce(fc.nonce)
	if err != nil {
		// The pool only rewinds its own state; the collateral pulled
		// above pre-dates the loan and travels back separately.
		if refundErr := e.tokens.Transfer(ctx, p.CollateralToken, p.Caller, received); refundErr != nil {
			e.logger.Error("Collateral refund failed",
				zap.String("token", p.CollateralToken.Hex()),
				zap.String("amount", received.String()),
				zap.Error(refundErr))
		}
		return fmt.Errorf("open flash loan: %w", err)
	}

	volume, _ := new(big.Float).SetInt(sized.FlashLoanAmount).Float64()
	e.metrics.totalVolume.Add(volume)
	return nil
}

// executeOpen is the callback body of the open state machine. Any
// returned error discards the entire flash-loan unit.
func (e *Engine) executeOpen(ctx context.Context, asset common.Address, amount, premium *big.Int, req *openRequest) error {
	if asset != req.CollateralToken {
		return ErrAssetMismatch
	}

	total := new(big.Int).Add(req.CollateralReceived, amount)
	if err := e.pool.Supply(ctx, req.CollateralToken, total, e.self); err != nil {
		return fmt.Errorf("supply: %w", err)
	}

	if err := e.pool.Borrow(ctx, req.BorrowToken, req.BorrowAmount, pool.RateModeVariable, e.self); err != nil {
		return fmt.Errorf("borrow: %w", err)
	}

	// Swap borrowings into the collateral asset. The expected-output
	// token handed to the adapter is the collateral asset; the
	// borrowed asset would make the fallback read the wrong balance.
	// Identical collateral and borrow asset needs no swap at all.
	var realized *big.Int
	if req.BorrowToken == req.CollateralToken {
		realized = new(big.Int).Set(req.BorrowAmount)
	} else {
		var err error
		realized, err = e.swapper.ExecuteSwap(ctx, req.SwapInstruction,
			req.BorrowToken, req.BorrowAmount,
			req.CollateralToken, req.MinSwapOutput,
			nativeValue(req.BorrowToken, req.BorrowAmount))
		if err != nil {
			return fmt.Errorf("swap: %w", err)
		}
	}

	owed := new(big.Int).Add(amount, premium)
	if realized.Cmp(owed) < 0 {
		return fmt.Errorf("realized %s owed %s: %w",
			realized.String(), owed.String(), ErrInsufficientReturnForRepayment)
	}

	// Surplus above the flash debt stays in the position rather than
	// being refunded to the caller.
	if surplus := new(big.Int).Sub(realized, owed); surplus.Sign() > 0 {
		if err := e.pool.Supply(ctx, req.CollateralToken, surplus, e.self); err != nil {
			return fmt.Errorf("surplus supply: %w", err)
		}
	}

	if err := e.healthFactorAbove(ctx, wadOne); err != nil {
		return err
	}

	e.logger.Info("Open callback complete",
		zap.String("asset", asset.Hex()),
		zap.String("flash_owed", owed.String()),
		zap.String("realized", realized.String()))
	return nil
}
