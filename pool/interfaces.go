// Package pool defines the lending-pool collaborator surface. The
// pool is the single source of truth for collateral and debt; nothing
// in this repo caches position state across calls.
package pool

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Expected, recoverable protocol failures. A frozen reserve or an
// exceeded cap is a normal answer from the pool, not a bug.
var (
	ErrReserveInactive        = errors.New("reserve is inactive")
	ErrReserveFrozen          = errors.New("reserve is frozen")
	ErrBorrowCapExceeded      = errors.New("borrow cap exceeded")
	ErrSupplyCapExceeded      = errors.New("supply cap exceeded")
	ErrInsufficientLiquidity  = errors.New("insufficient pool liquidity")
	ErrInsufficientCollateral = errors.New("insufficient collateral for borrow")
	ErrInsufficientBalance    = errors.New("insufficient token balance")
	ErrFlashLoanNotRepaid     = errors.New("flash loan not repaid")
	ErrNoReserve              = errors.New("no such reserve")
)

// RateMode selects the borrow interest mode, Aave numbering.
type RateMode uint8

const (
	RateModeStable   RateMode = 1
	RateModeVariable RateMode = 2
)

// ReserveConfig is the per-asset configuration read back from the
// pool. Ratios are in basis points. A nil cap means no cap.
type ReserveConfig struct {
	Decimals                uint8
	LTVBps                  uint16
	LiquidationThresholdBps uint16
	Active                  bool
	Frozen                  bool
	BorrowCap               *big.Int
	SupplyCap               *big.Int
}

// AccountData aggregates a user's live position. Values are WAD.
// HealthFactor is nil when the account carries no debt.
type AccountData struct {
	TotalCollateralValue *big.Int
	TotalDebtValue       *big.Int
	HealthFactor         *big.Int
}

// FlashLoanReceiver is the inbound callback contract. The pool invokes
// OnFlashLoan while the loaned funds sit at Address(); the receiver
// must leave principal+premium spendable before returning.
type FlashLoanReceiver interface {
	Address() common.Address
	OnFlashLoan(ctx context.Context, caller, asset common.Address, amount, premium *big.Int, initiator common.Address, params []byte) error
}

// Pool is the lending-pool collaborator.
type Pool interface {
	Supply(ctx context.Context, asset common.Address, amount *big.Int, onBehalfOf common.Address) error
	Borrow(ctx context.Context, asset common.Address, amount *big.Int, mode RateMode, onBehalfOf common.Address) error
	// Repay returns the amount actually applied to the debt, which is
	// capped at the outstanding debt.
	Repay(ctx context.Context, asset common.Address, amount *big.Int, mode RateMode, onBehalfOf common.Address) (*big.Int, error)
	// Withdraw returns the amount actually sent, which may be below
	// the request when liquidity or the supplied balance falls short.
	Withdraw(ctx context.Context, asset common.Address, amount *big.Int, to common.Address) (*big.Int, error)
	// FlashLoan draws amount of asset to the receiver, invokes its
	// callback and reclaims principal+premium, all as one atomic unit.
	FlashLoan(ctx context.Context, receiver FlashLoanReceiver, asset common.Address, amount *big.Int, params []byte) error
	ReserveConfig(ctx context.Context, asset common.Address) (*ReserveConfig, error)
	AccountData(ctx context.Context, user common.Address) (*AccountData, error)
	FlashLoanPremiumBps(ctx context.Context) (uint16, error)
}

// TokenBackend moves and reads token balances on behalf of one
// account (the engine's). The zero address denotes the native asset.
type TokenBackend interface {
	BalanceOf(ctx context.Context, token, account common.Address) (*big.Int, error)
	Transfer(ctx context.Context, token, to common.Address, amount *big.Int) error
	TransferFrom(ctx context.Context, token, from, to common.Address, amount *big.Int) error
}

// NativeToken is the token identity used for the chain's native asset.
var NativeToken = common.Address{}
