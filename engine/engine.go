// Package engine orchestrates leveraged-position opens and unwinds as
// single atomic flash-loan units against a lending pool. The position
// itself has no local representation: collateral and debt live in the
// pool and are re-read at the start of every operation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/levbot/pool"
	"github.com/michaelpento.lv/levbot/sizing"
	levmath "github.com/michaelpento.lv/levbot/utils/math"
)

var (
	ErrNotOwner                       = errors.New("caller is not the owner")
	ErrNotPendingOwner                = errors.New("caller is not the pending owner")
	ErrReentrantCall                  = errors.New("reentrant call")
	ErrDeadlineExpired                = errors.New("deadline expired")
	ErrZeroAddress                    = errors.New("zero address")
	ErrZeroAmount                     = errors.New("amount must be positive")
	ErrEmptyInstruction               = errors.New("empty swap instruction")
	ErrUntrustedCaller                = errors.New("flash loan callback from untrusted caller")
	ErrUntrustedInitiator             = errors.New("flash loan initiated by another party")
	ErrEmptyParams                    = errors.New("empty flash loan params")
	ErrAssetMismatch                  = errors.New("flash loan asset does not match operation asset")
	ErrInsufficientReturnForRepayment = errors.New("swap output cannot cover flash loan repayment")
	ErrUnhealthyPosition              = errors.New("resulting position would be unhealthy")
	ErrSizingDrift                    = errors.New("live unwind sizing drifted beyond slippage buffer")
)

// Swapper executes a pre-built aggregator instruction and returns the
// realized output. *swap.Adapter satisfies it.
type Swapper interface {
	ExecuteSwap(ctx context.Context, instruction []byte, inputToken common.Address, inputAmount *big.Int, outputToken common.Address, minOutput, value *big.Int) (*big.Int, error)
}

// Engine is the leveraged-position orchestrator. One operation runs at
// a time; a nested entry during the swap step fails with
// ErrReentrantCall and the outer unit rolls back.
type Engine struct {
	pool     pool.Pool
	tokens   pool.TokenBackend
	calc     *sizing.Calculator
	swapper  Swapper
	self     common.Address
	poolAddr common.Address
	logger   *zap.Logger
	metrics  *engineMetrics

	ownerMu      sync.Mutex
	owner        common.Address
	pendingOwner common.Address

	busy      atomic.Bool
	nonceSeq  atomic.Uint64
	pendingMu sync.Mutex
	pending   map[uint64]struct{}

	now func() time.Time
}

// New creates an engine operating from the self account against p.
// poolAddr is the identity the flash-loan callback must arrive from.
func New(p pool.Pool, poolAddr common.Address, tokens pool.TokenBackend, calc *sizing.Calculator, swapper Swapper, self, owner common.Address, logger *zap.Logger) (*Engine, error) {
	if p == nil {
		return nil, fmt.Errorf("pool cannot be nil")
	}
	if tokens == nil {
		return nil, fmt.Errorf("token backend cannot be nil")
	}
	if calc == nil {
		return nil, fmt.Errorf("calculator cannot be nil")
	}
	if swapper == nil {
		return nil, fmt.Errorf("swapper cannot be nil")
	}
	if self == (common.Address{}) || owner == (common.Address{}) || poolAddr == (common.Address{}) {
		return nil, ErrZeroAddress
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	return &Engine{
		pool:     p,
		poolAddr: poolAddr,
		tokens:   tokens,
		calc:     calc,
		swapper:  swapper,
		self:     self,
		owner:    owner,
		logger:   logger,
		metrics:  newEngineMetrics(),
		pending:  make(map[uint64]struct{}),
		now:      time.Now,
	}, nil
}

// Address implements pool.FlashLoanReceiver.
func (e *Engine) Address() common.Address { return e.self }

// Owner returns the current owner.
func (e *Engine) Owner() common.Address {
	e.ownerMu.Lock()
	defer e.ownerMu.Unlock()
	return e.owner
}

// ProposeOwner starts a two-step ownership transfer.
func (e *Engine) ProposeOwner(caller, newOwner common.Address) error {
	if newOwner == (common.Address{}) {
		return ErrZeroAddress
	}
	e.ownerMu.Lock()
	defer e.ownerMu.Unlock()
	if caller != e.owner {
		return ErrNotOwner
	}
	e.pendingOwner = newOwner
	e.logger.Info("Ownership transfer proposed", zap.String("pending_owner", newOwner.Hex()))
	return nil
}

// AcceptOwner completes a proposed ownership transfer.
func (e *Engine) AcceptOwner(caller common.Address) error {
	e.ownerMu.Lock()
	defer e.ownerMu.Unlock()
	if e.pendingOwner == (common.Address{}) || caller != e.pendingOwner {
		return ErrNotPendingOwner
	}
	e.owner = e.pendingOwner
	e.pendingOwner = common.Address{}
	e.logger.Info("Ownership transferred", zap.String("owner", e.owner.Hex()))
	return nil
}

// acquire takes the exclusive execution lock for one operation.
func (e *Engine) acquire() error {
	if !e.busy.CompareAndSwap(false, true) {
		return ErrReentrantCall
	}
	e.metrics.activeOps.Inc()
	return nil
}

func (e *Engine) release() {
	e.metrics.activeOps.Dec()
	e.busy.Store(false)
}

func (e *Engine) requireOwner(caller common.Address) error {
	e.ownerMu.Lock()
	defer e.ownerMu.Unlock()
	if caller != e.owner {
		return ErrNotOwner
	}
	return nil
}

func (e *Engine) checkDeadline(deadline time.Time) error {
	if deadline.IsZero() || e.now().After(deadline) {
		return ErrDeadlineExpired
	}
	return nil
}

// newNonce registers a fresh single-use context nonce.
func (e *Engine) newNonce() uint64 {
	n := e.nonceSeq.Add(1)
	e.pendingMu.Lock()
	e.pending[n] = struct{}{}
	e.pendingMu.Unlock()
	return n
}

// consumeNonce marks a context nonce used; a second consumption fails.
func (e *Engine) consumeNonce(n uint64) error {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	if _, ok := e.pending[n]; !ok {
		return ErrContextConsumed
	}
	delete(e.pending, n)
	return nil
}

func (e *Engine) dropNonce(n uint64) {
	e.pendingMu.Lock()
	delete(e.pending, n)
	e.pendingMu.Unlock()
}

// OnFlashLoan implements pool.FlashLoanReceiver. Nothing in the
// arguments is trusted until the caller, initiator, amount and params
// have all been verified.
func (e *Engine) OnFlashLoan(ctx context.Context, caller, asset common.Address, amount, premium *big.Int, initiator common.Address, params []byte) error {
	if caller != e.poolAddr {
		return ErrUntrustedCaller
	}
	if initiator != e.self {
		return ErrUntrustedInitiator
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrZeroAmount
	}
	if len(params) == 0 {
		return ErrEmptyParams
	}

	fc, err := decodeContext(params)
	if err != nil {
		return err
	}
	if err := e.consumeNonce(fc.nonce); err != nil {
		return err
	}

	switch fc.kind {
	case opOpen:
		return e.executeOpen(ctx, asset, amount, premium, fc.open)
	case opUnwind:
		return e.executeUnwind(ctx, asset, amount, premium, fc.unwind)
	default:
		return ErrContextKind
	}
}

// healthFactorAbove reports whether the account's live health factor
// exceeds threshold. An account with no debt is always healthy.
func (e *Engine) healthFactorAbove(ctx context.Context, threshold *big.Int) error {
	data, err := e.pool.AccountData(ctx, e.self)
	if err != nil {
		return fmt.Errorf("account data: %w", err)
	}
	if data.HealthFactor != nil && data.HealthFactor.Cmp(threshold) <= 0 {
		return fmt.Errorf("health factor %s: %w", data.HealthFactor.String(), ErrUnhealthyPosition)
	}
	return nil
}

// reserveDecimals reads an asset's decimals from the pool config.
func (e *Engine) reserveDecimals(ctx context.Context, asset common.Address) (uint8, error) {
	cfg, err := e.pool.ReserveConfig(ctx, asset)
	if err != nil {
		return 0, err
	}
	return cfg.Decimals, nil
}

// nativeValue returns the call value for a swap whose input is the
// native asset, nil otherwise.
func nativeValue(inputToken common.Address, amount *big.Int) *big.Int {
	if inputToken == pool.NativeToken {
		return amount
	}
	return nil
}

// wadOne is the health factor liquidation boundary in the pool's unit.
var wadOne = levmath.Wad
