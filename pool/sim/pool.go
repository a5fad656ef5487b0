package sim

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/levbot/oracle"
	"github.com/michaelpento.lv/levbot/pool"
	levmath "github.com/michaelpento.lv/levbot/utils/math"
)

// PriceSource values collateral and debt for account data.
type PriceSource interface {
	GetPrice(ctx context.Context, token common.Address) (*oracle.PriceQuote, error)
}

// Pool is an in-memory lending pool. Operations are serialized by the
// engine's execution lock; the pool itself takes no lock across the
// flash-loan callback so the receiver can call back into it.
type Pool struct {
	ledger     *Ledger
	addr       common.Address
	client     common.Address
	prices     PriceSource
	premiumBps uint16
	logger     *zap.Logger

	reserves map[common.Address]*pool.ReserveConfig
	supplied map[common.Address]map[common.Address]*big.Int
	debt     map[common.Address]map[common.Address]*big.Int
}

// Snapshot captures all mutable pool and ledger state.
type Snapshot struct {
	balances map[common.Address]map[common.Address]*big.Int
	supplied map[common.Address]map[common.Address]*big.Int
	debt     map[common.Address]map[common.Address]*big.Int
}

// NewPool creates a simulation pool. addr is the pool's own ledger
// account and client the account whose funds back supply and repay
// pulls.
func NewPool(ledger *Ledger, addr, client common.Address, prices PriceSource, premiumBps uint16, logger *zap.Logger) (*Pool, error) {
	if ledger == nil {
		return nil, fmt.Errorf("ledger cannot be nil")
	}
	if addr == (common.Address{}) || client == (common.Address{}) {
		return nil, fmt.Errorf("pool and client addresses cannot be zero")
	}
	if prices == nil {
		return nil, fmt.Errorf("price source cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	return &Pool{
		ledger:     ledger,
		addr:       addr,
		client:     client,
		prices:     prices,
		premiumBps: premiumBps,
		logger:     logger,
		reserves:   make(map[common.Address]*pool.ReserveConfig),
		supplied:   make(map[common.Address]map[common.Address]*big.Int),
		debt:       make(map[common.Address]map[common.Address]*big.Int),
	}, nil
}

// Address returns the pool's ledger account.
func (p *Pool) Address() common.Address { return p.addr }

// AddReserve registers an asset with the pool and seeds its liquidity.
func (p *Pool) AddReserve(asset common.Address, cfg *pool.ReserveConfig, liquidity *big.Int) {
	p.reserves[asset] = cfg
	if liquidity != nil && liquidity.Sign() > 0 {
		p.ledger.Mint(asset, p.addr, liquidity)
	}
}

// Snapshot deep-copies the pool state for later restore.
func (p *Pool) Snapshot() *Snapshot {
	return &Snapshot{
		balances: p.ledger.snapshot(),
		supplied: copyPositions(p.supplied),
		debt:     copyPositions(p.debt),
	}
}

// Restore rewinds the pool and ledger to a snapshot. The snapshot is
// copied in, so it stays valid for further restores.
func (p *Pool) Restore(s *Snapshot) {
	p.ledger.restore(copyPositions(s.balances))
	p.supplied = copyPositions(s.supplied)
	p.debt = copyPositions(s.debt)
}

// Equal reports whether two snapshots hold the same state. Zero-valued
// entries compare equal to absent ones; a rolled-back transfer leaves
// the former behind.
func (s *Snapshot) Equal(o *Snapshot) bool {
	return positionsEqual(s.balances, o.balances) &&
		positionsEqual(s.supplied, o.supplied) &&
		positionsEqual(s.debt, o.debt)
}

func positionsEqual(a, b map[common.Address]map[common.Address]*big.Int) bool {
	covered := func(x, y map[common.Address]map[common.Address]*big.Int) bool {
		for outer, tokens := range x {
			for inner, amt := range tokens {
				other := new(big.Int)
				if ytokens, ok := y[outer]; ok {
					if yamt, ok := ytokens[inner]; ok {
						other = yamt
					}
				}
				if amt.Cmp(other) != 0 {
					return false
				}
			}
		}
		return true
	}
	return covered(a, b) && covered(b, a)
}

func copyPositions(src map[common.Address]map[common.Address]*big.Int) map[common.Address]map[common.Address]*big.Int {
	out := make(map[common.Address]map[common.Address]*big.Int, len(src))
	for user, tokens := range src {
		cp := make(map[common.Address]*big.Int, len(tokens))
		for token, amt := range tokens {
			cp[token] = new(big.Int).Set(amt)
		}
		out[user] = cp
	}
	return out
}

func (p *Pool) position(m map[common.Address]map[common.Address]*big.Int, user, token common.Address) *big.Int {
	tokens, ok := m[user]
	if !ok {
		tokens = make(map[common.Address]*big.Int)
		m[user] = tokens
	}
	amt, ok := tokens[token]
	if !ok {
		amt = new(big.Int)
		tokens[token] = amt
	}
	return amt
}

func (p *Pool) reserve(asset common.Address) (*pool.ReserveConfig, error) {
	cfg, ok := p.reserves[asset]
	if !ok {
		return nil, fmt.Errorf("asset %s: %w", asset.Hex(), pool.ErrNoReserve)
	}
	return cfg, nil
}

func (p *Pool) totalOf(m map[common.Address]map[common.Address]*big.Int, token common.Address) *big.Int {
	total := new(big.Int)
	for _, tokens := range m {
		if amt, ok := tokens[token]; ok {
			total.Add(total, amt)
		}
	}
	return total
}

// Supply implements pool.Pool. Tokens move from the client account;
// the position is credited with what the pool actually received.
func (p *Pool) Supply(ctx context.Context, asset common.Address, amount *big.Int, onBehalfOf common.Address) error {
	cfg, err := p.reserve(asset)
	if err != nil {
		return err
	}
	if !cfg.Active {
		return pool.ErrReserveInactive
	}
	if cfg.Frozen {
		return pool.ErrReserveFrozen
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("supply amount must be positive")
	}
	if cfg.SupplyCap != nil {
		projected := new(big.Int).Add(p.totalOf(p.supplied, asset), amount)
		if projected.Cmp(cfg.SupplyCap) > 0 {
			return pool.ErrSupplyCapExceeded
		}
	}

	before := p.ledger.Balance(asset, p.addr)
	if err := p.ledger.Transfer(asset, p.client, p.addr, amount); err != nil {
		return err
	}
	received := new(big.Int).Sub(p.ledger.Balance(asset, p.addr), before)
	p.position(p.supplied, onBehalfOf, asset).Add(p.position(p.supplied, onBehalfOf, asset), received)
	return nil
}

// Borrow implements pool.Pool.
func (p *Pool) Borrow(ctx context.Context, asset common.Address, amount *big.Int, mode pool.RateMode, onBehalfOf common.Address) error {
	cfg, err := p.reserve(asset)
	if err != nil {
		return err
	}
	if !cfg.Active {
		return pool.ErrReserveInactive
	}
	if cfg.Frozen {
		return pool.ErrReserveFrozen
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("borrow amount must be positive")
	}
	if cfg.BorrowCap != nil {
		projected := new(big.Int).Add(p.totalOf(p.debt, asset), amount)
		if projected.Cmp(cfg.BorrowCap) > 0 {
			return pool.ErrBorrowCapExceeded
		}
	}
	if p.ledger.Balance(asset, p.addr).Cmp(amount) < 0 {
		return pool.ErrInsufficientLiquidity
	}

	borrowValue, err := p.valueOf(ctx, asset, amount)
	if err != nil {
		return err
	}
	capacity, debtValue, err := p.borrowCapacity(ctx, onBehalfOf)
	if err != nil {
		return err
	}
	projectedDebt := new(big.Int).Add(debtValue, borrowValue)
	if projectedDebt.Cmp(capacity) > 0 {
		return pool.ErrInsufficientCollateral
	}

	if err := p.ledger.Transfer(asset, p.addr, p.client, amount); err != nil {
		return err
	}
	p.position(p.debt, onBehalfOf, asset).Add(p.position(p.debt, onBehalfOf, asset), amount)
	return nil
}

// Repay implements pool.Pool, returning the amount actually applied.
func (p *Pool) Repay(ctx context.Context, asset common.Address, amount *big.Int, mode pool.RateMode, onBehalfOf common.Address) (*big.Int, error) {
	if _, err := p.reserve(asset); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("repay amount must be positive")
	}
	owed := p.position(p.debt, onBehalfOf, asset)
	actual := levmath.Min(amount, owed)
	if actual.Sign() == 0 {
		return new(big.Int), nil
	}
	if err := p.ledger.Transfer(asset, p.client, p.addr, actual); err != nil {
		return nil, err
	}
	owed.Sub(owed, actual)
	return actual, nil
}

// Withdraw implements pool.Pool. The returned amount may be below the
// request when the supplied balance or pool liquidity falls short.
func (p *Pool) Withdraw(ctx context.Context, asset common.Address, amount *big.Int, to common.Address) (*big.Int, error) {
	if _, err := p.reserve(asset); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("withdraw amount must be positive")
	}
	held := p.position(p.supplied, p.client, asset)
	actual := levmath.Min(amount, held)
	actual = levmath.Min(actual, p.ledger.Balance(asset, p.addr))
	if actual.Sign() == 0 {
		return new(big.Int), nil
	}

	// The withdrawal must not leave the remaining position
	// undercollateralized.
	held.Sub(held, actual)
	capacity, debtValue, err := p.borrowCapacity(ctx, p.client)
	if err != nil {
		held.Add(held, actual)
		return nil, err
	}
	if debtValue.Cmp(capacity) > 0 {
		held.Add(held, actual)
		return nil, pool.ErrInsufficientCollateral
	}

	if err := p.ledger.Transfer(asset, p.addr, to, actual); err != nil {
		held.Add(held, actual)
		return nil, err
	}
	return actual, nil
}

// FlashLoan implements pool.Pool with all-or-nothing semantics: any
// callback error, and any shortfall in repayment, rewinds every
// intermediate mutation.
func (p *Pool) FlashLoan(ctx context.Context, receiver pool.FlashLoanReceiver, asset common.Address, amount *big.Int, params []byte) error {
	if receiver == nil {
		return fmt.Errorf("receiver cannot be nil")
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("flash loan amount must be positive")
	}
	if _, err := p.reserve(asset); err != nil {
		return err
	}
	if p.ledger.Balance(asset, p.addr).Cmp(amount) < 0 {
		return pool.ErrInsufficientLiquidity
	}

	premium := levmath.BpsMul(amount, p.premiumBps)
	snap := p.Snapshot()

	err := p.ledger.Transfer(asset, p.addr, receiver.Address(), amount)
	if err == nil {
		err = receiver.OnFlashLoan(ctx, p.addr, asset, amount, premium, receiver.Address(), params)
	}
	if err == nil {
		owed := new(big.Int).Add(amount, premium)
		if repayErr := p.ledger.Transfer(asset, receiver.Address(), p.addr, owed); repayErr != nil {
			err = fmt.Errorf("%w: %v", pool.ErrFlashLoanNotRepaid, repayErr)
		}
	}
	if err != nil {
		p.Restore(snap)
		p.logger.Debug("Flash loan rolled back",
			zap.String("asset", asset.Hex()),
			zap.String("amount", amount.String()),
			zap.Error(err))
		return err
	}
	return nil
}

// ReserveConfig implements pool.Pool.
func (p *Pool) ReserveConfig(ctx context.Context, asset common.Address) (*pool.ReserveConfig, error) {
	cfg, err := p.reserve(asset)
	if err != nil {
		return nil, err
	}
	cp := *cfg
	return &cp, nil
}

// FlashLoanPremiumBps implements pool.Pool.
func (p *Pool) FlashLoanPremiumBps(ctx context.Context) (uint16, error) {
	return p.premiumBps, nil
}

// SetFlashLoanPremiumBps adjusts the premium, owner-style single fee
// parameter of the simulation.
func (p *Pool) SetFlashLoanPremiumBps(bps uint16) { p.premiumBps = bps }

// AccountData implements pool.Pool. The health factor is
// sum(collateral value x liquidation threshold) / debt value, WAD.
func (p *Pool) AccountData(ctx context.Context, user common.Address) (*pool.AccountData, error) {
	collValue := new(big.Int)
	weighted := new(big.Int)
	for token, amt := range p.supplied[user] {
		if amt.Sign() == 0 {
			continue
		}
		v, err := p.valueOf(ctx, token, amt)
		if err != nil {
			return nil, err
		}
		collValue.Add(collValue, v)
		cfg, err := p.reserve(token)
		if err != nil {
			return nil, err
		}
		weighted.Add(weighted, levmath.BpsMul(v, cfg.LiquidationThresholdBps))
	}

	debtValue := new(big.Int)
	for token, amt := range p.debt[user] {
		if amt.Sign() == 0 {
			continue
		}
		v, err := p.valueOf(ctx, token, amt)
		if err != nil {
			return nil, err
		}
		debtValue.Add(debtValue, v)
	}

	data := &pool.AccountData{
		TotalCollateralValue: collValue,
		TotalDebtValue:       debtValue,
	}
	if debtValue.Sign() > 0 {
		hf, err := levmath.WadDiv(weighted, debtValue)
		if err != nil {
			return nil, err
		}
		data.HealthFactor = hf
	}
	return data, nil
}

// borrowCapacity returns the LTV-weighted collateral value and the
// current debt value for user, both WAD.
func (p *Pool) borrowCapacity(ctx context.Context, user common.Address) (capacity, debtValue *big.Int, err error) {
	capacity = new(big.Int)
	for token, amt := range p.supplied[user] {
		if amt.Sign() == 0 {
			continue
		}
		v, err := p.valueOf(ctx, token, amt)
		if err != nil {
			return nil, nil, err
		}
		cfg, err := p.reserve(token)
		if err != nil {
			return nil, nil, err
		}
		capacity.Add(capacity, levmath.BpsMul(v, cfg.LTVBps))
	}
	debtValue = new(big.Int)
	for token, amt := range p.debt[user] {
		if amt.Sign() == 0 {
			continue
		}
		v, err := p.valueOf(ctx, token, amt)
		if err != nil {
			return nil, nil, err
		}
		debtValue.Add(debtValue, v)
	}
	return capacity, debtValue, nil
}

func (p *Pool) valueOf(ctx context.Context, token common.Address, amount *big.Int) (*big.Int, error) {
	quote, err := p.prices.GetPrice(ctx, token)
	if err != nil {
		return nil, err
	}
	cfg, err := p.reserve(token)
	if err != nil {
		return nil, err
	}
	return levmath.ValueWad(amount, cfg.Decimals, quote.Price)
}
