// Package sim is an in-memory lending pool and token ledger with
// all-or-nothing flash-loan semantics. The execution substrate here is
// not atomic by nature, so the pool snapshots all balances before a
// flash loan and restores them on any failure path.
package sim

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/michaelpento.lv/levbot/pool"
	levmath "github.com/michaelpento.lv/levbot/utils/math"
)

// Ledger tracks token balances per account. The zero token address is
// the native asset; it behaves like any other balance here. Tokens may
// carry a transfer fee (burned) to model fee-on-transfer assets.
type Ledger struct {
	mu           sync.Mutex
	balances     map[common.Address]map[common.Address]*big.Int
	transferFees map[common.Address]uint16
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		balances:     make(map[common.Address]map[common.Address]*big.Int),
		transferFees: make(map[common.Address]uint16),
	}
}

// Mint credits amount of token to account.
func (l *Ledger) Mint(token, account common.Address, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credit(token, account, amount)
}

// SetTransferFee makes token burn feeBps of every transfer.
func (l *Ledger) SetTransferFee(token common.Address, feeBps uint16) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.transferFees[token] = feeBps
}

// Balance returns a copy of account's token balance.
func (l *Ledger) Balance(token, account common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.balance(token, account))
}

// Transfer moves amount of token. The recipient is credited amount
// minus the token's transfer fee; the fee is burned.
func (l *Ledger) Transfer(token, from, to common.Address, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.transfer(token, from, to, amount)
}

func (l *Ledger) balance(token, account common.Address) *big.Int {
	accounts, ok := l.balances[token]
	if !ok {
		return new(big.Int)
	}
	bal, ok := accounts[account]
	if !ok {
		return new(big.Int)
	}
	return bal
}

func (l *Ledger) credit(token, account common.Address, amount *big.Int) {
	accounts, ok := l.balances[token]
	if !ok {
		accounts = make(map[common.Address]*big.Int)
		l.balances[token] = accounts
	}
	cur, ok := accounts[account]
	if !ok {
		cur = new(big.Int)
		accounts[account] = cur
	}
	cur.Add(cur, amount)
}

func (l *Ledger) transfer(token, from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("invalid transfer amount")
	}
	bal := l.balance(token, from)
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("token %s account %s: %w", token.Hex(), from.Hex(), pool.ErrInsufficientBalance)
	}
	bal.Sub(bal, amount)

	received := new(big.Int).Set(amount)
	if fee := l.transferFees[token]; fee > 0 {
		received.Sub(received, levmath.BpsMul(amount, fee))
	}
	l.credit(token, to, received)
	return nil
}

// snapshot deep-copies all balances.
func (l *Ledger) snapshot() map[common.Address]map[common.Address]*big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[common.Address]map[common.Address]*big.Int, len(l.balances))
	for token, accounts := range l.balances {
		cp := make(map[common.Address]*big.Int, len(accounts))
		for account, bal := range accounts {
			cp[account] = new(big.Int).Set(bal)
		}
		out[token] = cp
	}
	return out
}

func (l *Ledger) restore(snap map[common.Address]map[common.Address]*big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances = snap
}

// Backend adapts the ledger to pool.TokenBackend for one account.
type Backend struct {
	ledger *Ledger
	owner  common.Address
}

// BackendFor returns a token backend whose Transfer spends from owner.
func (l *Ledger) BackendFor(owner common.Address) *Backend {
	return &Backend{ledger: l, owner: owner}
}

// BalanceOf implements pool.TokenBackend.
func (b *Backend) BalanceOf(_ context.Context, token, account common.Address) (*big.Int, error) {
	return b.ledger.Balance(token, account), nil
}

// Transfer implements pool.TokenBackend, spending from the backend's
// owner account.
func (b *Backend) Transfer(_ context.Context, token, to common.Address, amount *big.Int) error {
	return b.ledger.Transfer(token, b.owner, to, amount)
}

// TransferFrom implements pool.TokenBackend. The simulation ledger has
// no allowance concept; pulls succeed whenever the balance covers them.
func (b *Backend) TransferFrom(_ context.Context, token, from, to common.Address, amount *big.Int) error {
	return b.ledger.Transfer(token, from, to, amount)
}
