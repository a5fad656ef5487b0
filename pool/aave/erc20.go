package aave

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/michaelpento.lv/levbot/pool"
)

const erc20ABI = `[
	{
		"inputs": [{"internalType": "address", "name": "account", "type": "address"}],
		"name": "balanceOf",
		"outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [
			{"internalType": "address", "name": "to", "type": "address"},
			{"internalType": "uint256", "name": "amount", "type": "uint256"}
		],
		"name": "transfer",
		"outputs": [{"internalType": "bool", "name": "", "type": "bool"}],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{"internalType": "address", "name": "from", "type": "address"},
			{"internalType": "address", "name": "to", "type": "address"},
			{"internalType": "uint256", "name": "amount", "type": "uint256"}
		],
		"name": "transferFrom",
		"outputs": [{"internalType": "bool", "name": "", "type": "bool"}],
		"stateMutability": "nonpayable",
		"type": "function"
	}
]`

// TokenBackend implements pool.TokenBackend over on-chain ERC-20
// contracts, reusing the client's signer and rate limiter. The native
// asset (zero address) supports balance reads; moving native value
// happens through the swap call itself, not through this backend.
type TokenBackend struct {
	client *Client
	abi    abi.ABI
}

// NewTokenBackend creates an ERC-20 backend sharing client's signer.
func NewTokenBackend(client *Client) (*TokenBackend, error) {
	if client == nil {
		return nil, fmt.Errorf("client cannot be nil")
	}
	parsedABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ABI: %w", err)
	}
	return &TokenBackend{client: client, abi: parsedABI}, nil
}

// BalanceOf implements pool.TokenBackend.
func (t *TokenBackend) BalanceOf(ctx context.Context, token, account common.Address) (*big.Int, error) {
	if token == pool.NativeToken {
		return t.client.client.BalanceAt(ctx, account, nil)
	}
	if err := t.client.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	callData, err := t.abi.Pack("balanceOf", account)
	if err != nil {
		return nil, fmt.Errorf("failed to pack balanceOf: %w", err)
	}
	result, err := t.client.client.CallContract(ctx, ethereum.CallMsg{
		To:   &token,
		Data: callData,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("balanceOf call failed: %w", err)
	}
	values, err := t.abi.Unpack("balanceOf", result)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack balanceOf: %w", err)
	}
	balance, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balance type")
	}
	return balance, nil
}

// Transfer implements pool.TokenBackend, spending from the signing
// account.
func (t *TokenBackend) Transfer(ctx context.Context, token, to common.Address, amount *big.Int) error {
	return t.transactToken(ctx, token, "transfer", to, amount)
}

// TransferFrom implements pool.TokenBackend; requires a prior on-chain
// allowance from the source account.
func (t *TokenBackend) TransferFrom(ctx context.Context, token, from, to common.Address, amount *big.Int) error {
	return t.transactToken(ctx, token, "transferFrom", from, to, amount)
}

func (t *TokenBackend) transactToken(ctx context.Context, token common.Address, method string, args ...interface{}) error {
	if token == pool.NativeToken {
		return fmt.Errorf("native asset transfers are not routed through the token backend")
	}
	if err := t.client.limiter.Wait(ctx); err != nil {
		return err
	}
	callData, err := t.abi.Pack(method, args...)
	if err != nil {
		return fmt.Errorf("failed to pack %s: %w", method, err)
	}
	return t.client.submitRaw(ctx, token, callData, nil, method)
}
