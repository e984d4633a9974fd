package services

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/agent-market/agent-market/internal/ledger"
	"github.com/agent-market/agent-market/internal/token"
)

// TokenInfo is the token metadata plus its current supply.
type TokenInfo struct {
	token.Meta
	TotalSupply *uint256.Int `json:"totalSupply"`
}

// TokenInfo returns the token metadata and current supply.
func (m *Market) TokenInfo(ctx context.Context) (*TokenInfo, error) {
	var info *TokenInfo
	err := m.view(ctx, func(r ledger.Reader) error {
		meta, err := token.GetMeta(r)
		if err != nil {
			return err
		}
		info = &TokenInfo{Meta: *meta, TotalSupply: token.TotalSupply(r)}
		return nil
	})
	return info, err
}

// BalanceOf is zero for unknown accounts.
func (m *Market) BalanceOf(ctx context.Context, owner common.Address) (*uint256.Int, error) {
	var bal *uint256.Int
	err := m.view(ctx, func(r ledger.Reader) error {
		bal = token.BalanceOf(r, owner)
		return nil
	})
	return bal, err
}

// Allowance returns how much spender may still pull from owner.
func (m *Market) Allowance(ctx context.Context, owner, spender common.Address) (*uint256.Int, error) {
	var amt *uint256.Int
	err := m.view(ctx, func(r ledger.Reader) error {
		amt = token.Allowance(r, owner, spender)
		return nil
	})
	return amt, err
}

// Approve lets spender pull up to amount from caller. Consumers approve a
// job's address before funding it.
func (m *Market) Approve(ctx context.Context, caller, spender common.Address, amount *uint256.Int) (*ledger.Receipt, error) {
	return m.invoke(ctx, "approve", caller, func(tx *ledger.Tx) error {
		return token.Approve(tx, caller, spender, amount)
	})
}

// Transfer moves amount from caller to to.
func (m *Market) Transfer(ctx context.Context, caller, to common.Address, amount *uint256.Int) (*ledger.Receipt, error) {
	return m.invoke(ctx, "transfer", caller, func(tx *ledger.Tx) error {
		return token.Transfer(tx, caller, to, amount)
	})
}

// TransferFrom moves amount from from to to, spending caller's allowance.
func (m *Market) TransferFrom(ctx context.Context, caller, from, to common.Address, amount *uint256.Int) (*ledger.Receipt, error) {
	return m.invoke(ctx, "transferFrom", caller, func(tx *ledger.Tx) error {
		return token.TransferFrom(tx, caller, from, to, amount)
	})
}

// Mint creates amount for to. Only the minter recorded at genesis may mint.
func (m *Market) Mint(ctx context.Context, caller, to common.Address, amount *uint256.Int) (*ledger.Receipt, error) {
	return m.invoke(ctx, "mint", caller, func(tx *ledger.Tx) error {
		return token.Mint(tx, to, amount)
	})
}
