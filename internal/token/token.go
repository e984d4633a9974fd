// Package token implements the fungible-asset ledger jobs escrow into.
//
// Functions take explicit account identities rather than reading the
// invocation caller, because contracts such as a Job move funds on their own
// behalf (the Job is the spender in TransferFrom and the sender on payout).
package token

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/agent-market/agent-market/internal/ledger"
)

var (
	ErrInsufficientBalance   = errors.New("token: insufficient balance")
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
	ErrUnauthorized          = errors.New("token: caller is not the minter")
	ErrOverflow              = errors.New("token: amount overflows")
	ErrNotInitialized        = errors.New("token: not initialized")
)

// Event types.
const (
	EventTransfer = "Transfer"
	EventApproval = "Approval"
)

const (
	metaKey   = "token/meta"
	supplyKey = "token/supply"
)

// Meta describes the deployed token.
type Meta struct {
	Address  common.Address `json:"address"`
	Minter   common.Address `json:"minter"`
	Name     string         `json:"name"`
	Symbol   string         `json:"symbol"`
	Decimals uint8          `json:"decimals"`
}

// Initialize records the token's metadata. It fails if already initialized.
func Initialize(tx *ledger.Tx, meta Meta) error {
	if _, ok := tx.Get(metaKey); ok {
		return fmt.Errorf("token: already initialized")
	}
	return ledger.PutJSON(tx, metaKey, meta)
}

// GetMeta returns the token metadata.
func GetMeta(r ledger.Reader) (*Meta, error) {
	var m Meta
	ok, err := ledger.GetJSON(r, metaKey, &m)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotInitialized
	}
	return &m, nil
}

func balanceKey(owner common.Address) string {
	return ledger.Key("token", "balance", owner.Hex())
}

func allowanceKey(owner, spender common.Address) string {
	return ledger.Key("token", "allowance", owner.Hex(), spender.Hex())
}

func readAmount(r ledger.Reader, key string) *uint256.Int {
	raw, ok := r.Get(key)
	if !ok {
		return new(uint256.Int)
	}
	v, err := uint256.FromDecimal(string(raw))
	if err != nil {
		return new(uint256.Int)
	}
	return v
}

func writeAmount(tx *ledger.Tx, key string, v *uint256.Int) {
	if v.IsZero() {
		tx.Delete(key)
		return
	}
	tx.Put(key, []byte(v.Dec()))
}

// BalanceOf returns owner's balance.
func BalanceOf(r ledger.Reader, owner common.Address) *uint256.Int {
	return readAmount(r, balanceKey(owner))
}

// Allowance returns how much spender may still pull from owner.
func Allowance(r ledger.Reader, owner, spender common.Address) *uint256.Int {
	return readAmount(r, allowanceKey(owner, spender))
}

// TotalSupply returns the amount minted so far.
func TotalSupply(r ledger.Reader) *uint256.Int {
	return readAmount(r, supplyKey)
}

// Approve sets spender's allowance over owner's funds, replacing any previous value.
func Approve(tx *ledger.Tx, owner, spender common.Address, amount *uint256.Int) error {
	writeAmount(tx, allowanceKey(owner, spender), amount)
	tx.Emit(EventApproval, owner, map[string]string{
		"owner":   owner.Hex(),
		"spender": spender.Hex(),
		"value":   amount.Dec(),
	})
	return nil
}

// Transfer moves amount from one account to another.
func Transfer(tx *ledger.Tx, from, to common.Address, amount *uint256.Int) error {
	fromBal := BalanceOf(tx, from)
	if fromBal.Lt(amount) {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientBalance, from.Hex(), fromBal.Dec(), amount.Dec())
	}
	if from != to {
		toBal := BalanceOf(tx, to)
		if _, overflow := toBal.AddOverflow(toBal, amount); overflow {
			return ErrOverflow
		}
		writeAmount(tx, balanceKey(from), new(uint256.Int).Sub(fromBal, amount))
		writeAmount(tx, balanceKey(to), toBal)
	}
	tx.Emit(EventTransfer, from, map[string]string{
		"from":  from.Hex(),
		"to":    to.Hex(),
		"value": amount.Dec(),
	})
	return nil
}

// TransferFrom lets spender move amount out of from's balance within its allowance.
func TransferFrom(tx *ledger.Tx, spender, from, to common.Address, amount *uint256.Int) error {
	allowance := Allowance(tx, from, spender)
	if allowance.Lt(amount) {
		return fmt.Errorf("%w: %s may spend %s of %s, needs %s", ErrInsufficientAllowance, spender.Hex(), allowance.Dec(), from.Hex(), amount.Dec())
	}
	if err := Transfer(tx, from, to, amount); err != nil {
		return err
	}
	writeAmount(tx, allowanceKey(from, spender), new(uint256.Int).Sub(allowance, amount))
	return nil
}

// Mint creates amount new units for to. Only the minter may mint.
func Mint(tx *ledger.Tx, to common.Address, amount *uint256.Int) error {
	meta, err := GetMeta(tx)
	if err != nil {
		return err
	}
	if tx.Caller() != meta.Minter {
		return ErrUnauthorized
	}

	supply := TotalSupply(tx)
	if _, overflow := supply.AddOverflow(supply, amount); overflow {
		return ErrOverflow
	}
	bal := BalanceOf(tx, to)
	bal.Add(bal, amount)

	writeAmount(tx, supplyKey, supply)
	writeAmount(tx, balanceKey(to), bal)
	tx.Emit(EventTransfer, meta.Address, map[string]string{
		"from":  common.Address{}.Hex(),
		"to":    to.Hex(),
		"value": amount.Dec(),
	})
	return nil
}

// Contract exposes the package functions as a value, for consumers that take
// the token ledger as an injected capability.
type Contract struct{}

// Transfer calls the package-level Transfer.
func (Contract) Transfer(tx *ledger.Tx, from, to common.Address, amount *uint256.Int) error {
	return Transfer(tx, from, to, amount)
}

// TransferFrom calls the package-level TransferFrom.
func (Contract) TransferFrom(tx *ledger.Tx, spender, from, to common.Address, amount *uint256.Int) error {
	return TransferFrom(tx, spender, from, to, amount)
}
