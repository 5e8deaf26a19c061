package asset

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"

	"github.com/uhyunpark/hypersettle/pkg/storage"
)

var (
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrInvalidAmount         = errors.New("invalid amount")
)

// Token is a fungible asset ledger kept in the shared store.
// Balances and allowances live under keys namespaced by the token ID, so
// every mutation joins the caller's storage transaction.
type Token struct {
	id       string
	symbol   string
	decimals uint8
}

func NewToken(id, symbol string, decimals uint8) *Token {
	return &Token{id: id, symbol: symbol, decimals: decimals}
}

func (t *Token) ID() string      { return t.id }
func (t *Token) Symbol() string  { return t.symbol }
func (t *Token) Decimals() uint8 { return t.decimals }
func (t *Token) String() string  { return t.symbol }

func checkAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 || amount.BitLen() > 256 {
		return fmt.Errorf("%w: %v", ErrInvalidAmount, amount)
	}
	return nil
}

// BalanceOf returns owner's balance (zero if never credited)
func (t *Token) BalanceOf(r storage.Reader, owner common.Address) (*big.Int, error) {
	return storage.GetAmount(r, storage.BalanceKey(t.id, owner))
}

// Allowance returns how much spender may move out of owner's balance
func (t *Token) Allowance(r storage.Reader, owner, spender common.Address) (*big.Int, error) {
	return storage.GetAmount(r, storage.AllowanceKey(t.id, owner, spender))
}

// Approve overwrites spender's allowance over owner's balance
func (t *Token) Approve(tx storage.Tx, owner, spender common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	return storage.PutAmount(tx, storage.AllowanceKey(t.id, owner, spender), amount)
}

// Mint credits amount to owner
func (t *Token) Mint(tx storage.Tx, to common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	bal, err := t.BalanceOf(tx, to)
	if err != nil {
		return err
	}
	bal.Add(bal, amount)
	if bal.BitLen() > 256 {
		return fmt.Errorf("%w: balance of %s overflows", ErrInvalidAmount, to.Hex())
	}
	return storage.PutAmount(tx, storage.BalanceKey(t.id, to), bal)
}

// Transfer moves amount from one owner to another without an allowance
func (t *Token) Transfer(tx storage.Tx, from, to common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}

	fromBal, err := t.BalanceOf(tx, from)
	if err != nil {
		return err
	}
	if fromBal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s %s has %s, needs %s", ErrInsufficientBalance, t.symbol, from.Hex(), fromBal, amount)
	}
	if err := storage.PutAmount(tx, storage.BalanceKey(t.id, from), fromBal.Sub(fromBal, amount)); err != nil {
		return err
	}

	// read after the debit so from == to nets out
	toBal, err := t.BalanceOf(tx, to)
	if err != nil {
		return err
	}
	return storage.PutAmount(tx, storage.BalanceKey(t.id, to), toBal.Add(toBal, amount))
}

// TransferFrom moves amount from `from` to `to` on behalf of spender,
// consuming spender's allowance. A MaxUint256 allowance is never decremented.
func (t *Token) TransferFrom(tx storage.Tx, spender, from, to common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}

	allowance, err := t.Allowance(tx, from, spender)
	if err != nil {
		return err
	}
	if allowance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s %s allows %s, needs %s", ErrInsufficientAllowance, t.symbol, from.Hex(), allowance, amount)
	}
	if allowance.Cmp(math.MaxBig256) != 0 {
		if err := storage.PutAmount(tx, storage.AllowanceKey(t.id, from, spender), allowance.Sub(allowance, amount)); err != nil {
			return err
		}
	}

	return t.Transfer(tx, from, to, amount)
}
