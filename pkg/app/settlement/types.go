// Package settlement validates signed orders and settles one taker against
// an ordered list of makers at a maker-set price.
package settlement

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hypersettle/pkg/crypto"
	"github.com/uhyunpark/hypersettle/pkg/storage"
)

// Re-export order types from crypto so callers need one import
type (
	Order = crypto.OrderEIP712
	Side  = crypto.Side
)

const (
	Bid = crypto.Bid
	Ask = crypto.Ask
)

// AssetLedger is the part of a fungible asset the engine moves funds through.
// TransferFrom must join tx so a failed settlement discards the transfer.
type AssetLedger interface {
	ID() string
	Symbol() string
	Decimals() uint8
	BalanceOf(r storage.Reader, owner common.Address) (*big.Int, error)
	Allowance(r storage.Reader, owner, spender common.Address) (*big.Int, error)
	TransferFrom(tx storage.Tx, spender, from, to common.Address, amount *big.Int) error
}

// Receipt summarizes one committed settlement.
type Receipt struct {
	TakerOrderHash common.Hash
	TakerFilled    *big.Int // cumulative fill of the taker after this call
	ExecutionPrice *big.Int // recorded as the new last execution price
	Legs           []ExecutionEvent
}
