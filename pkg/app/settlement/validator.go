package settlement

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hypersettle/pkg/crypto"
	"github.com/uhyunpark/hypersettle/pkg/storage"
)

// Validator runs the per-order checks. It never writes.
type Validator struct {
	signer *crypto.EIP712Signer
}

func NewValidator(signer *crypto.EIP712Signer) *Validator {
	return &Validator{signer: signer}
}

// Validate checks order against caller, the last execution price and now
// (Unix seconds), returning the order hash and its recorded fill.
func (v *Validator) Validate(r storage.Reader, order *Order, signature []byte, caller common.Address, lastPrice *big.Int, now int64) (common.Hash, *big.Int, error) {
	if err := crypto.CheckOrderFields(order); err != nil {
		return common.Hash{}, nil, fmt.Errorf("%w: %v", ErrMalformedOrder, err)
	}
	if order.Owner == (common.Address{}) || order.Executor == (common.Address{}) {
		return common.Hash{}, nil, fmt.Errorf("%w: owner=%s executor=%s", ErrZeroAddress, order.Owner.Hex(), order.Executor.Hex())
	}
	if order.ExpireTimestamp.Cmp(big.NewInt(now)) <= 0 {
		return common.Hash{}, nil, fmt.Errorf("%w: expired at %s, now %d", ErrOrderExpired, order.ExpireTimestamp, now)
	}
	if caller != order.Executor {
		return common.Hash{}, nil, fmt.Errorf("%w: caller %s, executor %s", ErrUnauthorizedExecutor, caller.Hex(), order.Executor.Hex())
	}

	// Bids trigger once the market is at or above stop, asks at or below
	switch order.Side {
	case Bid:
		if order.StopPrice.Cmp(lastPrice) > 0 {
			return common.Hash{}, nil, fmt.Errorf("%w: bid stop %s above last %s", ErrInvalidStopPrice, order.StopPrice, lastPrice)
		}
	case Ask:
		if order.StopPrice.Cmp(lastPrice) < 0 {
			return common.Hash{}, nil, fmt.Errorf("%w: ask stop %s below last %s", ErrInvalidStopPrice, order.StopPrice, lastPrice)
		}
	}

	hash, err := v.signer.HashOrder(order)
	if err != nil {
		return common.Hash{}, nil, fmt.Errorf("%w: %v", ErrMalformedOrder, err)
	}
	signer, err := crypto.RecoverAddress(hash.Bytes(), signature)
	if err != nil {
		return common.Hash{}, nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if signer != order.Owner {
		return common.Hash{}, nil, fmt.Errorf("%w: recovered %s, owner %s", ErrInvalidSignature, signer.Hex(), order.Owner.Hex())
	}

	filled, err := storage.GetAmount(r, storage.FillKey(hash))
	if err != nil {
		return common.Hash{}, nil, fmt.Errorf("read fill %s: %w", hash.Hex(), err)
	}
	if filled.Cmp(order.Quantity) >= 0 {
		return common.Hash{}, nil, fmt.Errorf("%w: %s filled %s of %s", ErrOrderAlreadyFilled, hash.Hex(), filled, order.Quantity)
	}

	return hash, filled, nil
}
