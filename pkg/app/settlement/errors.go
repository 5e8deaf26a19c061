package settlement

import (
	"errors"

	"github.com/uhyunpark/hypersettle/pkg/app/asset"
)

var (
	// malformed input
	ErrMalformedOrder         = errors.New("malformed order")
	ErrZeroAddress            = errors.New("zero address")
	ErrZeroQuantity           = errors.New("zero quantity")
	ErrNoMakerOrders          = errors.New("no maker orders")
	ErrSignatureCountMismatch = errors.New("maker signature count mismatch")

	// authorization
	ErrUnauthorizedExecutor     = errors.New("unauthorized executor")
	ErrUnauthorizedCancellation = errors.New("unauthorized cancellation")
	ErrInvalidSignature         = errors.New("invalid signature")

	ErrOrderExpired = errors.New("order expired")

	// market state
	ErrInvalidStopPrice  = errors.New("invalid stop price")
	ErrInvalidPrice      = errors.New("invalid price")
	ErrInvalidOrderSides = errors.New("invalid order sides")

	ErrOrderAlreadyFilled = errors.New("order already filled")
	ErrFullFillRequired   = errors.New("full fill required")
	ErrAmountOverflow     = errors.New("amount overflow")
)

var errorKinds = []struct {
	err  error
	kind string
}{
	{ErrMalformedOrder, "MalformedOrder"},
	{ErrZeroAddress, "ZeroAddress"},
	{ErrZeroQuantity, "ZeroQuantity"},
	{ErrNoMakerOrders, "NoMakerOrders"},
	{ErrSignatureCountMismatch, "SignatureCountMismatch"},
	{ErrUnauthorizedExecutor, "UnauthorizedExecutor"},
	{ErrUnauthorizedCancellation, "UnauthorizedCancellation"},
	{ErrInvalidSignature, "InvalidSignature"},
	{ErrOrderExpired, "OrderExpired"},
	{ErrInvalidStopPrice, "InvalidStopPrice"},
	{ErrInvalidPrice, "InvalidPrice"},
	{ErrInvalidOrderSides, "InvalidOrderSides"},
	{ErrOrderAlreadyFilled, "OrderAlreadyFilled"},
	{ErrFullFillRequired, "FullFillRequired"},
	{ErrAmountOverflow, "AmountOverflow"},
	{asset.ErrInsufficientBalance, "InsufficientBalance"},
	{asset.ErrInsufficientAllowance, "InsufficientAllowance"},
	{asset.ErrInvalidAmount, "InvalidAmount"},
}

// ErrorKind returns the stable name of the first known error in err's chain,
// or "Internal".
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return "Internal"
}

// IsRejection reports whether err is a settlement rule violation rather than
// an infrastructure failure.
func IsRejection(err error) bool {
	k := ErrorKind(err)
	return k != "" && k != "Internal"
}
