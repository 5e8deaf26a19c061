package transaction

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/uhyunpark/hypersettle/pkg/crypto"
)

var (
	ErrInvalidPayload   = errors.New("invalid payload")
	ErrInvalidSignature = errors.New("invalid envelope signature")
	ErrDeadlineExpired  = errors.New("execution deadline passed")
	ErrDeadlineTooFar   = errors.New("execution deadline too far in the future")
)

// OrderPayload is the JSON wire form of an order.
// Integers are decimal strings, addresses are 0x hex.
type OrderPayload struct {
	Owner           string `json:"owner"`
	Executor        string `json:"executor"`
	Nonce           string `json:"nonce"`
	Quantity        string `json:"quantity"`
	LimitPrice      string `json:"limitPrice"`
	StopPrice       string `json:"stopPrice"`
	ExpireTimestamp string `json:"expireTimestamp"`
	Side            uint8  `json:"side"` // 0=Bid, 1=Ask
	OnlyFullFill    bool   `json:"onlyFullFill"`
}

// SignedOrder pairs an order with its owner's EIP-712 signature.
type SignedOrder struct {
	Order     *OrderPayload `json:"order"`
	Signature string        `json:"signature"` // Hex-encoded signature (0x...)
}

// ExecuteTransaction is what an executor submits to settle a batch.
// Signature is the executor's signature over the Execution typed data.
type ExecuteTransaction struct {
	Taker     SignedOrder   `json:"taker"`
	Makers    []SignedOrder `json:"makers"`
	Executor  string        `json:"executor"`
	Deadline  string        `json:"deadline"` // Unix seconds
	Signature string        `json:"signature"`
}

// CancelTransaction is signed by the order owner over CancelOrder{orderHash}.
type CancelTransaction struct {
	Order     *OrderPayload `json:"order"`
	Signature string        `json:"signature"`
}

func parseUint256(name, s string) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: missing %s", ErrInvalidPayload, name)
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 || v.BitLen() > 256 {
		return nil, fmt.Errorf("%w: invalid %s: %s", ErrInvalidPayload, name, s)
	}
	return v, nil
}

// ToEIP712Order converts OrderPayload to crypto.OrderEIP712 for hashing and settlement
func (o *OrderPayload) ToEIP712Order() (*crypto.OrderEIP712, error) {
	if o == nil {
		return nil, fmt.Errorf("%w: missing order", ErrInvalidPayload)
	}

	owner, err := crypto.ParseAddress(o.Owner)
	if err != nil {
		return nil, fmt.Errorf("%w: owner: %v", ErrInvalidPayload, err)
	}
	executor, err := crypto.ParseAddress(o.Executor)
	if err != nil {
		return nil, fmt.Errorf("%w: executor: %v", ErrInvalidPayload, err)
	}

	side := crypto.Side(o.Side)
	if !side.Valid() {
		return nil, fmt.Errorf("%w: invalid side %d", ErrInvalidPayload, o.Side)
	}

	order := &crypto.OrderEIP712{
		Owner:        owner,
		Executor:     executor,
		Side:         side,
		OnlyFullFill: o.OnlyFullFill,
	}
	fields := []struct {
		name string
		src  string
		dst  **big.Int
	}{
		{"nonce", o.Nonce, &order.Nonce},
		{"quantity", o.Quantity, &order.Quantity},
		{"limitPrice", o.LimitPrice, &order.LimitPrice},
		{"stopPrice", o.StopPrice, &order.StopPrice},
		{"expireTimestamp", o.ExpireTimestamp, &order.ExpireTimestamp},
	}
	for _, f := range fields {
		v, err := parseUint256(f.name, f.src)
		if err != nil {
			return nil, err
		}
		*f.dst = v
	}
	return order, nil
}

// FromEIP712Order converts crypto.OrderEIP712 to OrderPayload
func FromEIP712Order(order *crypto.OrderEIP712) *OrderPayload {
	return &OrderPayload{
		Owner:           order.Owner.Hex(),
		Executor:        order.Executor.Hex(),
		Nonce:           order.Nonce.String(),
		Quantity:        order.Quantity.String(),
		LimitPrice:      order.LimitPrice.String(),
		StopPrice:       order.StopPrice.String(),
		ExpireTimestamp: order.ExpireTimestamp.String(),
		Side:            uint8(order.Side),
		OnlyFullFill:    order.OnlyFullFill,
	}
}

// NewSignedOrder wraps an order and raw signature for the wire
func NewSignedOrder(order *crypto.OrderEIP712, sig []byte) SignedOrder {
	return SignedOrder{Order: FromEIP712Order(order), Signature: EncodeSignature(sig)}
}

// Decode returns the order and raw signature bytes. Signature length is not
// checked here; recovery rejects anything but 65 bytes.
func (s SignedOrder) Decode() (*crypto.OrderEIP712, []byte, error) {
	order, err := s.Order.ToEIP712Order()
	if err != nil {
		return nil, nil, err
	}
	sig, err := decodeHex(s.Signature)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: signature: %v", ErrInvalidPayload, err)
	}
	return order, sig, nil
}

// Serialize converts an envelope to JSON bytes
func Serialize(v any) ([]byte, error) {
	return json.Marshal(v)
}

// DeserializeExecute parses JSON bytes into ExecuteTransaction
func DeserializeExecute(data []byte) (*ExecuteTransaction, error) {
	var tx ExecuteTransaction
	if err := json.Unmarshal(data, &tx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return &tx, nil
}

// DeserializeCancel parses JSON bytes into CancelTransaction
func DeserializeCancel(data []byte) (*CancelTransaction, error) {
	var tx CancelTransaction
	if err := json.Unmarshal(data, &tx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return &tx, nil
}

func EncodeSignature(sig []byte) string {
	return "0x" + hex.EncodeToString(sig)
}

// decodeHex decodes a hex string with or without 0x prefix
func decodeHex(s string) ([]byte, error) {
	if s == "" {
		return nil, errors.New("empty")
	}
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	return b, nil
}
