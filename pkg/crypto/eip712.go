package crypto

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// EIP712Domain represents the domain separator for EIP-712 typed data
// This binds signatures to one settlement deployment and chain
type EIP712Domain struct {
	Name              string         // Protocol name (e.g., "HyperSettle")
	Version           string         // Protocol version (e.g., "1")
	ChainID           *big.Int       // Chain ID (1337 for local, 1 for mainnet)
	VerifyingContract common.Address // Settlement instance address
}

// Side is the direction of an order. Encoded as uint8 in typed data.
type Side uint8

const (
	Bid Side = 0 // buy base with quote
	Ask Side = 1 // sell base for quote
)

func (s Side) String() string {
	switch s {
	case Bid:
		return "bid"
	case Ask:
		return "ask"
	default:
		return "unknown"
	}
}

// Valid reports whether s is Bid or Ask.
func (s Side) Valid() bool { return s == Bid || s == Ask }

// OrderEIP712 represents an order for EIP-712 signing
// This is the typed data structure owners sign in their wallets
type OrderEIP712 struct {
	Owner           common.Address // Receives proceeds, signs the order
	Executor        common.Address // Only identity allowed to submit the order
	Nonce           *big.Int       // Disambiguates otherwise identical orders
	Quantity        *big.Int       // Base asset amount in smallest units
	LimitPrice      *big.Int       // Quote per base, scaled by base decimals
	StopPrice       *big.Int       // Activation threshold vs last execution price
	ExpireTimestamp *big.Int       // Exclusive upper bound (Unix seconds)
	Side            Side
	OnlyFullFill    bool
}

var (
	domainType = []apitypes.Type{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	}

	orderType = []apitypes.Type{
		{Name: "owner", Type: "address"},
		{Name: "executor", Type: "address"},
		{Name: "nonce", Type: "uint256"},
		{Name: "quantity", Type: "uint256"},
		{Name: "limitPrice", Type: "uint256"},
		{Name: "stopPrice", Type: "uint256"},
		{Name: "expireTimestamp", Type: "uint256"},
		{Name: "side", Type: "uint8"},
		{Name: "onlyFullFill", Type: "bool"},
	}

	cancelType = []apitypes.Type{
		{Name: "orderHash", Type: "bytes32"},
	}

	executionType = []apitypes.Type{
		{Name: "takerHash", Type: "bytes32"},
		{Name: "makersHash", Type: "bytes32"},
		{Name: "deadline", Type: "uint256"},
	}
)

// EIP712Signer handles EIP-712 typed data hashing and signing for orders
type EIP712Signer struct {
	domain EIP712Domain
}

// NewEIP712Signer creates a new EIP-712 signer with given domain
func NewEIP712Signer(domain EIP712Domain) *EIP712Signer {
	return &EIP712Signer{domain: domain}
}

// DefaultDomain returns the default EIP-712 domain for local devnets
func DefaultDomain() EIP712Domain {
	return EIP712Domain{
		Name:              "HyperSettle",
		Version:           "1",
		ChainID:           big.NewInt(1337), // Local dev chain
		VerifyingContract: common.HexToAddress("0x5e771e0000000000000000000000000000000001"),
	}
}

// Domain returns the signer's domain.
func (e *EIP712Signer) Domain() EIP712Domain {
	return e.domain
}

func (e *EIP712Signer) typedData(primaryType string, fields []apitypes.Type, message apitypes.TypedDataMessage) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainType,
			primaryType:    fields,
		},
		PrimaryType: primaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              e.domain.Name,
			Version:           e.domain.Version,
			ChainId:           (*math.HexOrDecimal256)(e.domain.ChainID),
			VerifyingContract: e.domain.VerifyingContract.Hex(),
		},
		Message: message,
	}
}

// digest computes keccak256("\x19\x01" || domainSeparator || hashStruct(message))
func digest(typedData apitypes.TypedData) (common.Hash, error) {
	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to hash domain: %w", err)
	}

	typedDataHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to hash message: %w", err)
	}

	return crypto.Keccak256Hash([]byte{0x19, 0x01}, domainSeparator, typedDataHash), nil
}

// DomainSeparator returns hashStruct(EIP712Domain) for this signer's domain
func (e *EIP712Signer) DomainSeparator() (common.Hash, error) {
	typedData := e.typedData("EIP712Domain", domainType, nil)
	sep, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to hash domain: %w", err)
	}
	return common.BytesToHash(sep), nil
}

func orderMessage(order *OrderEIP712) apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"owner":           order.Owner.Hex(),
		"executor":        order.Executor.Hex(),
		"nonce":           order.Nonce.String(),
		"quantity":        order.Quantity.String(),
		"limitPrice":      order.LimitPrice.String(),
		"stopPrice":       order.StopPrice.String(),
		"expireTimestamp": order.ExpireTimestamp.String(),
		"side":            fmt.Sprintf("%d", order.Side),
		"onlyFullFill":    order.OnlyFullFill,
	}
}

// CheckOrderFields reports an error if any numeric field is missing or
// cannot be represented as the typed-data type it is signed as.
func CheckOrderFields(order *OrderEIP712) error {
	if order == nil {
		return fmt.Errorf("nil order")
	}
	fields := []struct {
		name string
		v    *big.Int
	}{
		{"nonce", order.Nonce},
		{"quantity", order.Quantity},
		{"limitPrice", order.LimitPrice},
		{"stopPrice", order.StopPrice},
		{"expireTimestamp", order.ExpireTimestamp},
	}
	for _, f := range fields {
		if f.v == nil {
			return fmt.Errorf("missing %s", f.name)
		}
		if f.v.Sign() < 0 || f.v.BitLen() > 256 {
			return fmt.Errorf("%s out of uint256 range: %s", f.name, f.v)
		}
	}
	if !order.Side.Valid() {
		return fmt.Errorf("invalid side: %d", order.Side)
	}
	return nil
}

// HashOrder hashes an order according to EIP-712 spec
// The digest is both the signed message and the order's identity
func (e *EIP712Signer) HashOrder(order *OrderEIP712) (common.Hash, error) {
	if err := CheckOrderFields(order); err != nil {
		return common.Hash{}, err
	}
	return digest(e.typedData("Order", orderType, orderMessage(order)))
}

// SignOrder signs an order and returns the signature
func (e *EIP712Signer) SignOrder(signer *Signer, order *OrderEIP712) ([]byte, error) {
	hash, err := e.HashOrder(order)
	if err != nil {
		return nil, fmt.Errorf("failed to hash order: %w", err)
	}

	signature, err := signer.Sign(hash.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to sign order: %w", err)
	}

	return signature, nil
}

// RecoverOrderSigner recovers the address that signed an order
func (e *EIP712Signer) RecoverOrderSigner(order *OrderEIP712, signature []byte) (common.Address, error) {
	hash, err := e.HashOrder(order)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to hash order: %w", err)
	}

	return RecoverAddress(hash.Bytes(), signature)
}

// VerifyOrderSignature verifies that an order signature is valid
// Returns true if signature matches the order and claimed owner
func (e *EIP712Signer) VerifyOrderSignature(order *OrderEIP712, signature []byte) (bool, error) {
	recoveredAddr, err := e.RecoverOrderSigner(order, signature)
	if err != nil {
		return false, err
	}
	return recoveredAddr == order.Owner, nil
}

// HashCancel hashes a CancelOrder{bytes32 orderHash} request
func (e *EIP712Signer) HashCancel(orderHash common.Hash) (common.Hash, error) {
	return digest(e.typedData("CancelOrder", cancelType, apitypes.TypedDataMessage{
		"orderHash": orderHash.Hex(),
	}))
}

// MakersHash folds an ordered list of maker order hashes into one bytes32,
// the same way EIP-712 encodes a bytes32[] member.
func MakersHash(makerHashes []common.Hash) common.Hash {
	buf := make([]byte, 0, len(makerHashes)*common.HashLength)
	for _, h := range makerHashes {
		buf = append(buf, h.Bytes()...)
	}
	return crypto.Keccak256Hash(buf)
}

// HashExecution hashes the executor's authorization for one settlement batch
func (e *EIP712Signer) HashExecution(takerHash common.Hash, makerHashes []common.Hash, deadline *big.Int) (common.Hash, error) {
	if deadline == nil {
		return common.Hash{}, fmt.Errorf("missing deadline")
	}
	return digest(e.typedData("Execution", executionType, apitypes.TypedDataMessage{
		"takerHash":  takerHash.Hex(),
		"makersHash": MakersHash(makerHashes).Hex(),
		"deadline":   deadline.String(),
	}))
}

// OrderToJSON converts an order to JSON for wallet signing
// MetaMask and other wallets use this format for eth_signTypedData_v4
func (e *EIP712Signer) OrderToJSON(order *OrderEIP712) (string, error) {
	if err := CheckOrderFields(order); err != nil {
		return "", err
	}

	typedData := map[string]interface{}{
		"types": map[string]interface{}{
			"EIP712Domain": domainType,
			"Order":        orderType,
		},
		"primaryType": "Order",
		"domain": map[string]interface{}{
			"name":              e.domain.Name,
			"version":           e.domain.Version,
			"chainId":           e.domain.ChainID.String(),
			"verifyingContract": e.domain.VerifyingContract.Hex(),
		},
		"message": map[string]interface{}{
			"owner":           order.Owner.Hex(),
			"executor":        order.Executor.Hex(),
			"nonce":           order.Nonce.String(),
			"quantity":        order.Quantity.String(),
			"limitPrice":      order.LimitPrice.String(),
			"stopPrice":       order.StopPrice.String(),
			"expireTimestamp": order.ExpireTimestamp.String(),
			"side":            uint8(order.Side),
			"onlyFullFill":    order.OnlyFullFill,
		},
	}

	jsonBytes, err := json.MarshalIndent(typedData, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}

	return string(jsonBytes), nil
}

// SideFromString parses "bid"/"buy" or "ask"/"sell"
func SideFromString(side string) (Side, bool) {
	switch side {
	case "bid", "BID", "buy", "BUY":
		return Bid, true
	case "ask", "ASK", "sell", "SELL":
		return Ask, true
	default:
		return 0, false
	}
}
