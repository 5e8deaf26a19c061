package transaction

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hypersettle/pkg/crypto"
	"github.com/uhyunpark/hypersettle/pkg/util"
)

// ExecuteRequest is a decoded, executor-authenticated ExecuteTransaction.
type ExecuteRequest struct {
	Caller          common.Address
	Taker           *crypto.OrderEIP712
	TakerSignature  []byte
	Makers          []*crypto.OrderEIP712
	MakerSignatures [][]byte
	Deadline        *big.Int
}

// CancelRequest is a decoded, owner-authenticated CancelTransaction.
type CancelRequest struct {
	Caller    common.Address
	Order     *crypto.OrderEIP712
	OrderHash common.Hash
}

// Verifier authenticates envelopes. It establishes who the caller is;
// order-level checks are left to the settlement engine.
type Verifier struct {
	signer *crypto.EIP712Signer
	clock  util.Clock
	ttl    time.Duration
}

// NewVerifier creates a verifier. A zero ttl disables the upper bound on
// execution deadlines.
func NewVerifier(signer *crypto.EIP712Signer, clock util.Clock, ttl time.Duration) *Verifier {
	if clock == nil {
		clock = util.RealClock{}
	}
	return &Verifier{signer: signer, clock: clock, ttl: ttl}
}

// VerifyExecuteTransaction decodes tx and recovers the executor from its
// signature over Execution{takerHash, makersHash, deadline}.
func (v *Verifier) VerifyExecuteTransaction(tx *ExecuteTransaction) (*ExecuteRequest, error) {
	if tx == nil {
		return nil, fmt.Errorf("%w: missing transaction", ErrInvalidPayload)
	}

	taker, takerSig, err := tx.Taker.Decode()
	if err != nil {
		return nil, fmt.Errorf("taker: %w", err)
	}
	req := &ExecuteRequest{
		Taker:           taker,
		TakerSignature:  takerSig,
		Makers:          make([]*crypto.OrderEIP712, 0, len(tx.Makers)),
		MakerSignatures: make([][]byte, 0, len(tx.Makers)),
	}
	for i, m := range tx.Makers {
		order, sig, err := m.Decode()
		if err != nil {
			return nil, fmt.Errorf("maker %d: %w", i, err)
		}
		req.Makers = append(req.Makers, order)
		req.MakerSignatures = append(req.MakerSignatures, sig)
	}

	executor, err := crypto.ParseAddress(tx.Executor)
	if err != nil {
		return nil, fmt.Errorf("%w: executor: %v", ErrInvalidPayload, err)
	}
	if req.Deadline, err = parseUint256("deadline", tx.Deadline); err != nil {
		return nil, err
	}
	now := v.clock.Now()
	if req.Deadline.Cmp(big.NewInt(now.Unix())) <= 0 {
		return nil, fmt.Errorf("%w: deadline %s, now %d", ErrDeadlineExpired, req.Deadline, now.Unix())
	}
	if v.ttl > 0 && req.Deadline.Cmp(big.NewInt(now.Add(v.ttl).Unix())) > 0 {
		return nil, fmt.Errorf("%w: deadline %s, max %d", ErrDeadlineTooFar, req.Deadline, now.Add(v.ttl).Unix())
	}

	digest, err := v.executionDigest(req.Taker, req.Makers, req.Deadline)
	if err != nil {
		return nil, err
	}
	sig, err := decodeHex(tx.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	signer, err := crypto.RecoverAddress(digest.Bytes(), sig)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if signer != executor {
		return nil, fmt.Errorf("%w: recovered %s, executor %s", ErrInvalidSignature, signer.Hex(), executor.Hex())
	}

	req.Caller = signer
	return req, nil
}

func (v *Verifier) executionDigest(taker *crypto.OrderEIP712, makers []*crypto.OrderEIP712, deadline *big.Int) (common.Hash, error) {
	takerHash, err := v.signer.HashOrder(taker)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: taker: %v", ErrInvalidPayload, err)
	}
	makerHashes := make([]common.Hash, len(makers))
	for i, m := range makers {
		if makerHashes[i], err = v.signer.HashOrder(m); err != nil {
			return common.Hash{}, fmt.Errorf("%w: maker %d: %v", ErrInvalidPayload, i, err)
		}
	}
	return v.signer.HashExecution(takerHash, makerHashes, deadline)
}

// VerifyCancelTransaction decodes tx and recovers the canceller from its
// signature over CancelOrder{orderHash}. The recovered address is returned
// as the caller; the engine decides whether it owns the order.
func (v *Verifier) VerifyCancelTransaction(tx *CancelTransaction) (*CancelRequest, error) {
	if tx == nil {
		return nil, fmt.Errorf("%w: missing transaction", ErrInvalidPayload)
	}
	order, err := tx.Order.ToEIP712Order()
	if err != nil {
		return nil, err
	}
	orderHash, err := v.signer.HashOrder(order)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	digest, err := v.signer.HashCancel(orderHash)
	if err != nil {
		return nil, err
	}

	sig, err := decodeHex(tx.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	caller, err := crypto.RecoverAddress(digest.Bytes(), sig)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return &CancelRequest{Caller: caller, Order: order, OrderHash: orderHash}, nil
}

// SignExecuteTransaction builds an ExecuteTransaction signed by key.
func SignExecuteTransaction(key *crypto.Signer, es *crypto.EIP712Signer, taker SignedOrder, makers []SignedOrder, deadline *big.Int) (*ExecuteTransaction, error) {
	v := &Verifier{signer: es}

	takerOrder, err := taker.Order.ToEIP712Order()
	if err != nil {
		return nil, err
	}
	makerOrders := make([]*crypto.OrderEIP712, len(makers))
	for i, m := range makers {
		if makerOrders[i], err = m.Order.ToEIP712Order(); err != nil {
			return nil, fmt.Errorf("maker %d: %w", i, err)
		}
	}

	digest, err := v.executionDigest(takerOrder, makerOrders, deadline)
	if err != nil {
		return nil, err
	}
	sig, err := key.Sign(digest.Bytes())
	if err != nil {
		return nil, err
	}

	return &ExecuteTransaction{
		Taker:     taker,
		Makers:    makers,
		Executor:  key.Address().Hex(),
		Deadline:  deadline.String(),
		Signature: EncodeSignature(sig),
	}, nil
}

// SignCancelTransaction builds a CancelTransaction signed by key.
func SignCancelTransaction(key *crypto.Signer, es *crypto.EIP712Signer, order *crypto.OrderEIP712) (*CancelTransaction, error) {
	orderHash, err := es.HashOrder(order)
	if err != nil {
		return nil, err
	}
	digest, err := es.HashCancel(orderHash)
	if err != nil {
		return nil, err
	}
	sig, err := key.Sign(digest.Bytes())
	if err != nil {
		return nil, err
	}
	return &CancelTransaction{Order: FromEIP712Order(order), Signature: EncodeSignature(sig)}, nil
}
