package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"go.uber.org/zap"

	"github.com/uhyunpark/hypersettle/pkg/crypto"
	"github.com/uhyunpark/hypersettle/pkg/metrics"
	"github.com/uhyunpark/hypersettle/pkg/storage"
	"github.com/uhyunpark/hypersettle/pkg/units"
	"github.com/uhyunpark/hypersettle/pkg/util"
)

type Config struct {
	Store  storage.Store
	Signer *crypto.EIP712Signer
	Base   AssetLedger
	Quote  AssetLedger

	// Optional
	Clock   util.Clock
	Sink    EventSink
	Logger  *zap.SugaredLogger
	Metrics *metrics.Recorder
}

// Engine settles signed orders against the fill ledger and the two asset
// ledgers. Execute and CancelOrder are serialized; each runs inside one
// storage transaction so a failed call leaves no trace.
type Engine struct {
	mu sync.Mutex

	store     storage.Store
	signer    *crypto.EIP712Signer
	validator *Validator
	base      AssetLedger
	quote     AssetLedger
	spender   common.Address
	scale     *big.Int

	clock   util.Clock
	sinkMu  sync.RWMutex
	sink    EventSink
	log     *zap.SugaredLogger
	metrics *metrics.Recorder
}

func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Store == nil || cfg.Signer == nil || cfg.Base == nil || cfg.Quote == nil {
		return nil, errors.New("settlement: store, signer, base and quote are required")
	}
	if cfg.Base.ID() == cfg.Quote.ID() {
		return nil, fmt.Errorf("settlement: base and quote must differ: %s", cfg.Base.ID())
	}

	e := &Engine{
		store:     cfg.Store,
		signer:    cfg.Signer,
		validator: NewValidator(cfg.Signer),
		base:      cfg.Base,
		quote:     cfg.Quote,
		// the settlement instance moves funds under its own identity
		spender: cfg.Signer.Domain().VerifyingContract,
		scale:   units.Scale(cfg.Base.Decimals()),
		clock:   cfg.Clock,
		sink:    cfg.Sink,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
	}
	if e.clock == nil {
		e.clock = util.RealClock{}
	}
	if e.sink == nil {
		e.sink = MultiSink(nil)
	}
	if e.log == nil {
		e.log = zap.NewNop().Sugar()
	}
	return e, nil
}

// Execute settles takerOrder against makerOrders in submission order on
// behalf of caller. The clearing price is the limit price of the last maker
// processed.
func (e *Engine) Execute(ctx context.Context, caller common.Address, takerOrder *Order, takerSignature []byte, makerOrders []*Order, makerSignatures [][]byte) (*Receipt, error) {
	var receipt *Receipt

	e.mu.Lock()
	start := e.clock.Now()
	err := e.store.Update(ctx, func(tx storage.Tx) error {
		r, err := e.settle(tx, caller, takerOrder, takerSignature, makerOrders, makerSignatures, start.Unix())
		receipt = r
		return err
	})
	// sinks run outside the lock; a slow observer must not stall other calls
	e.mu.Unlock()

	if err != nil {
		e.metrics.Rejected(ErrorKind(err))
		e.log.Infow("settlement_rejected",
			"caller", caller.Hex(),
			"makers", len(makerOrders),
			"kind", ErrorKind(err),
			"err", err,
		)
		return nil, err
	}

	e.metrics.Settled(len(receipt.Legs), time.Since(start))
	e.log.Infow("settlement_executed",
		"taker_order", receipt.TakerOrderHash.Hex(),
		"legs", len(receipt.Legs),
		"price", receipt.ExecutionPrice.String(),
		"taker_filled", receipt.TakerFilled.String(),
	)
	sink := e.eventSink()
	for _, leg := range receipt.Legs {
		sink.Publish(leg)
	}
	return receipt, nil
}

func (e *Engine) settle(tx storage.Tx, caller common.Address, taker *Order, takerSig []byte, makers []*Order, makerSigs [][]byte, now int64) (*Receipt, error) {
	if len(makers) == 0 {
		return nil, ErrNoMakerOrders
	}
	if len(makers) != len(makerSigs) {
		return nil, fmt.Errorf("%w: %d orders, %d signatures", ErrSignatureCountMismatch, len(makers), len(makerSigs))
	}

	lastPrice, err := storage.GetAmount(tx, storage.LastPriceKey())
	if err != nil {
		return nil, fmt.Errorf("read last price: %w", err)
	}

	takerHash, takerFilled, err := e.validator.Validate(tx, taker, takerSig, caller, lastPrice, now)
	if err != nil {
		return nil, fmt.Errorf("taker: %w", err)
	}
	takerRemaining := new(big.Int).Sub(taker.Quantity, takerFilled)

	// fills allocated earlier in this batch, keyed by maker hash
	pending := make(map[common.Hash]*big.Int)
	legs := make([]ExecutionEvent, 0, len(makers))
	var executionPrice *big.Int

	for i, maker := range makers {
		makerHash, makerFilled, err := e.validator.Validate(tx, maker, makerSigs[i], caller, lastPrice, now)
		if err != nil {
			return nil, fmt.Errorf("maker %d: %w", i, err)
		}
		if maker.Side == taker.Side {
			return nil, fmt.Errorf("%w: maker %d and taker are both %s", ErrInvalidOrderSides, i, taker.Side)
		}

		executionPrice = maker.LimitPrice
		switch taker.Side {
		case Bid:
			if executionPrice.Sign() == 0 || taker.LimitPrice.Cmp(executionPrice) < 0 {
				return nil, fmt.Errorf("%w: maker %d price %s, bid limit %s", ErrInvalidPrice, i, executionPrice, taker.LimitPrice)
			}
		case Ask:
			if executionPrice.Cmp(math.MaxBig256) == 0 || taker.LimitPrice.Cmp(executionPrice) > 0 {
				return nil, fmt.Errorf("%w: maker %d price %s, ask limit %s", ErrInvalidPrice, i, executionPrice, taker.LimitPrice)
			}
		}

		filled := new(big.Int).Set(makerFilled)
		if p, ok := pending[makerHash]; ok {
			filled.Add(filled, p)
		}
		makerRemaining := new(big.Int).Sub(maker.Quantity, filled)
		if makerRemaining.Sign() < 0 {
			makerRemaining.SetInt64(0)
		}

		baseQty := new(big.Int).Set(takerRemaining)
		if makerRemaining.Cmp(baseQty) < 0 {
			baseQty.Set(makerRemaining)
		}
		if baseQty.Sign() == 0 {
			return nil, fmt.Errorf("%w: maker %d (%s)", ErrZeroQuantity, i, makerHash.Hex())
		}
		if maker.OnlyFullFill && baseQty.Cmp(maker.Quantity) != 0 {
			return nil, fmt.Errorf("%w: maker %d allocated %s of %s", ErrFullFillRequired, i, baseQty, maker.Quantity)
		}

		quoteQty := new(big.Int).Mul(executionPrice, baseQty)
		if quoteQty.BitLen() > 256 {
			return nil, fmt.Errorf("%w: maker %d price %s * qty %s", ErrAmountOverflow, i, executionPrice, baseQty)
		}
		quoteQty.Quo(quoteQty, e.scale)

		takerRemaining.Sub(takerRemaining, baseQty)
		if p, ok := pending[makerHash]; ok {
			p.Add(p, baseQty)
		} else {
			pending[makerHash] = new(big.Int).Set(baseQty)
		}

		legs = append(legs, ExecutionEvent{
			Maker:          maker.Owner,
			Taker:          taker.Owner,
			MakerOrderHash: makerHash,
			TakerOrderHash: takerHash,
			BaseQty:        baseQty,
			QuoteQty:       quoteQty,
			Side:           taker.Side,
			Price:          new(big.Int).Set(executionPrice),
		})
	}

	if taker.OnlyFullFill && takerRemaining.Sign() > 0 {
		return nil, fmt.Errorf("%w: taker left %s of %s", ErrFullFillRequired, takerRemaining, taker.Quantity)
	}

	// Everything below writes; any error rolls the whole call back.
	takerTotal := new(big.Int).Sub(taker.Quantity, takerRemaining)
	if err := storage.PutAmount(tx, storage.FillKey(takerHash), takerTotal); err != nil {
		return nil, fmt.Errorf("write taker fill: %w", err)
	}
	if err := storage.PutAmount(tx, storage.LastPriceKey(), executionPrice); err != nil {
		return nil, fmt.Errorf("write last price: %w", err)
	}

	for i, leg := range legs {
		key := storage.FillKey(leg.MakerOrderHash)
		f, err := storage.GetAmount(tx, key)
		if err != nil {
			return nil, fmt.Errorf("read maker %d fill: %w", i, err)
		}
		if err := storage.PutAmount(tx, key, f.Add(f, leg.BaseQty)); err != nil {
			return nil, fmt.Errorf("write maker %d fill: %w", i, err)
		}

		if err := e.transferLeg(tx, leg); err != nil {
			return nil, fmt.Errorf("maker %d: %w", i, err)
		}
	}

	return &Receipt{
		TakerOrderHash: takerHash,
		TakerFilled:    takerTotal,
		ExecutionPrice: new(big.Int).Set(executionPrice),
		Legs:           legs,
	}, nil
}

// transferLeg moves base and quote between the two parties of one leg.
// A Bid taker receives base and pays quote; an Ask taker the reverse.
func (e *Engine) transferLeg(tx storage.Tx, leg ExecutionEvent) error {
	baseFrom, baseTo := leg.Maker, leg.Taker
	if leg.Side == Ask {
		baseFrom, baseTo = leg.Taker, leg.Maker
	}
	if err := e.base.TransferFrom(tx, e.spender, baseFrom, baseTo, leg.BaseQty); err != nil {
		return fmt.Errorf("base transfer: %w", err)
	}
	if err := e.quote.TransferFrom(tx, e.spender, baseTo, baseFrom, leg.QuoteQty); err != nil {
		return fmt.Errorf("quote transfer: %w", err)
	}
	return nil
}

// AddSink registers another event sink. Sinks added later only see events
// committed after the call.
func (e *Engine) AddSink(s EventSink) {
	e.sinkMu.Lock()
	e.sink = MultiSink{e.sink, s}
	e.sinkMu.Unlock()
}

func (e *Engine) eventSink() EventSink {
	e.sinkMu.RLock()
	defer e.sinkMu.RUnlock()
	return e.sink
}

// CancelOrder consumes order's hash so it can never be filled again.
// Only the owner may cancel; cancelling twice is a no-op.
func (e *Engine) CancelOrder(ctx context.Context, caller common.Address, order *Order) (common.Hash, error) {
	hash, err := e.cancel(ctx, caller, order)
	if err != nil {
		e.metrics.Rejected(ErrorKind(err))
		e.log.Infow("cancel_rejected", "caller", caller.Hex(), "kind", ErrorKind(err), "err", err)
		return common.Hash{}, err
	}

	e.metrics.Cancelled()
	e.log.Infow("order_cancelled", "order", hash.Hex(), "owner", order.Owner.Hex())
	e.eventSink().Publish(CancellationEvent{
		Owner:     order.Owner,
		OrderHash: hash,
		Quantity:  new(big.Int).Set(order.Quantity),
	})
	return hash, nil
}

func (e *Engine) cancel(ctx context.Context, caller common.Address, order *Order) (common.Hash, error) {
	hash, err := e.HashOrder(order)
	if err != nil {
		return common.Hash{}, err
	}
	if caller != order.Owner {
		return common.Hash{}, fmt.Errorf("%w: caller %s, owner %s", ErrUnauthorizedCancellation, caller.Hex(), order.Owner.Hex())
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	err = e.store.Update(ctx, func(tx storage.Tx) error {
		return storage.PutAmount(tx, storage.FillKey(hash), order.Quantity)
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("write cancel: %w", err)
	}
	return hash, nil
}

// HashOrder returns the order's EIP-712 digest, its ledger key.
func (e *Engine) HashOrder(order *Order) (common.Hash, error) {
	h, err := e.signer.HashOrder(order)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: %v", ErrMalformedOrder, err)
	}
	return h, nil
}

// Filled returns the cumulative fill recorded for orderHash.
func (e *Engine) Filled(ctx context.Context, orderHash common.Hash) (*big.Int, error) {
	var out *big.Int
	err := e.store.View(ctx, func(r storage.Reader) error {
		var err error
		out, err = storage.GetAmount(r, storage.FillKey(orderHash))
		return err
	})
	return out, err
}

func (e *Engine) LastExecutionPrice(ctx context.Context) (*big.Int, error) {
	var out *big.Int
	err := e.store.View(ctx, func(r storage.Reader) error {
		var err error
		out, err = storage.GetAmount(r, storage.LastPriceKey())
		return err
	})
	return out, err
}

func (e *Engine) DomainSeparator() (common.Hash, error) { return e.signer.DomainSeparator() }
func (e *Engine) Domain() crypto.EIP712Domain           { return e.signer.Domain() }
func (e *Engine) Signer() *crypto.EIP712Signer          { return e.signer }
func (e *Engine) BaseAsset() AssetLedger                { return e.base }
func (e *Engine) QuoteAsset() AssetLedger               { return e.quote }

// Spender is the identity owners approve on both asset ledgers.
func (e *Engine) Spender() common.Address { return e.spender }

// Store exposes the backing store for read-only queries.
func (e *Engine) Store() storage.Store { return e.store }
