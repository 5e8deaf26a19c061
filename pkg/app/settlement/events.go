package settlement

import (
	"encoding/gob"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// Event is a notification emitted after a settlement or cancellation commits.
type Event interface {
	EventType() string
}

// ExecutionEvent describes one maker leg of a settlement.
type ExecutionEvent struct {
	Maker          common.Address
	Taker          common.Address
	MakerOrderHash common.Hash
	TakerOrderHash common.Hash
	BaseQty        *big.Int
	QuoteQty       *big.Int
	Side           Side // taker side
	Price          *big.Int
}

func (ExecutionEvent) EventType() string { return "execution" }

type CancellationEvent struct {
	Owner     common.Address
	OrderHash common.Hash
	Quantity  *big.Int
}

func (CancellationEvent) EventType() string { return "cancellation" }

func init() {
	gob.Register(ExecutionEvent{})
	gob.Register(CancellationEvent{})
}

// EventSink receives committed events. Publish must not block the caller
// for long and cannot fail a settlement.
type EventSink interface {
	Publish(ev Event)
}

// MultiSink fans an event out to every non-nil sink in order.
type MultiSink []EventSink

func (m MultiSink) Publish(ev Event) {
	for _, s := range m {
		if s != nil {
			s.Publish(ev)
		}
	}
}

// LogSink writes events to a zap logger.
type LogSink struct {
	Log *zap.SugaredLogger
}

func (l LogSink) Publish(ev Event) {
	switch e := ev.(type) {
	case ExecutionEvent:
		l.Log.Infow("execution",
			"maker", e.Maker.Hex(),
			"taker", e.Taker.Hex(),
			"maker_order", e.MakerOrderHash.Hex(),
			"taker_order", e.TakerOrderHash.Hex(),
			"base_qty", e.BaseQty.String(),
			"quote_qty", e.QuoteQty.String(),
			"side", e.Side.String(),
			"price", e.Price.String(),
		)
	case CancellationEvent:
		l.Log.Infow("cancellation",
			"owner", e.Owner.Hex(),
			"order", e.OrderHash.Hex(),
			"quantity", e.Quantity.String(),
		)
	}
}
