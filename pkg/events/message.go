// Package events encodes settlement events for external consumers and
// publishes them to Redis.
package events

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hypersettle/pkg/app/settlement"
)

// Message is the JSON form of a settlement event. Amounts are decimal strings.
type Message struct {
	Type         string            `json:"type"` // "execution" | "cancellation"
	Execution    *ExecutionData    `json:"execution,omitempty"`
	Cancellation *CancellationData `json:"cancellation,omitempty"`
}

type ExecutionData struct {
	Maker          string `json:"maker"`
	Taker          string `json:"taker"`
	MakerOrderHash string `json:"makerOrderHash"`
	TakerOrderHash string `json:"takerOrderHash"`
	BaseQty        string `json:"baseQty"`
	QuoteQty       string `json:"quoteQty"`
	Side           string `json:"side"` // taker side
	Price          string `json:"price"`
}

type CancellationData struct {
	Owner     string `json:"owner"`
	OrderHash string `json:"orderHash"`
	Quantity  string `json:"quantity"`
}

func NewMessage(ev settlement.Event) (Message, error) {
	switch e := ev.(type) {
	case settlement.ExecutionEvent:
		return Message{Type: e.EventType(), Execution: &ExecutionData{
			Maker:          e.Maker.Hex(),
			Taker:          e.Taker.Hex(),
			MakerOrderHash: e.MakerOrderHash.Hex(),
			TakerOrderHash: e.TakerOrderHash.Hex(),
			BaseQty:        e.BaseQty.String(),
			QuoteQty:       e.QuoteQty.String(),
			Side:           e.Side.String(),
			Price:          e.Price.String(),
		}}, nil
	case settlement.CancellationEvent:
		return Message{Type: e.EventType(), Cancellation: &CancellationData{
			Owner:     e.Owner.Hex(),
			OrderHash: e.OrderHash.Hex(),
			Quantity:  e.Quantity.String(),
		}}, nil
	default:
		return Message{}, fmt.Errorf("unknown event %T", ev)
	}
}

func Encode(ev settlement.Event) ([]byte, error) {
	msg, err := NewMessage(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

// Decode parses a Message back into a settlement event.
func Decode(data []byte) (settlement.Event, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	switch {
	case msg.Type == "execution" && msg.Execution != nil:
		d := msg.Execution
		side, ok := settlementSide(d.Side)
		if !ok {
			return nil, fmt.Errorf("bad side %q", d.Side)
		}
		base, err := parseAmount(d.BaseQty)
		if err != nil {
			return nil, err
		}
		quote, err := parseAmount(d.QuoteQty)
		if err != nil {
			return nil, err
		}
		price, err := parseAmount(d.Price)
		if err != nil {
			return nil, err
		}
		return settlement.ExecutionEvent{
			Maker:          common.HexToAddress(d.Maker),
			Taker:          common.HexToAddress(d.Taker),
			MakerOrderHash: common.HexToHash(d.MakerOrderHash),
			TakerOrderHash: common.HexToHash(d.TakerOrderHash),
			BaseQty:        base,
			QuoteQty:       quote,
			Side:           side,
			Price:          price,
		}, nil
	case msg.Type == "cancellation" && msg.Cancellation != nil:
		d := msg.Cancellation
		qty, err := parseAmount(d.Quantity)
		if err != nil {
			return nil, err
		}
		return settlement.CancellationEvent{
			Owner:     common.HexToAddress(d.Owner),
			OrderHash: common.HexToHash(d.OrderHash),
			Quantity:  qty,
		}, nil
	default:
		return nil, fmt.Errorf("unknown message type %q", msg.Type)
	}
}

func settlementSide(s string) (settlement.Side, bool) {
	switch s {
	case "bid":
		return settlement.Bid, true
	case "ask":
		return settlement.Ask, true
	}
	return 0, false
}

func parseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("bad amount %q", s)
	}
	return v, nil
}
