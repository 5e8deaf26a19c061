package p2p

import (
	"bytes"
	"encoding/gob"

	"github.com/uhyunpark/hypersettle/pkg/app/settlement"
)

func init() {
	gob.Register(EventWire{})
}

// EventWire carries one settlement event between nodes. Event holds a
// settlement.ExecutionEvent or CancellationEvent (both gob-registered).
type EventWire struct {
	Origin string // peer ID of the node that committed the event
	Event  settlement.Event
}

func gobEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
func gobDecode(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
