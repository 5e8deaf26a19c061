package events

import (
	"go.uber.org/zap"

	"github.com/uhyunpark/hypersettle/pkg/app/settlement"
	"github.com/uhyunpark/hypersettle/pkg/storage"
)

// JournalSink appends every committed event as one JSON line to a WAL,
// giving operators an audit trail independent of the ledger store.
type JournalSink struct {
	wal storage.WAL
	log *zap.SugaredLogger
}

func NewJournalSink(wal storage.WAL, log *zap.SugaredLogger) *JournalSink {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &JournalSink{wal: wal, log: log}
}

func (j *JournalSink) Publish(ev settlement.Event) {
	data, err := Encode(ev)
	if err != nil {
		j.log.Warnw("journal_encode_failed", "type", ev.EventType(), "err", err)
		return
	}
	if err := j.wal.Append(string(data)); err != nil {
		j.log.Errorw("journal_append_failed", "type", ev.EventType(), "err", err)
	}
}

var _ settlement.EventSink = (*JournalSink)(nil)
