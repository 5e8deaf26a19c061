package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
)

type PebbleStore struct {
	db *pebble.DB
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}
func (s *PebbleStore) Close() error { return s.db.Close() }

// getCopy reads key from g and copies the value out before the closer runs.
func getCopy(g pebble.Reader, key []byte) ([]byte, error) {
	val, closer, err := g.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer closer.Close()
	out := make([]byte, len(val))
	copy(out, val)
	return out, nil
}

type pebbleReader struct{ r pebble.Reader }

func (p pebbleReader) Get(key []byte) ([]byte, error) { return getCopy(p.r, key) }

// pebbleTx wraps an indexed batch so reads see pending writes.
type pebbleTx struct{ b *pebble.Batch }

func (t pebbleTx) Get(key []byte) ([]byte, error) { return getCopy(t.b, key) }
func (t pebbleTx) Set(key, value []byte) error    { return t.b.Set(key, value, nil) }
func (t pebbleTx) Delete(key []byte) error        { return t.b.Delete(key, nil) }

func (s *PebbleStore) View(ctx context.Context, fn func(r Reader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	snap := s.db.NewSnapshot()
	defer snap.Close()
	return fn(pebbleReader{r: snap})
}

func (s *PebbleStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	batch := s.db.NewIndexedBatch()
	defer batch.Close()

	if err := fn(pebbleTx{b: batch}); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

var _ Store = (*PebbleStore)(nil)
