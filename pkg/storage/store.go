package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when a key has no value.
var ErrNotFound = errors.New("storage: not found")

// Reader is a read-only view of the key space.
type Reader interface {
	Get(key []byte) ([]byte, error)
}

// Tx is a read-write view inside one Update call. Reads observe the
// transaction's own writes.
type Tx interface {
	Reader
	Set(key, value []byte) error
	Delete(key []byte) error
}

// Store is a transactional key/value store.
//
// Update runs fn inside a transaction and commits only when fn returns nil;
// any error discards every write made through the Tx. View runs fn against
// a consistent read-only snapshot.
type Store interface {
	View(ctx context.Context, fn func(r Reader) error) error
	Update(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// Open returns the store selected by backend: "pebble", "memory" or "postgres".
func Open(ctx context.Context, backend, path, dsn string) (Store, error) {
	switch backend {
	case "", "pebble":
		return NewPebbleStore(path)
	case "memory":
		return NewMemStore(), nil
	case "postgres":
		return NewPgStore(ctx, dsn)
	default:
		return nil, errors.New("storage: unknown backend " + backend)
	}
}
