package storage

import (
	"context"
	"sync"
)

// MemStore is an in-memory Store. Update buffers writes in an overlay and
// applies them only on success.
type MemStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string][]byte)}
}

func (m *MemStore) Close() error { return nil }

type memReader struct{ data map[string][]byte }

func (r memReader) Get(key []byte) ([]byte, error) {
	v, ok := r.data[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

type memTx struct {
	base    map[string][]byte
	writes  map[string][]byte
	deletes map[string]struct{}
}

func (t *memTx) Get(key []byte) ([]byte, error) {
	k := string(key)
	if _, gone := t.deletes[k]; gone {
		return nil, ErrNotFound
	}
	if v, ok := t.writes[k]; ok {
		return append([]byte(nil), v...), nil
	}
	return memReader{data: t.base}.Get(key)
}

func (t *memTx) Set(key, value []byte) error {
	k := string(key)
	delete(t.deletes, k)
	t.writes[k] = append([]byte(nil), value...)
	return nil
}

func (t *memTx) Delete(key []byte) error {
	k := string(key)
	delete(t.writes, k)
	t.deletes[k] = struct{}{}
	return nil
}

func (m *MemStore) View(ctx context.Context, fn func(r Reader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(memReader{data: m.data})
}

func (m *MemStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{
		base:    m.data,
		writes:  make(map[string][]byte),
		deletes: make(map[string]struct{}),
	}
	if err := fn(tx); err != nil {
		return err
	}
	for k := range tx.deletes {
		delete(m.data, k)
	}
	for k, v := range tx.writes {
		m.data[k] = v
	}
	return nil
}

var _ Store = (*MemStore)(nil)
