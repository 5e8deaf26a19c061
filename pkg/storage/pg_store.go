package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS kv (
  key   BYTEA PRIMARY KEY,
  value BYTEA NOT NULL
)`

// PgStore keeps the key space in a single Postgres table. Update runs as a
// SERIALIZABLE transaction so concurrent nodes sharing a database cannot
// interleave ledger writes.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore connects to dsn and creates the kv table if missing.
// Call Close when done.
func NewPgStore(ctx context.Context, dsn string) (*PgStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pg: create pool: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pg: migrate: %w", err)
	}
	return &PgStore{pool: pool}, nil
}

func (p *PgStore) Close() error {
	if p.pool != nil {
		p.pool.Close()
	}
	return nil
}

type pgTx struct {
	ctx context.Context
	tx  pgx.Tx
}

func (t pgTx) Get(key []byte) ([]byte, error) {
	var v []byte
	err := t.tx.QueryRow(t.ctx, `SELECT value FROM kv WHERE key = $1`, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pg: get: %w", err)
	}
	return v, nil
}

func (t pgTx) Set(key, value []byte) error {
	_, err := t.tx.Exec(t.ctx, `
INSERT INTO kv(key, value) VALUES($1, $2)
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
`, key, value)
	if err != nil {
		return fmt.Errorf("pg: set: %w", err)
	}
	return nil
}

func (t pgTx) Delete(key []byte) error {
	if _, err := t.tx.Exec(t.ctx, `DELETE FROM kv WHERE key = $1`, key); err != nil {
		return fmt.Errorf("pg: delete: %w", err)
	}
	return nil
}

func (p *PgStore) View(ctx context.Context, fn func(r Reader) error) error {
	opts := pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}
	return pgx.BeginTxFunc(ctx, p.pool, opts, func(tx pgx.Tx) error {
		return fn(pgTx{ctx: ctx, tx: tx})
	})
}

func (p *PgStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	opts := pgx.TxOptions{IsoLevel: pgx.Serializable}
	return pgx.BeginTxFunc(ctx, p.pool, opts, func(tx pgx.Tx) error {
		return fn(pgTx{ctx: ctx, tx: tx})
	})
}

var _ Store = (*PgStore)(nil)
