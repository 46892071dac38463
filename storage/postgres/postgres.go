// Package postgres implements storage.Store backed by PostgreSQL.
//
// The consumed table's primary key on (scope, key) is the uniqueness
// constraint that makes MarkConsumed atomic across server processes: the
// upsert only rewrites a row whose previous entry has already expired, so
// of two racing inserts exactly one affects a row.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/gatekeep/storage"
)

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Store = (*Store)(nil)

// NewStore returns a Store backed by the given pgx connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewStoreFromDSN creates a connection pool from a DSN string, ensures
// the schema exists, and returns a new Store.
func NewStoreFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewStore(pool), nil
}

// Pool returns the underlying connection pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// ---------------------------------------------------------------------------
// ConsumedSet
// ---------------------------------------------------------------------------

func (s *Store) MarkConsumed(ctx context.Context, scope storage.Scope, key string, now, expiresAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO consumed (scope, key, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (scope, key)
		 DO UPDATE SET expires_at = EXCLUDED.expires_at
		 WHERE consumed.expires_at <= $4`,
		string(scope), key, expiresAt, now)
	if err != nil {
		return false, storage.Unavailable(err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) Sweep(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM consumed WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, storage.Unavailable(err)
	}
	return int(tag.RowsAffected()), nil
}

// ---------------------------------------------------------------------------
// KeyStore
// ---------------------------------------------------------------------------

func (s *Store) Get(ctx context.Context, name string) ([]byte, error) {
	var value []byte
	err := s.pool.QueryRow(ctx, `SELECT value FROM key_records WHERE name = $1`, name).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", name, storage.ErrNotFound)
	}
	if err != nil {
		return nil, storage.Unavailable(err)
	}
	if value == nil {
		value = []byte{}
	}
	return value, nil
}

func (s *Store) CompareAndSwap(ctx context.Context, name string, prev, next []byte) error {
	var (
		tag pgconn.CommandTag
		err error
	)
	if next == nil {
		next = []byte{}
	}
	if prev == nil {
		tag, err = s.pool.Exec(ctx,
			`INSERT INTO key_records (name, value) VALUES ($1, $2)
			 ON CONFLICT (name) DO NOTHING`,
			name, next)
	} else {
		tag, err = s.pool.Exec(ctx,
			`UPDATE key_records SET value = $3 WHERE name = $1 AND value = $2`,
			name, prev, next)
	}
	if err != nil {
		return storage.Unavailable(err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrCASFailed
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, name string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM key_records WHERE name = $1`, name); err != nil {
		return storage.Unavailable(err)
	}
	return nil
}

