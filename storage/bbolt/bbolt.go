// Package bbolt provides a BBolt-backed storage.Store.
//
// BBolt serialises writers, so each MarkConsumed and CompareAndSwap runs in
// one Update transaction and is atomic across goroutines sharing the *DB.
// BBolt holds an exclusive file lock, so a single file cannot be shared by
// several processes; use the postgres or redis backend for that.
package bbolt

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/gatekeep/storage"
)

var (
	consumedBucket = []byte("__consumed")
	keysBucket     = []byte("__keys")
)

// Store implements storage.Store backed by a BBolt database.
type Store struct {
	db *bbolt.DB
}

var _ storage.Store = (*Store)(nil)

// NewStore returns a Store backed by the given BBolt database.
func NewStore(db *bbolt.DB) (*Store, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(consumedBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(keysBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStoreFromFile opens a BBolt database at the given path and returns a new Store.
func NewStoreFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	s, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func consumedKey(scope storage.Scope, key string) []byte {
	return []byte(fmt.Sprintf("%s:%s", scope, key))
}

func encodeExpiry(t time.Time) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(t.UnixNano()))
	return buf[:]
}

func decodeExpiry(v []byte) (time.Time, bool) {
	if len(v) != 8 {
		return time.Time{}, false
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(v))), true
}

func (s *Store) MarkConsumed(_ context.Context, scope storage.Scope, key string, now, expiresAt time.Time) (bool, error) {
	inserted := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(consumedBucket)
		k := consumedKey(scope, key)
		if exp, ok := decodeExpiry(b.Get(k)); ok && exp.After(now) {
			return nil
		}
		inserted = true
		return b.Put(k, encodeExpiry(expiresAt))
	})
	if err != nil {
		return false, storage.Unavailable(err)
	}
	return inserted, nil
}

func (s *Store) Sweep(_ context.Context, now time.Time) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(consumedBucket)
		var expired [][]byte
		err := b.ForEach(func(k, v []byte) error {
			if exp, ok := decodeExpiry(v); !ok || !exp.After(now) {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(expired)
		return nil
	})
	if err != nil {
		return 0, storage.Unavailable(err)
	}
	return removed, nil
}

func (s *Store) Get(_ context.Context, name string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(keysBucket).Get([]byte(name))
		if v == nil {
			return fmt.Errorf("%s: %w", name, storage.ErrNotFound)
		}
		out = bytes.Clone(v)
		return nil
	})
	return out, backendError(err)
}

func (s *Store) CompareAndSwap(_ context.Context, name string, prev, next []byte) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(keysBucket)
		current := b.Get([]byte(name))
		if prev == nil {
			if current != nil {
				return storage.ErrCASFailed
			}
		} else if current == nil || !bytes.Equal(current, prev) {
			return storage.ErrCASFailed
		}
		return b.Put([]byte(name), next)
	})
	return backendError(err)
}

func (s *Store) Delete(_ context.Context, name string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(keysBucket).Delete([]byte(name))
	})
	return backendError(err)
}

// backendError passes the key store's own sentinels through and marks
// everything else as a store fault.
func backendError(err error) error {
	if err == nil || errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrCASFailed) {
		return err
	}
	return storage.Unavailable(err)
}
