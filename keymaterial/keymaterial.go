// Package keymaterial manages the per-installation symmetric key the client
// uses to protect its session credential at rest.
//
// The key is 32 random bytes kept as 64 hex characters. It is generated on
// first use, reused afterwards and only replaced when the stored value is
// malformed. It never leaves the installation.
package keymaterial

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/jmcleod/gatekeep/internal/util"
	"github.com/jmcleod/gatekeep/storage"
)

const (
	// KeySize is the raw key length in bytes.
	KeySize = 32
	// DefaultRecordName is the KeyStore record holding the key.
	DefaultRecordName = "signing_key"

	maxCASAttempts = 4
)

// ErrMalformedKey is returned by ParseKey for values of the wrong shape.
var ErrMalformedKey = errors.New("malformed key")

// Key is a validated hex-encoded key.
type Key struct {
	hex string
}

// ParseKey accepts exactly 2*KeySize hex characters.
func ParseKey(s string) (Key, error) {
	if len(s) != 2*KeySize {
		return Key{}, fmt.Errorf("%w: want %d hex chars, got %d", ErrMalformedKey, 2*KeySize, len(s))
	}
	if _, err := hex.DecodeString(s); err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	return Key{hex: s}, nil
}

// Hex returns the key exactly as stored.
func (k Key) Hex() string { return k.hex }

// Bytes returns the raw key. The caller owns the returned slice.
func (k Key) Bytes() []byte {
	b, _ := hex.DecodeString(k.hex)
	return b
}

// IsZero reports whether k is the zero Key.
func (k Key) IsZero() bool { return k.hex == "" }

// String keeps key material out of logs.
func (k Key) String() string { return "keymaterial.Key(redacted)" }

// Store resolves the installation key from a storage.KeyStore.
type Store struct {
	keys storage.KeyStore
	name string

	mu     sync.Mutex
	cached Key
}

// Option configures a Store.
type Option func(*Store)

// WithRecordName overrides the record the key is kept under.
func WithRecordName(name string) Option {
	return func(s *Store) {
		s.name = name
	}
}

// NewStore creates a Store reading and writing keys.
func NewStore(keys storage.KeyStore, opts ...Option) *Store {
	s := &Store{keys: keys, name: DefaultRecordName}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetOrCreateKey returns the persisted key, creating it if absent or
// malformed. Creation goes through CompareAndSwap against the value that
// was read, so concurrent first callers (in this process or another one
// sharing the store) converge on whichever key was written first.
func (s *Store) GetOrCreateKey(ctx context.Context) (Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cached.IsZero() {
		return s.cached, nil
	}

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		current, err := s.keys.Get(ctx, s.name)
		var prev []byte
		switch {
		case err == nil:
			if k, perr := ParseKey(string(current)); perr == nil {
				s.cached = k
				return k, nil
			}
			// Non-nil marks the record as present even when empty.
			prev = append([]byte{}, current...)
		case errors.Is(err, storage.ErrNotFound):
		default:
			return Key{}, fmt.Errorf("loading key: %w", err)
		}

		fresh, err := util.RandomHex(KeySize)
		if err != nil {
			return Key{}, err
		}
		err = s.keys.CompareAndSwap(ctx, s.name, prev, []byte(fresh))
		if err == nil {
			s.cached = Key{hex: fresh}
			return s.cached, nil
		}
		if !errors.Is(err, storage.ErrCASFailed) {
			return Key{}, fmt.Errorf("persisting key: %w", err)
		}
		// Someone else wrote first; reload and adopt their key.
	}
	return Key{}, fmt.Errorf("persisting key: gave up after %d attempts: %w", maxCASAttempts, storage.ErrCASFailed)
}
