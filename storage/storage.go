// Package storage defines the shared mutable state of the trust layer: the
// consumption sets behind replay and single-use checks, and the small
// key/value records holding key material.
//
// Every backend must make MarkConsumed and CompareAndSwap a single atomic
// step. An in-process lock is only sufficient for the memory backend; the
// bbolt, postgres and redis backends rely on the database for atomicity so
// that several server processes can share one store.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a key record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrCASFailed is returned when a compare-and-swap finds a different current value.
	ErrCASFailed = errors.New("CAS value mismatch")
	// ErrUnavailable marks faults in the backing store itself. Validators
	// propagate it instead of converting it into a rejection.
	ErrUnavailable = errors.New("store unavailable")
)

// Unavailable wraps a backend fault so that errors.Is(err, ErrUnavailable)
// holds while the cause stays inspectable.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

// Scope partitions a consumption set so that replay nonces and action
// token nonces never collide.
type Scope string

const (
	ScopeNonce       Scope = "nonce"
	ScopeActionToken Scope = "action_token"
)

// Sweepable is anything holding entries that expire.
type Sweepable interface {
	// Sweep deletes entries that expired at or before now and returns how
	// many were removed.
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// ConsumedSet records single-use values.
type ConsumedSet interface {
	Sweepable
	// MarkConsumed inserts key under scope if no unexpired entry exists and
	// reports whether this call inserted it. Entries whose expiresAt is not
	// after now count as absent.
	MarkConsumed(ctx context.Context, scope Scope, key string, now, expiresAt time.Time) (bool, error)
}

// KeyStore holds named opaque values.
type KeyStore interface {
	// Get returns the value stored under name, or ErrNotFound.
	Get(ctx context.Context, name string) ([]byte, error)
	// CompareAndSwap stores next under name only if the current value equals
	// prev. A nil prev means the record must not exist yet. Returns
	// ErrCASFailed when the precondition does not hold.
	CompareAndSwap(ctx context.Context, name string, prev, next []byte) error
	// Delete removes name. Deleting a missing record is not an error.
	Delete(ctx context.Context, name string) error
}

// Store is implemented by every backend.
type Store interface {
	ConsumedSet
	KeyStore
}
