// Package storagetest holds the conformance suite every storage backend
// must pass.
package storagetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/gatekeep/storage"
)

// RunConsumedSet exercises a ConsumedSet. The set must be empty on entry.
func RunConsumedSet(t *testing.T, set storage.ConsumedSet) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)
	later := now.Add(5 * time.Minute)

	t.Run("FirstInsertWins", func(t *testing.T) {
		ok, err := set.MarkConsumed(ctx, storage.ScopeNonce, "n-first", now, later)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = set.MarkConsumed(ctx, storage.ScopeNonce, "n-first", now, later)
		require.NoError(t, err)
		assert.False(t, ok, "second insert of the same key must fail")
	})

	t.Run("ScopesAreIndependent", func(t *testing.T) {
		ok, err := set.MarkConsumed(ctx, storage.ScopeNonce, "shared", now, later)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = set.MarkConsumed(ctx, storage.ScopeActionToken, "shared", now, later)
		require.NoError(t, err)
		assert.True(t, ok, "same key in another scope is a distinct entry")
	})

	t.Run("ExpiredEntryCountsAsAbsent", func(t *testing.T) {
		ok, err := set.MarkConsumed(ctx, storage.ScopeNonce, "n-expiring", now, now.Add(time.Second))
		require.NoError(t, err)
		require.True(t, ok)

		after := now.Add(2 * time.Second)
		ok, err = set.MarkConsumed(ctx, storage.ScopeNonce, "n-expiring", after, after.Add(time.Minute))
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("Sweep", func(t *testing.T) {
		_, err := set.MarkConsumed(ctx, storage.ScopeActionToken, "sweep-old", now, now.Add(time.Second))
		require.NoError(t, err)
		_, err = set.MarkConsumed(ctx, storage.ScopeActionToken, "sweep-new", now, now.Add(time.Hour))
		require.NoError(t, err)

		// Backends with native expiry may report zero removals.
		_, err = set.Sweep(ctx, now.Add(10*time.Minute))
		require.NoError(t, err)

		ok, err := set.MarkConsumed(ctx, storage.ScopeActionToken, "sweep-new", now, now.Add(time.Hour))
		require.NoError(t, err)
		assert.False(t, ok, "unexpired entry must survive a sweep")
	})

	t.Run("ConcurrentInsertHasOneWinner", func(t *testing.T) {
		const workers = 32
		var wins atomic.Int32
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				ok, err := set.MarkConsumed(ctx, storage.ScopeNonce, "n-race", now, later)
				if err == nil && ok {
					wins.Add(1)
				}
			}()
		}
		close(start)
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})
}

// RunKeyStore exercises a KeyStore. The store must be empty on entry.
func RunKeyStore(t *testing.T, ks storage.KeyStore) {
	t.Helper()
	ctx := context.Background()

	t.Run("GetMissing", func(t *testing.T) {
		_, err := ks.Get(ctx, "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("CreateThenGet", func(t *testing.T) {
		require.NoError(t, ks.CompareAndSwap(ctx, "k1", nil, []byte("v1")))
		got, err := ks.Get(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, []byte("v1"), got)
	})

	t.Run("CreateExistingFails", func(t *testing.T) {
		require.NoError(t, ks.CompareAndSwap(ctx, "k2", nil, []byte("v1")))
		err := ks.CompareAndSwap(ctx, "k2", nil, []byte("v2"))
		assert.ErrorIs(t, err, storage.ErrCASFailed)
	})

	t.Run("SwapRequiresCurrentValue", func(t *testing.T) {
		require.NoError(t, ks.CompareAndSwap(ctx, "k3", nil, []byte("v1")))
		assert.ErrorIs(t, ks.CompareAndSwap(ctx, "k3", []byte("stale"), []byte("v2")), storage.ErrCASFailed)
		require.NoError(t, ks.CompareAndSwap(ctx, "k3", []byte("v1"), []byte("v2")))

		got, err := ks.Get(ctx, "k3")
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), got)
	})

	t.Run("EmptyValueRoundTrip", func(t *testing.T) {
		require.NoError(t, ks.CompareAndSwap(ctx, "k-empty", nil, []byte{}))
		got, err := ks.Get(ctx, "k-empty")
		require.NoError(t, err)
		require.NotNil(t, got, "an empty value must not read back as nil")
		assert.Empty(t, got)

		require.NoError(t, ks.CompareAndSwap(ctx, "k-empty", got, []byte("v1")))
		got, err = ks.Get(ctx, "k-empty")
		require.NoError(t, err)
		assert.Equal(t, []byte("v1"), got)
	})

	t.Run("SwapMissingFails", func(t *testing.T) {
		err := ks.CompareAndSwap(ctx, "k-none", []byte("v1"), []byte("v2"))
		assert.ErrorIs(t, err, storage.ErrCASFailed)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, ks.CompareAndSwap(ctx, "k4", nil, []byte("v")))
		require.NoError(t, ks.Delete(ctx, "k4"))
		_, err := ks.Get(ctx, "k4")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.NoError(t, ks.Delete(ctx, "k4"), "deleting a missing record is not an error")
	})

	t.Run("ConcurrentCreateHasOneWinner", func(t *testing.T) {
		const workers = 16
		var wins atomic.Int32
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				if ks.CompareAndSwap(ctx, "k-race", nil, []byte{byte(i)}) == nil {
					wins.Add(1)
				}
			}(i)
		}
		close(start)
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})
}
