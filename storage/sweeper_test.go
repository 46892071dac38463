package storage_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/gatekeep/internal/clock"
	"github.com/jmcleod/gatekeep/storage"
	"github.com/jmcleod/gatekeep/storage/memory"
)

func TestSweeperSweepOnce(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	clk := clock.Fake(start)
	store := memory.NewStore()

	_, err := store.MarkConsumed(ctx, storage.ScopeNonce, "a", start, start.Add(time.Minute))
	require.NoError(t, err)
	_, err = store.MarkConsumed(ctx, storage.ScopeNonce, "b", start, start.Add(time.Hour))
	require.NoError(t, err)

	s := storage.NewSweeper(store, time.Minute, clk, nil)

	removed, err := s.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	clk.Advance(2 * time.Minute)
	removed, err = s.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, store.Len())
}

func TestSweeperLifecycle(t *testing.T) {
	store := memory.NewStore()
	now := time.Now()
	_, err := store.MarkConsumed(context.Background(), storage.ScopeNonce, "gone", now.Add(-time.Hour), now.Add(-time.Minute))
	require.NoError(t, err)

	s := storage.NewSweeper(store, 10*time.Millisecond, nil, nil)
	s.Start(context.Background())
	s.Start(context.Background()) // second Start is a no-op

	require.Eventually(t, func() bool { return store.Len() == 0 }, time.Second, 5*time.Millisecond)

	s.Stop()
	s.Stop() // idempotent
}

func TestSweeperStopBeforeStart(t *testing.T) {
	s := storage.NewSweeper(memory.NewStore(), time.Second, nil, nil)
	s.Stop()
	s.Start(context.Background()) // no-op after Stop
	s.Stop()
}

type failingSet struct{}

func (failingSet) MarkConsumed(context.Context, storage.Scope, string, time.Time, time.Time) (bool, error) {
	return false, storage.Unavailable(errors.New("connection refused"))
}

func (failingSet) Sweep(context.Context, time.Time) (int, error) {
	return 0, storage.Unavailable(errors.New("connection refused"))
}

func TestSweeperPropagatesFault(t *testing.T) {
	s := storage.NewSweeper(failingSet{}, time.Second, nil, nil)
	_, err := s.SweepOnce(context.Background())
	assert.ErrorIs(t, err, storage.ErrUnavailable)
}

func TestUnavailable(t *testing.T) {
	assert.NoError(t, storage.Unavailable(nil))

	cause := errors.New("boom")
	err := storage.Unavailable(cause)
	assert.ErrorIs(t, err, storage.ErrUnavailable)
	assert.ErrorIs(t, err, cause)
}
