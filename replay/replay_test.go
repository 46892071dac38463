package replay

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/gatekeep/authn"
	"github.com/jmcleod/gatekeep/internal/clock"
	"github.com/jmcleod/gatekeep/internal/util"
	"github.com/jmcleod/gatekeep/storage"
	"github.com/jmcleod/gatekeep/storage/memory"
)

var epoch = time.Unix(1_760_000_000, 0)

func newGuard(t *testing.T) (*Guard, *clock.FakeClock, *memory.Store) {
	t.Helper()
	clk := clock.Fake(epoch)
	set := memory.NewStore()
	return New(set, WithClock(clk)), clk, set
}

func nonce(t *testing.T) string {
	t.Helper()
	n, err := util.RandomHex(16)
	require.NoError(t, err)
	return n
}

func TestFreshRequestAccepted(t *testing.T) {
	g, _, set := newGuard(t)
	res, err := g.Check(t.Context(), nonce(t), epoch.Unix())
	require.NoError(t, err)
	assert.True(t, res.Valid())
	assert.Equal(t, 1, set.Len())
}

func TestSecondUseIsReplayed(t *testing.T) {
	g, clk, _ := newGuard(t)
	n := nonce(t)

	res, err := g.Check(t.Context(), n, epoch.Unix())
	require.NoError(t, err)
	require.True(t, res.Valid())

	for _, after := range []time.Duration{0, time.Second, DefaultWindow - time.Second} {
		clk.Set(epoch.Add(after))
		res, err = g.Check(t.Context(), n, clk.Now().Unix())
		require.NoError(t, err)
		assert.Equal(t, authn.KindReplayed, res.Kind, "after %s", after)
	}
}

func TestWindowBoundaries(t *testing.T) {
	window := int64(DefaultWindow / time.Second)
	tests := []struct {
		name   string
		offset int64
		want   authn.Kind
	}{
		{"Now", 0, ""},
		{"PastEdge", -window, ""},
		{"FutureEdge", window, ""},
		{"TooOld", -window - 1, authn.KindExpired},
		{"TooFarAhead", window + 1, authn.KindExpired},
		{"TenMinutesOld", -600, authn.KindExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, _, set := newGuard(t)
			res, err := g.Check(t.Context(), nonce(t), epoch.Unix()+tt.offset)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Kind)
			if tt.want != "" {
				assert.Equal(t, 0, set.Len(), "rejected request must not consume its nonce")
			}
		})
	}
}

func TestExtremeTimestampsExpire(t *testing.T) {
	g, _, _ := newGuard(t)
	for _, ts := range []int64{math.MaxInt64, math.MinInt64, 0, -1} {
		res, err := g.Check(t.Context(), nonce(t), ts)
		require.NoError(t, err)
		assert.Equal(t, authn.KindExpired, res.Kind, "ts=%d", ts)
	}
}

func TestMalformedNonce(t *testing.T) {
	g, _, set := newGuard(t)
	for _, n := range []string{
		"",
		"abc",
		strings.Repeat("a", 31),
		strings.Repeat("a", 33),
		strings.Repeat("A", 32),
		strings.Repeat("g", 32),
	} {
		res, err := g.Check(t.Context(), n, epoch.Unix())
		require.NoError(t, err)
		assert.Equal(t, authn.KindMalformedInput, res.Kind, "nonce %q", n)
	}
	assert.Equal(t, 0, set.Len())
}

func TestMalformedCheckedBeforeFreshness(t *testing.T) {
	g, _, _ := newGuard(t)
	res, err := g.Check(t.Context(), "short", 0)
	require.NoError(t, err)
	assert.Equal(t, authn.KindMalformedInput, res.Kind)
}

func TestNonceForgottenAfterWindow(t *testing.T) {
	g, clk, set := newGuard(t)
	n := nonce(t)
	res, err := g.Check(t.Context(), n, epoch.Unix())
	require.NoError(t, err)
	require.True(t, res.Valid())

	clk.Advance(DefaultWindow + time.Second)
	removed, err := set.Sweep(t.Context(), clk.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	// The original timestamp is now stale, so the replay is still refused.
	res, err = g.Check(t.Context(), n, epoch.Unix())
	require.NoError(t, err)
	assert.Equal(t, authn.KindExpired, res.Kind)
}

func TestForwardSkewedNonceRememberedWhileFresh(t *testing.T) {
	g, clk, _ := newGuard(t)
	n := nonce(t)
	ts := epoch.Unix() + int64(DefaultWindow/time.Second)

	res, err := g.Check(t.Context(), n, ts)
	require.NoError(t, err)
	require.True(t, res.Valid())

	// ts stays within the window until now passes ts+window.
	for _, after := range []time.Duration{
		DefaultWindow + time.Second,
		2 * DefaultWindow,
		2*DefaultWindow + 999*time.Millisecond,
	} {
		clk.Set(epoch.Add(after))
		res, err = g.Check(t.Context(), n, ts)
		require.NoError(t, err)
		assert.Equal(t, authn.KindReplayed, res.Kind, "after %s", after)
	}

	clk.Set(epoch.Add(2*DefaultWindow + time.Second))
	res, err = g.Check(t.Context(), n, ts)
	require.NoError(t, err)
	assert.Equal(t, authn.KindExpired, res.Kind)
}

func TestWithWindow(t *testing.T) {
	clk := clock.Fake(epoch)
	g := New(memory.NewStore(), WithClock(clk), WithWindow(10*time.Second))
	assert.Equal(t, 10*time.Second, g.Window())

	res, err := g.Check(t.Context(), nonce(t), epoch.Unix()-11)
	require.NoError(t, err)
	assert.Equal(t, authn.KindExpired, res.Kind)

	assert.Equal(t, DefaultWindow, New(memory.NewStore(), WithWindow(-1)).Window())
}

func TestConcurrentSameNonceHasOneWinner(t *testing.T) {
	g, _, _ := newGuard(t)
	n := nonce(t)

	const workers = 32
	var accepted, replayed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := g.Check(context.Background(), n, epoch.Unix())
			if err != nil {
				t.Error(err)
				return
			}
			switch res.Kind {
			case "":
				accepted.Add(1)
			case authn.KindReplayed:
				replayed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), accepted.Load())
	assert.Equal(t, int32(workers-1), replayed.Load())
}

type brokenSet struct{}

func (brokenSet) MarkConsumed(context.Context, storage.Scope, string, time.Time, time.Time) (bool, error) {
	return false, storage.Unavailable(errors.New("connection refused"))
}

func (brokenSet) Sweep(context.Context, time.Time) (int, error) { return 0, nil }

func TestStoreFaultPropagates(t *testing.T) {
	g := New(brokenSet{}, WithClock(clock.Fake(epoch)))
	_, err := g.Check(t.Context(), nonce(t), epoch.Unix())
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrUnavailable)
}
