package actiontoken

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/gatekeep/authn"
	"github.com/jmcleod/gatekeep/internal/clock"
	"github.com/jmcleod/gatekeep/storage"
	"github.com/jmcleod/gatekeep/storage/memory"
)

var (
	epoch      = time.Unix(1_760_000_000, 0)
	testSecret = []byte("action-token-secret-0123456789abcdef")
)

func newService(t *testing.T, opts ...Option) (*Service, *clock.FakeClock, *memory.Store) {
	t.Helper()
	clk := clock.Fake(epoch)
	set := memory.NewStore()
	svc, err := NewService(testSecret, set, append([]Option{WithClock(clk)}, opts...)...)
	require.NoError(t, err)
	return svc, clk, set
}

func TestIssueRedeemOnce(t *testing.T) {
	svc, _, _ := newService(t)
	token, err := svc.Issue(1, 100, "facebook")
	require.NoError(t, err)

	res, err := svc.Redeem(t.Context(), token, 1, 100, "facebook")
	require.NoError(t, err)
	assert.True(t, res.Valid(), res.String())

	res, err = svc.Redeem(t.Context(), token, 1, 100, "facebook")
	require.NoError(t, err)
	assert.Equal(t, authn.KindAlreadyUsed, res.Kind)
}

func TestScopeMismatchLeavesTokenRedeemable(t *testing.T) {
	svc, _, set := newService(t)
	token, err := svc.Issue(1, 100, "facebook")
	require.NoError(t, err)

	tests := []struct {
		name     string
		actor    int64
		resource int64
		action   string
		want     authn.Kind
	}{
		{"OtherActor", 2, 100, "facebook", authn.KindActorMismatch},
		{"OtherResource", 1, 101, "facebook", authn.KindResourceMismatch},
		{"OtherAction", 1, 100, "craigslist", authn.KindActionMismatch},
		{"ActorCheckedFirst", 2, 101, "craigslist", authn.KindActorMismatch},
		{"ResourceBeforeAction", 1, 101, "craigslist", authn.KindResourceMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := svc.Redeem(t.Context(), token, tt.actor, tt.resource, tt.action)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Kind)
		})
	}
	assert.Equal(t, 0, set.Len())

	res, err := svc.Redeem(t.Context(), token, 1, 100, "facebook")
	require.NoError(t, err)
	assert.True(t, res.Valid())
}

func TestTamperedTokenRejected(t *testing.T) {
	svc, _, _ := newService(t)
	token, err := svc.Issue(1, 100, "facebook")
	require.NoError(t, err)

	payload, sig, _ := strings.Cut(token, ".")

	// Re-encode a payload for another actor under the original signature.
	other, err := svc.Issue(2, 100, "facebook")
	require.NoError(t, err)
	otherPayload, _, _ := strings.Cut(other, ".")

	flipped := []byte(sig)
	if flipped[0] == '0' {
		flipped[0] = '1'
	} else {
		flipped[0] = '0'
	}

	foreign, err := NewService([]byte("another-secret-0123456789abcdefghij"), memory.NewStore(), WithClock(clock.Fake(epoch)))
	require.NoError(t, err)
	forged, err := foreign.Issue(1, 100, "facebook")
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
		want  authn.Kind
	}{
		{"Empty", "", authn.KindMalformedInput},
		{"NoDot", payload, authn.KindMalformedInput},
		{"EmptyPayload", "." + sig, authn.KindMalformedInput},
		{"ShortSignature", payload + "." + sig[:10], authn.KindMalformedInput},
		{"UppercaseSignature", payload + "." + strings.ToUpper(sig), authn.KindMalformedInput},
		{"ExtraSegment", token + ".x", authn.KindMalformedInput},
		{"BadBase64", "!!!!." + sig, authn.KindMalformedInput},
		{"SwappedPayload", otherPayload + "." + sig, authn.KindSignatureInvalid},
		{"FlippedSignature", payload + "." + string(flipped), authn.KindSignatureInvalid},
		{"ForeignSecret", forged, authn.KindSignatureInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := svc.Redeem(t.Context(), tt.token, 1, 100, "facebook")
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Kind)
		})
	}

	res, err := svc.Redeem(t.Context(), token, 1, 100, "facebook")
	require.NoError(t, err)
	assert.True(t, res.Valid())
}

func TestSignatureCheckedBeforeScope(t *testing.T) {
	svc, _, _ := newService(t)
	foreign, err := NewService([]byte("another-secret-0123456789abcdefghij"), memory.NewStore())
	require.NoError(t, err)
	forged, err := foreign.Issue(9, 9, "x")
	require.NoError(t, err)

	res, err := svc.Redeem(t.Context(), forged, 1, 100, "facebook")
	require.NoError(t, err)
	assert.Equal(t, authn.KindSignatureInvalid, res.Kind)
}

func TestExpiry(t *testing.T) {
	svc, clk, _ := newService(t)
	token, err := svc.Issue(1, 100, "facebook")
	require.NoError(t, err)

	clk.Advance(DefaultTTL + time.Millisecond)
	res, err := svc.Redeem(t.Context(), token, 1, 100, "facebook")
	require.NoError(t, err)
	assert.Equal(t, authn.KindExpired, res.Kind)
}

func TestRedeemAtTTLEdge(t *testing.T) {
	svc, clk, _ := newService(t)
	token, err := svc.Issue(1, 100, "facebook")
	require.NoError(t, err)

	clk.Advance(DefaultTTL)
	res, err := svc.Redeem(t.Context(), token, 1, 100, "facebook")
	require.NoError(t, err)
	assert.True(t, res.Valid())
}

func TestFutureIssueTimeRejected(t *testing.T) {
	svc, clk, _ := newService(t)
	clk.Advance(MaxFutureSkew + time.Second)
	token, err := svc.Issue(1, 100, "facebook")
	require.NoError(t, err)

	clk.Set(epoch)
	res, err := svc.Redeem(t.Context(), token, 1, 100, "facebook")
	require.NoError(t, err)
	assert.Equal(t, authn.KindExpired, res.Kind)
}

func TestWithTTL(t *testing.T) {
	svc, clk, _ := newService(t, WithTTL(time.Minute))
	assert.Equal(t, time.Minute, svc.TTL())

	token, err := svc.Issue(1, 100, "facebook")
	require.NoError(t, err)
	clk.Advance(2 * time.Minute)

	res, err := svc.Redeem(t.Context(), token, 1, 100, "facebook")
	require.NoError(t, err)
	assert.Equal(t, authn.KindExpired, res.Kind)
}

func TestConsumptionRecordOutlivesToken(t *testing.T) {
	svc, clk, set := newService(t)
	token, err := svc.Issue(1, 100, "facebook")
	require.NoError(t, err)

	res, err := svc.Redeem(t.Context(), token, 1, 100, "facebook")
	require.NoError(t, err)
	require.True(t, res.Valid())

	clk.Advance(DefaultTTL)
	removed, err := set.Sweep(t.Context(), clk.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	res, err = svc.Redeem(t.Context(), token, 1, 100, "facebook")
	require.NoError(t, err)
	assert.Equal(t, authn.KindAlreadyUsed, res.Kind)
}

func TestConcurrentRedeemHasOneWinner(t *testing.T) {
	svc, _, _ := newService(t)
	token, err := svc.Issue(1, 100, "facebook")
	require.NoError(t, err)

	const workers = 32
	var valid, used atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.Redeem(context.Background(), token, 1, 100, "facebook")
			if err != nil {
				t.Error(err)
				return
			}
			switch res.Kind {
			case "":
				valid.Add(1)
			case authn.KindAlreadyUsed:
				used.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), valid.Load())
	assert.Equal(t, int32(workers-1), used.Load())
}

func TestTokensAreDistinct(t *testing.T) {
	svc, _, _ := newService(t)
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		token, err := svc.Issue(1, 100, "facebook")
		require.NoError(t, err)
		require.False(t, seen[token])
		seen[token] = true
	}
}

func TestDecode(t *testing.T) {
	svc, _, _ := newService(t)
	token, err := svc.Issue(1, 100, "facebook")
	require.NoError(t, err)

	p, err := Decode(token)
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.UserID)
	assert.Equal(t, int64(100), p.VehicleID)
	assert.Equal(t, "facebook", p.Platform)
	assert.Equal(t, epoch, p.IssuedAt())
	assert.Len(t, p.Nonce, 32)

	_, err = Decode("no-dot")
	assert.Error(t, err)
	_, err = Decode(base64.RawURLEncoding.EncodeToString([]byte{0xff}) + ".00")
	assert.Error(t, err)
}

func TestPayloadIsDeterministicCBOR(t *testing.T) {
	p := Payload{UserID: 1, VehicleID: 100, Platform: "facebook", Timestamp: 5, Nonce: strings.Repeat("a", 32)}
	a, err := encMode.Marshal(p)
	require.NoError(t, err)
	b, err := encMode.Marshal(p)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	// Core deterministic encoding sorts keys by length first: "nonce" leads.
	assert.Contains(t, string(a[:8]), "nonce")
}

func TestExpiresAtFollowsIssueTime(t *testing.T) {
	svc, clk, _ := newService(t)
	token, err := svc.Issue(1, 100, "facebook")
	require.NoError(t, err)

	clk.Advance(3 * time.Minute)
	exp, err := svc.ExpiresAt(token)
	require.NoError(t, err)
	assert.Equal(t, epoch.Add(DefaultTTL), exp)

	_, err = svc.ExpiresAt("not-a-token")
	assert.Error(t, err)
}

func TestIssueValidation(t *testing.T) {
	svc, _, _ := newService(t)
	_, err := svc.Issue(1, 100, "")
	assert.ErrorIs(t, err, ErrEmptyAction)

	_, err = NewService([]byte("short"), memory.NewStore())
	assert.ErrorIs(t, err, ErrWeakSecret)
}

type brokenSet struct{}

func (brokenSet) MarkConsumed(context.Context, storage.Scope, string, time.Time, time.Time) (bool, error) {
	return false, storage.Unavailable(errors.New("timeout"))
}

func (brokenSet) Sweep(context.Context, time.Time) (int, error) { return 0, nil }

func TestStoreFaultPropagates(t *testing.T) {
	svc, err := NewService(testSecret, brokenSet{}, WithClock(clock.Fake(epoch)))
	require.NoError(t, err)
	token, err := svc.Issue(1, 100, "facebook")
	require.NoError(t, err)

	_, err = svc.Redeem(t.Context(), token, 1, 100, "facebook")
	assert.ErrorIs(t, err, storage.ErrUnavailable)
}
