// Package replay rejects signed requests that are stale or that reuse a
// nonce already seen inside the freshness window.
package replay

import (
	"context"
	"fmt"
	"time"

	"github.com/jmcleod/gatekeep/authn"
	"github.com/jmcleod/gatekeep/internal/clock"
	"github.com/jmcleod/gatekeep/internal/util"
	"github.com/jmcleod/gatekeep/signer"
	"github.com/jmcleod/gatekeep/storage"
)

// DefaultWindow is the maximum accepted distance between a request's
// timestamp and the server clock, in either direction.
const DefaultWindow = 300 * time.Second

// Guard checks request freshness and nonce uniqueness against a shared
// consumption set.
type Guard struct {
	set    storage.ConsumedSet
	window time.Duration
	clock  clock.Clock
}

// Option configures a Guard.
type Option func(*Guard)

// WithWindow overrides DefaultWindow. Non-positive values are ignored.
func WithWindow(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.window = d
		}
	}
}

// WithClock injects the time source.
func WithClock(c clock.Clock) Option {
	return func(g *Guard) {
		if c != nil {
			g.clock = c
		}
	}
}

// New returns a Guard recording nonces in set.
func New(set storage.ConsumedSet, opts ...Option) *Guard {
	g := &Guard{
		set:    set,
		window: DefaultWindow,
		clock:  clock.Real(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Window returns the configured freshness window.
func (g *Guard) Window() time.Duration { return g.window }

// Check validates one request's (nonce, timestamp) pair and, when it is
// fresh and unseen, consumes the nonce. A nonce is remembered until its
// timestamp can no longer pass the freshness check: one window past the
// later of now and the timestamp's own second.
func (g *Guard) Check(ctx context.Context, nonce string, timestamp int64) (authn.Result, error) {
	if !util.IsLowerHex(nonce, 2*signer.NonceSize) {
		return authn.Reject(authn.KindMalformedInput), nil
	}

	now := g.clock.Now()
	// Compare in whole seconds against bounds so extreme timestamps cannot overflow.
	nowSec, windowSec := now.Unix(), int64(g.window/time.Second)
	if timestamp < nowSec-windowSec || timestamp > nowSec+windowSec {
		return authn.Reject(authn.KindExpired), nil
	}

	expiresAt := now.Add(g.window)
	// ts stays fresh while nowSec <= ts+window, i.e. until the start of second ts+window+1.
	if tsExpiry := time.Unix(timestamp+windowSec+1, 0); tsExpiry.After(expiresAt) {
		expiresAt = tsExpiry
	}
	inserted, err := g.set.MarkConsumed(ctx, storage.ScopeNonce, nonce, now, expiresAt)
	if err != nil {
		return authn.Result{}, fmt.Errorf("recording nonce: %w", err)
	}
	if !inserted {
		return authn.Reject(authn.KindReplayed), nil
	}
	return authn.Accepted, nil
}
