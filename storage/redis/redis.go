// Package redis implements storage.Store on Redis so that several server
// processes can share one consumption set.
//
// Both conditional writes run as Lua scripts, which Redis executes without
// interleaving other commands. Expiry is enforced by Redis itself (PXAT),
// so Sweep has nothing to do.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/jmcleod/gatekeep/storage"
)

const defaultPrefix = "gatekeep:"

// markConsumedScript inserts KEYS[1] unless it holds an expiry (unix ms)
// later than ARGV[1]. The stored value is the new expiry ARGV[2].
var markConsumedScript = goredis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur and tonumber(cur) > tonumber(ARGV[1]) then
	return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'PXAT', ARGV[2])
return 1
`)

// casScript writes ARGV[3] to KEYS[1] when the current value matches.
// ARGV[1] is "0" when the key must be absent, otherwise ARGV[2] is the
// expected current value.
var casScript = goredis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if ARGV[1] == '0' then
	if cur then
		return 0
	end
elseif cur ~= ARGV[2] then
	return 0
end
redis.call('SET', KEYS[1], ARGV[3])
return 1
`)

// Store implements storage.Store backed by Redis.
type Store struct {
	client goredis.UniversalClient
	prefix string
}

var _ storage.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithPrefix namespaces every key written by the store.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// NewStore returns a Store using an existing client.
func NewStore(client goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, prefix: defaultPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewStoreFromAddr connects to addr and verifies the connection with PING.
func NewStoreFromAddr(ctx context.Context, addr, password string, opts ...Option) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{Addr: addr, Password: password})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return NewStore(client, opts...), nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) consumedKey(scope storage.Scope, key string) string {
	return s.prefix + "consumed:" + string(scope) + ":" + key
}

func (s *Store) recordKey(name string) string {
	return s.prefix + "key:" + name
}

func (s *Store) MarkConsumed(ctx context.Context, scope storage.Scope, key string, now, expiresAt time.Time) (bool, error) {
	n, err := markConsumedScript.Run(ctx, s.client,
		[]string{s.consumedKey(scope, key)},
		now.UnixMilli(), expiresAt.UnixMilli()).Int()
	if err != nil {
		return false, storage.Unavailable(err)
	}
	return n == 1, nil
}

// Sweep is a no-op: Redis evicts expired keys on its own.
func (s *Store) Sweep(context.Context, time.Time) (int, error) {
	return 0, nil
}

func (s *Store) Get(ctx context.Context, name string) ([]byte, error) {
	v, err := s.client.Get(ctx, s.recordKey(name)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("%s: %w", name, storage.ErrNotFound)
	}
	if err != nil {
		return nil, storage.Unavailable(err)
	}
	if v == nil {
		v = []byte{}
	}
	return v, nil
}

func (s *Store) CompareAndSwap(ctx context.Context, name string, prev, next []byte) error {
	mode := "1"
	if prev == nil {
		mode = "0"
	}
	n, err := casScript.Run(ctx, s.client,
		[]string{s.recordKey(name)},
		mode, prev, next).Int()
	if err != nil {
		return storage.Unavailable(err)
	}
	if n == 0 {
		return storage.ErrCASFailed
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, name string) error {
	if err := s.client.Del(ctx, s.recordKey(name)).Err(); err != nil {
		return storage.Unavailable(err)
	}
	return nil
}
