package redis

import (
	"context"
	"os"
	"testing"

	goredis "github.com/redis/go-redis/v9"

	"github.com/jmcleod/gatekeep/internal/uuid"
	"github.com/jmcleod/gatekeep/storage/storagetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	addr := os.Getenv("GATEKEEP_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("GATEKEEP_TEST_REDIS_ADDR not set; skipping Redis tests")
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("could not connect to redis: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	// A random prefix isolates each run without flushing the database.
	return NewStore(client, WithPrefix("gatekeep-test:"+uuid.New()+":"))
}

func TestRedisConsumedSet(t *testing.T) {
	storagetest.RunConsumedSet(t, newTestStore(t))
}

func TestRedisKeyStore(t *testing.T) {
	storagetest.RunKeyStore(t, newTestStore(t))
}
