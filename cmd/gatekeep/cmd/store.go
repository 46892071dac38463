package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/jmcleod/gatekeep/internal/config"
	"github.com/jmcleod/gatekeep/storage"
	bboltstorage "github.com/jmcleod/gatekeep/storage/bbolt"
	"github.com/jmcleod/gatekeep/storage/memory"
	pgstorage "github.com/jmcleod/gatekeep/storage/postgres"
	redisstorage "github.com/jmcleod/gatekeep/storage/redis"
)

// openStore opens the backend named in cfg. The returned func releases it.
func openStore(ctx context.Context, cfg *config.Config) (storage.Store, func(), error) {
	switch cfg.Store.Backend {
	case config.BackendMemory:
		return memory.NewStore(), func() {}, nil

	case config.BackendBolt:
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		s, err := bboltstorage.NewStoreFromFile(cfg.BoltPath(), nil)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open bbolt store: %w", err)
		}
		return s, func() { s.Close() }, nil

	case config.BackendPostgres:
		s, err := pgstorage.NewStoreFromDSN(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return s, s.Close, nil

	case config.BackendRedis:
		s, err := redisstorage.NewStoreFromAddr(ctx, cfg.Store.RedisAddr, cfg.Store.RedisPassword)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open redis store: %w", err)
		}
		return s, func() { s.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
}
