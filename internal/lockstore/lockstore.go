// Package lockstore provides durable bridge.LockStore backends: a kv.Store
// adapter (memory or Redis), a directory of atomically written files, and
// SQL tables on Postgres or SQLite.
package lockstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/drachma/drachma-bridge/internal/bridge"
	"github.com/drachma/drachma-bridge/pkg/kv"

	_ "github.com/drachma/drachma-bridge/pkg/kv/memory"
	_ "github.com/drachma/drachma-bridge/pkg/kv/redis"
)

// Backend names a lock store implementation.
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendRedis    Backend = "redis"
	BackendFile     Backend = "file"
	BackendPostgres Backend = "postgres"
	BackendSQLite   Backend = "sqlite"
)

// Config selects and configures a backend.
type Config struct {
	Backend     Backend
	Path        string
	RedisURL    string
	PostgresDSN string
}

// Store is a bridge.LockStore that can report its health.
type Store interface {
	bridge.LockStore
	Ping(ctx context.Context) error
}

// Open builds the configured backend. The memory backend loses every lock on
// restart and is only meant for tests and local development.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch Backend(strings.ToLower(string(cfg.Backend))) {
	case BackendMemory, "":
		store, err := kv.NewStoreFromConfig(kv.Config{Backend: kv.BackendMemory})
		if err != nil {
			return nil, err
		}
		return NewKVStore(store), nil
	case BackendRedis:
		store, err := kv.NewStoreFromConfig(kv.Config{
			Backend:             kv.BackendRedis,
			RedisURL:            cfg.RedisURL,
			StartupProbeTimeout: 5 * time.Second,
		})
		if err != nil {
			return nil, err
		}
		return NewKVStore(store), nil
	case BackendFile:
		return OpenFileStore(cfg.Path)
	case BackendPostgres:
		return OpenPostgres(ctx, cfg.PostgresDSN)
	case BackendSQLite:
		return OpenSQLite(ctx, cfg.Path)
	default:
		return nil, fmt.Errorf("unsupported lock store backend: %s", cfg.Backend)
	}
}
