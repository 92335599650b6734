package backend

import (
	"context"
	"errors"
	"fmt"

	applog "matebot/internal/log"
	"matebot/internal/registry"
	"matebot/internal/storage"
	"matebot/internal/storage/memory"
)

// CleanupFunc releases resources held by a backend
type CleanupFunc func() error

// Result bundles the store and the per-operation locker selected by Config.
// All services of a process must share Store.
type Result struct {
	Store   storage.Store
	Locker  registry.Locker
	Cleanup CleanupFunc
}

// Factory creates backends based on configuration
type Factory struct {
	logger *applog.Logger
}

// NewFactory creates a new backend factory
func NewFactory(logger *applog.Logger) *Factory {
	if logger == nil {
		logger = applog.New(applog.DefaultConfig())
	}
	return &Factory{logger: logger.WithComponent(applog.ComponentBackend)}
}

// Create opens the store and the locker. On error everything opened so far
// is closed again.
func (f *Factory) Create(ctx context.Context, config Config) (*Result, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	store, err := f.createStore(config)
	if err != nil {
		return nil, err
	}

	locker, closeLocker, err := f.createLocker(ctx, config)
	if err != nil {
		store.Close()
		return nil, err
	}

	return &Result{
		Store:  store,
		Locker: locker,
		Cleanup: func() error {
			return errors.Join(closeLocker(), store.Close())
		},
	}, nil
}

func (f *Factory) createStore(config Config) (storage.Store, error) {
	switch config.Type {
	case SQLiteBackend:
		repo, err := storage.NewSQLiteRepository(config.SQLiteDBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize SQLite repository: %w", err)
		}
		f.logger.Info("Initialized SQLite backend", "db_path", config.SQLiteDBPath)
		return repo, nil
	case MemoryBackend:
		f.logger.Info("Initialized memory backend")
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unsupported backend type: %s", config.Type)
	}
}

func (f *Factory) createLocker(ctx context.Context, config Config) (registry.Locker, func() error, error) {
	switch config.Lock {
	case RedisLock:
		client, err := registry.NewRedisClient(ctx, config.RedisAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize Redis locker: %w", err)
		}
		f.logger.Info("Initialized Redis locker", "addr", config.RedisAddr, "ttl", config.LockTTL)
		return registry.NewRedisLocker(client, config.LockTTL), client.Close, nil
	default:
		return registry.NewLocalLocker(), func() error { return nil }, nil
	}
}
