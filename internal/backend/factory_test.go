package backend

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matebot/internal/config"
	applog "matebot/internal/log"
	"matebot/internal/registry"
	"matebot/internal/storage"
	"matebot/internal/storage/memory"
)

func quietFactory() *Factory {
	return NewFactory(applog.New(applog.Config{Output: &bytes.Buffer{}}))
}

func TestFromAppConfig(t *testing.T) {
	_, err := FromAppConfig(nil)
	assert.Error(t, err)

	cfg, err := FromAppConfig(&config.Config{DataBackend: "sqlite", SQLiteDBPath: "x.db"})
	require.NoError(t, err)
	assert.Equal(t, SQLiteBackend, cfg.Type)
	assert.Equal(t, LocalLock, cfg.Lock, "lock backend defaults to local")

	_, err = FromAppConfig(&config.Config{DataBackend: "sheets"})
	assert.ErrorContains(t, err, "invalid backend type")

	_, err = FromAppConfig(&config.Config{DataBackend: "memory", LockBackend: "redis"})
	assert.ErrorContains(t, err, "Redis address is required")
}

func TestFactory_Memory(t *testing.T) {
	res, err := quietFactory().Create(context.Background(), Config{Type: MemoryBackend, Lock: LocalLock})
	require.NoError(t, err)
	defer res.Cleanup()

	assert.IsType(t, &memory.Store{}, res.Store)
	assert.IsType(t, &registry.LocalLocker{}, res.Locker)
	assert.NoError(t, res.Store.Ping(context.Background()))
}

func TestFactory_SQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db", "matebot.db")
	res, err := quietFactory().Create(context.Background(), Config{Type: SQLiteBackend, SQLiteDBPath: path, Lock: LocalLock})
	require.NoError(t, err)

	assert.IsType(t, &storage.SQLiteRepository{}, res.Store)
	assert.NoError(t, res.Store.Ping(context.Background()))
	assert.NoError(t, res.Cleanup())
}

func TestFactory_InvalidConfig(t *testing.T) {
	_, err := quietFactory().Create(context.Background(), Config{Type: "postgres", Lock: LocalLock})
	assert.Error(t, err)
}
