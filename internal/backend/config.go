package backend

import (
	"fmt"
	"time"

	"matebot/internal/config"
)

// BackendType selects the storage implementation
type BackendType string

const (
	SQLiteBackend BackendType = "sqlite"
	MemoryBackend BackendType = "memory"
)

// String implements fmt.Stringer
func (bt BackendType) String() string {
	return string(bt)
}

// IsValid returns true if the backend type is valid
func (bt BackendType) IsValid() bool {
	switch bt {
	case SQLiteBackend, MemoryBackend:
		return true
	default:
		return false
	}
}

// LockType selects the per-operation locker
type LockType string

const (
	LocalLock LockType = "local"
	RedisLock LockType = "redis"
)

// IsValid returns true if the lock type is valid
func (lt LockType) IsValid() bool {
	return lt == LocalLock || lt == RedisLock
}

// Config holds configuration for backend creation
type Config struct {
	Type         BackendType
	SQLiteDBPath string

	Lock      LockType
	RedisAddr string
	LockTTL   time.Duration
}

// FromAppConfig converts the application config to backend config
func FromAppConfig(appConfig *config.Config) (Config, error) {
	if appConfig == nil {
		return Config{}, fmt.Errorf("app config is nil")
	}

	cfg := Config{
		Type:         BackendType(appConfig.DataBackend),
		SQLiteDBPath: appConfig.SQLiteDBPath,
		Lock:         LockType(appConfig.LockBackend),
		RedisAddr:    appConfig.RedisAddr,
		LockTTL:      appConfig.LockTTL,
	}
	if cfg.Lock == "" {
		cfg.Lock = LocalLock
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate validates the backend configuration
func (c Config) Validate() error {
	if !c.Type.IsValid() {
		return fmt.Errorf("invalid backend type: %s", c.Type)
	}
	if c.Type == SQLiteBackend && c.SQLiteDBPath == "" {
		return fmt.Errorf("SQLite database path is required for sqlite backend")
	}
	if !c.Lock.IsValid() {
		return fmt.Errorf("invalid lock backend: %s", c.Lock)
	}
	if c.Lock == RedisLock && c.RedisAddr == "" {
		return fmt.Errorf("Redis address is required for redis lock backend")
	}
	return nil
}

// GetBackendTypeStrings returns all valid backend type strings
func GetBackendTypeStrings() []string {
	return []string{SQLiteBackend.String(), MemoryBackend.String()}
}
