// Package cli provides common CLI initialization utilities shared by
// cmd/matebot, cmd/matebot-worker and cmd/idle-sweeper.
package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"matebot/internal/backend"
	"matebot/internal/config"
	"matebot/internal/core"
	"matebot/internal/ledger"
	applog "matebot/internal/log"
	"matebot/internal/metrics"
	"matebot/internal/registry"
	"matebot/internal/storage"
	"matebot/internal/users"
)

// SetupLogger initializes structured logging at the given LOG_LEVEL and
// sets it as the default logger.
func SetupLogger(level string) *applog.Logger {
	cfg := applog.DefaultConfig()
	cfg.Level = applog.ParseLevel(level)
	logger := applog.New(cfg)
	applog.SetDefault(logger)
	return logger
}

// LoadEnvFile loads the .env file for local development.
// Errors are ignored silently as this is optional in production.
func LoadEnvFile() {
	_ = godotenv.Load()
}

// LoadAndValidateConfig loads configuration and validates it.
// Returns the config or exits the process on validation failure.
func LoadAndValidateConfig(logger *applog.Logger) *config.Config {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", applog.FieldError, err)
		os.Exit(1)
	}
	return cfg
}

// Core holds the components every process builds on top of one store.
type Core struct {
	Store    storage.Store
	Ledger   *ledger.Ledger
	Users    *users.Registry
	Registry *registry.Registry
	Metrics  *metrics.Metrics
	Cleanup  backend.CleanupFunc
}

// InitCore opens the configured backend and wires ledger, user registry
// and operation registry onto it. The community user is created if missing.
func InitCore(ctx context.Context, cfg *config.Config, logger *applog.Logger, reg prometheus.Registerer) (*Core, error) {
	backendCfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		return nil, err
	}
	res, err := backend.NewFactory(logger).Create(ctx, backendCfg)
	if err != nil {
		return nil, err
	}

	m := metrics.New(reg)
	c := &Core{
		Store:   res.Store,
		Ledger:  ledger.New(res.Store, ledger.WithLogger(logger), ledger.WithMetrics(m)),
		Users:   users.New(res.Store, users.WithLogger(logger), users.WithCommunityName(cfg.CommunityUserName)),
		Metrics: m,
		Cleanup: res.Cleanup,
	}
	c.Registry = registry.New(res.Store, registry.WithLocker(res.Locker), registry.WithMetrics(m))

	if _, err := c.Users.EnsureCommunity(ctx); err != nil {
		res.Cleanup()
		return nil, err
	}
	return c, nil
}

// TallyMode maps BALLOT_TALLY_MODE to the core value.
func TallyMode(cfg *config.Config) core.TallyMode {
	if cfg.BallotTallyMode == string(core.TallyMajority) {
		return core.TallyMajority
	}
	return core.TallySum
}

// GracefulShutdown sets up signal handling for graceful shutdown.
// Returns a context that will be cancelled on shutdown signals,
// and a channel that signals when shutdown is complete.
func GracefulShutdown(logger *applog.Logger, timeout time.Duration, cleanup func()) (context.Context, <-chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		logger.Info("Shutdown signal received", "signal", sig.String())

		cancel()

		finished := make(chan struct{})
		go func() {
			if cleanup != nil {
				cleanup()
			}
			close(finished)
		}()

		select {
		case <-finished:
			logger.Info("Shutdown complete")
		case <-time.After(timeout):
			logger.Warn("Shutdown timeout reached")
		}
		close(done)
	}()

	return ctx, done
}

// WaitForShutdown blocks until the context is cancelled.
func WaitForShutdown(ctx context.Context, done <-chan struct{}) {
	<-ctx.Done()
	<-done
}
