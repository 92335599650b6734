package main

import (
	"context"
	"os"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"

	"matebot/internal/cli"
	applog "matebot/internal/log"
	"matebot/internal/notify"
	"matebot/internal/services"
	"matebot/internal/telegram"
)

// syncSink renders inline; the sweeper exits right after its run, so there
// is no dispatcher to hand views to.
type syncSink struct {
	notify.Renderer
	notify.Announcer
}

// idle-sweeper expires idle operations once and exits; meant for cron.
func main() {
	cli.LoadEnvFile()
	logger := cli.SetupLogger(os.Getenv("LOG_LEVEL"))
	cfg := cli.LoadAndValidateConfig(logger)

	if cfg.IdleTimeout <= 0 {
		logger.Info("IDLE_TIMEOUT not set, nothing to do")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	core, err := cli.InitCore(ctx, cfg, logger, prometheus.NewRegistry())
	if err != nil {
		logger.Error("Failed to initialize storage", applog.FieldError, err)
		os.Exit(1)
	}
	defer core.Cleanup()

	// Expired operations still get their chat messages closed.
	var sink notify.Sink = notify.NewLogSink(logger)
	if cfg.TelegramToken != "" {
		bot, err := tgbotapi.NewBotAPI(cfg.TelegramToken)
		if err != nil {
			logger.Error("Failed to initialize Telegram client", applog.FieldError, err)
			os.Exit(1)
		}
		sink = syncSink{Renderer: telegram.NewRenderer(bot, core.Store, logger), Announcer: sink}
	}

	service := services.NewCollectiveService(core.Store, core.Ledger, core.Users, core.Registry, sink,
		services.WithCollectiveLogger(logger),
		services.WithCollectiveMetrics(core.Metrics))

	idle := services.NewIdleProcessor(core.Store, service, services.IdleProcessorConfig{Timeout: cfg.IdleTimeout}, logger)
	n, err := idle.CancelIdle(ctx, time.Now())
	if err != nil {
		logger.Error("Idle sweep failed", applog.FieldError, err)
		os.Exit(1)
	}
	logger.Info("Idle sweep finished", "expired", n)
}
