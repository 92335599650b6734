package main

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"matebot/internal/amqp"
	"matebot/internal/cache"
	"matebot/internal/cli"
	applog "matebot/internal/log"
	"matebot/internal/notify"
	"matebot/internal/sheets"
	gsheet "matebot/internal/sheets/google"
	mem "matebot/internal/sheets/memory"
	"matebot/internal/worker"
)

func main() {
	cli.LoadEnvFile()
	logger := cli.SetupLogger(os.Getenv("LOG_LEVEL"))
	logger.Info("Starting matebot-worker")

	cfg := cli.LoadAndValidateConfig(logger)
	if cfg.AMQPURL == "" {
		logger.Error("AMQP_URL is required for the worker")
		os.Exit(1)
	}

	ctx, done := cli.GracefulShutdown(logger, 30*time.Second, nil)

	core, err := cli.InitCore(ctx, cfg, logger, prometheus.DefaultRegisterer)
	if err != nil {
		logger.Error("Failed to initialize storage", applog.FieldError, err)
		os.Exit(1)
	}
	defer core.Cleanup()

	var mirror sheets.TransactionMirror
	if cfg.GoogleSpreadsheetID != "" {
		client, err := gsheet.New(ctx, cfg.GoogleSpreadsheetID, cfg.GoogleSheetName)
		if err != nil {
			logger.Error("Failed to initialize Google Sheets client", applog.FieldError, err)
			os.Exit(1)
		}
		mirror = client
		logger.Info("Google Sheets client initialized", "spreadsheet_id", cfg.GoogleSpreadsheetID)
	} else {
		mirror = mem.New()
		logger.Info("Google Sheets disabled - mirroring to memory")
	}

	client, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue, logger)
	if err != nil {
		logger.Error("Failed to initialize AMQP client", applog.FieldError, err)
		os.Exit(1)
	}
	defer client.Close()

	callbacks := notify.NewCallbackAnnouncer(core.Store, cfg.CallbackTimeout, logger)
	w := worker.NewAnnouncementWorker(mirror, core.Users, callbacks, core.Metrics, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return cache.NewJanitor(w.Processed()).Run(gctx, time.Hour)
	})
	g.Go(func() error {
		return consume(gctx, client, w, cfg.SyncBatchSize, cfg.SyncInterval, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Worker stopped with error", applog.FieldError, err)
		os.Exit(1)
	}
	<-done
	logger.Info("Worker stopped gracefully")
}

// consume runs the AMQP consumer, reconnecting after retryDelay whenever the
// delivery channel breaks, until ctx is done.
func consume(ctx context.Context, client *amqp.Client, w *worker.AnnouncementWorker, prefetch int, retryDelay time.Duration, logger *applog.Logger) error {
	for {
		if err := client.SetPrefetch(prefetch); err != nil {
			logger.WarnContext(ctx, "Failed to set prefetch", applog.FieldError, err)
		}
		err := client.ConsumeAnnouncements(ctx, w.HandleAnnouncement)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.ErrorContext(ctx, "Announcement consumption stopped", applog.FieldError, err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(retryDelay):
		}
		if err := client.Reconnect(ctx); err != nil {
			logger.ErrorContext(ctx, "Reconnect failed", applog.FieldError, err)
		}
	}
}
