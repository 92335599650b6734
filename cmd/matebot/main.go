package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"matebot/internal/amqp"
	"matebot/internal/cache"
	"matebot/internal/cli"
	"matebot/internal/config"
	apphttp "matebot/internal/http"
	applog "matebot/internal/log"
	"matebot/internal/notify"
	"matebot/internal/services"
	"matebot/internal/telegram"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cli.LoadEnvFile()
	cfg := config.Load()
	logger := cli.SetupLogger(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", applog.FieldError, err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("MateBot stopped with error", applog.FieldError, err)
		os.Exit(1)
	}
	logger.Info("MateBot stopped gracefully")
}

func run(cfg *config.Config, logger *applog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	core, err := cli.InitCore(ctx, cfg, logger, reg)
	if err != nil {
		return err
	}
	defer core.Cleanup()

	if err := core.Registry.Warm(ctx, time.Now()); err != nil {
		return err
	}

	// Announcements go to the broker when one is configured, otherwise
	// straight to the application callbacks.
	var (
		announcerName = "callbacks"
		announcer     notify.Announcer
	)
	if cfg.AMQPURL != "" {
		client, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue, logger)
		if err != nil {
			return err
		}
		defer client.Close()
		announcerName, announcer = "amqp", client
	} else {
		announcer = notify.NewCallbackAnnouncer(core.Store, cfg.CallbackTimeout, logger)
		logger.Info("AMQP disabled - announcements go directly to callbacks")
	}

	dispatcherOpts := []notify.Option{
		notify.WithLogger(logger),
		notify.WithMetrics(core.Metrics),
		notify.WithRenderer("log", notify.NewLogSink(logger)),
		notify.WithAnnouncer(announcerName, announcer),
	}

	var bot *tgbotapi.BotAPI
	if cfg.TelegramToken != "" {
		bot, err = tgbotapi.NewBotAPI(cfg.TelegramToken)
		if err != nil {
			return err
		}
		dispatcherOpts = append(dispatcherOpts, notify.WithRenderer("telegram", telegram.NewRenderer(bot, core.Store, logger)))
		logger.Info("Telegram transport enabled", "bot", bot.Self.UserName)
	} else {
		logger.Info("Telegram disabled - no TELEGRAM_TOKEN provided")
	}

	dispatcher := notify.NewDispatcher(notify.DispatcherConfig{
		Workers:    cfg.NotifyWorkers,
		QueueSize:  cfg.NotifyQueueSize,
		MaxRetries: cfg.NotifyMaxRetries,
	}, dispatcherOpts...)

	service := services.NewCollectiveService(core.Store, core.Ledger, core.Users, core.Registry, dispatcher,
		services.WithCollectiveConfig(services.CollectiveConfig{
			TallyMode: cli.TallyMode(cfg),
			Threshold: cfg.BallotThreshold,
		}),
		services.WithCollectiveLogger(logger),
		services.WithCollectiveMetrics(core.Metrics))

	idle := services.NewIdleProcessor(core.Store, service, services.IdleProcessorConfig{
		Timeout:       cfg.IdleTimeout,
		CheckInterval: cfg.IdleCheckInterval,
	}, logger)

	srv := apphttp.NewServer(":"+cfg.Port, apphttp.Deps{
		Collective:   service,
		Users:        core.Users,
		Ledger:       core.Ledger,
		Applications: core.Store,
		Gatherer:     reg,
		Metrics:      core.Metrics,
		Logger:       logger,
	}, apphttp.Options{RateLimitPerMinute: cfg.RateLimitPerMinute})

	shutdownCtx, done := cli.GracefulShutdown(logger, shutdownTimeout, nil)
	g, gctx := errgroup.WithContext(shutdownCtx)

	g.Go(func() error { return dispatcher.Run(gctx) })

	g.Go(func() error {
		return cache.NewJanitor(core.Users.AliasCache()).Run(gctx, time.Minute)
	})

	g.Go(func() error {
		if err := idle.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		return idle.Stop(stopCtx)
	})

	if bot != nil {
		tgBot := telegram.NewBot(bot, service, core.Users, core.Ledger, core.Store, cfg.TelegramApplication, logger)
		g.Go(func() error {
			u := tgbotapi.NewUpdate(0)
			u.Timeout = 60
			updates := bot.GetUpdatesChan(u)
			go func() {
				<-gctx.Done()
				bot.StopReceivingUpdates()
			}()
			return tgBot.Run(gctx, updates)
		})
	}

	g.Go(func() error {
		logger.Info("Starting MateBot API", "port", cfg.Port, "backend", cfg.DataBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		stopCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
		defer stop()
		return srv.Shutdown(stopCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	<-done
	return nil
}
