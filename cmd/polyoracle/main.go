package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/rewired-gh/polyoracle/internal/catalog"
	"github.com/rewired-gh/polyoracle/internal/collector"
	"github.com/rewired-gh/polyoracle/internal/config"
	"github.com/rewired-gh/polyoracle/internal/detector"
	"github.com/rewired-gh/polyoracle/internal/logger"
	"github.com/rewired-gh/polyoracle/internal/metrics"
	"github.com/rewired-gh/polyoracle/internal/notifier"
	"github.com/rewired-gh/polyoracle/internal/scheduler"
	"github.com/rewired-gh/polyoracle/internal/storage"
	"github.com/rewired-gh/polyoracle/internal/telegram"
	"github.com/rewired-gh/polyoracle/internal/venue"
)

var configPath = flag.String("config", "configs/config.yaml", "Path to configuration file")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("configuration loaded from %s", *configPath)

	store, err := storage.New(cfg.Storage.MaxMarkets, cfg.Storage.DBPath)
	if err != nil {
		logger.Fatal("failed to initialize storage: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("failed to close storage: %v", err)
		}
	}()

	venueClient := venue.New(venue.Config{
		ListURL:            cfg.Venue.ListURL,
		DetailURL:          cfg.Venue.DetailURL,
		MultiURL:           cfg.Venue.MultiURL,
		OrderbookURL:       cfg.Venue.OrderbookURL,
		PrivateMarketURL:   cfg.Venue.PrivateMarketURL,
		ServerTimeURL:      cfg.Venue.ServerTimeURL,
		Timeout:            cfg.Venue.Timeout,
		RetryBackoff:       cfg.Venue.RetryBackoff,
		RateLimitPerSecond: cfg.Venue.RateLimitPerSecond,
		RateLimitBurst:     cfg.Venue.RateLimitBurst,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var notify notifier.Notifier = notifier.NoopNotifier{}
	if cfg.Telegram.Enabled {
		telegramClient, err := telegram.NewClient(
			cfg.Telegram.BotToken,
			cfg.Telegram.ChatID,
			cfg.Telegram.MaxRetries,
			cfg.Telegram.RetryDelayBase,
			store.RecentRawTicksDesc,
		)
		if err != nil {
			logger.Fatal("failed to initialize telegram client: %v", err)
		}
		telegramClient.ListenForCommands(ctx)
		logger.Info("telegram client initialized")
		notify = telegramClient
	} else {
		logger.Debug("telegram notifications disabled, alerts will only be logged")
	}

	var reg *metrics.Registry
	if cfg.Metrics.Enabled {
		reg = metrics.New()
		go func() {
			if err := reg.Serve(ctx, cfg.Metrics.ListenAddr); err != nil {
				logger.Error("metrics server stopped: %v", err)
			}
		}()
		logger.Info("metrics server listening on %s", cfg.Metrics.ListenAddr)
	}

	det := detector.New(store, cfg.Gate, notify, reg)
	walker := catalog.New(venueClient, cfg.Venue, reg)
	coll := collector.New(store, venueClient, det, cfg.Venue, cfg.Gate, reg)
	sched := scheduler.New(store, walker, coll, cfg.Scheduler)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("shutdown signal received, draining scheduler")
		cancel()
	}()

	if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("scheduler exited with error: %v", err)
	}
	logger.Info("polyoracle shut down cleanly")
}
