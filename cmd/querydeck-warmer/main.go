package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/querydeck/querydeck/internal/cache"
	cachememory "github.com/querydeck/querydeck/internal/cache/memory"
	cachepostgres "github.com/querydeck/querydeck/internal/cache/postgres"
	"github.com/querydeck/querydeck/internal/config"
	"github.com/querydeck/querydeck/internal/engine"
	"github.com/querydeck/querydeck/internal/observability"
	"github.com/querydeck/querydeck/internal/platform"
	"github.com/querydeck/querydeck/internal/view"
	"github.com/querydeck/querydeck/internal/warm"
)

func main() {
	cfg, err := config.LoadFromEnv("querydeck-warmer")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)

	var store cache.Store
	switch cfg.Cache.Backend {
	case "postgres":
		db, err := cachepostgres.Open(context.Background(), cachepostgres.DBConfig{
			DSN:             cfg.Cache.DSN,
			MaxOpenConns:    cfg.Cache.MaxOpenConns,
			MaxIdleConns:    cfg.Cache.MaxIdleConns,
			ConnMaxIdleTime: cfg.Cache.ConnMaxIdleTime,
			ConnMaxLifetime: cfg.Cache.ConnMaxLifetime,
		})
		if err != nil {
			logger.Error("failed to open cache db", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() { _ = db.Close() }()
		store = cachepostgres.NewStore(db, logger, nil)
	default:
		store = cachememory.New(cachememory.Config{MaxEntries: cfg.Cache.MaxEntries}, nil)
	}

	remote := platform.NewClient(platform.Config{
		Timeout:        cfg.Remote.Timeout,
		MaxRetries:     cfg.Remote.MaxRetries,
		RetryBaseDelay: cfg.Remote.RetryBaseDelay,
	}, logger)
	orchestrator := engine.NewOrchestrator(remote, logger, nil)
	engineService := engine.NewService(orchestrator, store, logger, nil)

	warmer := &warm.Warmer{
		Engine:     engineService,
		Credential: view.Credential{BaseURL: cfg.Remote.BaseURL, Token: cfg.Remote.Token},
		Config: warm.Config{
			Interval: cfg.Warmer.Interval,
			Views:    cfg.Warmer.Views,
		},
		Logger: logger,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("cache warmer started", slog.Int("views", len(cfg.Warmer.Views)))
	if err := warmer.Run(ctx); err != nil {
		logger.Error("cache warmer failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("cache warmer stopped")
}
