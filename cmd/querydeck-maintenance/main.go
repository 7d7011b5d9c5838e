package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/querydeck/querydeck/internal/archive"
	s3store "github.com/querydeck/querydeck/internal/archive/s3"
	"github.com/querydeck/querydeck/internal/cache"
	cachememory "github.com/querydeck/querydeck/internal/cache/memory"
	cachepostgres "github.com/querydeck/querydeck/internal/cache/postgres"
	"github.com/querydeck/querydeck/internal/config"
	"github.com/querydeck/querydeck/internal/maintenance"
	"github.com/querydeck/querydeck/internal/observability"
)

func main() {
	cfg, err := config.LoadFromEnv("querydeck-maintenance")
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

	var archiveService *archive.Service
	if cfg.Archive.Enabled {
		objectStore, err := s3store.New(context.Background(), s3store.Config{
			Endpoint:         cfg.Archive.Endpoint,
			Region:           cfg.Archive.Region,
			Bucket:           cfg.Archive.Bucket,
			AccessKeyID:      cfg.Archive.AccessKeyID,
			SecretAccessKey:  cfg.Archive.SecretAccessKey,
			UseSSL:           cfg.Archive.UseSSL,
			Prefix:           cfg.Archive.Prefix,
			AutoCreateBucket: cfg.Archive.AutoCreateBucket,
		})
		if err != nil {
			logger.Error("failed to initialize archive store", slog.Any("error", err))
			os.Exit(1)
		}
		archiveService = archive.NewService(objectStore)
	}

	svc := &maintenance.Service{
		Store:   store,
		Archive: archiveService,
		Config: maintenance.Config{
			SweepInterval:   cfg.Maintenance.SweepInterval,
			ArchiveInterval: cfg.Maintenance.ArchiveInterval,
		},
		Logger: logger,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("maintenance worker started")
	if err := svc.Run(ctx); err != nil {
		logger.Error("maintenance worker failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("maintenance worker stopped")
}
