package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/querydeck/querydeck/internal/api"
	"github.com/querydeck/querydeck/internal/archive"
	s3store "github.com/querydeck/querydeck/internal/archive/s3"
	"github.com/querydeck/querydeck/internal/auth"
	"github.com/querydeck/querydeck/internal/cache"
	cachememory "github.com/querydeck/querydeck/internal/cache/memory"
	cachepostgres "github.com/querydeck/querydeck/internal/cache/postgres"
	"github.com/querydeck/querydeck/internal/config"
	"github.com/querydeck/querydeck/internal/engine"
	"github.com/querydeck/querydeck/internal/maintenance"
	"github.com/querydeck/querydeck/internal/observability"
	"github.com/querydeck/querydeck/internal/platform"
	"github.com/querydeck/querydeck/internal/view"
)

func main() {
	cfg, err := config.LoadFromEnv("querydeck-api")
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

	maintenanceService := &maintenance.Service{
		Store:   store,
		Archive: archiveService,
		Config: maintenance.Config{
			SweepInterval:   cfg.Maintenance.SweepInterval,
			ArchiveInterval: cfg.Maintenance.ArchiveInterval,
		},
		Logger: logger,
	}

	deps := api.Dependencies{
		Logger:      logger,
		Engine:      engineService,
		Maintenance: maintenanceService,
		Credential:  view.Credential{BaseURL: cfg.Remote.BaseURL, Token: cfg.Remote.Token},
		Readiness: api.CombineReadinessChecks(
			api.CheckRemoteConfig(cfg),
			api.CheckCacheBackend(cfg),
		),
		DependencyTimeout: time.Second,
	}
	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	handler := api.NewHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("starting api server", slog.String("addr", cfg.HTTP.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}
