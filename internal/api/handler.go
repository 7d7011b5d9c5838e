package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/querydeck/querydeck/internal/auth"
	"github.com/querydeck/querydeck/internal/cache"
	"github.com/querydeck/querydeck/internal/config"
	"github.com/querydeck/querydeck/internal/maintenance"
	"github.com/querydeck/querydeck/internal/observability"
	"github.com/querydeck/querydeck/internal/view"
)

type ReadinessCheck func(ctx context.Context) error

// EngineService is the surface of the execution facade the API needs.
type EngineService interface {
	Execute(ctx context.Context, cred view.Credential, resourceID string, opts view.ExecutionOptions) (view.CanonicalResult, error)
	Refresh(ctx context.Context, cred view.Credential, resourceID string, opts view.ExecutionOptions) (view.CanonicalResult, error)
	Save(ctx context.Context, cred view.Credential, resourceID string, opts view.ExecutionOptions, label, notes string) (cache.Entry, error)
	Invalidate(ctx context.Context, resourceID string) (int, error)
	Metadata(ctx context.Context, cred view.Credential, resourceID string) (view.QueryResource, error)
	Saved(ctx context.Context, key string) (cache.Entry, bool, error)
	ListSaved(ctx context.Context) ([]cache.Entry, error)
}

type MaintenanceRunner interface {
	RunSweepOnce(ctx context.Context) (maintenance.SweepSummary, error)
	RunArchiveOnce(ctx context.Context) (maintenance.ArchiveSummary, error)
}

type Dependencies struct {
	Logger            *slog.Logger
	Readiness         ReadinessCheck
	AuthMiddleware    func(http.Handler) http.Handler
	DependencyTimeout time.Duration
	Engine            EngineService
	Maintenance       MaintenanceRunner
	Credential        view.Credential
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})

	mux.HandleFunc("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		timeout := deps.DependencyTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	mux.Handle("GET /v1/metrics", promhttp.Handler())

	protected := http.NewServeMux()
	protected.HandleFunc("POST /v1/views/{view}/execute", func(w http.ResponseWriter, r *http.Request) {
		handleExecute(deps, w, r)
	})
	protected.HandleFunc("POST /v1/views/{view}/refresh", func(w http.ResponseWriter, r *http.Request) {
		handleRefresh(deps, w, r)
	})
	protected.HandleFunc("POST /v1/views/{view}/save", func(w http.ResponseWriter, r *http.Request) {
		handleSave(deps, w, r)
	})
	protected.HandleFunc("DELETE /v1/views/{view}/cache", func(w http.ResponseWriter, r *http.Request) {
		handleInvalidate(deps, w, r)
	})
	protected.HandleFunc("GET /v1/views/{view}", func(w http.ResponseWriter, r *http.Request) {
		handleMetadata(deps, w, r)
	})
	protected.HandleFunc("GET /v1/saved", func(w http.ResponseWriter, r *http.Request) {
		handleListSaved(deps, w, r)
	})
	protected.HandleFunc("GET /v1/saved/{key}", func(w http.ResponseWriter, r *http.Request) {
		handleGetSaved(deps, w, r)
	})
	protected.HandleFunc("POST /v1/sweep/run", func(w http.ResponseWriter, r *http.Request) {
		handleSweepRun(deps, w, r)
	})
	protected.HandleFunc("POST /v1/archive/run", func(w http.ResponseWriter, r *http.Request) {
		handleArchiveRun(deps, w, r)
	})

	var protectedHandler http.Handler = protected
	if cfg.Auth.Required {
		if deps.AuthMiddleware == nil {
			if deps.Logger != nil {
				deps.Logger.Error("auth required but auth middleware missing")
			}
			protectedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeError(r.Context(), w, http.StatusInternalServerError, "AUTH_MIDDLEWARE_MISSING", "auth middleware is required by configuration", false, nil)
			})
		} else {
			protectedHandler = deps.AuthMiddleware(protectedHandler)
		}
	}
	mux.Handle("POST /v1/views/{view}/execute", protectedHandler)
	mux.Handle("POST /v1/views/{view}/refresh", protectedHandler)
	mux.Handle("POST /v1/views/{view}/save", protectedHandler)
	mux.Handle("DELETE /v1/views/{view}/cache", protectedHandler)
	mux.Handle("GET /v1/views/{view}", protectedHandler)
	mux.Handle("GET /v1/saved", protectedHandler)
	mux.Handle("GET /v1/saved/{key}", protectedHandler)
	mux.Handle("POST /v1/sweep/run", protectedHandler)
	mux.Handle("POST /v1/archive/run", protectedHandler)

	middlewares := []func(http.Handler) http.Handler{
		observability.TraceMiddleware,
		observability.MetricsMiddleware,
	}
	if deps.Logger != nil {
		middlewares = append(middlewares, observability.LoggingMiddleware(deps.Logger))
	}
	return chain(mux, middlewares...)
}

func CheckCacheBackend(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		if cfg.Cache.Backend == "postgres" && cfg.Cache.DSN == "" {
			return errors.New("cache dsn is not configured")
		}
		return nil
	}
}

func CheckRemoteConfig(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		if strings.TrimSpace(cfg.Remote.BaseURL) == "" {
			return errors.New("remote base url is not configured")
		}
		return nil
	}
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

func requireRole(r *http.Request, role string) error {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		return nil
	}
	if identity.HasRole(role) {
		return nil
	}
	return fmt.Errorf("missing required role %q", role)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  retryable,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(ctx),
	})
}
