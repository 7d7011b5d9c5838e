package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/querydeck/querydeck/internal/cache"
	"github.com/querydeck/querydeck/internal/observability"
	"github.com/querydeck/querydeck/internal/view"
)

// Service is the execution facade: the single entry point for running a
// view. It consults the cache before the orchestrator and collapses
// concurrent identical executions into one remote run.
type Service struct {
	Orchestrator *Orchestrator
	Store        cache.Store
	Logger       *slog.Logger
	Clock        view.Clock

	group singleflight.Group
}

func NewService(orchestrator *Orchestrator, store cache.Store, logger *slog.Logger, clock view.Clock) *Service {
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		Orchestrator: orchestrator,
		Store:        store,
		Logger:       logger,
		Clock:        clock,
	}
}

type runOutcome struct {
	result view.CanonicalResult
	err    error
}

// Execute runs the named view. With useCache enabled a valid cached entry
// is returned as-is with fromCache=true and executionTimeMs=0; otherwise
// the orchestrator runs and the assembled result is inserted with the
// requested TTL. A run that produced a partial result is cached too: rows
// already paid for are still worth serving.
func (s *Service) Execute(ctx context.Context, cred view.Credential, resourceID string, opts view.ExecutionOptions) (view.CanonicalResult, error) {
	opts = opts.Defaulted()
	key := cache.Key(resourceID, opts.Parameters, opts.ResultFilters)

	if *opts.UseCache {
		entry, found, err := s.Store.Get(ctx, key)
		if err != nil {
			return view.CanonicalResult{}, fmt.Errorf("cache lookup: %w", err)
		}
		if found {
			observability.ObserveCacheHit()
			result := entry.Result.Clone()
			result.FromCache = true
			result.ExecutionTimeMs = 0
			return result, nil
		}
		observability.ObserveCacheMiss()
	}

	outcome, _, _ := s.group.Do(key, func() (any, error) {
		result, err := s.run(ctx, cred, resourceID, opts, key)
		return runOutcome{result: result, err: err}, nil
	})
	run := outcome.(runOutcome)
	return run.result.Clone(), run.err
}

// Refresh bypasses the cache, re-runs the view, and overwrites any entry
// for the same key.
func (s *Service) Refresh(ctx context.Context, cred view.Credential, resourceID string, opts view.ExecutionOptions) (view.CanonicalResult, error) {
	opts = opts.Defaulted()
	key := cache.Key(resourceID, opts.Parameters, opts.ResultFilters)
	result, err := s.run(ctx, cred, resourceID, opts, key)
	return result.Clone(), err
}

func (s *Service) run(ctx context.Context, cred view.Credential, resourceID string, opts view.ExecutionOptions, key string) (view.CanonicalResult, error) {
	start := s.Clock()
	result, err := s.Orchestrator.Run(ctx, cred, resourceID, opts)

	var partial *view.PartialError
	isPartial := errors.As(err, &partial)
	if err != nil && !isPartial {
		observability.ObserveExecution("error", 0, false, s.Clock().Sub(start))
		return view.CanonicalResult{}, err
	}

	outcome := "ok"
	if isPartial {
		outcome = "partial"
	}
	observability.ObserveExecution(outcome, int64(result.RowCount), isPartial, s.Clock().Sub(start))

	if putErr := s.put(ctx, key, resourceID, opts, result); putErr != nil && s.Logger != nil {
		s.Logger.WarnContext(ctx, "failed to cache execution result",
			slog.String("resource_id", resourceID),
			slog.Any("error", putErr),
		)
	}
	return result, err
}

func (s *Service) put(ctx context.Context, key, resourceID string, opts view.ExecutionOptions, result view.CanonicalResult) error {
	now := s.Clock()
	entry := cache.Entry{
		Key:        key,
		ResourceID: resourceID,
		Parameters: opts.Parameters,
		Filters:    opts.ResultFilters,
		Result:     result,
		CreatedAt:  now,
	}
	expiresAt := now.Add(time.Duration(*opts.CacheTTLMinutes) * time.Minute)
	entry.ExpiresAt = &expiresAt
	return s.Store.Put(ctx, entry)
}

// Save pins the result of an execution under a fresh key that survives
// invalidation and carries no TTL.
func (s *Service) Save(ctx context.Context, cred view.Credential, resourceID string, opts view.ExecutionOptions, label, notes string) (cache.Entry, error) {
	result, err := s.Execute(ctx, cred, resourceID, opts)
	var partial *view.PartialError
	if err != nil && !errors.As(err, &partial) {
		return cache.Entry{}, err
	}

	opts = opts.Defaulted()
	entry := cache.Entry{
		Key:        uuid.NewString(),
		ResourceID: resourceID,
		Parameters: opts.Parameters,
		Filters:    opts.ResultFilters,
		Result:     result,
		Label:      label,
		Notes:      notes,
		Saved:      true,
		CreatedAt:  s.Clock(),
	}
	if putErr := s.Store.Put(ctx, entry); putErr != nil {
		return cache.Entry{}, fmt.Errorf("save result: %w", putErr)
	}
	return entry, err
}

// Invalidate removes all ephemeral cache entries for the view. Saved
// entries survive.
func (s *Service) Invalidate(ctx context.Context, resourceID string) (int, error) {
	removed, err := s.Store.Invalidate(ctx, resourceID)
	if err != nil {
		return 0, err
	}
	observability.ObserveEvictions(removed)
	if s.Logger != nil {
		s.Logger.InfoContext(ctx, "cache invalidated",
			slog.String("resource_id", resourceID),
			slog.Int("removed", removed),
		)
	}
	return removed, nil
}

// Metadata reads the view's definition from the remote platform.
func (s *Service) Metadata(ctx context.Context, cred view.Credential, resourceID string) (view.QueryResource, error) {
	return s.Orchestrator.Remote.Metadata(ctx, cred, resourceID)
}

// Saved looks up a pinned entry by its key.
func (s *Service) Saved(ctx context.Context, key string) (cache.Entry, bool, error) {
	return s.Store.Get(ctx, key)
}

// ListSaved returns all pinned entries, newest first.
func (s *Service) ListSaved(ctx context.Context) ([]cache.Entry, error) {
	return s.Store.ListSaved(ctx)
}
