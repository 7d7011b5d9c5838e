package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/querydeck/querydeck/internal/archive"
	"github.com/querydeck/querydeck/internal/cache"
	"github.com/querydeck/querydeck/internal/observability"
)

type Config struct {
	SweepInterval   time.Duration
	ArchiveInterval time.Duration
}

// Service runs the background hygiene cycles: sweeping expired cache
// entries and archiving saved results to object storage. Archiving is
// optional; with no archive service configured the archive ticker never
// fires.
type Service struct {
	Store   cache.Store
	Archive *archive.Service
	Config  Config
	Logger  *slog.Logger
	Clock   func() time.Time
}

type SweepSummary struct {
	EntriesRemoved int `json:"entries_removed"`
}

type ArchiveSummary struct {
	EntriesScanned  int   `json:"entries_scanned"`
	EntriesArchived int   `json:"entries_archived"`
	BytesWritten    int64 `json:"bytes_written"`
	Failures        int   `json:"failures"`
}

func (s *Service) Run(ctx context.Context) error {
	s.ensureDefaults()

	sweepTicker := time.NewTicker(s.Config.SweepInterval)
	defer sweepTicker.Stop()

	var archiveC <-chan time.Time
	if s.Archive != nil {
		archiveTicker := time.NewTicker(s.Config.ArchiveInterval)
		defer archiveTicker.Stop()
		archiveC = archiveTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sweepTicker.C:
			summary, err := s.RunSweepOnce(ctx)
			if err != nil {
				if s.Logger != nil {
					s.Logger.ErrorContext(ctx, "sweep cycle failed", slog.Any("error", err))
				}
				continue
			}
			if s.Logger != nil {
				s.Logger.InfoContext(ctx, "sweep cycle completed", slog.Any("summary", summary))
			}
		case <-archiveC:
			summary, err := s.RunArchiveOnce(ctx)
			if err != nil {
				if s.Logger != nil {
					s.Logger.ErrorContext(ctx, "archive cycle failed", slog.Any("error", err), slog.Any("summary", summary))
				}
				continue
			}
			if s.Logger != nil {
				s.Logger.InfoContext(ctx, "archive cycle completed", slog.Any("summary", summary))
			}
		}
	}
}

// RunSweepOnce removes every expired entry from the cache store.
func (s *Service) RunSweepOnce(ctx context.Context) (SweepSummary, error) {
	s.ensureDefaults()
	if s.Store == nil {
		return SweepSummary{}, fmt.Errorf("cache store is required")
	}

	removed, err := s.Store.Sweep(ctx, s.Clock())
	if err != nil {
		return SweepSummary{}, fmt.Errorf("sweep cache: %w", err)
	}
	observability.ObserveSweep(removed)
	return SweepSummary{EntriesRemoved: removed}, nil
}

// RunArchiveOnce writes every not-yet-archived saved entry to object
// storage and marks it. Individual failures are counted and skipped so one
// bad entry cannot stall the rest.
func (s *Service) RunArchiveOnce(ctx context.Context) (ArchiveSummary, error) {
	s.ensureDefaults()
	if s.Store == nil {
		return ArchiveSummary{}, fmt.Errorf("cache store is required")
	}
	if s.Archive == nil {
		return ArchiveSummary{}, fmt.Errorf("archive service is required")
	}

	entries, err := s.Store.ListSaved(ctx)
	if err != nil {
		return ArchiveSummary{}, fmt.Errorf("list saved entries: %w", err)
	}

	summary := ArchiveSummary{EntriesScanned: len(entries)}
	for _, entry := range entries {
		if entry.ArchivedAt != nil {
			continue
		}
		info, err := s.Archive.Archive(ctx, entry)
		if err != nil {
			summary.Failures++
			if s.Logger != nil {
				s.Logger.WarnContext(ctx, "failed to archive saved entry",
					slog.String("key", entry.Key),
					slog.Any("error", err),
				)
			}
			continue
		}
		if err := s.Store.MarkArchived(ctx, entry.Key, s.Clock()); err != nil {
			summary.Failures++
			if s.Logger != nil {
				s.Logger.WarnContext(ctx, "failed to mark entry archived",
					slog.String("key", entry.Key),
					slog.Any("error", err),
				)
			}
			continue
		}
		summary.EntriesArchived++
		summary.BytesWritten += info.Size
	}

	observability.ObserveArchived(summary.EntriesArchived)
	return summary, nil
}

func (s *Service) ensureDefaults() {
	if s.Clock == nil {
		s.Clock = time.Now
	}
	if s.Config.SweepInterval <= 0 {
		s.Config.SweepInterval = 5 * time.Minute
	}
	if s.Config.ArchiveInterval <= 0 {
		s.Config.ArchiveInterval = 15 * time.Minute
	}
}
