package warm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/querydeck/querydeck/internal/view"
)

// Executor is the slice of the execution facade the warmer needs.
type Executor interface {
	Refresh(ctx context.Context, cred view.Credential, resourceID string, opts view.ExecutionOptions) (view.CanonicalResult, error)
}

type Config struct {
	Interval time.Duration
	Views    []string
}

// Summary reports one warming pass over the configured views.
type Summary struct {
	ViewsWarmed  int `json:"views_warmed"`
	ViewsPartial int `json:"views_partial"`
	Failures     int `json:"failures"`
}

// Warmer refreshes a fixed list of views on an interval so interactive
// requests land on a hot cache.
type Warmer struct {
	Engine     Executor
	Credential view.Credential
	Config     Config
	Logger     *slog.Logger
	Clock      func() time.Time
}

func (w *Warmer) Run(ctx context.Context) error {
	if err := w.ensureDefaults(); err != nil {
		return err
	}

	ticker := time.NewTicker(w.Config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			summary, err := w.RunOnce(ctx)
			if err != nil {
				w.Logger.Error("warm pass failed", slog.Any("error", err))
				continue
			}
			w.Logger.Info("warm pass finished",
				slog.Int("views_warmed", summary.ViewsWarmed),
				slog.Int("views_partial", summary.ViewsPartial),
				slog.Int("failures", summary.Failures),
			)
		}
	}
}

// RunOnce refreshes every configured view. A partial result still counts
// as warmed, the rows that did arrive are cached.
func (w *Warmer) RunOnce(ctx context.Context) (Summary, error) {
	if w.Engine == nil {
		return Summary{}, errors.New("warm: engine is required")
	}
	if w.Logger == nil {
		w.Logger = slog.Default()
	}

	summary := Summary{}
	for _, viewID := range w.Config.Views {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		_, err := w.Engine.Refresh(ctx, w.Credential, viewID, view.ExecutionOptions{})
		var partial *view.PartialError
		switch {
		case err == nil:
			summary.ViewsWarmed++
		case errors.As(err, &partial):
			summary.ViewsWarmed++
			summary.ViewsPartial++
			w.Logger.Warn("view warmed partially",
				slog.String("view", viewID),
				slog.Int("pages_fetched", partial.PagesFetched),
			)
		default:
			summary.Failures++
			w.Logger.Warn("view warm failed",
				slog.String("view", viewID),
				slog.Any("error", err),
			)
		}
	}
	return summary, nil
}

func (w *Warmer) ensureDefaults() error {
	if w.Engine == nil {
		return errors.New("warm: engine is required")
	}
	if len(w.Config.Views) == 0 {
		return fmt.Errorf("warm: no views configured")
	}
	if w.Config.Interval <= 0 {
		w.Config.Interval = 30 * time.Minute
	}
	if w.Logger == nil {
		w.Logger = slog.Default()
	}
	if w.Clock == nil {
		w.Clock = time.Now
	}
	return nil
}
