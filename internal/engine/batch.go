package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/querydeck/querydeck/internal/normalize"
	"github.com/querydeck/querydeck/internal/observability"
	"github.com/querydeck/querydeck/internal/view"
)

const (
	// Safety valve against runaway pagination when the remote never
	// reports a short page.
	pageCeiling = 20

	// A fixed pause is inserted after every paceEvery fetched pages so a
	// long batch run does not overwhelm the remote platform.
	paceEvery = 5
	paceDelay = time.Second
)

// Orchestrator drives repeated page fetches against a remote view and
// assembles the canonical result. The loop only learns "no more data" by
// observing a short or empty page; a run whose last page is exactly
// pageSize long probes one extra page and sees it come back empty.
type Orchestrator struct {
	Remote view.Remote
	Logger *slog.Logger
	Clock  view.Clock

	// sleep is swapped out in tests so pacing does not slow them down.
	sleep func(context.Context, time.Duration) error
}

func NewOrchestrator(remote view.Remote, logger *slog.Logger, clock view.Clock) *Orchestrator {
	if clock == nil {
		clock = time.Now
	}
	return &Orchestrator{
		Remote: remote,
		Logger: logger,
		Clock:  clock,
		sleep:  sleepContext,
	}
}

// Run executes the view and paginates until end of data, the row cap, or
// the page ceiling. A failure on page 1 returns no result. A failure on a
// later page returns the rows assembled so far together with a
// *view.PartialError so the caller can decide whether partial data is
// acceptable. Cancellation is not an error: the loop checks the context
// before each fetch and returns whatever has been assembled.
func (o *Orchestrator) Run(ctx context.Context, cred view.Credential, resourceID string, opts view.ExecutionOptions) (view.CanonicalResult, error) {
	opts = opts.Defaulted()
	start := o.Clock()

	// Priming is best effort. Static views may not expose a refresh
	// endpoint at all, and a failed refresh still leaves the data
	// endpoint serving the previous materialization.
	if err := o.Remote.Prime(ctx, cred, resourceID); err != nil && o.Logger != nil {
		o.Logger.WarnContext(ctx, "view prime failed, continuing with existing materialization",
			slog.String("resource_id", resourceID),
			slog.Any("error", err),
		)
	}

	result := view.CanonicalResult{
		Columns: []string{},
		Rows:    []view.Record{},
	}

	for page := 1; page <= pageCeiling; page++ {
		if ctx.Err() != nil {
			break
		}

		fetchStart := o.Clock()
		payload, err := o.Remote.FetchPage(ctx, cred, view.PageRequest{
			ResourceID:    resourceID,
			Parameters:    opts.Parameters,
			ResultFilters: opts.ResultFilters,
			Page:          page,
			PageSize:      opts.PageSize,
			Format:        opts.Format,
		})
		if err != nil {
			if page == 1 {
				return view.CanonicalResult{}, err
			}
			o.finish(&result, start)
			return result, &view.PartialError{PagesFetched: result.BatchCount, Err: err}
		}
		observability.ObservePageFetch(o.Clock().Sub(fetchStart))

		columns, rows := normalize.Normalize(payload)
		if result.BatchCount == 0 {
			result.Columns = columns
		}
		result.Rows = append(result.Rows, rows...)
		result.BatchCount++

		if len(result.Rows) >= opts.MaxRows {
			result.Rows = result.Rows[:opts.MaxRows]
			break
		}
		if len(rows) < opts.PageSize {
			break
		}

		if page%paceEvery == 0 {
			if err := o.sleep(ctx, paceDelay); err != nil {
				break
			}
		}
	}

	o.finish(&result, start)
	return result, nil
}

func (o *Orchestrator) finish(result *view.CanonicalResult, start time.Time) {
	result.RowCount = len(result.Rows)
	result.ExecutionTimeMs = o.Clock().Sub(start).Milliseconds()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
