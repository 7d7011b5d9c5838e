package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	executionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querydeck_executions_total",
			Help: "Total number of view executions by outcome.",
		},
		[]string{"outcome"},
	)
	cacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "querydeck_cache_hits_total",
			Help: "Total number of executions served from the result cache.",
		},
	)
	cacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "querydeck_cache_misses_total",
			Help: "Total number of executions that went to the remote platform.",
		},
	)
	cacheEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "querydeck_cache_evictions_total",
			Help: "Total number of cache entries removed by invalidation and sweeps.",
		},
	)
	pagesFetchedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "querydeck_pages_fetched_total",
			Help: "Total number of result pages fetched from the remote platform.",
		},
	)
	rowsFetchedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "querydeck_rows_fetched_total",
			Help: "Total number of rows fetched from the remote platform.",
		},
	)
	partialResultsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "querydeck_partial_results_total",
			Help: "Total number of executions that returned a partial result.",
		},
	)
	remotePageLatencyMs = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "querydeck_remote_page_latency_ms",
			Help:    "Remote page fetch latency in milliseconds.",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2000, 5000, 10000},
		},
	)
	executionDurationMs = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "querydeck_execution_duration_ms",
			Help:    "End to end view execution duration in milliseconds.",
			Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		},
	)
	sweepRemovedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "querydeck_sweep_removed_total",
			Help: "Total number of expired cache entries removed by sweeps.",
		},
	)
	archivedResultsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "querydeck_archived_results_total",
			Help: "Total number of saved results archived to object storage.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		executionsTotal,
		cacheHitsTotal,
		cacheMissesTotal,
		cacheEvictionsTotal,
		pagesFetchedTotal,
		rowsFetchedTotal,
		partialResultsTotal,
		remotePageLatencyMs,
		executionDurationMs,
		sweepRemovedTotal,
		archivedResultsTotal,
	)
}

func ObserveExecution(outcome string, rows int64, partial bool, elapsed time.Duration) {
	executionsTotal.WithLabelValues(outcome).Inc()
	if rows > 0 {
		rowsFetchedTotal.Add(float64(rows))
	}
	if partial {
		partialResultsTotal.Inc()
	}
	executionDurationMs.Observe(float64(elapsed.Milliseconds()))
}

func ObserveCacheHit() {
	cacheHitsTotal.Inc()
}

func ObserveCacheMiss() {
	cacheMissesTotal.Inc()
}

func ObservePageFetch(elapsed time.Duration) {
	pagesFetchedTotal.Inc()
	remotePageLatencyMs.Observe(float64(elapsed.Milliseconds()))
}

func ObserveEvictions(removed int) {
	if removed > 0 {
		cacheEvictionsTotal.Add(float64(removed))
	}
}

func ObserveSweep(removed int) {
	if removed > 0 {
		sweepRemovedTotal.Add(float64(removed))
		cacheEvictionsTotal.Add(float64(removed))
	}
}

func ObserveArchived(count int) {
	if count > 0 {
		archivedResultsTotal.Add(float64(count))
	}
}
