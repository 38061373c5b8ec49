// Package metrics holds the Prometheus collectors every component reports
// through. All of them register on the default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Local Query Metrics
// =============================================================================

var (
	// QueriesTotal counts dispatched predicates by predicate and callback kind
	QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canopy_queries_total",
			Help: "Total number of predicates dispatched against a hierarchy",
		},
		[]string{"kind", "callback"}, // "spatial"|"nearest", "inline"|"post"
	)

	// QueryDurationSeconds measures one batch dispatch end to end
	QueryDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "canopy_query_duration_seconds",
			Help:    "Duration of a batched query dispatch",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
		},
		[]string{"kind"},
	)

	// BufferOutcomesTotal counts how the result buffer policy resolved
	BufferOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canopy_buffer_outcomes_total",
			Help: "Result buffer policy outcomes",
		},
		[]string{"outcome"}, // "exact", "underflow", "overflow_retry", "overflow_error", "two_pass"
	)

	// ParallelRegionSeconds measures parallel-for regions by name
	ParallelRegionSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "canopy_parallel_region_seconds",
			Help:    "Duration of parallel-for regions",
			Buckets: prometheus.ExponentialBuckets(0.00005, 2, 18),
		},
		[]string{"region"},
	)

	// PredicateSortSeconds measures space-filling-curve reordering
	PredicateSortSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "canopy_predicate_sort_seconds",
			Help:    "Time spent ordering predicates along the Morton curve",
			Buckets: prometheus.ExponentialBuckets(0.00005, 2, 16),
		},
	)
)
