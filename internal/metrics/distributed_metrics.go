package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Distributed Query Metrics
// =============================================================================

var (
	// DistributedStageSeconds measures each coordinator stage on this rank
	DistributedStageSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "canopy_distributed_stage_seconds",
			Help:    "Duration of distributed query stages",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 18),
		},
		[]string{"stage"}, // "route", "exchange", "answer", "return", "merge"
	)

	// DistributedBytesTotal counts encoded batch bytes moved between ranks
	DistributedBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canopy_distributed_bytes_total",
			Help: "Total bytes of query and result batches exchanged",
		},
		[]string{"direction"}, // "sent", "received"
	)

	// DistributedRoutedQueriesTotal counts (query, remote rank) routing pairs
	DistributedRoutedQueriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "canopy_distributed_routed_queries_total",
			Help: "Total number of query-to-rank routes produced by the top tree",
		},
	)

	// TransportMessagesTotal counts point-to-point messages per transport
	TransportMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canopy_transport_messages_total",
			Help: "Total number of transport messages",
		},
		[]string{"transport", "direction"}, // "local"|"flight", "sent"|"received"
	)

	// WireCompressionRatio tracks compressed/raw size of batches that were compressed
	WireCompressionRatio = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "canopy_wire_compression_ratio",
			Help:    "Ratio of compressed to raw batch payload size",
			Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
		},
	)
)
