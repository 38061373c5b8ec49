package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsInitialization(t *testing.T) {
	assert.NotNil(t, QueriesTotal)
	assert.NotNil(t, QueryDurationSeconds)
	assert.NotNil(t, BufferOutcomesTotal)
	assert.NotNil(t, ParallelRegionSeconds)
	assert.NotNil(t, PredicateSortSeconds)
	assert.NotNil(t, DistributedStageSeconds)
	assert.NotNil(t, DistributedBytesTotal)
	assert.NotNil(t, DistributedRoutedQueriesTotal)
	assert.NotNil(t, TransportMessagesTotal)
	assert.NotNil(t, WireCompressionRatio)
}

func TestQueryCountersIncrement(t *testing.T) {
	c := QueriesTotal.WithLabelValues("spatial", "inline")
	before := testutil.ToFloat64(c)
	c.Add(3)
	assert.Equal(t, before+3, testutil.ToFloat64(c))

	o := BufferOutcomesTotal.WithLabelValues("overflow_retry")
	before = testutil.ToFloat64(o)
	o.Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(o))
}

func TestDistributedCountersIncrement(t *testing.T) {
	before := testutil.ToFloat64(DistributedRoutedQueriesTotal)
	DistributedRoutedQueriesTotal.Add(5)
	assert.Equal(t, before+5, testutil.ToFloat64(DistributedRoutedQueriesTotal))

	sent := TransportMessagesTotal.WithLabelValues("local", "sent")
	before = testutil.ToFloat64(sent)
	sent.Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(sent))

	DistributedBytesTotal.WithLabelValues("sent").Add(128)
	DistributedStageSeconds.WithLabelValues("exchange").Observe(0.002)
	WireCompressionRatio.Observe(0.4)
	PredicateSortSeconds.Observe(0.0001)
	ParallelRegionSeconds.WithLabelValues("query.count").Observe(0.0001)
	QueryDurationSeconds.WithLabelValues("nearest").Observe(0.001)
}

func TestMetricNamesArePrefixed(t *testing.T) {
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	var ours int
	for _, f := range families {
		name := f.GetName()
		if strings.HasPrefix(name, "go_") || strings.HasPrefix(name, "process_") || strings.HasPrefix(name, "promhttp_") {
			continue
		}
		assert.True(t, strings.HasPrefix(name, "canopy_"), "metric %s", name)
		ours++
	}
	assert.NotZero(t, ours)
}
