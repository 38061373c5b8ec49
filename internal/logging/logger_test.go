package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"", zerolog.InfoLevel},
		{"info", zerolog.InfoLevel},
		{"DEBUG", zerolog.DebugLevel},
		{"warning", zerolog.WarnLevel},
		{"warn", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"trace", zerolog.TraceLevel},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseLevel("chatty")
	assert.Error(t, err)
	_, err = NewLogger(Config{Format: "json", Level: "chatty"})
	assert.Error(t, err)
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	dec := json.NewDecoder(buf)
	for dec.More() {
		var entry map[string]any
		require.NoError(t, dec.Decode(&entry))
		out = append(out, entry)
	}
	return out
}

func TestJSONEntries(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(Config{Format: "json", Level: "info", Output: &buf})
	require.NoError(t, err)

	host := logger.With().Int("rank", 3).Str("component", "distributed").Logger()
	host.Info().Str("stage", "exchange").Int("bytes", 512).Msg("batch sent")

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "batch sent", e["message"])
	assert.Equal(t, "info", e["level"])
	assert.Equal(t, float64(3), e["rank"])
	assert.Equal(t, "distributed", e["component"])
	assert.Equal(t, "exchange", e["stage"])
	assert.Contains(t, e, "time")
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(Config{Format: "json", Level: "warn", Output: &buf})
	require.NoError(t, err)

	logger.Debug().Msg("route computed")
	logger.Info().Msg("query done")
	logger.Warn().Msg("partition imbalance")
	logger.Error().Msg("transport failed")

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 2)
	assert.Equal(t, "partition imbalance", entries[0]["message"])
	assert.Equal(t, "transport failed", entries[1]["message"])
}

func TestMetricsHookCountsEmittedEntries(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(Config{Format: "json", Level: "info", Output: &buf})
	require.NoError(t, err)

	warn := LogEntriesTotal.WithLabelValues(zerolog.WarnLevel.String())
	warnBefore := testutil.ToFloat64(warn)
	errorsBefore := testutil.ToFloat64(LogErrorsTotal)

	logger.Debug().Msg("filtered")
	logger.Warn().Msg("counted")
	logger.Error().Msg("counted too")

	assert.Equal(t, warnBefore+1, testutil.ToFloat64(warn))
	assert.Equal(t, errorsBefore+1, testutil.ToFloat64(LogErrorsTotal))
}

func TestTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(Config{Format: "text", Level: "debug", Output: &buf})
	require.NoError(t, err)

	logger.Debug().Int("rank", 2).Msg("host finished")
	assert.Contains(t, buf.String(), "host finished")
	assert.Contains(t, buf.String(), "rank=2")
	assert.False(t, json.Valid(buf.Bytes()))
}

func TestDefaults(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "json", cfg.Format)
	assert.Equal(t, "info", cfg.Level)
	assert.NotNil(t, cfg.Output)

	// Nop discards everything, hooks included
	DiscardLogger().Error().Msg("dropped")
}
