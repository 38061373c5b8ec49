package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/canopy/internal/query"
)

func TestValidateConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, ValidateConfig(&cfg))
}

func TestValidateConfig_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"log format", func(c *Config) { c.LogFormat = "xml" }, ErrInvalidLogFormat},
		{"log level", func(c *Config) { c.LogLevel = "loud" }, ErrInvalidLogLevel},
		{"workers", func(c *Config) { c.Workers = -1 }, ErrInvalidWorkers},
		{"algorithm", func(c *Config) { c.NearestAlgorithm = "annealing" }, ErrInvalidAlgorithm},
		{"message size", func(c *Config) { c.GRPCMaxMsgSize = -1 }, ErrInvalidMsgSize},
		{"transport", func(c *Config) { c.Transport = "carrier-pigeon" }, ErrInvalidTransport},
		{"hosts", func(c *Config) { c.Hosts = 0 }, ErrInvalidHosts},
		{"listen addr", func(c *Config) {
			c.Transport = TransportFlight
			c.ListenAddr = ""
			c.Peers = []string{"a:1"}
		}, ErrInvalidListenAddr},
		{"peers", func(c *Config) { c.Transport = TransportFlight }, ErrInvalidPeers},
		{"rank", func(c *Config) {
			c.Transport = TransportFlight
			c.Peers = []string{"a:1", "b:1"}
			c.Rank = 2
		}, ErrInvalidRank},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.ErrorIs(t, ValidateConfig(&cfg), tt.want)
		})
	}
}

func TestValidateConfig_FlightTransport(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Transport = TransportFlight
	cfg.Peers = []string{"host0:3000", "host1:3000"}
	cfg.Rank = 1
	assert.NoError(t, ValidateConfig(&cfg))
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfig_EnvVars(t *testing.T) {
	t.Setenv("CANOPY_TRANSPORT", "flight")
	t.Setenv("CANOPY_PEERS", "host0:3000,host1:3000")
	t.Setenv("CANOPY_RANK", "1")
	t.Setenv("CANOPY_BUFFER_SIZE", "-4")
	t.Setenv("CANOPY_SORT_PREDICATES", "false")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, TransportFlight, cfg.Transport)
	assert.Equal(t, []string{"host0:3000", "host1:3000"}, cfg.Peers)
	assert.Equal(t, 1, cfg.Rank)
	assert.Equal(t, -4, cfg.BufferSize)
	assert.False(t, cfg.SortPredicates)
}

func TestLoadConfig_DotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("CANOPY_WORKERS=3\nCANOPY_NEAREST_ALGORITHM=priority_queue\n"), 0o600))
	t.Cleanup(func() {
		_ = os.Unsetenv("CANOPY_WORKERS")
		_ = os.Unsetenv("CANOPY_NEAREST_ALGORITHM")
	})

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, query.PriorityQueueBased, cfg.Policy().Algorithm)

	// a missing file is not an error
	_, err = LoadConfig(filepath.Join(t.TempDir(), "absent.env"))
	assert.NoError(t, err)
}

func TestConfigPolicy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BufferSize = 8
	cfg.SortPredicates = false
	p := cfg.Policy()
	assert.Equal(t, 8, p.BufferSize)
	assert.False(t, p.SortPredicates)
	assert.Equal(t, query.StackBased, p.Algorithm)
	assert.True(t, cfg.WireOptions().Compress)
}

func TestApplyFlagsOverridesEnv(t *testing.T) {
	t.Setenv("CANOPY_HOSTS", "7")
	t.Setenv("CANOPY_LOG_LEVEL", "debug")

	cmd := newRootCmd()
	require.NoError(t, cmd.PersistentFlags().Parse([]string{"--hosts", "3", "--peers", "a:1,b:2", "--compression=false"}))

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	require.NoError(t, applyFlags(cmd.PersistentFlags(), &cfg))
	assert.Equal(t, 3, cfg.Hosts)
	assert.Equal(t, "debug", cfg.LogLevel, "unset flags keep the environment")
	assert.Equal(t, []string{"a:1", "b:2"}, cfg.Peers)
	assert.False(t, cfg.Compression)
}
