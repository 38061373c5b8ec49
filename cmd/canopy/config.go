package main

import (
	"errors"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/23skdu/canopy/internal/comm"
	"github.com/23skdu/canopy/internal/logging"
	"github.com/23skdu/canopy/internal/query"
	"github.com/23skdu/canopy/internal/wire"
)

const envPrefix = "CANOPY"

// Transports
const (
	TransportLocal  = "local"
	TransportFlight = "flight"
)

// Config validation errors
var (
	ErrInvalidLogFormat  = errors.New("log_format must be 'json', 'text' or 'console'")
	ErrInvalidLogLevel   = errors.New("log_level must be debug, info, warn, or error")
	ErrInvalidWorkers    = errors.New("workers must be >= 0")
	ErrInvalidAlgorithm  = errors.New("nearest_algorithm must be stack or priority_queue")
	ErrInvalidTransport  = errors.New("transport must be 'local' or 'flight'")
	ErrInvalidHosts      = errors.New("hosts must be positive")
	ErrInvalidListenAddr = errors.New("listen_addr cannot be empty with the flight transport")
	ErrInvalidPeers      = errors.New("peers must list every rank with the flight transport")
	ErrInvalidRank       = errors.New("rank must index peers")
	ErrInvalidMsgSize    = errors.New("grpc_max_msg_size must be >= 0")
)

// Config is read from CANOPY_* environment variables, optionally seeded from a
// .env file. Command line flags override it.
type Config struct {
	LogFormat   string  `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel    string  `envconfig:"LOG_LEVEL" default:"info"`
	MetricsAddr string  `envconfig:"METRICS_ADDR" default:""`
	TraceSample float64 `envconfig:"TRACE_SAMPLE" default:"0"`

	// Workers sizes the execution space; 0 uses GOMAXPROCS.
	Workers          int    `envconfig:"WORKERS" default:"0"`
	BufferSize       int    `envconfig:"BUFFER_SIZE" default:"0"`
	SortPredicates   bool   `envconfig:"SORT_PREDICATES" default:"true"`
	NearestAlgorithm string `envconfig:"NEAREST_ALGORITHM" default:"stack"`

	Transport string `envconfig:"TRANSPORT" default:"local"`
	// Hosts is the number of in-process hosts of the local transport.
	Hosts          int      `envconfig:"HOSTS" default:"2"`
	ListenAddr     string   `envconfig:"LISTEN_ADDR" default:"0.0.0.0:3000"`
	Peers          []string `envconfig:"PEERS"`
	Rank           int      `envconfig:"RANK" default:"0"`
	GRPCMaxMsgSize int      `envconfig:"GRPC_MAX_MSG_SIZE" default:"67108864"`
	Compression    bool     `envconfig:"COMPRESSION" default:"true"`
}

// DefaultConfig returns a Config with default values
func DefaultConfig() Config {
	return Config{
		LogFormat:        "json",
		LogLevel:         "info",
		SortPredicates:   true,
		NearestAlgorithm: "stack",
		Transport:        TransportLocal,
		Hosts:            2,
		ListenAddr:       "0.0.0.0:3000",
		GRPCMaxMsgSize:   comm.DefaultMaxMsgSize,
		Compression:      true,
	}
}

// LoadConfig applies an optional .env file and the environment on top of the
// defaults.
func LoadConfig(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, err
		}
	}
	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ValidateConfig validates the configuration and returns an error if invalid
func ValidateConfig(cfg *Config) error {
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" && cfg.LogFormat != "console" {
		return ErrInvalidLogFormat
	}
	if _, err := logging.ParseLevel(cfg.LogLevel); err != nil {
		return ErrInvalidLogLevel
	}
	if cfg.Workers < 0 {
		return ErrInvalidWorkers
	}
	if _, err := query.ParseNearestAlgorithm(cfg.NearestAlgorithm); err != nil {
		return ErrInvalidAlgorithm
	}
	if cfg.GRPCMaxMsgSize < 0 {
		return ErrInvalidMsgSize
	}
	switch cfg.Transport {
	case TransportLocal:
		if cfg.Hosts < 1 {
			return ErrInvalidHosts
		}
	case TransportFlight:
		if cfg.ListenAddr == "" {
			return ErrInvalidListenAddr
		}
		if len(cfg.Peers) == 0 {
			return ErrInvalidPeers
		}
		if cfg.Rank < 0 || cfg.Rank >= len(cfg.Peers) {
			return ErrInvalidRank
		}
	default:
		return ErrInvalidTransport
	}
	return nil
}

// Policy builds the traversal policy of every local query.
func (c *Config) Policy() query.TraversalPolicy {
	p := query.DefaultPolicy().
		WithBufferSize(c.BufferSize).
		WithPredicateSorting(c.SortPredicates)
	if a, err := query.ParseNearestAlgorithm(c.NearestAlgorithm); err == nil {
		p = p.WithAlgorithm(a)
	}
	return p
}

// WireOptions controls how batches travel between hosts.
func (c *Config) WireOptions() wire.Options {
	return wire.Options{Compress: c.Compression}
}

// LoggingConfig maps the log settings onto the logging package.
func (c *Config) LoggingConfig() logging.Config {
	return logging.Config{Format: c.LogFormat, Level: c.LogLevel, Output: os.Stderr}
}
