package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/23skdu/canopy/internal/exec"
	"github.com/23skdu/canopy/internal/logging"
	"github.com/23skdu/canopy/internal/tracing"
)

const version = "0.1.0"

// app carries what every subcommand shares once the root has been set up.
type app struct {
	cfg     Config
	logger  zerolog.Logger
	space   *exec.Space
	metrics *http.Server
	tracer  func(context.Context) error
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	var envFile string

	root := &cobra.Command{
		Use:   "canopy",
		Short: "Canopy - batched spatial queries over bounding volume hierarchies",
		Long: `Canopy answers batches of spatial and nearest-neighbour queries against a
bounding volume hierarchy, on one host or across a group of hosts.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd.Flags(), envFile)
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return a.shutdown(cmd.Context())
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&envFile, "env-file", ".env", "optional dotenv file read before the environment")
	flags.String("log-format", "", "log format: json, text or console")
	flags.String("log-level", "", "log level: debug, info, warn or error")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address")
	flags.Float64("trace-sample", 0, "fraction of traces exported to stdout")
	flags.Int("workers", 0, "worker pool size, 0 for GOMAXPROCS")
	flags.Int("buffer-size", 0, "results reserved per spatial query (0 counts first, <0 fails on overflow)")
	flags.Bool("sort-predicates", true, "reorder queries along a space filling curve")
	flags.String("nearest-algorithm", "", "nearest search: stack or priority_queue")
	flags.String("transport", "", "host transport: local or flight")
	flags.Int("hosts", 0, "number of in-process hosts with the local transport")
	flags.String("listen", "", "Flight listen address of this host")
	flags.StringSlice("peers", nil, "Flight address of every rank, in rank order")
	flags.Int("rank", 0, "rank of this host with the flight transport")
	flags.Int("grpc-max-msg-size", 0, "gRPC message size limit in bytes")
	flags.Bool("compression", true, "snappy-compress batches between hosts")

	root.AddCommand(newRaytraceCmd(a), newKnnCmd(a))
	return root
}

// setup resolves the configuration (defaults, .env, environment, flags) and
// starts the shared services.
func (a *app) setup(flags *pflag.FlagSet, envFile string) error {
	cfg, err := LoadConfig(envFile)
	if err != nil {
		return err
	}
	if err := applyFlags(flags, &cfg); err != nil {
		return err
	}
	if err := ValidateConfig(&cfg); err != nil {
		return err
	}
	a.cfg = cfg

	a.logger, err = logging.NewLogger(cfg.LoggingConfig())
	if err != nil {
		return err
	}
	a.space, err = exec.NewSpace(cfg.Workers, a.logger)
	if err != nil {
		return err
	}

	if cfg.TraceSample > 0 {
		a.tracer, err = tracing.InitTracer(tracing.SpanConfig{
			ServiceName:    "canopy",
			ServiceVersion: version,
			SampleRate:     cfg.TraceSample,
			Rank:           cfg.Rank,
		})
		if err != nil {
			return err
		}
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		a.metrics = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			a.logger.Info().Str("address", cfg.MetricsAddr).Msg("Starting metrics server")
			if err := a.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	a.logger.Debug().
		Str("transport", cfg.Transport).
		Int("workers", a.space.Concurrency()).
		Int("buffer_size", cfg.BufferSize).
		Bool("sort_predicates", cfg.SortPredicates).
		Msg("configuration loaded")
	return nil
}

func (a *app) shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	var errs []error
	if a.metrics != nil {
		errs = append(errs, a.metrics.Shutdown(ctx))
	}
	if a.tracer != nil {
		errs = append(errs, a.tracer(ctx))
	}
	if a.space != nil {
		a.space.Close()
	}
	return errors.Join(errs...)
}

// applyFlags overrides cfg with every flag set on the command line.
func applyFlags(flags *pflag.FlagSet, cfg *Config) error {
	var err error
	str := func(name string, dst *string) {
		if err == nil && flags.Changed(name) {
			*dst, err = flags.GetString(name)
		}
	}
	integer := func(name string, dst *int) {
		if err == nil && flags.Changed(name) {
			*dst, err = flags.GetInt(name)
		}
	}
	boolean := func(name string, dst *bool) {
		if err == nil && flags.Changed(name) {
			*dst, err = flags.GetBool(name)
		}
	}

	str("log-format", &cfg.LogFormat)
	str("log-level", &cfg.LogLevel)
	str("metrics-addr", &cfg.MetricsAddr)
	if err == nil && flags.Changed("trace-sample") {
		cfg.TraceSample, err = flags.GetFloat64("trace-sample")
	}
	integer("workers", &cfg.Workers)
	integer("buffer-size", &cfg.BufferSize)
	boolean("sort-predicates", &cfg.SortPredicates)
	str("nearest-algorithm", &cfg.NearestAlgorithm)
	str("transport", &cfg.Transport)
	integer("hosts", &cfg.Hosts)
	str("listen", &cfg.ListenAddr)
	if err == nil && flags.Changed("peers") {
		cfg.Peers, err = flags.GetStringSlice("peers")
	}
	integer("rank", &cfg.Rank)
	integer("grpc-max-msg-size", &cfg.GRPCMaxMsgSize)
	boolean("compression", &cfg.Compression)
	return err
}
