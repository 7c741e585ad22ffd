// Command phaserstress drives a tree of phasers through many phases and
// verifies that every phase received exactly one arrival per party.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/llxisdsh/phaser/internal/stress"
)

var (
	configPath  string
	tiers       int
	fanout      int
	parties     int
	phases      int
	mode        string
	waitTimeout time.Duration
	churn       int
	metricsAddr string
	logLevel    string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	def := stress.DefaultConfig()
	cmd := &cobra.Command{
		Use:   "phaserstress",
		Short: "Run a phaser tree through a verified stress workload",
		Long: `phaserstress builds a tree of phasers, runs one goroutine per leaf party
through the configured number of phases and checks that every phase saw
exactly one arrival per registered party.

Settings come from --config (TOML or YAML); flags given explicitly override
the file.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runStress,
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Workload file (.toml, .yaml or .yml)")
	cmd.Flags().IntVar(&tiers, "tiers", def.Tiers, "Phaser levels below the root (0 puts all parties on the root)")
	cmd.Flags().IntVar(&fanout, "fanout", def.Fanout, "Children per interior phaser")
	cmd.Flags().IntVar(&parties, "parties", def.PartiesPerLeaf, "Parties per leaf phaser")
	cmd.Flags().IntVar(&phases, "phases", def.Phases, "Phases to run before the root terminates")
	cmd.Flags().StringVar(&mode, "mode", string(def.Mode), "Wait mode: await|split|timed")
	cmd.Flags().DurationVar(&waitTimeout, "wait-timeout", def.WaitTimeout, "Per-attempt timeout in timed mode")
	cmd.Flags().IntVar(&churn, "churn", def.Churn, "Swap one registration per leaf every N phases (0 disables)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", def.MetricsAddr, "Serve Prometheus metrics on this address")
	cmd.Flags().StringVar(&logLevel, "log-level", def.LogLevel, "Log level: debug|info|warn|error")
	return cmd
}

// loadConfig reads --config, if any, and applies the flags that were set.
func loadConfig(cmd *cobra.Command) (stress.Config, error) {
	cfg := stress.DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = stress.LoadConfig(configPath); err != nil {
			return stress.Config{}, err
		}
	}
	flags := cmd.Flags()
	if flags.Changed("tiers") {
		cfg.Tiers = tiers
	}
	if flags.Changed("fanout") {
		cfg.Fanout = fanout
	}
	if flags.Changed("parties") {
		cfg.PartiesPerLeaf = parties
	}
	if flags.Changed("phases") {
		cfg.Phases = phases
	}
	if flags.Changed("mode") {
		cfg.Mode = stress.Mode(mode)
	}
	if flags.Changed("wait-timeout") {
		cfg.WaitTimeout = waitTimeout
	}
	if flags.Changed("churn") {
		cfg.Churn = churn
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = metricsAddr
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	return cfg, nil
}

func runStress(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), err)
		return err
	}
	logger, err := stress.NewLogger(cmd.ErrOrStderr(), cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), err)
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	metrics := stress.NewMetrics(reg)

	runner, err := stress.NewRunner(cfg, logger, metrics)
	if err != nil {
		logger.Error().Err(err).Msg("invalid workload")
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, reg, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	report, err := runner.Run(ctx)
	if err != nil {
		logger.Error().Err(err).Int("phases", report.Phases).Msg("workload failed")
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(),
		"nodes=%d parties=%d phases=%d arrivals=%d timeouts=%d elapsed=%v max_wait=%v\n",
		report.Nodes, report.Parties, report.Phases, report.Arrivals,
		report.Timeouts, report.Elapsed, report.MaxWait)
	return nil
}

func serveMetrics(addr string, reg *prometheus.Registry, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", addr).Msg("serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", addr).Msg("metrics server stopped")
		}
	}()
	return srv
}
