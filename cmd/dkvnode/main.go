// Command dkvnode runs one node of a partitioned, atomic, in-memory
// key-value cluster. It exposes two subcommands:
//
//	dkvnode serve    load configuration (file, then DKV_* environment
//	                 overrides), wire up internal/cachefacade.Cache, serve
//	                 the cache's gRPC transport and a Prometheus /metrics
//	                 endpoint, and wait for SIGINT/SIGTERM to shut down
//	                 cleanly.
//	dkvnode version  print the build version and exit.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nodeforge/dkv/internal/cachefacade"
	"github.com/nodeforge/dkv/internal/config"
	"github.com/nodeforge/dkv/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// buildVersion is overridable at link time via:
//
//	go build -ldflags "-X main.buildVersion=1.2.3"
var buildVersion = "dev"

var (
	configPath  string
	metricsAddr string
)

func main() {
	root := &cobra.Command{
		Use:   "dkvnode",
		Short: "Run a node of the partitioned atomic cache cluster",
	}
	root.AddCommand(newServeCmd(), newVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newServeCmd builds the subcommand that actually runs a node: load
// config, wire cachefacade.Cache, serve gRPC and /metrics, and block
// until SIGINT/SIGTERM.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start this node and block until it's told to stop",
		RunE:  runServe,
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file (optional; DKV_* env vars always apply)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9710", "address to serve the Prometheus /metrics endpoint on")
	return cmd
}

// newVersionCmd builds the subcommand that prints the node binary's
// version and exits; it touches no configuration and starts nothing.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the dkvnode build version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), buildVersion)
			return nil
		},
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

	if os.Getenv("DKV_NODE_ID") == "" {
		generated := uuid.NewString()
		os.Setenv("DKV_NODE_ID", generated)
		logger.Warn().Str("node_id", generated).Msg("no node id configured, generated a random one")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("dkvnode: load config: %w", err)
	}

	logger = logger.With().Str("node_id", cfg.NodeID).Logger()

	cache, err := cachefacade.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("dkvnode: build cache: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := cache.Start(ctx); err != nil {
		return fmt.Errorf("dkvnode: start cache: %w", err)
	}
	logger.Info().Str("listen", cfg.Listen).Msg("dkvnode listening")

	metricsServer := &http.Server{
		Addr:              metricsAddr,
		Handler:           metricsMux(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()
	logger.Info().Str("addr", metricsAddr).Msg("metrics listening")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = metricsServer.Shutdown(shutdownCtx)

	cancel()
	cache.Stop()
	logger.Info().Msg("dkvnode stopped")
	return nil
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}
