// ============================================================================
// DPO Orchestrator CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for the orchestration service.
//
// Command Structure:
//   dpo-orchestrator               # Root command
//   ├── serve                      # Start the orchestration service
//   │   └── --config, -c          # Specify config file
//   ├── health                     # Query a running instance's health
//   │   └── --addr                # Instance base URL
//   ├── --version                  # Display version information
//   └── --help                     # Display help information
//
// serve Command:
//   Starts the complete service:
//   1. Load .env (if present), then config file, then environment
//   2. Assemble store, worker pool, orchestrator, HTTP server
//   3. Start Prometheus metrics server (if enabled)
//   4. Start gateway registration heartbeat (if configured)
//   5. Listen for SIGINT/SIGTERM and gracefully shut down
//
//   Graceful shutdown flow:
//   1. Deregister from the gateway so routing stops immediately
//   2. Stop accepting HTTP requests (drain in-flight handlers)
//   3. Stop the orchestrator (cancel executing runs, drain workers)
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/novalto/dpo-orchestrator/internal/auth"
	"github.com/novalto/dpo-orchestrator/internal/config"
	"github.com/novalto/dpo-orchestrator/internal/idempotency"
	"github.com/novalto/dpo-orchestrator/internal/metrics"
	"github.com/novalto/dpo-orchestrator/internal/orchestrator"
	"github.com/novalto/dpo-orchestrator/internal/ratelimit"
	"github.com/novalto/dpo-orchestrator/internal/registration"
	"github.com/novalto/dpo-orchestrator/internal/runstore"
	"github.com/novalto/dpo-orchestrator/internal/server"
	"github.com/novalto/dpo-orchestrator/internal/worker"
)

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dpo-orchestrator",
		Short: "Webhook-triggered fine-tuning job orchestration service",
		Long: `dpo-orchestrator admits fine-tune triggers from an API gateway and
runs them through a bounded worker pool:
- HMAC-verified gateway requests
- Per-caller rate limiting and idempotent retries
- One active run per knowledge base
- Prometheus metrics and gateway lease registration`,
		Version: orchestrator.Version,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (YAML)")

	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildHealthCommand())

	return rootCmd
}

func buildServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestration service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func buildHealthCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Query a running instance's health endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return queryHealth(cmd, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8000", "instance base URL")

	return cmd
}

func runServer() error {
	// Environment overrides in .env are optional.
	_ = godotenv.Load()

	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := newLogger(cfg.Log.Level)
	logger.WithFields(logrus.Fields{
		"version": orchestrator.Version,
		"addr":    cfg.Server.Addr,
		"workers": cfg.Limits.MaxConcurrentJobs,
	}).Info("Starting dpo-orchestrator")

	// Assemble components.
	store := runstore.NewStore()
	collector := metrics.NewCollector(prometheus.DefaultRegisterer)
	trainer := &worker.SimulatedTrainer{StepDelay: time.Second, Steps: 30}
	pool := worker.New(store, trainer, collector, logger,
		cfg.Limits.MaxConcurrentJobs, cfg.Limits.QueueBuffer, cfg.Limits.JobTimeout)

	orch := orchestrator.New(cfg, store, pool,
		ratelimit.NewLimiter(cfg.Limits.RatePerMinute, time.Minute),
		idempotency.NewCache(cfg.Idempotency.TTL),
		collector, logger)
	orch.Start()

	verifier := auth.NewVerifier(cfg.Auth.GatewaySharedSecret)
	srv := server.New(cfg, orch, verifier, collector, logger)

	// Metrics server runs on its own port.
	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.Serve(cfg.Metrics.Port); err != nil && err != http.ErrServerClosed {
				logger.WithError(err).Error("Metrics server failed")
			}
		}()
		logger.WithField("port", cfg.Metrics.Port).Info("Metrics server started")
	}

	// Gateway lease heartbeat.
	var heartbeat *registration.Heartbeat
	if cfg.RegistrationEnabled() {
		heartbeat = registration.New(
			cfg.Registration.RegisterURL,
			cfg.Registration.RegisterSecret,
			cfg.Server.PublicBaseURL,
			orchestrator.Version,
			cfg.Registration.TTLSeconds,
			logger,
		)
		heartbeat.Start()
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(cfg.Server.Addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.WithField("signal", sig.String()).Info("Shutdown signal received")
	case err := <-errCh:
		logger.WithError(err).Error("HTTP server failed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if heartbeat != nil {
		heartbeat.Stop(ctx)
	}
	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Warn("HTTP shutdown incomplete")
	}
	orch.Stop()

	logger.Info("Shutdown complete")
	return nil
}

func queryHealth(cmd *cobra.Command, addr string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(addr + "/health")
	if err != nil {
		return fmt.Errorf("health request failed: %w", err)
	}
	defer resp.Body.Close()

	var health orchestrator.HealthStatus
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("decoding health response: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Status:       %s\n", health.Status)
	fmt.Fprintf(out, "Uptime:       %.0fs\n", health.UptimeSeconds)
	fmt.Fprintf(out, "Workers:      %d\n", health.Workers)
	fmt.Fprintf(out, "Queue depth:  %d\n", health.QueueDepth)
	fmt.Fprintf(out, "Active slots: %d\n", health.ActiveSlots)
	fmt.Fprintf(out, "Runs:         %d total (%d queued, %d running, %d completed, %d failed, %d cancelled)\n",
		health.Runs.Total, health.Runs.Queued, health.Runs.Running,
		health.Runs.Completed, health.Runs.Failed, health.Runs.Cancelled)
	return nil
}

func newLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)
	return logger
}
