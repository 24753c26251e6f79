package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/droverhq/drover/internal/dispatch"
	"github.com/droverhq/drover/internal/hub"
	"github.com/droverhq/drover/internal/observability"
	"github.com/droverhq/drover/internal/queue"
	"github.com/droverhq/drover/internal/server"
	"github.com/droverhq/drover/internal/store"
	"github.com/droverhq/drover/internal/tracker"
	"github.com/droverhq/drover/internal/worker"
)

var logLevel string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "drover",
	Short: "Drover — bulk entity-mutation orchestration service",
	Long:  "Drover splits bulk create/update/delete requests into batches, drives them through a durable work queue, and tracks progress to completion with live push updates.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the Drover server",
	RunE:  runServer,
}

var (
	bindAddr          string
	dataDir           string
	queueStore        string
	workers           int
	maxAttempts       int
	leaseDuration     time.Duration
	pollInterval      time.Duration
	defaultBatchSize  int
	maxBatchSize      int
	maxEntities       int
	entitySchemaPath  string
	retentionPeriod   time.Duration
	retentionInterval time.Duration
	shutdownTimeout   time.Duration
	otelEnabled       bool
	otelEndpoint      string
	apiToken          string
	jwtSecret         string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	serverCmd.Flags().StringVar(&bindAddr, "bind", ":8080", "HTTP server bind address")
	serverCmd.Flags().StringVar(&dataDir, "data-dir", "data", "Directory for SQLite database and queue files")
	serverCmd.Flags().StringVar(&queueStore, "queue-store", "badger", "Durable queue backend: badger or pebble")
	serverCmd.Flags().IntVar(&workers, "workers", 4, "Number of concurrent batch workers")
	serverCmd.Flags().IntVar(&maxAttempts, "max-attempts", 5, "Max task deliveries before a transient failure becomes permanent")
	serverCmd.Flags().DurationVar(&leaseDuration, "lease", 30*time.Second, "Task lease before redelivery; must exceed worst-case batch apply latency")
	serverCmd.Flags().DurationVar(&pollInterval, "poll-interval", 100*time.Millisecond, "Queue consumer/reaper poll interval")
	serverCmd.Flags().IntVar(&defaultBatchSize, "batch-size", 100, "Default entities per batch")
	serverCmd.Flags().IntVar(&maxBatchSize, "max-batch-size", 1000, "Upper bound on entities per batch")
	serverCmd.Flags().IntVar(&maxEntities, "max-entities", 100000, "Upper bound on entities per bulk request")
	serverCmd.Flags().StringVar(&entitySchemaPath, "entity-schema", "", "Path to a JSON schema that submitted entities must satisfy")
	serverCmd.Flags().DurationVar(&retentionPeriod, "retention", 7*24*time.Hour, "How long to keep terminal operations before purging")
	serverCmd.Flags().DurationVar(&retentionInterval, "retention-interval", 1*time.Hour, "How often to run the purge sweep for old terminal operations")
	serverCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 5*time.Second, "Graceful HTTP shutdown timeout before force-close")
	serverCmd.Flags().BoolVar(&otelEnabled, "otel-enabled", false, "Enable OpenTelemetry tracing")
	serverCmd.Flags().StringVar(&otelEndpoint, "otel-endpoint", "", "OTLP HTTP endpoint (host:port) for traces; if empty uses stdout exporter")
	serverCmd.Flags().StringVar(&apiToken, "api-token", "", "Static bearer token required on /api/v1 (or set DROVER_API_TOKEN)")
	serverCmd.Flags().StringVar(&jwtSecret, "auth-jwt-secret", "", "HS256 secret for JWT bearer auth (or set DROVER_JWT_SECRET)")

	rootCmd.AddCommand(serverCmd)
}

func setupLogging() {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

func runServer(cmd *cobra.Command, args []string) error {
	if apiToken == "" {
		apiToken = os.Getenv("DROVER_API_TOKEN")
	}
	if jwtSecret == "" {
		jwtSecret = os.Getenv("DROVER_JWT_SECRET")
	}

	slog.Info("starting drover server",
		"bind", bindAddr,
		"data_dir", dataDir,
		"queue_store", queueStore,
		"workers", workers,
		"max_attempts", maxAttempts,
		"lease", leaseDuration,
		"batch_size", defaultBatchSize,
		"retention", retentionPeriod,
		"otel_enabled", otelEnabled,
	)

	otelShutdown, err := observability.InitTracer(otelEnabled, "drover-server", otelEndpoint)
	if err != nil {
		return fmt.Errorf("init otel: %w", err)
	}
	defer func() {
		if err := otelShutdown(context.Background()); err != nil {
			slog.Warn("otel shutdown error", "error", err)
		}
	}()

	db, err := store.Open(dataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()
	st := store.NewStore(db)

	var schemaJSON string
	if entitySchemaPath != "" {
		raw, err := os.ReadFile(entitySchemaPath)
		if err != nil {
			return fmt.Errorf("read entity schema: %w", err)
		}
		schemaJSON = string(raw)
	}
	validator, err := store.NewEntityValidator(schemaJSON)
	if err != nil {
		return err
	}

	q, err := queue.Open(queueStore, dataDir, queue.Config{
		LeaseDuration: leaseDuration,
		PollInterval:  pollInterval,
	})
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}
	defer q.Close()

	notifyHub := hub.New()
	trk := tracker.New(st, notifyHub)
	disp := dispatch.New(st, q, validator, dispatch.Config{
		DefaultBatchSize: defaultBatchSize,
		MaxBatchSize:     maxBatchSize,
		MaxEntities:      maxEntities,
	})
	pool := worker.New(q, st, trk, worker.Config{
		Count:       workers,
		MaxAttempts: maxAttempts,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		pool.Run(ctx)
	}()
	go st.RunRetention(ctx, retentionPeriod, retentionInterval)

	srv := server.New(st, disp, trk, notifyHub, q, server.Config{
		BindAddr:  bindAddr,
		APIToken:  apiToken,
		JWTSecret: jwtSecret,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "error", err)
	}
	cancel()
	<-workersDone
	return nil
}
