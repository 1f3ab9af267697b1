package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jkwon-dev/go-auth-migrate/internal/broker"
	"github.com/jkwon-dev/go-auth-migrate/internal/config"
	"github.com/jkwon-dev/go-auth-migrate/internal/db"
	"github.com/jkwon-dev/go-auth-migrate/internal/service"
	"github.com/jkwon-dev/go-auth-migrate/pkg/infra"
	_ "github.com/jkwon-dev/go-auth-migrate/pkg/metrics"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exit codes: 0 full success, 1 partial failure or fatal error,
// 130 externally interrupted.
const (
	exitOK          = 0
	exitFailure     = 1
	exitInterrupted = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		return exitFailure
	}

	logger := infra.SetupLogger(cfg, "migration.log")
	slog.SetDefault(logger)
	defer infra.CloseLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting auth user migration", "batch_size", cfg.BatchSize)

	go startObservabilityServer(cfg.MetricsPort, logger)

	postgres, err := db.NewPostgresRepository(ctx, cfg.PostgresDSN(), logger)
	if err != nil {
		logger.Error("Fatal error connecting to PostgreSQL", "error", err)
		return exitFailure
	}
	defer postgres.Close()

	sink, err := db.NewSurrealRepository(ctx,
		cfg.SurrealEndpoint, cfg.SurrealNamespace, cfg.SurrealDatabase,
		cfg.SurrealTable, cfg.SurrealUser, cfg.SurrealPassword, logger)
	if err != nil {
		logger.Error("Fatal error connecting to SurrealDB", "error", err)
		return exitFailure
	}
	defer sink.Close(context.Background())

	var events service.EventPublisher
	if cfg.RabbitMQURL != "" {
		publisher, err := broker.NewPublisher(cfg.RabbitMQURL, logger)
		if err != nil {
			logger.Warn("Event feed unavailable, continuing without it", "error", err)
		} else {
			defer publisher.Close()
			events = publisher
		}
	}

	migration := service.NewMigrationService(postgres, sink, events, cfg.BatchSize, logger)
	logger.Info("Migration run starting", "run_id", migration.RunID())

	summary, err := migration.Run(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("Migration interrupted")
			logSummary(logger, summary)
			return exitInterrupted
		}
		logger.Error("Migration aborted", "error", err)
		return exitFailure
	}

	logSummary(logger, summary)

	if summary.Outcome() == service.OutcomePartialFailure {
		logger.Warn("Some users failed to migrate", "failed", summary.Failed)
		return exitFailure
	}

	logger.Info("All users migrated successfully")
	return exitOK
}

func logSummary(logger *slog.Logger, summary *service.Summary) {
	logger.Info("Migration summary",
		"run_id", summary.RunID,
		"batches", summary.Batches,
		"processed", summary.Processed,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
	)
}

func startObservabilityServer(port string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("MIGRATOR ALIVE"))
	})

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	logger.Info("Observability server online", "url", "http://localhost:"+port+"/metrics")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Observability server failed", "error", err)
	}
}
