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

	"github.com/jkwon-dev/go-auth-migrate/internal/config"
	"github.com/jkwon-dev/go-auth-migrate/internal/db"
	"github.com/jkwon-dev/go-auth-migrate/internal/service"
	"github.com/jkwon-dev/go-auth-migrate/pkg/infra"
	_ "github.com/jkwon-dev/go-auth-migrate/pkg/metrics"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

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

	logger := infra.SetupLogger(cfg, "validation.log")
	slog.SetDefault(logger)
	defer infra.CloseLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting migration validation", "batch_size", cfg.BatchSize)

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

	validation := service.NewReconciliationService(postgres, sink, cfg.BatchSize, logger)

	report, err := validation.Validate(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("Validation interrupted")
			return exitInterrupted
		}
		logger.Error("Validation aborted", "error", err)
		return exitFailure
	}

	logger.Info("Validation summary",
		"source_users", report.SourceCount,
		"destination_users", report.DestinationCount,
		"matched", report.Matched,
		"missing", len(report.Missing),
		"extra", len(report.Extra),
		"mismatched", len(report.Mismatched),
	)

	if !report.IsValid() {
		if len(report.Missing) > 0 {
			logger.Warn("Users missing in destination", "user_ids", report.Missing)
		}
		if len(report.Extra) > 0 {
			logger.Warn("Users only present in destination", "user_ids", report.Extra)
		}
		logger.Error("Validation failed: stores have diverged")
		return exitFailure
	}

	logger.Info("Validation passed: all data migrated correctly")
	return exitOK
}

func startObservabilityServer(port string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("VALIDATOR ALIVE"))
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
