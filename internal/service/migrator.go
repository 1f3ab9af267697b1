package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jkwon-dev/go-auth-migrate/internal/mapper"
	"github.com/jkwon-dev/go-auth-migrate/internal/models"
	"github.com/jkwon-dev/go-auth-migrate/pkg/infra"
	"github.com/jkwon-dev/go-auth-migrate/pkg/metrics"

	"github.com/google/uuid"
)

const maxUpsertAttempts = 3

// SourceReader defines the keyset-paginated contract over the source table.
// Results come back in ascending user_id order; a batch shorter than limit
// (including empty) signals exhaustion and the cursor must not be reused.
type SourceReader interface {
	FetchUsersBatch(ctx context.Context, afterID *int64, limit int) ([]models.SourceUser, error)
}

// DocumentSink defines the idempotent per-document write contract.
type DocumentSink interface {
	UpsertUser(ctx context.Context, doc models.UserDocument) error
}

// EventPublisher defines the contract for the optional migration event feed.
type EventPublisher interface {
	Publish(ctx context.Context, routingKey string, event models.MigrationEvent) error
}

// Outcome classifies a completed run. A fatal abort never produces an
// outcome: it surfaces as an error from Run instead.
type Outcome string

const (
	OutcomeAllSucceeded   Outcome = "all_succeeded"
	OutcomePartialFailure Outcome = "partial_failure"
)

// Summary accumulates counters across batches.
// Invariant after every batch: Succeeded + Failed == Processed.
type Summary struct {
	RunID     string
	Batches   int
	Processed int
	Succeeded int
	Failed    int
}

func (s *Summary) Outcome() Outcome {
	if s.Failed > 0 {
		return OutcomePartialFailure
	}
	return OutcomeAllSucceeded
}

// MigrationService drives reader -> transform -> upsert in bounded batches.
type MigrationService struct {
	reader    SourceReader
	sink      DocumentSink
	events    EventPublisher // nil when the event feed is disabled
	batchSize int
	retry     *infra.Backoff
	logger    *slog.Logger
	runID     string
}

func NewMigrationService(r SourceReader, sink DocumentSink, events EventPublisher, batchSize int, logger *slog.Logger) *MigrationService {
	return &MigrationService{
		reader:    r,
		sink:      sink,
		events:    events,
		batchSize: batchSize,
		retry:     infra.NewBackoff(200*time.Millisecond, 2*time.Second, 2.0),
		logger:    logger,
		runID:     uuid.NewString(),
	}
}

// RunID identifies this run in logs and published events.
func (s *MigrationService) RunID() string {
	return s.runID
}

// Run executes the batch loop until the source is exhausted, a fatal error
// occurs, or the context is canceled. The returned summary is valid on every
// path; err is non-nil on fatal abort or cancellation.
//
// The cursor only ever moves forward: it is set to the highest user_id of
// the batch just processed, so no row is visited twice and none is skipped.
func (s *MigrationService) Run(ctx context.Context) (*Summary, error) {
	summary := &Summary{RunID: s.runID}
	var afterID *int64

	for {
		select {
		case <-ctx.Done():
			return summary, ctx.Err()
		default:
		}

		start := time.Now()

		users, err := s.reader.FetchUsersBatch(ctx, afterID, s.batchSize)
		if err != nil {
			// The source itself is unreachable mid-run. Unlike a bad
			// record this aborts the whole loop.
			return summary, fmt.Errorf("source fetch failed: %w", err)
		}
		if len(users) == 0 {
			break
		}

		summary.Batches++
		metrics.BatchSize.Observe(float64(len(users)))

		succeeded, failed, batchErr := s.migrateBatch(ctx, users)
		summary.Processed += succeeded + failed
		summary.Succeeded += succeeded
		summary.Failed += failed

		metrics.BatchDuration.Observe(time.Since(start).Seconds())
		s.logger.Info("Batch cycle complete",
			"run_id", s.runID,
			"batch", summary.Batches,
			"count", len(users),
			"succeeded", succeeded,
			"failed", failed,
			"duration_ms", time.Since(start).Milliseconds(),
		)

		s.publishEvent(ctx, models.StageBatch, summary)

		if batchErr != nil {
			// Cancellation mid-batch. Counters already reflect every
			// record that was attempted; already-applied upserts are
			// valid final state because the upsert is idempotent.
			return summary, batchErr
		}

		last := users[len(users)-1].UserID
		afterID = &last

		if len(users) < s.batchSize {
			break
		}
	}

	s.publishEvent(ctx, models.StageSummary, summary)

	return summary, nil
}

// migrateBatch applies transform + upsert to every record in order. Failures
// are per-record: one bad record never blocks the rest of the batch. The
// only error returned is context cancellation.
func (s *MigrationService) migrateBatch(ctx context.Context, users []models.SourceUser) (succeeded, failed int, err error) {
	for i, u := range users {
		select {
		case <-ctx.Done():
			s.logger.Warn("Shutdown signal received mid-batch",
				"run_id", s.runID,
				"remaining", len(users)-i,
			)
			return succeeded, failed, ctx.Err()
		default:
		}

		doc, terr := mapper.TransformUser(u)
		if terr != nil {
			var te *mapper.TransformError
			field := "unknown"
			if errors.As(terr, &te) {
				field = te.Field
			}
			s.logger.Error("Transform failed", "user_id", u.UserID, "field", field, "error", terr)
			metrics.UsersProcessed.WithLabelValues("transform_error").Inc()
			failed++
			continue
		}

		if werr := s.upsertWithRetry(ctx, doc); werr != nil {
			s.logger.Error("Upsert failed", "id", doc.ID, "error", werr)
			metrics.UsersProcessed.WithLabelValues("write_error").Inc()
			failed++
			continue
		}

		metrics.UsersProcessed.WithLabelValues("migrated").Inc()
		succeeded++
	}

	return succeeded, failed, nil
}

// upsertWithRetry wraps a single upsert in a small bounded retry for
// transient store errors. Anything else fails fast and is counted.
func (s *MigrationService) upsertWithRetry(ctx context.Context, doc models.UserDocument) error {
	s.retry.Reset()

	var err error
	for attempt := 1; attempt <= maxUpsertAttempts; attempt++ {
		err = s.sink.UpsertUser(ctx, doc)
		if err == nil || !isTransient(err) || attempt == maxUpsertAttempts {
			return err
		}

		wait := s.retry.Next()
		metrics.UpsertRetries.Inc()
		s.logger.Warn("Transient write error, retrying",
			"id", doc.ID,
			"attempt", attempt,
			"wait", wait,
			"error", err,
		)

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return err
		}
	}

	return err
}

// publishEvent emits a run event when the feed is enabled. Event delivery is
// best effort and never affects counters.
func (s *MigrationService) publishEvent(ctx context.Context, stage string, summary *Summary) {
	if s.events == nil {
		return
	}

	event := models.MigrationEvent{
		RunID:     s.runID,
		Stage:     stage,
		Batch:     summary.Batches,
		Processed: summary.Processed,
		Succeeded: summary.Succeeded,
		Failed:    summary.Failed,
		Timestamp: time.Now().UTC(),
	}

	routingKey := "auth.migration." + stage
	if err := s.events.Publish(ctx, routingKey, event); err != nil {
		s.logger.Warn("Failed to publish migration event", "stage", stage, "error", err)
	}
}

// isTransient detects store errors worth a quick retry: throttling, timeouts
// and dropped connections.
func isTransient(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "timed out") ||
		strings.Contains(msg, "throttl") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "temporarily unavailable")
}
