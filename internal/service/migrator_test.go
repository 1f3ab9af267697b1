package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jkwon-dev/go-auth-migrate/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeReader serves a fixed, id-ordered dataset through the keyset contract.
type fakeReader struct {
	users      []models.SourceUser
	calls      []*int64
	failOnCall int
	err        error
}

func (f *fakeReader) FetchUsersBatch(_ context.Context, afterID *int64, limit int) ([]models.SourceUser, error) {
	var cursor *int64
	if afterID != nil {
		v := *afterID
		cursor = &v
	}
	f.calls = append(f.calls, cursor)

	if f.failOnCall > 0 && len(f.calls) == f.failOnCall {
		return nil, f.err
	}

	var out []models.SourceUser
	for _, u := range f.users {
		if afterID != nil && u.UserID <= *afterID {
			continue
		}
		out = append(out, u)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// fakeSink stores documents in memory and can fail specific ids, either
// permanently or for the first few attempts.
type fakeSink struct {
	docs      map[string]models.UserDocument
	attempts  map[string]int
	failWith  map[string]error
	transient map[string]int
	onUpsert  func(doc models.UserDocument)
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		docs:      make(map[string]models.UserDocument),
		attempts:  make(map[string]int),
		failWith:  make(map[string]error),
		transient: make(map[string]int),
	}
}

func (f *fakeSink) UpsertUser(_ context.Context, doc models.UserDocument) error {
	f.attempts[doc.ID]++
	if f.onUpsert != nil {
		f.onUpsert(doc)
	}
	if err, ok := f.failWith[doc.ID]; ok {
		return err
	}
	if n, ok := f.transient[doc.ID]; ok && f.attempts[doc.ID] <= n {
		return errors.New("write timed out")
	}
	f.docs[doc.ID] = doc
	return nil
}

type fakePublisher struct {
	keys   []string
	events []models.MigrationEvent
}

func (f *fakePublisher) Publish(_ context.Context, routingKey string, event models.MigrationEvent) error {
	f.keys = append(f.keys, routingKey)
	f.events = append(f.events, event)
	return nil
}

func sourceUsers(n int) []models.SourceUser {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	users := make([]models.SourceUser, 0, n)
	for i := 1; i <= n; i++ {
		users = append(users, models.SourceUser{
			UserID:       int64(i),
			Email:        fmt.Sprintf("user%d@example.com", i),
			PasswordHash: fmt.Sprintf("hash-%d", i),
			Status:       "active",
			CreatedAt:    base.Add(time.Duration(i) * time.Minute),
		})
	}
	return users
}

func TestRun_VisitsEveryKeyExactlyOnce(t *testing.T) {
	reader := &fakeReader{users: sourceUsers(5)}
	sink := newFakeSink()

	svc := NewMigrationService(reader, sink, nil, 2, testLogger())
	summary, err := svc.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 5, summary.Processed)
	assert.Equal(t, 5, summary.Succeeded)
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, 3, summary.Batches)
	assert.Len(t, sink.docs, 5)
	for id, n := range sink.attempts {
		assert.Equal(t, 1, n, "user %s upserted more than once", id)
	}

	// ceil(5/2) fetches, cursor strictly advancing.
	require.Len(t, reader.calls, 3)
	assert.Nil(t, reader.calls[0])
	assert.Equal(t, int64(2), *reader.calls[1])
	assert.Equal(t, int64(4), *reader.calls[2])
}

func TestRun_ExactMultipleOfBatchSizeTerminates(t *testing.T) {
	reader := &fakeReader{users: sourceUsers(4)}
	sink := newFakeSink()

	svc := NewMigrationService(reader, sink, nil, 2, testLogger())
	summary, err := svc.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, summary.Processed)
	// Final empty fetch is what signals exhaustion here.
	assert.Len(t, reader.calls, 3)
}

func TestRun_EmptySource(t *testing.T) {
	reader := &fakeReader{}
	sink := newFakeSink()

	svc := NewMigrationService(reader, sink, nil, 100, testLogger())
	summary, err := svc.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, summary.Processed)
	assert.Equal(t, OutcomeAllSucceeded, summary.Outcome())
}

func TestRun_PartialFailureScenario(t *testing.T) {
	// Users {1,2,3} with batch size 2 and an induced write failure on 2.
	reader := &fakeReader{users: sourceUsers(3)}
	sink := newFakeSink()
	sink.failWith["2"] = errors.New("document validation rejected")

	svc := NewMigrationService(reader, sink, nil, 2, testLogger())
	summary, err := svc.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Processed)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, OutcomePartialFailure, summary.Outcome())
	assert.Equal(t, summary.Processed, summary.Succeeded+summary.Failed)

	// The failure did not block the rest of the batch.
	assert.Contains(t, sink.docs, "1")
	assert.Contains(t, sink.docs, "3")
	assert.NotContains(t, sink.docs, "2")
}

func TestRun_TransformFailureCountsOnlyThatRecord(t *testing.T) {
	users := sourceUsers(3)
	users[1].FailedLoginCount = -5
	reader := &fakeReader{users: users}
	sink := newFakeSink()

	svc := NewMigrationService(reader, sink, nil, 10, testLogger())
	summary, err := svc.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Processed)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	assert.Len(t, sink.docs, 2)
}

func TestRun_TransientWriteErrorIsRetried(t *testing.T) {
	reader := &fakeReader{users: sourceUsers(1)}
	sink := newFakeSink()
	sink.transient["1"] = 2

	svc := NewMigrationService(reader, sink, nil, 10, testLogger())
	summary, err := svc.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, 3, sink.attempts["1"])
}

func TestRun_NonTransientWriteErrorFailsFast(t *testing.T) {
	reader := &fakeReader{users: sourceUsers(1)}
	sink := newFakeSink()
	sink.failWith["1"] = errors.New("document validation rejected")

	svc := NewMigrationService(reader, sink, nil, 10, testLogger())
	summary, err := svc.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, sink.attempts["1"], "non-transient errors must not be retried")
}

func TestRun_ExhaustedRetriesCountAsFailure(t *testing.T) {
	reader := &fakeReader{users: sourceUsers(1)}
	sink := newFakeSink()
	sink.transient["1"] = maxUpsertAttempts + 1

	svc := NewMigrationService(reader, sink, nil, 10, testLogger())
	summary, err := svc.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, maxUpsertAttempts, sink.attempts["1"])
}

func TestRun_FatalFetchErrorAborts(t *testing.T) {
	reader := &fakeReader{
		users:      sourceUsers(5),
		failOnCall: 2,
		err:        errors.New("connection refused"),
	}
	sink := newFakeSink()

	svc := NewMigrationService(reader, sink, nil, 2, testLogger())
	summary, err := svc.Run(context.Background())
	require.Error(t, err)
	assert.ErrorContains(t, err, "source fetch failed")

	// The first batch was already accounted for.
	assert.Equal(t, 2, summary.Processed)
	assert.Equal(t, summary.Processed, summary.Succeeded+summary.Failed)
}

func TestRun_CancellationUnwindsWithConsistentCounters(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	reader := &fakeReader{users: sourceUsers(3)}
	sink := newFakeSink()
	sink.onUpsert = func(doc models.UserDocument) {
		if doc.ID == "2" {
			cancel()
		}
	}

	svc := NewMigrationService(reader, sink, nil, 10, testLogger())
	summary, err := svc.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, 2, summary.Processed)
	assert.Equal(t, summary.Processed, summary.Succeeded+summary.Failed)
	assert.NotContains(t, sink.docs, "3")
}

func TestRun_Idempotence(t *testing.T) {
	reader := &fakeReader{users: sourceUsers(3)}
	sink := newFakeSink()

	first := NewMigrationService(reader, sink, nil, 2, testLogger())
	_, err := first.Run(context.Background())
	require.NoError(t, err)
	snapshot := make(map[string]models.UserDocument, len(sink.docs))
	for k, v := range sink.docs {
		snapshot[k] = v
	}

	second := NewMigrationService(&fakeReader{users: sourceUsers(3)}, sink, nil, 2, testLogger())
	_, err = second.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, snapshot, sink.docs, "re-running the migration must not change stored state")
}

func TestRun_PublishesBatchAndSummaryEvents(t *testing.T) {
	reader := &fakeReader{users: sourceUsers(3)}
	sink := newFakeSink()
	publisher := &fakePublisher{}

	svc := NewMigrationService(reader, sink, publisher, 2, testLogger())
	summary, err := svc.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, publisher.events, 3)
	assert.Equal(t, []string{
		"auth.migration.batch",
		"auth.migration.batch",
		"auth.migration.summary",
	}, publisher.keys)

	final := publisher.events[2]
	assert.Equal(t, models.StageSummary, final.Stage)
	assert.Equal(t, svc.RunID(), final.RunID)
	assert.Equal(t, summary.Processed, final.Processed)
	assert.Equal(t, summary.Succeeded, final.Succeeded)
	assert.Equal(t, summary.Failed, final.Failed)
}
