package service

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strconv"
	"time"

	"github.com/jkwon-dev/go-auth-migrate/internal/models"
	"github.com/jkwon-dev/go-auth-migrate/pkg/metrics"
)

// timestampTolerance absorbs serialization precision loss: sub-second
// fractions are dropped when timestamps are rendered as ISO-8601.
const timestampTolerance = time.Second

// DocumentScanner defines the unbounded read contract over the destination
// container.
type DocumentScanner interface {
	FetchAllUsers(ctx context.Context) ([]models.UserDocument, error)
}

// FieldDiff records one field-level discrepancy between a source row and its
// destination document. DiffSeconds carries the magnitude for timestamp
// fields that drifted beyond tolerance.
type FieldDiff struct {
	Field       string  `json:"field"`
	Source      any     `json:"source"`
	Destination any     `json:"destination"`
	DiffSeconds float64 `json:"diff_seconds,omitempty"`
}

// Report is the result of one reconciliation pass. Keys are the canonical
// decimal string form of user_id on both sides.
type Report struct {
	SourceCount      int
	DestinationCount int
	Matched          int
	Missing          []string
	Extra            []string
	Mismatched       map[string][]FieldDiff
}

// IsValid reports whether the two stores hold the same dataset.
func (r *Report) IsValid() bool {
	return len(r.Missing) == 0 && len(r.Extra) == 0 && len(r.Mismatched) == 0
}

// ReconciliationService independently re-derives ground truth from both
// stores and computes the three-way diff. It shares no state with the
// migration: both datasets are materialized fresh on every run.
type ReconciliationService struct {
	reader    SourceReader
	scanner   DocumentScanner
	batchSize int
	logger    *slog.Logger
}

func NewReconciliationService(r SourceReader, scanner DocumentScanner, batchSize int, logger *slog.Logger) *ReconciliationService {
	return &ReconciliationService{
		reader:    r,
		scanner:   scanner,
		batchSize: batchSize,
		logger:    logger,
	}
}

// Validate materializes both stores and compares them key by key. Store
// errors abort the run; discrepancies never do.
func (s *ReconciliationService) Validate(ctx context.Context) (*Report, error) {
	sourceUsers, err := s.fetchAllSourceUsers(ctx)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Materialized source store", "count", len(sourceUsers))

	docs, err := s.scanner.FetchAllUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("destination scan failed: %w", err)
	}
	destUsers := make(map[string]models.UserDocument, len(docs))
	for _, doc := range docs {
		destUsers[doc.UserID] = doc
	}
	s.logger.Info("Materialized destination store", "count", len(destUsers))

	report := &Report{
		SourceCount:      len(sourceUsers),
		DestinationCount: len(destUsers),
		Mismatched:       make(map[string][]FieldDiff),
	}

	sourceKeys := make([]string, 0, len(sourceUsers))
	for key := range sourceUsers {
		sourceKeys = append(sourceKeys, key)
	}
	slices.Sort(sourceKeys)

	for _, key := range sourceKeys {
		u := sourceUsers[key]
		doc, ok := destUsers[key]
		if !ok {
			report.Missing = append(report.Missing, key)
			s.logger.Warn("Missing in destination", "user_id", key, "email", u.Email)
			continue
		}

		diffs := compareUser(u, doc)
		if len(diffs) > 0 {
			report.Mismatched[key] = diffs
			s.logger.Warn("Data mismatch", "user_id", key, "email", u.Email)
			for _, d := range diffs {
				s.logger.Warn("Field discrepancy",
					"user_id", key,
					"field", d.Field,
					"source", d.Source,
					"destination", d.Destination,
				)
			}
			continue
		}

		report.Matched++
	}

	for key := range destUsers {
		if _, ok := sourceUsers[key]; !ok {
			report.Extra = append(report.Extra, key)
			s.logger.Warn("Extra in destination", "user_id", key)
		}
	}
	slices.Sort(report.Extra)

	metrics.StoreUsers.WithLabelValues("source").Set(float64(report.SourceCount))
	metrics.StoreUsers.WithLabelValues("destination").Set(float64(report.DestinationCount))
	metrics.Discrepancies.WithLabelValues("missing").Set(float64(len(report.Missing)))
	metrics.Discrepancies.WithLabelValues("extra").Set(float64(len(report.Extra)))
	metrics.Discrepancies.WithLabelValues("mismatched").Set(float64(len(report.Mismatched)))

	return report, nil
}

// fetchAllSourceUsers walks the same keyset-paginated reader the migration
// uses, looped to exhaustion, keyed by canonical string id.
func (s *ReconciliationService) fetchAllSourceUsers(ctx context.Context) (map[string]models.SourceUser, error) {
	users := make(map[string]models.SourceUser)
	var afterID *int64

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		batch, err := s.reader.FetchUsersBatch(ctx, afterID, s.batchSize)
		if err != nil {
			return nil, fmt.Errorf("source fetch failed: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		for _, u := range batch {
			users[strconv.FormatInt(u.UserID, 10)] = u
		}

		last := batch[len(batch)-1].UserID
		afterID = &last

		if len(batch) < s.batchSize {
			break
		}
	}

	return users, nil
}

// compareUser runs the field comparison policy for one key present in both
// stores. An empty result means the record matched.
func compareUser(u models.SourceUser, doc models.UserDocument) []FieldDiff {
	var diffs []FieldDiff

	id := strconv.FormatInt(u.UserID, 10)
	if doc.UserID != id {
		diffs = append(diffs, FieldDiff{Field: "user_id", Source: id, Destination: doc.UserID})
	}
	if doc.Email != u.Email {
		diffs = append(diffs, FieldDiff{Field: "email", Source: u.Email, Destination: doc.Email})
	}
	if doc.PasswordHash != u.PasswordHash {
		diffs = append(diffs, FieldDiff{Field: "password_hash", Source: u.PasswordHash, Destination: doc.PasswordHash})
	}
	if doc.Status != u.Status {
		diffs = append(diffs, FieldDiff{Field: "status", Source: u.Status, Destination: doc.Status})
	}
	if doc.FailedLoginCount != u.FailedLoginCount {
		diffs = append(diffs, FieldDiff{Field: "failed_login_count", Source: u.FailedLoginCount, Destination: doc.FailedLoginCount})
	}

	createdAt := u.CreatedAt
	if d := compareTimestamp("created_at", &createdAt, doc.CreatedAt); d != nil {
		diffs = append(diffs, *d)
	}
	if d := compareTimestamp("last_login_at", u.LastLoginAt, doc.LastLoginAt); d != nil {
		diffs = append(diffs, *d)
	}
	if d := compareTimestamp("locked_until", u.LockedUntil, doc.LockedUntil); d != nil {
		diffs = append(diffs, *d)
	}

	// Both sides coerced to canonical string form, null-preserving.
	var sourceIP *string
	if u.LastLoginIP != nil {
		s := u.LastLoginIP.String()
		sourceIP = &s
	}
	if !equalStringPtr(sourceIP, doc.LastLoginIP) {
		diffs = append(diffs, FieldDiff{
			Field:       "last_login_ip",
			Source:      render(sourceIP),
			Destination: render(doc.LastLoginIP),
		})
	}

	return diffs
}

// compareTimestamp normalizes both representations to an absolute instant.
// null/null matches, null/non-null is a discrepancy, and otherwise only a
// drift beyond tolerance counts, with the magnitude reported in seconds.
func compareTimestamp(field string, src *time.Time, dst *string) *FieldDiff {
	if src == nil && dst == nil {
		return nil
	}
	if src == nil || dst == nil {
		return &FieldDiff{Field: field, Source: renderTime(src), Destination: render(dst)}
	}

	parsed, err := time.Parse(time.RFC3339, *dst)
	if err != nil {
		return &FieldDiff{Field: field, Source: renderTime(src), Destination: *dst}
	}

	delta := math.Abs(src.Sub(parsed).Seconds())
	if delta > timestampTolerance.Seconds() {
		return &FieldDiff{
			Field:       field,
			Source:      src.UTC().Format(time.RFC3339),
			Destination: *dst,
			DiffSeconds: delta,
		}
	}

	return nil
}

func equalStringPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func render(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func renderTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
