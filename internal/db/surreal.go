package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jkwon-dev/go-auth-migrate/internal/models"

	surrealdb "github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// userRecord is the stored shape of a destination document. SurrealDB owns
// the id field as a record id, so it is kept apart from the wire document
// and reattached on the way out.
type userRecord struct {
	ID               *surrealmodels.RecordID `json:"id,omitempty"`
	UserID           string                  `json:"userId"`
	Email            string                  `json:"email"`
	PasswordHash     string                  `json:"passwordHash"`
	Status           string                  `json:"status"`
	CreatedAt        *string                 `json:"createdAt"`
	LastLoginAt      *string                 `json:"lastLoginAt"`
	LastLoginIP      *string                 `json:"lastLoginIp"`
	FailedLoginCount int                     `json:"failedLoginCount"`
	LockedUntil      *string                 `json:"lockedUntil"`
}

// SurrealRepository is the destination document container: point upserts
// keyed by the user id, and an unbounded scan for reconciliation.
type SurrealRepository struct {
	db     *surrealdb.DB
	table  string
	logger *slog.Logger
}

func NewSurrealRepository(ctx context.Context, endpoint, namespace, database, table, user, pass string, logger *slog.Logger) (*SurrealRepository, error) {
	sdb, err := surrealdb.FromEndpointURLString(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to surrealdb: %w", err)
	}

	if err := sdb.Use(ctx, namespace, database); err != nil {
		_ = sdb.Close(ctx)
		return nil, fmt.Errorf("failed to select namespace %q database %q: %w", namespace, database, err)
	}

	// The client is constructed once per run and shared read-only after
	// this point, so the authentication handshake happens exactly once.
	if user != "" {
		if _, err := sdb.SignIn(ctx, &surrealdb.Auth{Username: user, Password: pass}); err != nil {
			_ = sdb.Close(ctx)
			return nil, fmt.Errorf("surrealdb sign-in failed: %w", err)
		}
	}

	logger.Info("Connected to SurrealDB", "namespace", namespace, "database", database, "table", table)

	return &SurrealRepository{db: sdb, table: table, logger: logger}, nil
}

// UpsertUser writes one document as a full replace-or-insert keyed by the
// document identifier. Re-applying the same document is a no-op beyond the
// final stored state, which is what makes restarts safe.
func (r *SurrealRepository) UpsertUser(ctx context.Context, doc models.UserDocument) error {
	rec := userRecord{
		UserID:           doc.UserID,
		Email:            doc.Email,
		PasswordHash:     doc.PasswordHash,
		Status:           doc.Status,
		CreatedAt:        doc.CreatedAt,
		LastLoginAt:      doc.LastLoginAt,
		LastLoginIP:      doc.LastLoginIP,
		FailedLoginCount: doc.FailedLoginCount,
		LockedUntil:      doc.LockedUntil,
	}

	_, err := surrealdb.Upsert[userRecord](ctx, r.db, surrealmodels.NewRecordID(r.table, doc.ID), rec)
	if err != nil {
		return fmt.Errorf("upsert of user %s failed: %w", doc.ID, err)
	}
	return nil
}

// FetchAllUsers materializes the entire container. Reconciliation re-derives
// ground truth from this scan, independent of anything the migration did.
func (r *SurrealRepository) FetchAllUsers(ctx context.Context) ([]models.UserDocument, error) {
	results, err := surrealdb.Query[[]userRecord](ctx, r.db, "SELECT * FROM type::table($tb)", map[string]any{
		"tb": r.table,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", r.table, err)
	}
	if results == nil || len(*results) == 0 {
		return nil, nil
	}

	records := (*results)[0].Result
	docs := make([]models.UserDocument, 0, len(records))
	for _, rec := range records {
		doc := models.UserDocument{
			UserID:           rec.UserID,
			Email:            rec.Email,
			PasswordHash:     rec.PasswordHash,
			Status:           rec.Status,
			CreatedAt:        rec.CreatedAt,
			LastLoginAt:      rec.LastLoginAt,
			LastLoginIP:      rec.LastLoginIP,
			FailedLoginCount: rec.FailedLoginCount,
			LockedUntil:      rec.LockedUntil,
		}
		if rec.ID != nil {
			doc.ID = fmt.Sprintf("%v", rec.ID.ID)
		}
		docs = append(docs, doc)
	}

	return docs, nil
}

// Close releases the websocket/HTTP connection.
func (r *SurrealRepository) Close(ctx context.Context) {
	r.logger.Info("Closing SurrealDB connection")
	if err := r.db.Close(ctx); err != nil {
		r.logger.Warn("SurrealDB close reported an error", "error", err)
	}
}
