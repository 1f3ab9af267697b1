package mapper

import (
	"fmt"
	"strconv"
	"time"

	"github.com/jkwon-dev/go-auth-migrate/internal/models"
)

// TransformError reports a source field that could not be coerced into the
// destination document shape. It counts as a per-record failure and never
// aborts the batch.
type TransformError struct {
	UserID int64
	Field  string
	Reason string
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("cannot transform user %d: field %q: %s", e.UserID, e.Field, e.Reason)
}

// TransformUser maps one auth_user row to its destination document. It is
// pure: no I/O, and the only failure path is malformed input.
//
// The source primary key populates both the document id and the userId
// partition key, so a point read needs nothing beyond the identifier.
// Timestamps are rendered as ISO-8601 in UTC; nil stays nil.
func TransformUser(u models.SourceUser) (models.UserDocument, error) {
	if u.UserID <= 0 {
		return models.UserDocument{}, &TransformError{
			UserID: u.UserID,
			Field:  "user_id",
			Reason: fmt.Sprintf("non-positive key %d", u.UserID),
		}
	}
	if u.FailedLoginCount < 0 {
		return models.UserDocument{}, &TransformError{
			UserID: u.UserID,
			Field:  "failed_login_count",
			Reason: fmt.Sprintf("negative counter %d", u.FailedLoginCount),
		}
	}

	var lastLoginIP *string
	if u.LastLoginIP != nil {
		if !u.LastLoginIP.IsValid() {
			return models.UserDocument{}, &TransformError{
				UserID: u.UserID,
				Field:  "last_login_ip",
				Reason: "address is not a valid IP",
			}
		}
		s := u.LastLoginIP.String()
		lastLoginIP = &s
	}

	id := strconv.FormatInt(u.UserID, 10)

	return models.UserDocument{
		ID:               id,
		UserID:           id,
		Email:            u.Email,
		PasswordHash:     u.PasswordHash,
		Status:           u.Status,
		CreatedAt:        isoTime(&u.CreatedAt),
		LastLoginAt:      isoTime(u.LastLoginAt),
		LastLoginIP:      lastLoginIP,
		FailedLoginCount: u.FailedLoginCount,
		LockedUntil:      isoTime(u.LockedUntil),
	}, nil
}

// isoTime renders a timestamp as ISO-8601 in UTC. Sources without a zone are
// already read as UTC by the driver.
func isoTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}
