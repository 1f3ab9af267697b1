package models

import (
	"net/netip"
	"time"
)

// SourceUser represents a row in the PostgreSQL auth_user table.
// It is read-only input: nothing in this system ever writes it back.
type SourceUser struct {
	UserID           int64       `db:"user_id"`
	Email            string      `db:"email"`
	PasswordHash     string      `db:"password_hash"`
	Status           string      `db:"status"`
	CreatedAt        time.Time   `db:"created_at"`
	LastLoginAt      *time.Time  `db:"last_login_at"`
	LastLoginIP      *netip.Addr `db:"last_login_ip"`
	FailedLoginCount int         `db:"failed_login_count"`
	LockedUntil      *time.Time  `db:"locked_until"`
}

// UserDocument is the wire-level shape of a destination document.
// ID and UserID both carry the decimal string form of the source user_id:
// the partition key must be derivable from the identifier alone.
// Timestamps are ISO-8601 strings; absent timestamps are null, never omitted.
type UserDocument struct {
	ID               string  `json:"id"`
	UserID           string  `json:"userId"`
	Email            string  `json:"email"`
	PasswordHash     string  `json:"passwordHash"`
	Status           string  `json:"status"`
	CreatedAt        *string `json:"createdAt"`
	LastLoginAt      *string `json:"lastLoginAt"`
	LastLoginIP      *string `json:"lastLoginIp"`
	FailedLoginCount int     `json:"failedLoginCount"`
	LockedUntil      *string `json:"lockedUntil"`
}
