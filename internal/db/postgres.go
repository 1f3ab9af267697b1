package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jkwon-dev/go-auth-migrate/internal/models"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository reads the auth_user table. It is the only component
// that touches the source store, and it never writes to it.
type PostgresRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewPostgresRepository(ctx context.Context, connString string, logger *slog.Logger) (*PostgresRepository, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}

	p, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("postgres is not responding: %w", err)
	}

	logger.Info("Connected to PostgreSQL")

	return &PostgresRepository{pool: p, logger: logger}, nil
}

// FetchUsersBatch returns up to limit users ordered by user_id, starting
// strictly after afterID (from the beginning when afterID is nil). The
// ascending key order is what makes the pagination exact: a result shorter
// than limit means the table is exhausted.
func (r *PostgresRepository) FetchUsersBatch(ctx context.Context, afterID *int64, limit int) ([]models.SourceUser, error) {
	const baseQuery = `
        SELECT user_id, email, password_hash, status,
               created_at, last_login_at, last_login_ip,
               failed_login_count, locked_until
        FROM auth_user
    `

	var (
		query string
		args  []any
	)
	if afterID != nil {
		query = baseQuery + ` WHERE user_id > $1 ORDER BY user_id LIMIT $2`
		args = []any{*afterID, limit}
	} else {
		query = baseQuery + ` ORDER BY user_id LIMIT $1`
		args = []any{limit}
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query auth_user: %w", err)
	}
	defer rows.Close()

	var users []models.SourceUser
	for rows.Next() {
		var u models.SourceUser
		err := rows.Scan(
			&u.UserID,
			&u.Email,
			&u.PasswordHash,
			&u.Status,
			&u.CreatedAt,
			&u.LastLoginAt,
			&u.LastLoginIP,
			&u.FailedLoginCount,
			&u.LockedUntil,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan auth_user row: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("auth_user cursor failed: %w", err)
	}

	return users, nil
}

// Close releases the pool. Safe to call on every exit path.
func (r *PostgresRepository) Close() {
	r.logger.Info("Closing PostgreSQL connection pool")
	r.pool.Close()
}
