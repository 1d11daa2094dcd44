package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/serroba/ratelimit-go/internal/ratelimit"
)

// PostgresRateLimitStore is a PostgreSQL implementation of ratelimit.Store.
// The conditional upsert is a single statement, so the create/reset/increment
// transition is atomic across concurrent callers for the same identifier.
type PostgresRateLimitStore struct {
	pool *pgxpool.Pool
}

// NewPostgresRateLimitStore creates a new PostgreSQL-backed rate limit store.
func NewPostgresRateLimitStore(pool *pgxpool.Pool) *PostgresRateLimitStore {
	return &PostgresRateLimitStore{pool: pool}
}

func (p *PostgresRateLimitStore) GetActive(ctx context.Context, identifier string) (*ratelimit.Record, error) {
	query := `
		SELECT identifier, count, reset_time, created_at, updated_at
		FROM rate_limits
		WHERE identifier = $1 AND reset_time > now()
	`

	var record ratelimit.Record

	err := p.pool.QueryRow(ctx, query, identifier).Scan(
		&record.Identifier,
		&record.Count,
		&record.ResetTime,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ratelimit.ErrNoActiveWindow
		}

		return nil, fmt.Errorf("get active rate limit: %w", err)
	}

	return &record, nil
}

func (p *PostgresRateLimitStore) Upsert(
	ctx context.Context, identifier string, window time.Duration,
) (*ratelimit.Record, error) {
	// Expired rows are reset in place rather than incremented; the CASE arms
	// keep reset_time untouched while the window is still running.
	query := `
		INSERT INTO rate_limits (identifier, count, reset_time, created_at, updated_at)
		VALUES ($1, 1, now() + make_interval(secs => $2), now(), now())
		ON CONFLICT (identifier) DO UPDATE SET
			count = CASE
				WHEN rate_limits.reset_time <= now() THEN 1
				ELSE rate_limits.count + 1
			END,
			reset_time = CASE
				WHEN rate_limits.reset_time <= now() THEN now() + make_interval(secs => $2)
				ELSE rate_limits.reset_time
			END,
			updated_at = now()
		RETURNING identifier, count, reset_time, created_at, updated_at
	`

	var record ratelimit.Record

	err := p.pool.QueryRow(ctx, query, identifier, window.Seconds()).Scan(
		&record.Identifier,
		&record.Count,
		&record.ResetTime,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert rate limit: %w", err)
	}

	return &record, nil
}

func (p *PostgresRateLimitStore) DeleteExpired(ctx context.Context) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM rate_limits WHERE reset_time <= now()`)
	if err != nil {
		return 0, fmt.Errorf("delete expired rate limits: %w", err)
	}

	return tag.RowsAffected(), nil
}

// EnsureSchema provisions the rate_limits table and its reset_time index.
// It is idempotent and safe to run on every startup or standalone via
// cmd/migrate, so first use in a fresh environment does not fail.
func (p *PostgresRateLimitStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS rate_limits (
			identifier text PRIMARY KEY,
			count bigint NOT NULL CHECK (count >= 1),
			reset_time timestamptz NOT NULL,
			created_at timestamptz NOT NULL DEFAULT now(),
			updated_at timestamptz NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS rate_limits_reset_time_idx ON rate_limits (reset_time)`,
	}

	for _, statement := range statements {
		if _, err := p.pool.Exec(ctx, statement); err != nil {
			return fmt.Errorf("ensure rate_limits schema: %w", err)
		}
	}

	return nil
}

// Compile-time check.
var _ ratelimit.Store = (*PostgresRateLimitStore)(nil)
