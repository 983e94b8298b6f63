package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps the sliding log in the rate_limit_hits table. A
// transaction-scoped advisory lock on the key serialises concurrent takers
// across processes.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Take(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (TakeResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return TakeResult{}, fmt.Errorf("pg take %s: begin: %w", key, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
		return TakeResult{}, fmt.Errorf("pg take %s: lock: %w", key, err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM rate_limit_hits WHERE key=$1 AND at <= $2`, key, now.Add(-window)); err != nil {
		return TakeResult{}, fmt.Errorf("pg take %s: prune: %w", key, err)
	}

	var (
		count  int
		oldest *time.Time
	)
	if err := tx.QueryRow(ctx, `SELECT count(*), min(at) FROM rate_limit_hits WHERE key=$1`, key).Scan(&count, &oldest); err != nil {
		return TakeResult{}, fmt.Errorf("pg take %s: count: %w", key, err)
	}

	res := TakeResult{Count: count}
	if count < limit {
		if _, err := tx.Exec(ctx, `INSERT INTO rate_limit_hits (key, at) VALUES ($1, $2)`, key, now); err != nil {
			return TakeResult{}, fmt.Errorf("pg take %s: record: %w", key, err)
		}
		res.Allowed = true
		res.Count = count + 1
		if oldest == nil {
			oldest = &now
		}
	}
	if oldest != nil {
		res.Oldest = *oldest
	}

	if err := tx.Commit(ctx); err != nil {
		return TakeResult{}, fmt.Errorf("pg take %s: commit: %w", key, err)
	}
	return res, nil
}
