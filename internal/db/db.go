// Package db provides the optional PostgreSQL pool used to coordinate uploads
// between streamsync replicas.
package db

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// AdvisoryLocker implements queue.Locker with session-level advisory locks.
// Each held lock pins one pooled connection until it is released.
type AdvisoryLocker struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewAdvisoryLocker wraps pool.
func NewAdvisoryLocker(log *slog.Logger, pool *pgxpool.Pool) *AdvisoryLocker {
	if log == nil {
		log = slog.Default()
	}
	return &AdvisoryLocker{pool: pool, logger: log.With(slog.String("service", "advisory_lock"))}
}

// TryLock takes the advisory lock for key without waiting.
func (l *AdvisoryLocker) TryLock(ctx context.Context, key string) (func(), bool, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}
	lockID := LockID(key)

	var ok bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", lockID).Scan(&ok); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !ok {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		// The upload context may already be cancelled here.
		if _, err := conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", lockID); err != nil {
			l.logger.Warn("advisory unlock failed", slog.String("key", key), slog.Any("error", err))
			// Closing the connection drops any session lock it still holds.
			_ = conn.Conn().Close(context.Background())
		}
		conn.Release()
	}
	return unlock, true, nil
}

// LockID maps an asset key to the bigint advisory lock space.
func LockID(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("streamsync:" + key))
	return int64(h.Sum64())
}
