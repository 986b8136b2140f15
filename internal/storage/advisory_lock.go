package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AdvisoryLock holds a session-level postgres advisory lock. The lock is
// bound to one pinned connection, so the connection stays checked out of
// the pool until Release is called.
type AdvisoryLock struct {
	conn *pgxpool.Conn
	key  int64
}

// TryAdvisoryLock attempts to acquire the advisory lock identified by
// key without blocking. It returns (nil, nil) when another session
// already holds the lock.
func (db *PostgresDB) TryAdvisoryLock(ctx context.Context, key int64) (*AdvisoryLock, error) {
	conn, err := db.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection for advisory lock: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, fmt.Errorf("failed to try advisory lock %d: %w", key, err)
	}
	if !acquired {
		conn.Release()
		return nil, nil
	}

	return &AdvisoryLock{conn: conn, key: key}, nil
}

// Release unlocks and returns the pinned connection to the pool. Safe to
// call once; the context should not be the (possibly cancelled) work
// context so the unlock always reaches the server.
func (l *AdvisoryLock) Release(ctx context.Context) error {
	if l.conn == nil {
		return nil
	}
	defer func() {
		l.conn.Release()
		l.conn = nil
	}()

	if _, err := l.conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, l.key); err != nil {
		return fmt.Errorf("failed to release advisory lock %d: %w", l.key, err)
	}
	return nil
}
