package locks

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"time"

	_ "github.com/lib/pq"
)

// AdvisoryLocker implements Locker with Postgres session advisory locks.
// Each lease pins one pooled connection, since the lock belongs to the
// session that took it.
type AdvisoryLocker struct {
	db           *sql.DB
	pollInterval time.Duration
}

// NewAdvisoryLocker creates an AdvisoryLocker over db.
func NewAdvisoryLocker(db *sql.DB) *AdvisoryLocker {
	return &AdvisoryLocker{db: db, pollInterval: DefaultPollInterval}
}

// OpenAdvisoryDB opens a database/sql handle using the lib/pq driver.
func OpenAdvisoryDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open advisory lock database: %w", err)
	}
	return db, nil
}

// AdvisoryKey derives the 64-bit lock id for key.
func AdvisoryKey(key string) int64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	return int64(h.Sum64())
}

// Acquire implements Locker.
func (l *AdvisoryLocker) Acquire(ctx context.Context, key string) (Lease, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection for lock %s: %w", key, err)
	}
	id := AdvisoryKey(key)
	err = poll(ctx, l.pollInterval, func() (bool, error) {
		var acquired bool
		if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", id).Scan(&acquired); err != nil {
			return false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		return acquired, nil
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &advisoryLease{conn: conn, id: id}, nil
}

type advisoryLease struct {
	conn *sql.Conn
	id   int64
}

func (l *advisoryLease) Release(ctx context.Context) error {
	defer l.conn.Close()
	var released bool
	if err := l.conn.QueryRowContext(ctx, "SELECT pg_advisory_unlock($1)", l.id).Scan(&released); err != nil {
		return fmt.Errorf("failed to release advisory lock: %w", err)
	}
	if !released {
		return ErrNotHeld
	}
	return nil
}
