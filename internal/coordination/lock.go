// Package coordination provides cluster-wide mutual exclusion backed by
// PostgreSQL advisory locks.
package coordination

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"time"
	"unicode/utf16"

	"github.com/jonesrussell/north-cloud/topic-monitor/internal/config"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/logger"
)

const releaseTimeout = 5 * time.Second

// ErrLockTimeout matches every *LockTimeoutError via errors.Is.
var ErrLockTimeout = errors.New("lock acquisition timed out")

// LockTimeoutError is returned when a lock could not be acquired in time.
type LockTimeoutError struct {
	Name    string
	Key     int64
	Timeout time.Duration
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("failed to acquire lock %q (key %d) within %s", e.Name, e.Key, e.Timeout)
}

// Is makes errors.Is(err, ErrLockTimeout) hold.
func (e *LockTimeoutError) Is(target error) bool {
	return target == ErrLockTimeout
}

// Locker runs fn while holding an exclusive named lock. The lock is released
// on every exit path before WithLock returns. A timeout <= 0 selects the
// implementation's default.
type Locker interface {
	WithLock(ctx context.Context, name string, timeout time.Duration, fn func(ctx context.Context) error) error
}

// LockKey maps a lock name to the advisory lock key: a 32-bit rolling hash
// (h = h*31 + c over UTF-16 code units) made non-negative.
func LockKey(name string) int64 {
	var h int32
	for _, c := range utf16.Encode([]rune(name)) {
		h = (h << 5) - h + int32(c)
	}
	k := int64(h)
	if k < 0 {
		k = -k
	}
	return k
}

// AdvisoryLocker implements Locker with session-level advisory locks. Each
// acquisition pins a dedicated connection because the lock belongs to the
// session that took it.
type AdvisoryLocker struct {
	db     *sql.DB
	cfg    config.LockConfig
	logger logger.Logger
}

// NewAdvisoryLocker creates an AdvisoryLocker.
func NewAdvisoryLocker(db *sql.DB, cfg config.LockConfig, log logger.Logger) *AdvisoryLocker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Mode == "" {
		cfg.Mode = config.LockModePoll
	}
	return &AdvisoryLocker{db: db, cfg: cfg, logger: log}
}

// WithLock implements Locker.
func (l *AdvisoryLocker) WithLock(
	ctx context.Context, name string, timeout time.Duration, fn func(ctx context.Context) error,
) error {
	if timeout <= 0 {
		timeout = l.cfg.Timeout
	}
	key := LockKey(name)

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("lock %s: get connection: %w", name, err)
	}

	start := time.Now()
	if acquireErr := l.acquire(ctx, conn, name, key, timeout); acquireErr != nil {
		if l.cfg.Mode == config.LockModeBlocking {
			// A cancelled pg_advisory_lock may still have been granted.
			discard(conn)
		} else {
			_ = conn.Close()
		}
		return acquireErr
	}

	l.logger.Debug("Lock acquired",
		logger.String("lock", name),
		logger.Int64("key", key),
		logger.Duration("waited", time.Since(start)),
	)

	defer l.release(conn, name, key)
	return fn(ctx)
}

func (l *AdvisoryLocker) acquire(ctx context.Context, conn *sql.Conn, name string, key int64, timeout time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	timedOut := func() error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &LockTimeoutError{Name: name, Key: key, Timeout: timeout}
	}

	if l.cfg.Mode == config.LockModeBlocking {
		if _, err := conn.ExecContext(waitCtx, `SELECT pg_advisory_lock($1)`, key); err != nil {
			if waitCtx.Err() != nil {
				return timedOut()
			}
			return fmt.Errorf("lock %s: %w", name, err)
		}
		return nil
	}

	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	for {
		var acquired bool
		if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&acquired); err != nil {
			return fmt.Errorf("lock %s: %w", name, err)
		}
		if acquired {
			return nil
		}

		select {
		case <-waitCtx.Done():
			return timedOut()
		case <-ticker.C:
		}
	}
}

// release never fails the caller; a connection whose unlock could not be
// confirmed is dropped so the session, and with it the lock, ends.
func (l *AdvisoryLocker) release(conn *sql.Conn, name string, key int64) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	var released bool
	err := conn.QueryRowContext(ctx, `SELECT pg_advisory_unlock($1)`, key).Scan(&released)
	if err != nil || !released {
		l.logger.Warn("Failed to release lock, discarding connection",
			logger.String("lock", name),
			logger.Int64("key", key),
			logger.Bool("released", released),
			logger.Any("error", err),
		)
		discard(conn)
		return
	}

	_ = conn.Close()
	l.logger.Debug("Lock released", logger.String("lock", name), logger.Int64("key", key))
}

func discard(conn *sql.Conn) {
	_ = conn.Raw(func(any) error { return driver.ErrBadConn })
	_ = conn.Close()
}

// ActiveLock is one advisory lock visible in pg_locks.
type ActiveLock struct {
	Key     int64 `json:"key"`
	PID     int   `json:"pid"`
	Granted bool  `json:"granted"`
}

// IsLocked reports whether any session currently holds the named lock.
func (l *AdvisoryLocker) IsLocked(ctx context.Context, name string) (bool, error) {
	var locked bool
	err := l.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pg_locks
			WHERE locktype = 'advisory' AND classid = 0 AND objid::bigint = $1 AND objsubid = 1 AND granted
		)`, LockKey(name)).Scan(&locked)
	if err != nil {
		return false, fmt.Errorf("check lock %s: %w", name, err)
	}
	return locked, nil
}

// ActiveLocks lists advisory locks across the cluster.
func (l *AdvisoryLocker) ActiveLocks(ctx context.Context) ([]ActiveLock, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT objid::bigint, pid, granted FROM pg_locks WHERE locktype = 'advisory' ORDER BY objid`)
	if err != nil {
		return nil, fmt.Errorf("list advisory locks: %w", err)
	}
	defer rows.Close()

	var locks []ActiveLock
	for rows.Next() {
		var lk ActiveLock
		if scanErr := rows.Scan(&lk.Key, &lk.PID, &lk.Granted); scanErr != nil {
			return nil, fmt.Errorf("scan advisory lock: %w", scanErr)
		}
		locks = append(locks, lk)
	}
	return locks, rows.Err()
}
