package coordination

import (
	"context"
	"sync"
	"time"
)

// LocalLocker is an in-process Locker. It serializes goroutines within one
// process only and backs single-node runs and tests.
type LocalLocker struct {
	mu      sync.Mutex
	locks   map[string]chan struct{}
	timeout time.Duration
}

// NewLocalLocker creates a LocalLocker with the given default timeout.
func NewLocalLocker(defaultTimeout time.Duration) *LocalLocker {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &LocalLocker{locks: make(map[string]chan struct{}), timeout: defaultTimeout}
}

func (l *LocalLocker) slot(name string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.locks[name]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[name] = ch
	}
	return ch
}

// WithLock implements Locker.
func (l *LocalLocker) WithLock(ctx context.Context, name string, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		timeout = l.timeout
	}
	ch := l.slot(name)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return &LockTimeoutError{Name: name, Key: LockKey(name), Timeout: timeout}
	}
	defer func() { <-ch }()

	return fn(ctx)
}
