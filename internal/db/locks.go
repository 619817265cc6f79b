package db

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// rowLocks is a table of exclusive row locks keyed by row identity. Each
// slot is a one-element semaphore so a wait can be abandoned on timeout.
type rowLocks struct {
	mu   sync.Mutex
	rows map[string]chan struct{}
}

func newRowLocks() *rowLocks {
	return &rowLocks{rows: make(map[string]chan struct{})}
}

func (l *rowLocks) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.rows[key]
	if !ok {
		s = make(chan struct{}, 1)
		l.rows[key] = s
	}
	return s
}

// lock blocks until the row is free, the timeout elapses or ctx is done.
// A zero timeout waits for as long as ctx allows.
func (l *rowLocks) lock(ctx context.Context, key string, timeout time.Duration) error {
	s := l.slot(key)
	select {
	case s <- struct{}{}:
		return nil
	default:
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case s <- struct{}{}:
		return nil
	case <-expired:
		return fmt.Errorf("%w: %s", ErrLockTimeout, key)
	case <-ctx.Done():
		return fmt.Errorf("waiting for %s: %w", key, ctx.Err())
	}
}

// tryLock takes the row only if nobody holds it
func (l *rowLocks) tryLock(key string) bool {
	select {
	case l.slot(key) <- struct{}{}:
		return true
	default:
		return false
	}
}

func (l *rowLocks) unlock(key string) {
	<-l.slot(key)
}

func orderLockKey(id int64) string {
	return fmt.Sprintf("order:%d", id)
}

func accountLockKey(userID int64) string {
	return fmt.Sprintf("account:%d", userID)
}

func holdingLockKey(k HoldingKey) string {
	return "holding:" + k.String()
}
