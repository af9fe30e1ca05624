package durable

import (
	"context"
	"sync"
)

// fifoLock is a mutex that grants ownership in arrival order and lets
// waiters give up when their context ends.
//
// Ownership is handed directly from Unlock to the oldest waiter, so a
// newcomer can never barge ahead of a queued request.
type fifoLock struct {
	mu      sync.Mutex
	held    bool
	waiters []chan struct{}
}

// Lock blocks until the lock is acquired or ctx ends.
func (l *fifoLock) Lock(ctx context.Context) error {
	l.mu.Lock()
	if !l.held {
		l.held = true
		l.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	l.waiters = append(l.waiters, ch)
	l.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
	}

	l.mu.Lock()
	for i, w := range l.waiters {
		if w == ch {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			l.mu.Unlock()
			return ctx.Err()
		}
	}
	l.mu.Unlock()

	// Ownership was handed over while we were giving up; pass it on.
	l.Unlock()
	return ctx.Err()
}

// Unlock releases the lock to the oldest waiter, if any.
func (l *fifoLock) Unlock() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.waiters) > 0 {
		next := l.waiters[0]
		l.waiters[0] = nil
		l.waiters = l.waiters[1:]
		close(next)
		return
	}
	l.held = false
}

// queued returns the number of waiters.
func (l *fifoLock) queued() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.waiters)
}
