package lifecycle

import (
	"context"
	"sync"
)

// execLock serializes guest execution. Waiters acquire it in arrival
// order and may give up when their context ends.
type execLock struct {
	mu      sync.Mutex
	held    bool
	waiters []chan struct{}
}

// Lock acquires the lock or returns ctx.Err().
func (l *execLock) Lock(ctx context.Context) error {
	l.mu.Lock()
	if !l.held && len(l.waiters) == 0 {
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
		l.mu.Lock()
		for i, w := range l.waiters {
			if w == ch {
				l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
				l.mu.Unlock()
				return ctx.Err()
			}
		}
		l.mu.Unlock()
		// Ownership was handed over concurrently; pass it on.
		l.Unlock()
		return ctx.Err()
	}
}

// Unlock hands the lock to the oldest waiter, if any.
func (l *execLock) Unlock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.waiters) > 0 {
		next := l.waiters[0]
		l.waiters = l.waiters[1:]
		close(next)
		return
	}
	l.held = false
}
