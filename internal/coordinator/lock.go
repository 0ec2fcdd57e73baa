package coordinator

import (
	"context"
	"sync"
)

// keyedLock is a table of FIFO mutexes keyed by project id. Entries are
// reference counted and dropped once nobody holds or waits for them.
type keyedLock struct {
	mu      sync.Mutex
	entries map[int64]*lockEntry
}

type lockEntry struct {
	held    bool
	refs    int
	waiters []chan struct{}
}

func newKeyedLock() *keyedLock {
	return &keyedLock{entries: make(map[int64]*lockEntry)}
}

// Acquire blocks until the lock for key is held or ctx is done. Waiters are
// granted the lock in arrival order. The returned release func is idempotent.
func (l *keyedLock) Acquire(ctx context.Context, key int64) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &lockEntry{}
		l.entries[key] = e
	}
	e.refs++

	if !e.held {
		e.held = true
		l.mu.Unlock()
		return l.releaser(key), nil
	}

	ch := make(chan struct{})
	e.waiters = append(e.waiters, ch)
	l.mu.Unlock()

	select {
	case <-ch:
		return l.releaser(key), nil
	case <-ctx.Done():
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for i, w := range e.waiters {
		if w == ch {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			l.dropRef(key, e)
			return nil, ctx.Err()
		}
	}

	// The lock was handed to us while we were giving up; pass it on.
	l.unlockLocked(key, e)
	return nil, ctx.Err()
}

func (l *keyedLock) releaser(key int64) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.unlockLocked(key, l.entries[key])
		})
	}
}

// unlockLocked hands the lock to the oldest waiter or marks it free.
// l.mu must be held.
func (l *keyedLock) unlockLocked(key int64, e *lockEntry) {
	if len(e.waiters) > 0 {
		next := e.waiters[0]
		e.waiters = e.waiters[1:]
		close(next)
	} else {
		e.held = false
	}
	l.dropRef(key, e)
}

func (l *keyedLock) dropRef(key int64, e *lockEntry) {
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

// waiting reports how many callers are queued behind the holder of key.
func (l *keyedLock) waiting(key int64) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[key]; ok {
		return len(e.waiters)
	}
	return 0
}

func (l *keyedLock) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
