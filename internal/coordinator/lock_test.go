package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitForWaiters(t *testing.T, l *keyedLock, key int64, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return l.waiting(key) == n },
		2*time.Second, time.Millisecond, "expected %d waiters on %d", n, key)
}

func TestKeyedLock_FIFO(t *testing.T) {
	t.Parallel()

	l := newKeyedLock()
	ctx := context.Background()

	release, err := l.Acquire(ctx, 1)
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rel, err := l.Acquire(ctx, 1)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			rel()
		}(i)
		waitForWaiters(t, l, 1, i+1)
	}

	release()
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
	assert.Zero(t, l.size(), "idle entries should be dropped")
}

func TestKeyedLock_IndependentKeys(t *testing.T) {
	t.Parallel()

	l := newKeyedLock()
	ctx := context.Background()

	releaseA, err := l.Acquire(ctx, 1)
	require.NoError(t, err)
	defer releaseA()

	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	releaseB, err := l.Acquire(ctx, 2)
	require.NoError(t, err, "a different key must not contend")
	releaseB()
}

func TestKeyedLock_CancelWhileWaiting(t *testing.T) {
	t.Parallel()

	l := newKeyedLock()
	release, err := l.Acquire(context.Background(), 7)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := l.Acquire(ctx, 7)
		done <- err
	}()
	waitForWaiters(t, l, 7, 1)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Zero(t, l.waiting(7))

	// The holder is unaffected and the next caller still gets the lock.
	release()
	rel, err := l.Acquire(context.Background(), 7)
	require.NoError(t, err)
	rel()
	assert.Zero(t, l.size())
}

func TestKeyedLock_AlreadyCanceled(t *testing.T) {
	t.Parallel()

	l := newKeyedLock()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := l.Acquire(ctx, 1)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, l.size())
}

func TestKeyedLock_ReleaseIdempotent(t *testing.T) {
	t.Parallel()

	l := newKeyedLock()
	ctx := context.Background()

	release, err := l.Acquire(ctx, 1)
	require.NoError(t, err)

	next := make(chan func(), 1)
	go func() {
		rel, err := l.Acquire(ctx, 1)
		if assert.NoError(t, err) {
			next <- rel
		}
	}()
	waitForWaiters(t, l, 1, 1)

	release()
	release()

	rel := <-next
	// A third caller must still wait: the double release did not free the lock.
	third := make(chan struct{})
	go func() {
		r, err := l.Acquire(ctx, 1)
		if assert.NoError(t, err) {
			r()
		}
		close(third)
	}()
	waitForWaiters(t, l, 1, 1)
	rel()
	<-third
	assert.Zero(t, l.size())
}
