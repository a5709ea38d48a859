package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxstack/api-gateway/internal/domain"
	gwerrors "github.com/voxstack/api-gateway/internal/errors"
	"github.com/voxstack/api-gateway/pkg/logger"
)

func newTestLimiter(config Config) *Limiter {
	return New(config, logger.Discard())
}

func TestAcquireWithinBudget(t *testing.T) {
	l := newTestLimiter(Config{MaxRequests: 3, Window: time.Minute, QueueSize: 2, QueueTimeout: time.Second})

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Acquire(context.Background(), "client"))
	}

	st := l.Status("client")
	assert.Equal(t, 3, st.Count)
	assert.Equal(t, 0, st.Remaining)
}

func TestQueueSizeZeroDisablesQueuing(t *testing.T) {
	zero := FromDomain(&domain.RateLimitConfig{MaxRequests: 5, Window: time.Minute, QueueSize: 0})
	assert.Equal(t, 0, zero.QueueSize)

	unset := FromDomain(&domain.RateLimitConfig{MaxRequests: 5, Window: time.Minute, QueueSize: -1})
	assert.Equal(t, DefaultConfig().QueueSize, unset.QueueSize)
}

func TestKeysAreIndependent(t *testing.T) {
	l := newTestLimiter(Config{MaxRequests: 1, Window: time.Minute, QueueSize: 0, QueueTimeout: time.Second})

	require.NoError(t, l.Acquire(context.Background(), "a"))
	require.NoError(t, l.Acquire(context.Background(), "b"))

	err := l.Acquire(context.Background(), "a")
	assert.True(t, gwerrors.IsCode(err, gwerrors.ErrCodeRateLimited))
}

func TestQueueFullRejectsImmediately(t *testing.T) {
	l := newTestLimiter(Config{MaxRequests: 1, Window: time.Minute, QueueSize: 1, QueueTimeout: 500 * time.Millisecond})

	require.NoError(t, l.Acquire(context.Background(), "client"))

	// Fills the single queue slot.
	queued := make(chan error, 1)
	go func() { queued <- l.Acquire(context.Background(), "client") }()

	require.Eventually(t, func() bool {
		return l.Status("client").Queued == 1
	}, time.Second, 5*time.Millisecond)

	start := time.Now()
	err := l.Acquire(context.Background(), "client")
	assert.True(t, gwerrors.IsCode(err, gwerrors.ErrCodeRateLimited))
	assert.Less(t, time.Since(start), 100*time.Millisecond, "queue-full rejection must not wait")

	err = <-queued
	assert.True(t, gwerrors.IsCode(err, gwerrors.ErrCodeQueueTimeout))
}

func TestQueuedRequestAdmittedOnWindowReset(t *testing.T) {
	l := newTestLimiter(Config{MaxRequests: 1, Window: 100 * time.Millisecond, QueueSize: 2, QueueTimeout: time.Second})

	require.NoError(t, l.Acquire(context.Background(), "client"))

	start := time.Now()
	err := l.Acquire(context.Background(), "client")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond, "queued request waits for the window")
}

func TestDrainIsFIFO(t *testing.T) {
	l := newTestLimiter(Config{MaxRequests: 2, Window: 100 * time.Millisecond, QueueSize: 4, QueueTimeout: 2 * time.Second})

	require.NoError(t, l.Acquire(context.Background(), "client"))
	require.NoError(t, l.Acquire(context.Background(), "client"))

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 1; i <= 3; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Acquire(context.Background(), "client"); err == nil {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
			}
		}()
		// Stagger so queue order matches goroutine index.
		require.Eventually(t, func() bool {
			return l.Status("client").Queued == i
		}, time.Second, time.Millisecond)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 3)
	// First window reset admits waiters 1 and 2, the next admits 3.
	assert.ElementsMatch(t, []int{1, 2}, order[:2])
	assert.Equal(t, 3, order[2])
}

func TestQueueTimeout(t *testing.T) {
	l := newTestLimiter(Config{MaxRequests: 1, Window: time.Minute, QueueSize: 2, QueueTimeout: 50 * time.Millisecond})

	require.NoError(t, l.Acquire(context.Background(), "client"))

	start := time.Now()
	err := l.Acquire(context.Background(), "client")
	assert.True(t, gwerrors.IsCode(err, gwerrors.ErrCodeQueueTimeout))
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	assert.Equal(t, 0, l.Status("client").Queued)
}

func TestContextCancellationAbandonsWaiter(t *testing.T) {
	l := newTestLimiter(Config{MaxRequests: 1, Window: time.Minute, QueueSize: 2, QueueTimeout: time.Minute})

	require.NoError(t, l.Acquire(context.Background(), "client"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Acquire(ctx, "client") }()

	require.Eventually(t, func() bool {
		return l.Status("client").Queued == 1
	}, time.Second, time.Millisecond)

	cancel()
	err := <-done
	assert.ErrorIs(t, err, context.Canceled)

	assert.Eventually(t, func() bool {
		return l.Status("client").Queued == 0
	}, time.Second, time.Millisecond)
}

func TestWindowResetRestoresBudget(t *testing.T) {
	l := newTestLimiter(Config{MaxRequests: 2, Window: 50 * time.Millisecond, QueueSize: 0, QueueTimeout: time.Second})

	require.NoError(t, l.Acquire(context.Background(), "client"))
	require.NoError(t, l.Acquire(context.Background(), "client"))
	require.Error(t, l.Acquire(context.Background(), "client"))

	time.Sleep(60 * time.Millisecond)
	assert.NoError(t, l.Acquire(context.Background(), "client"))
}

func TestStatsAndKeyStats(t *testing.T) {
	l := newTestLimiter(Config{MaxRequests: 1, Window: time.Minute, QueueSize: 0, QueueTimeout: time.Second})

	require.NoError(t, l.Acquire(context.Background(), "client"))
	require.Error(t, l.Acquire(context.Background(), "client"))

	stats, ok := l.KeyStatsFor("client")
	require.True(t, ok)
	assert.Equal(t, int64(2), stats.Requests)
	assert.Equal(t, int64(1), stats.Rejected)

	totals := l.Stats()
	assert.Equal(t, int64(2), totals["total_requests"])
	assert.Equal(t, int64(1), totals["total_rejected"])

	_, ok = l.KeyStatsFor("unseen")
	assert.False(t, ok)
}

func TestJanitorSweepsIdleEntries(t *testing.T) {
	l := newTestLimiter(Config{MaxRequests: 5, Window: 10 * time.Millisecond, QueueSize: 0, QueueTimeout: time.Second})
	defer l.Stop()

	require.NoError(t, l.Acquire(context.Background(), "client"))
	l.StartJanitor(10*time.Millisecond, 20*time.Millisecond)

	assert.Eventually(t, func() bool {
		return l.Stats()["active_keys"] == 0
	}, time.Second, 10*time.Millisecond)
}
