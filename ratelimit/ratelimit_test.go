package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/yurpc/xerrors"
)

func newLimiter(t *testing.T, clock clockwork.Clock) *standaloneLimiter {
	t.Helper()
	l, err := New(&Config{CleanupInterval: time.Second, IdleTimeout: 5 * time.Second}, WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l.(*standaloneLimiter)
}

func TestAllowBurstAndRefill(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := newLimiter(t, clock)
	ctx := context.Background()
	limit := Limit{Rate: 10, Burst: 3}

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "UserService:1.0.getUser", limit)
		require.NoError(t, err)
		assert.True(t, ok, "request %d within burst", i)
	}
	ok, err := l.Allow(ctx, "UserService:1.0.getUser", limit)
	require.NoError(t, err)
	assert.False(t, ok)

	// 100ms 补充一个令牌
	clock.Advance(100 * time.Millisecond)
	ok, err = l.Allow(ctx, "UserService:1.0.getUser", limit)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = l.Allow(ctx, "UserService:1.0.getUser", limit)
	assert.False(t, ok)
}

func TestKeysAreIndependent(t *testing.T) {
	l := newLimiter(t, clockwork.NewFakeClock())
	ctx := context.Background()
	limit := Limit{Rate: 1, Burst: 1}

	ok, _ := l.Allow(ctx, "a", limit)
	assert.True(t, ok)
	ok, _ = l.Allow(ctx, "a", limit)
	assert.False(t, ok)
	ok, _ = l.Allow(ctx, "b", limit)
	assert.True(t, ok)
}

func TestAllowN(t *testing.T) {
	l := newLimiter(t, clockwork.NewFakeClock())
	ctx := context.Background()
	limit := Limit{Rate: 1, Burst: 5}

	ok, err := l.AllowN(ctx, "k", limit, 5)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = l.AllowN(ctx, "k", limit, 1)
	assert.False(t, ok)

	_, err = l.AllowN(ctx, "k", limit, 0)
	assert.ErrorIs(t, err, xerrors.ErrInvalidInput)
}

func TestInvalidInput(t *testing.T) {
	l := newLimiter(t, clockwork.NewFakeClock())
	ctx := context.Background()

	_, err := l.Allow(ctx, "", Limit{Rate: 1, Burst: 1})
	assert.ErrorIs(t, err, ErrKeyEmpty)
	_, err = l.Allow(ctx, "k", Limit{Rate: 0, Burst: 1})
	assert.ErrorIs(t, err, ErrInvalidLimit)
	_, err = l.Allow(ctx, "k", Limit{Rate: 1, Burst: 0})
	assert.ErrorIs(t, err, xerrors.ErrInvalidInput)
}

func TestConcurrentAllow(t *testing.T) {
	l := newLimiter(t, clockwork.NewFakeClock())
	limit := Limit{Rate: 1, Burst: 50}

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := l.Allow(context.Background(), "k", limit); ok {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 50, admitted.Load())
}

func TestSweepIdleLimiters(t *testing.T) {
	clock := clockwork.NewFakeClock()
	// 后台清理周期足够长，只验证手动 sweep
	li, err := New(&Config{CleanupInterval: time.Hour, IdleTimeout: 5 * time.Second}, WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() { _ = li.Close() })
	l := li.(*standaloneLimiter)
	ctx := context.Background()

	_, _ = l.Allow(ctx, "idle", Limit{Rate: 1, Burst: 1})
	clock.Advance(3 * time.Second)
	_, _ = l.Allow(ctx, "busy", Limit{Rate: 1, Burst: 1})
	clock.Advance(3 * time.Second)

	assert.Equal(t, 1, l.sweep(clock.Now()))
	count := 0
	l.limiters.Range(func(any, any) bool {
		count++
		return true
	})
	assert.Equal(t, 1, count)
}

func TestCloseIdempotent(t *testing.T) {
	l, err := New(nil)
	require.NoError(t, err)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
}
