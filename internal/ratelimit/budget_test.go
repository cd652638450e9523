package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wallet-dashboard/internal/logging"
	"github.com/wallet-dashboard/internal/metrics"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func newTestBudget(t *testing.T, client redis.Cmdable, total, reserved int, clock *testClock) *Budget {
	t.Helper()
	b, err := NewBudget(&BudgetConfig{Redis: client, TotalBudget: total, ReservedBudget: reserved},
		WithClock(clock.Now), WithBudgetLogger(logging.NewNopLogger()))
	require.NoError(t, err)
	return b
}

func TestNewBudgetValidation(t *testing.T) {
	_, client := newTestRedis(t)

	tests := []struct {
		name   string
		cfg    *BudgetConfig
		errMsg string
	}{
		{name: "nil config", cfg: nil, errMsg: "configuration is required"},
		{name: "nil redis client", cfg: &BudgetConfig{}, errMsg: "redis client is required"},
		{name: "negative total", cfg: &BudgetConfig{Redis: client, TotalBudget: -1}, errMsg: "total budget cannot be negative"},
		{name: "negative reserved", cfg: &BudgetConfig{Redis: client, ReservedBudget: -1}, errMsg: "reserved budget cannot be negative"},
		{name: "reserved exceeds total", cfg: &BudgetConfig{Redis: client, TotalBudget: 2, ReservedBudget: 3}, errMsg: "reserved budget (3) leaves no room for background requests (total 2)"},
		{name: "reserved equals total", cfg: &BudgetConfig{Redis: client, TotalBudget: 3, ReservedBudget: 3}, errMsg: "reserved budget (3) leaves no room for background requests (total 3)"},
		{name: "reserved covers default total", cfg: &BudgetConfig{Redis: client, ReservedBudget: 5}, errMsg: "reserved budget (5) leaves no room for background requests (total 5)"},
		{name: "defaults", cfg: &BudgetConfig{Redis: client}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := NewBudget(tt.cfg)
			if tt.errMsg != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, DefaultTotalBudget, b.totalBudget)
			assert.Equal(t, DefaultTotalBudget-DefaultReservedBudget, b.sharedBudget)
			assert.Equal(t, DefaultWindowSize, b.windowSize)
		})
	}
}

func TestPriorityFromContext(t *testing.T) {
	assert.Equal(t, PriorityInteractive, PriorityFrom(context.Background()))
	ctx := WithPriority(context.Background(), PriorityBackground)
	assert.Equal(t, PriorityBackground, PriorityFrom(ctx))
	assert.Equal(t, "background", PriorityBackground.String())
	assert.Equal(t, "unknown", Priority(9).String())
}

func TestBackgroundCappedAtSharedPool(t *testing.T) {
	_, client := newTestRedis(t)
	clock := &testClock{now: time.Date(2026, 1, 1, 12, 0, 0, 100*int(time.Millisecond), time.UTC)}
	m := metrics.NewMetrics("budget_test")
	b, err := NewBudget(&BudgetConfig{Redis: client, TotalBudget: 5, ReservedBudget: 3},
		WithClock(clock.Now), WithBudgetMetrics(m), WithBudgetLogger(logging.NewNopLogger()))
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, _ := b.TryConsume(ctx, 1, PriorityBackground)
		require.True(t, ok, "background request %d", i)
	}
	ok, wait := b.TryConsume(ctx, 1, PriorityBackground)
	assert.False(t, ok, "shared pool spent")
	assert.Equal(t, 900*time.Millisecond+time.Millisecond, wait, "wait runs to the next window")

	for i := 0; i < 3; i++ {
		ok, _ := b.TryConsume(ctx, 1, PriorityInteractive)
		require.True(t, ok, "interactive request %d uses the reserve", i)
	}
	ok, _ = b.TryConsume(ctx, 1, PriorityInteractive)
	assert.False(t, ok, "total spent")

	usage, err := b.Usage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, usage.TotalUsed)
	assert.Equal(t, 3, usage.ReservedUsed)
	assert.Equal(t, 2, usage.SharedUsed)
	assert.True(t, usage.WindowStart.Equal(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)))

	clock.Advance(time.Second)
	ok, _ = b.TryConsume(ctx, 1, PriorityBackground)
	assert.True(t, ok, "new window resets the counters")
}

func TestInteractiveMayUseWholeTotal(t *testing.T) {
	_, client := newTestRedis(t)
	clock := &testClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	b := newTestBudget(t, client, 4, 1, clock)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		ok, _ := b.TryConsume(ctx, 1, PriorityInteractive)
		require.True(t, ok)
	}

	left, err := b.Available(ctx, PriorityBackground)
	require.NoError(t, err)
	assert.Equal(t, 0, left)

	ok, _ := b.TryConsume(ctx, 1, PriorityBackground)
	assert.False(t, ok, "interactive traffic also counts against the total")
}

func TestAvailable(t *testing.T) {
	_, client := newTestRedis(t)
	clock := &testClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	b := newTestBudget(t, client, 10, 6, clock)
	ctx := context.Background()

	left, err := b.Available(ctx, PriorityBackground)
	require.NoError(t, err)
	assert.Equal(t, 4, left)

	ok, _ := b.TryConsume(ctx, 3, PriorityBackground)
	require.True(t, ok)

	left, err = b.Available(ctx, PriorityBackground)
	require.NoError(t, err)
	assert.Equal(t, 1, left)

	left, err = b.Available(ctx, PriorityInteractive)
	require.NoError(t, err)
	assert.Equal(t, 7, left)
}

func TestTryConsumeSharedAcrossInstances(t *testing.T) {
	_, client := newTestRedis(t)
	clock := &testClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	first := newTestBudget(t, client, 20, 0, clock)
	second := newTestBudget(t, client, 20, 0, clock)

	var granted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		b := first
		if i%2 == 1 {
			b = second
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := b.TryConsume(context.Background(), 1, PriorityBackground); ok {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(20), granted.Load())
}

func TestKeysExpire(t *testing.T) {
	mr, client := newTestRedis(t)
	clock := &testClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	b := newTestBudget(t, client, 5, 0, clock)

	ok, _ := b.TryConsume(context.Background(), 1, PriorityBackground)
	require.True(t, ok)

	total, _, _ := b.keys(b.windowStart())
	require.True(t, mr.Exists(total))
	assert.Equal(t, 2*time.Second, mr.TTL(total))

	mr.FastForward(3 * time.Second)
	assert.False(t, mr.Exists(total))
}

func TestWaitBlocksUntilNextWindow(t *testing.T) {
	_, client := newTestRedis(t)
	b, err := NewBudget(&BudgetConfig{Redis: client, TotalBudget: 1, WindowSize: 50 * time.Millisecond},
		WithBudgetLogger(logging.NewNopLogger()))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, b.Wait(ctx))

	start := time.Now()
	require.NoError(t, b.Wait(ctx))
	assert.Less(t, time.Since(start), time.Second)

	t.Run("returns when the context ends", func(t *testing.T) {
		ok, _ := b.TryConsume(ctx, 1, PriorityInteractive)
		for ok {
			ok, _ = b.TryConsume(ctx, 1, PriorityInteractive)
		}
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		assert.ErrorIs(t, b.Wait(cctx), context.Canceled)
	})
}

func TestRedisOutageAllowsRequests(t *testing.T) {
	mr, client := newTestRedis(t)
	clock := &testClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	b := newTestBudget(t, client, 1, 0, clock)
	mr.Close()

	ok, _ := b.TryConsume(context.Background(), 1, PriorityBackground)
	assert.True(t, ok)

	_, err := b.Usage(context.Background())
	assert.Error(t, err)
}
