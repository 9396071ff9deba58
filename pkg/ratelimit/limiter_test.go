package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(policy Policy) (*Limiter, *fakeClock) {
	clk := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return New(NewMemoryStore(), policy).WithClock(clk.Now), clk
}

func TestCanEvaluate_Cooldown(t *testing.T) {
	ctx := context.Background()
	l, clk := newTestLimiter(Policy{Cooldown: 30 * time.Minute, MaxCasesPerDay: 3})

	assert.True(t, l.CanEvaluate(ctx, "agent"), "first evaluation is allowed")
	assert.False(t, l.CanEvaluate(ctx, "agent"), "second call inside cooldown is denied")

	clk.Advance(29 * time.Minute)
	assert.False(t, l.CanEvaluate(ctx, "agent"))

	clk.Advance(time.Minute)
	assert.True(t, l.CanEvaluate(ctx, "agent"), "allowed once the cooldown has elapsed")
}

func TestCanEvaluate_PerIdentity(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLimiter(Policy{Cooldown: time.Hour, MaxCasesPerDay: 3})

	assert.True(t, l.CanEvaluate(ctx, "a"))
	assert.True(t, l.CanEvaluate(ctx, "b"))
	assert.False(t, l.CanEvaluate(ctx, "a"))
}

func TestCanEvaluate_ConcurrentCallsClaimOneSlot(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLimiter(Policy{Cooldown: time.Hour, MaxCasesPerDay: 3})

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.CanEvaluate(ctx, "agent") {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), allowed.Load())
}

func TestCanFile_DailyCap(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLimiter(Policy{Cooldown: time.Minute, MaxCasesPerDay: 2})

	for i := 0; i < 2; i++ {
		require.True(t, l.CanFile(ctx, "agent"))
		require.NoError(t, l.RecordCase(ctx, "agent"))
	}
	assert.False(t, l.CanFile(ctx, "agent"), "cap reached")

	n, err := l.CasesToday(ctx, "agent")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestCasesToday_ResetsOnDayRollover(t *testing.T) {
	ctx := context.Background()
	l, clk := newTestLimiter(Policy{Cooldown: time.Minute, MaxCasesPerDay: 1})

	require.NoError(t, l.RecordCase(ctx, "agent"))
	assert.False(t, l.CanFile(ctx, "agent"))

	clk.Advance(12 * time.Hour)
	n, err := l.CasesToday(ctx, "agent")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.True(t, l.CanFile(ctx, "agent"))
}

func TestSetPolicy(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLimiter(Policy{Cooldown: time.Hour, MaxCasesPerDay: 0})
	assert.False(t, l.CanFile(ctx, "agent"))

	l.SetPolicy(Policy{Cooldown: time.Hour, MaxCasesPerDay: 1})
	assert.True(t, l.CanFile(ctx, "agent"))
	assert.Equal(t, 1, l.Policy().MaxCasesPerDay)
}

type failingStore struct{}

func (failingStore) TryEvaluate(context.Context, string, time.Time, time.Duration) (bool, error) {
	return false, errors.New("store down")
}

func (failingStore) CasesOn(context.Context, string, string) (int, error) {
	return 0, errors.New("store down")
}

func (failingStore) AddCase(context.Context, string, string) (int, error) {
	return 0, errors.New("store down")
}

func TestLimiter_FailsClosed(t *testing.T) {
	ctx := context.Background()
	l := New(failingStore{}, Policy{Cooldown: time.Minute, MaxCasesPerDay: 10})

	assert.False(t, l.CanEvaluate(ctx, "agent"))
	assert.False(t, l.CanFile(ctx, "agent"))
	assert.Error(t, l.RecordCase(ctx, "agent"))
}

func TestDay_UsesUTC(t *testing.T) {
	loc := time.FixedZone("UTC+10", 10*60*60)
	// 2026-03-02 05:00 local is still 2026-03-01 in UTC.
	assert.Equal(t, "2026-03-01", Day(time.Date(2026, 3, 2, 5, 0, 0, 0, loc)))
}
