package ratelimit

import (
	"context"
	"fmt"
	"sync"
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

func TestMemoryLimiter_BudgetPerKey(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := NewMemoryLimiter(Rule{Limit: 3, Window: time.Minute})
	l.nowFunc = clock.Now
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "GA")
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i)
	}
	ok, _ := l.Allow(ctx, "GA")
	assert.False(t, ok, "fourth request in the window is refused")

	ok, _ = l.Allow(ctx, "GB")
	assert.True(t, ok, "other keys have their own budget")

	clock.Advance(20 * time.Second)
	ok, _ = l.Allow(ctx, "GA")
	assert.True(t, ok, "one token refills every window/limit")
}

func TestMemoryLimiter_SweepEvictsIdle(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := NewMemoryLimiter(Rule{})
	l.nowFunc = clock.Now

	for i := 0; i < 5; i++ {
		_, _ = l.Allow(context.Background(), fmt.Sprintf("k%d", i))
	}
	require.Equal(t, 5, l.Len())

	clock.Advance(staleEntryTTL + time.Second)
	_, _ = l.Allow(context.Background(), "k0")
	l.Sweep()
	assert.Equal(t, 1, l.Len())
}

func TestMemoryNonceStore_ClaimBindRelease(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	s := NewMemoryNonceStore()
	s.nowFunc = clock.Now
	ctx := context.Background()

	c, err := s.Claim(ctx, "idem-1", time.Hour)
	require.NoError(t, err)
	assert.True(t, c.Fresh)

	c, err = s.Claim(ctx, "idem-1", time.Hour)
	require.NoError(t, err)
	assert.False(t, c.Fresh)
	assert.Empty(t, c.Value, "in flight")

	require.NoError(t, s.Bind(ctx, "idem-1", "record-42", time.Hour))
	c, _ = s.Claim(ctx, "idem-1", time.Hour)
	assert.Equal(t, Claim{Value: "record-42"}, c)

	require.NoError(t, s.Release(ctx, "idem-1"))
	c, _ = s.Claim(ctx, "idem-1", time.Hour)
	assert.True(t, c.Fresh)
}

func TestMemoryNonceStore_Expiry(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	s := NewMemoryNonceStore()
	s.nowFunc = clock.Now
	ctx := context.Background()

	_, _ = s.Claim(ctx, "k", time.Minute)
	clock.Advance(time.Minute)

	c, _ := s.Claim(ctx, "k", time.Minute)
	assert.True(t, c.Fresh, "expired key can be claimed again")

	clock.Advance(2 * time.Minute)
	s.Sweep()
	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Empty(t, s.entries)
}

func TestMemoryNonceStore_ConcurrentClaimHasOneWinner(t *testing.T) {
	s := NewMemoryNonceStore()
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		fresh int
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := s.Claim(context.Background(), "same", time.Minute)
			require.NoError(t, err)
			if c.Fresh {
				mu.Lock()
				fresh++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, fresh)
}
