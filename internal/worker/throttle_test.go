package worker

import (
	"context"
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
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestThrottle(limit int, window time.Duration) (*Throttle, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	th := NewThrottle(limit, window)
	th.now = clock.Now
	return th, clock
}

func TestThrottle_Record(t *testing.T) {
	const limit = 3
	const window = 10 * time.Second
	th, clock := newTestThrottle(limit, window)

	for i := 1; i <= limit; i++ {
		assert.True(t, th.Record(), "event %d", i)
		clock.Advance(time.Second)
	}
	assert.False(t, th.Record(), "event L+1 within the window")
	assert.False(t, th.Record(), "refused events are not counted but still refused")

	// first event was at t=0; at t=10s it leaves the window
	clock.Advance(7 * time.Second)
	assert.True(t, th.Record())
	assert.False(t, th.Record())

	clock.Advance(window)
	for i := 1; i <= limit; i++ {
		assert.True(t, th.Record(), "after reset, event %d", i)
	}
}

func TestThrottle_ConcurrentRecord(t *testing.T) {
	th, _ := newTestThrottle(5, time.Minute)

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if th.Record() {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, accepted)
}

func TestThrottle_Wait(t *testing.T) {
	th := NewThrottle(1, 50*time.Millisecond)
	require.True(t, th.Record())

	start := time.Now()
	require.NoError(t, th.Wait(context.Background(), 5*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, th.Wait(ctx, 5*time.Millisecond), context.Canceled)
}
