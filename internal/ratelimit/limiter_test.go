package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
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

func TestLimiterBurstInOneWindow(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 5, 1, 10, 0, 5, 0, time.UTC)}
	const k, m = 50, 17
	l := New(true, k, WithClock(clock.Now))
	before := testutil.ToFloat64(rateLimitDropsTotal)

	admitted := 0
	for i := 0; i < k+m; i++ {
		if l.Allow() {
			admitted++
		}
	}

	assert.Equal(t, k, admitted)
	assert.Equal(t, uint64(m), l.Dropped())
	assert.Equal(t, before+m, testutil.ToFloat64(rateLimitDropsTotal))
}

func TestLimiterResetsAtMinuteBoundary(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 5, 1, 10, 0, 59, 0, time.UTC)}
	l := New(true, 2, WithClock(clock.Now))

	assert.True(t, l.Allow())
	assert.True(t, l.Allow())
	assert.False(t, l.Allow())

	// One second later is a new wall clock minute even though less than
	// sixty seconds elapsed since the first message.
	clock.Advance(time.Second)
	assert.True(t, l.Allow())
	assert.True(t, l.Allow())
	assert.False(t, l.Allow())

	assert.Equal(t, uint64(2), l.Dropped())
	assert.Equal(t, uint64(4), l.Admitted())
}

func TestLimiterDisabledAdmitsEverything(t *testing.T) {
	l := New(false, 1)
	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow())
	}
	assert.Equal(t, uint64(0), l.Dropped())
	assert.False(t, l.Enabled())
}

func TestLimiterZeroMaxDropsEverything(t *testing.T) {
	l := New(true, 0)
	assert.False(t, l.Allow())
	assert.Equal(t, uint64(1), l.Dropped())
}
