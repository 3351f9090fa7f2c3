package ratelimit

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newLimiter(cfg Config) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	l := New(cfg)
	l.Now = clock.Now
	return l, clock
}

func TestAllow_DeniesAfterCeilingWithinWindow(t *testing.T) {
	l, _ := newLimiter(Config{Window: time.Minute, Default: 60, Classes: map[string]int{ClassQueue: 3}})

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("u1", ClassQueue), "event %d", i+1)
	}
	assert.False(t, l.Allow("u1", ClassQueue))
	assert.ErrorIs(t, l.Check("u1", ClassQueue), ErrRateLimitExceeded)
}

func TestAllow_NewWindowResets(t *testing.T) {
	l, clock := newLimiter(Config{Window: time.Minute, Classes: map[string]int{ClassQueue: 2}})

	require.True(t, l.Allow("u1", ClassQueue))
	require.True(t, l.Allow("u1", ClassQueue))
	require.False(t, l.Allow("u1", ClassQueue))

	clock.Advance(time.Minute)
	assert.True(t, l.Allow("u1", ClassQueue))
}

func TestAllow_DenialDoesNotRestartWindow(t *testing.T) {
	l, clock := newLimiter(Config{Window: time.Minute, Classes: map[string]int{ClassSignal: 1}})
	start := l.windowID(clock.Now())

	require.True(t, l.Allow("u1", ClassSignal))
	for i := 0; i < 5; i++ {
		require.False(t, l.Allow("u1", ClassSignal))
	}
	// still in the same window, still denied
	clock.Advance(time.Duration(int64(time.Minute)*(start+1)-clock.Now().UnixNano()) - time.Nanosecond)
	assert.False(t, l.Allow("u1", ClassSignal))

	clock.Advance(time.Nanosecond)
	assert.True(t, l.Allow("u1", ClassSignal))
}

func TestAllow_IndependentKeys(t *testing.T) {
	l, _ := newLimiter(Config{Window: time.Minute, Default: 1})

	assert.True(t, l.Allow("u1", ClassQueue))
	assert.True(t, l.Allow("u1", ClassMatch))
	assert.True(t, l.Allow("u2", ClassQueue))
	assert.False(t, l.Allow("u1", ClassQueue))
}

func TestCeiling_FallsBackToDefault(t *testing.T) {
	l := New(Config{Default: 7, Classes: map[string]int{ClassSignal: 600}})
	assert.Equal(t, 600, l.Ceiling(ClassSignal))
	assert.Equal(t, 7, l.Ceiling("unknown"))
}

func TestSweep_RemovesOldWindowsOnly(t *testing.T) {
	l, clock := newLimiter(Config{Window: time.Minute, Default: 10, GraceWindows: 1})

	l.Allow("old", ClassQueue)
	clock.Advance(time.Minute)
	l.Allow("recent", ClassQueue)
	clock.Advance(time.Minute)
	l.Allow("current", ClassQueue)

	assert.Equal(t, 1, l.Sweep())
	assert.Equal(t, 2, l.Len())
}

func TestAllow_MemoryBoundTriggersSweep(t *testing.T) {
	l, clock := newLimiter(Config{Window: time.Minute, Default: 10, MaxEntries: 5})

	for i := 0; i < 5; i++ {
		l.Allow(fmt.Sprintf("u%d", i), ClassQueue)
	}
	require.Equal(t, 5, l.Len())

	clock.Advance(2 * time.Minute)
	l.Allow("fresh", ClassQueue)
	assert.Equal(t, 1, l.Len())
}

func TestAllow_Concurrent(t *testing.T) {
	l, _ := newLimiter(Config{Window: time.Hour, Default: 100})

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 250; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow("u1", ClassSignal) {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, allowed)
}
