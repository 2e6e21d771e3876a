package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManualClock_StartsAtEpoch(t *testing.T) {
	clock := NewManualClock(0)
	assert.Equal(t, Epoch, clock.Now())
	assert.Equal(t, Epoch, clock.Now(), "zero step freezes the clock")
}

func TestManualClock_Step(t *testing.T) {
	clock := NewManualClock(time.Millisecond)

	assert.Equal(t, Epoch.UnixMilli(), clock.Now().UnixMilli())
	assert.Equal(t, Epoch.UnixMilli()+1, clock.Now().UnixMilli())
	assert.Equal(t, Epoch.UnixMilli()+2, clock.Peek().UnixMilli())
	assert.Equal(t, Epoch.UnixMilli()+2, clock.Peek().UnixMilli(), "peek does not advance")
}

func TestManualClock_AdvanceAndReset(t *testing.T) {
	clock := NewManualClock(0)
	clock.Advance(time.Minute)
	assert.Equal(t, Epoch.Add(time.Minute), clock.Now())

	clock.Reset()
	assert.Equal(t, Epoch, clock.Now())
}

func TestManualClock_ThreadSafe(t *testing.T) {
	clock := NewManualClock(time.Millisecond)
	const goroutines = 50
	const calls = 100

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[int64]bool)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < calls; j++ {
				ms := clock.Now().UnixMilli()
				mu.Lock()
				seen[ms] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, goroutines*calls, "every call sees a distinct time")
	assert.Equal(t, Epoch.Add(goroutines*calls*time.Millisecond), clock.Peek())
}
