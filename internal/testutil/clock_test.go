package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/lofisync/internal/hlc"
)

func TestManualTime_StartsAtGivenTime(t *testing.T) {
	mt := NewManualTime(1000)
	assert.Equal(t, uint64(1000), mt.Now())
	assert.Equal(t, time.UnixMilli(1000).UTC(), mt.Time())
}

func TestManualTime_SetAndAdvance(t *testing.T) {
	mt := NewManualTime(0)

	mt.Set(3000)
	assert.Equal(t, uint64(3000), mt.Now())

	assert.Equal(t, uint64(3250), mt.Advance(250*time.Millisecond))
	assert.Equal(t, uint64(3250), mt.Now())

	// Going backwards is allowed
	mt.Set(2000)
	assert.Equal(t, uint64(2000), mt.Now())
}

func TestManualTime_DrivesHLC(t *testing.T) {
	mt := NewManualTime(1000)
	clock := hlc.NewClock("A", mt.Now)

	first := clock.Now()
	assert.Equal(t, uint64(1000), first.TimeMs)

	// Frozen time bumps the counter
	second := clock.Now()
	assert.Equal(t, uint64(1000), second.TimeMs)
	assert.Equal(t, uint32(1), second.Counter)

	// Time moving backwards never moves the clock backwards
	mt.Set(500)
	third := clock.Now()
	assert.Equal(t, uint64(1000), third.TimeMs)
	assert.Equal(t, uint32(2), third.Counter)
}

func TestManualTime_ThreadSafe(t *testing.T) {
	mt := NewManualTime(0)
	const numGoroutines = 50
	const callsPerGoroutine = 100

	var wg sync.WaitGroup
	wg.Add(numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < callsPerGoroutine; j++ {
				mt.Advance(time.Millisecond)
				_ = mt.Now()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(numGoroutines*callsPerGoroutine), mt.Now())
}
