package testutil

import (
	"sync"
	"time"
)

// ManualTime is a physical time source that only moves when a test moves it.
//
// Its Now method satisfies hlc.Source, and Time satisfies the func() time.Time
// hooks of the store and the capture recorder, so one ManualTime drives every
// timestamp a replica produces.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type ManualTime struct {
	mu sync.Mutex
	ms uint64
}

// NewManualTime creates a source reading startMs milliseconds since the
// Unix epoch.
func NewManualTime(startMs uint64) *ManualTime {
	return &ManualTime{ms: startMs}
}

// Now returns the current time in milliseconds.
func (m *ManualTime) Now() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ms
}

// Time returns the current time as a UTC time.Time.
func (m *ManualTime) Time() time.Time {
	return time.UnixMilli(int64(m.Now())).UTC()
}

// Set moves the source to ms. Moving backwards is allowed; the HLC keeps its
// own timestamps monotonic.
func (m *ManualTime) Set(ms uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ms = ms
}

// Advance moves the source forward by d.
func (m *ManualTime) Advance(d time.Duration) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ms += uint64(d.Milliseconds())
	return m.ms
}
