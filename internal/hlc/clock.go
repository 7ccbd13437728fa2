package hlc

import (
	"sync"
	"time"
)

// Source returns the current physical time in milliseconds.
type Source func() uint64

// WallClock is the production Source.
func WallClock() uint64 {
	return uint64(time.Now().UnixMilli())
}

// Clock generates hybrid logical timestamps for one client.
//
// Thread-safety: Clock is safe for concurrent use. A local replica normally
// has a single writer, but the capture recorder and the sync loop may both
// stamp actions.
type Clock struct {
	mu       sync.Mutex
	clientID string
	source   Source
	last     Timestamp
}

// NewClock creates a clock for clientID reading physical time from source.
// A nil source means WallClock.
func NewClock(clientID string, source Source) *Clock {
	if source == nil {
		source = WallClock
	}
	return &Clock{
		clientID: clientID,
		source:   source,
		last:     Timestamp{Vector: map[string]uint32{}},
	}
}

// ClientID returns the client this clock stamps for.
func (c *Clock) ClientID() string {
	return c.clientID
}

// Now returns a timestamp strictly greater than every timestamp this clock
// has produced or observed. The client's own vector entry is incremented.
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	physical := c.source()
	next := Timestamp{Vector: cloneVector(c.last.Vector)}
	if physical > c.last.TimeMs {
		next.TimeMs = physical
		next.Counter = 0
	} else {
		next.TimeMs = c.last.TimeMs
		next.Counter = c.last.Counter + 1
	}
	next.Vector[c.clientID] = c.last.Vector[c.clientID] + 1

	c.last = next
	return next.Clone()
}

// Observe merges a received timestamp into the clock so that subsequent
// calls to Now sort after it.
func (c *Clock) Observe(ts Timestamp) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = Merge(c.last, ts)
}

// Current returns the latest produced or observed timestamp without
// advancing the clock.
func (c *Clock) Current() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last.Clone()
}
