package clock

import (
	"sync"
	"time"
)

// Manual is a deterministic clock for tests. Sleep and After advance the clock
// immediately instead of blocking, and every requested duration is recorded.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

// NewManual constructs a Manual clock starting at the supplied time.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now returns the current manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// After advances the clock by d and returns an already-fired channel.
func (m *Manual) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- m.advance(d, true)
	return ch
}

// Sleep advances the clock by d without blocking.
func (m *Manual) Sleep(d time.Duration) {
	m.advance(d, true)
}

// Advance moves time forward by d.
func (m *Manual) Advance(d time.Duration) time.Time {
	return m.advance(d, false)
}

// Sleeps returns every duration passed to Sleep or After.
func (m *Manual) Sleeps() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]time.Duration, len(m.sleeps))
	copy(out, m.sleeps)
	return out
}

func (m *Manual) advance(d time.Duration, record bool) time.Time {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if record {
		m.sleeps = append(m.sleeps, d)
	}
	m.now = m.now.Add(d)
	return m.now
}
