package clock

import "time"

// Clock abstracts time-related functions for easier testing.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
}

// Real implements Clock using the standard library. Unlike the UTC-based
// timestamps used for storage, audit lines are rendered in local time, so Now
// keeps the local location.
type Real struct{}

// Now returns the current local time.
func (Real) Now() time.Time {
	return time.Now()
}

// After mirrors time.After while satisfying the Clock interface.
func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Sleep blocks for at least the supplied duration.
func (Real) Sleep(d time.Duration) {
	time.Sleep(d)
}

// OrReal returns c, or Real when c is nil.
func OrReal(c Clock) Clock {
	if c == nil {
		return Real{}
	}
	return c
}
