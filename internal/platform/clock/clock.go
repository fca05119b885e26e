// Package clock abstracts the time operations used by challenge deadlines so tests can drive
// them deterministically.
package clock

import "time"

// Clock is the subset of the time package the challenge lifecycle depends on.
// Production code injects Real(); tests inject Fake().
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// AfterFunc waits for d, then calls f. The returned Timer can cancel the pending call.
	// If d <= 0, f runs immediately (in a new goroutine for Real, synchronously for Fake).
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer is a pending AfterFunc call.
type Timer struct {
	stopFunc func() bool
}

// Stop prevents the Timer from firing. Returns true if the call stops the timer,
// false if the timer has already fired or been stopped. Safe on a nil Timer.
func (t *Timer) Stop() bool {
	if t == nil || t.stopFunc == nil {
		return false
	}
	return t.stopFunc()
}
