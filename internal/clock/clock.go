// Package clock abstracts timers so the tracking loop can be driven deterministically in tests.
// Production code uses Real(); tests use Fake() and move time with Advance.
package clock

import "time"

// Clock is the subset of the time package the tracking loop needs.
type Clock interface {
	Now() time.Time
	// NewTimer returns a one-shot timer that delivers on C after d.
	NewTimer(d time.Duration) *Timer
}

// Timer is a cancellable one-shot timer. C has capacity 1.
type Timer struct {
	C <-chan time.Time

	stopFunc  func() bool
	resetFunc func(time.Duration) bool
}

// Stop prevents the timer from firing. It returns false if the timer already fired or was stopped.
func (t *Timer) Stop() bool { return t.stopFunc() }

// Reset re-arms the timer to fire after d. It returns true if the timer was active.
func (t *Timer) Reset(d time.Duration) bool { return t.resetFunc(d) }

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) NewTimer(d time.Duration) *Timer {
	timer := time.NewTimer(d)
	return &Timer{
		C:         timer.C,
		stopFunc:  timer.Stop,
		resetFunc: timer.Reset,
	}
}
