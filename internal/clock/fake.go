package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake returns a FakeClock stopped at initial. Timers fire only when Advance moves past their
// deadline.
func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{current: initial}
	c.changed = sync.NewCond(&c.mu)
	return c
}

// FakeClock is a deterministic Clock. It is safe for concurrent use.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	waiters []*fakeWaiter
	changed *sync.Cond
}

type fakeWaiter struct {
	deadline time.Time
	channel  chan time.Time
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *FakeClock) NewTimer(d time.Duration) *Timer {
	channel := make(chan time.Time, 1)
	waiter := &fakeWaiter{channel: channel}

	c.mu.Lock()
	c.armLocked(waiter, d)
	c.mu.Unlock()

	return &Timer{
		C: channel,
		stopFunc: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			return c.removeLocked(waiter)
		},
		resetFunc: func(d time.Duration) bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			active := c.removeLocked(waiter)
			c.armLocked(waiter, d)
			return active
		},
	}
}

func (c *FakeClock) armLocked(waiter *fakeWaiter, d time.Duration) {
	waiter.deadline = c.current.Add(d)
	if d <= 0 {
		select {
		case waiter.channel <- c.current:
		default:
		}
		return
	}
	c.waiters = append(c.waiters, waiter)
	c.changed.Broadcast()
}

func (c *FakeClock) removeLocked(waiter *fakeWaiter) bool {
	for i, w := range c.waiters {
		if w == waiter {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			c.changed.Broadcast()
			return true
		}
	}
	return false
}

// Advance moves the clock forward by d and fires every timer whose deadline has passed, in
// deadline order. Sends are non-blocking.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	now := c.current

	var due, remaining []*fakeWaiter
	for _, w := range c.waiters {
		if !w.deadline.After(now) {
			due = append(due, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	c.waiters = remaining
	c.changed.Broadcast()
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	for _, w := range due {
		select {
		case w.channel <- now:
		default:
		}
	}
}

// WaitForTimers blocks until at least n timers are pending.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.waiters) < n {
		c.changed.Wait()
	}
}

// Pending returns the durations until each pending timer fires, shortest first.
func (c *FakeClock) Pending() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, 0, len(c.waiters))
	for _, w := range c.waiters {
		out = append(out, w.deadline.Sub(c.current))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
