// SPDX-License-Identifier: MPL-2.0

// Package clock abstracts waiting so pipeline steps that suspend (the test
// window, artifact polling) can be driven deterministically in tests.
package clock

import (
	"runtime"
	"sync"
	"time"
)

type (
	// Clock abstracts time operations for deterministic testing.
	// Production code uses Real; tests use Fake.
	Clock interface {
		// Now returns the current time.
		Now() time.Time

		// After waits for the duration to elapse and then sends the current time.
		After(d time.Duration) <-chan time.Time

		// Since returns the time elapsed since t.
		Since(t time.Time) time.Duration
	}

	// Real implements Clock using the system clock.
	Real struct{}

	// Fake implements Clock with manually controlled time.
	// Time only moves when Advance or Set is called.
	Fake struct {
		mu      sync.Mutex
		current time.Time
		waiters []waiter
	}

	waiter struct {
		target time.Time
		ch     chan time.Time
	}
)

// Now returns the current system time.
func (Real) Now() time.Time { return time.Now() }

// After returns a channel that receives the time after duration d.
func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Since returns the time elapsed since t.
func (Real) Since(t time.Time) time.Duration { return time.Since(t) }

// NewFake creates a Fake clock set to initial, or to a fixed reference time
// when initial is zero.
func NewFake(initial time.Time) *Fake {
	if initial.IsZero() {
		initial = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	return &Fake{current: initial}
}

// Now returns the current fake time.
func (c *Fake) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// After returns a channel that fires once Advance or Set reaches now+d.
// A non-positive d fires immediately.
func (c *Fake) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.current
		return ch
	}

	c.waiters = append(c.waiters, waiter{target: c.current.Add(d), ch: ch})
	return ch
}

// Since returns the fake time elapsed since t.
func (c *Fake) Since(t time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current.Sub(t)
}

// Advance moves the fake time forward by d and fires due waiters.
func (c *Fake) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.current = c.current.Add(d)
	c.notifyWaiters()
}

// Set moves the fake time to t and fires due waiters.
func (c *Fake) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.current = t
	c.notifyWaiters()
}

// Waiters returns the number of pending After calls.
func (c *Fake) Waiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// BlockUntil spins until at least n After calls are pending. Tests use it to
// synchronize with a goroutine that is about to wait on the clock.
func (c *Fake) BlockUntil(n int) {
	for c.Waiters() < n {
		runtime.Gosched()
		time.Sleep(time.Millisecond)
	}
}

// Drive advances the clock by step whenever a waiter is pending, until stop
// is closed. Run it in its own goroutine.
func (c *Fake) Drive(step time.Duration, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		if c.Waiters() > 0 {
			c.Advance(step)
			continue
		}
		time.Sleep(time.Millisecond)
	}
}

// notifyWaiters must be called with mu held.
func (c *Fake) notifyWaiters() {
	remaining := c.waiters[:0]
	for _, w := range c.waiters {
		if !c.current.Before(w.target) {
			select {
			case w.ch <- c.current:
			default:
			}
			continue
		}
		remaining = append(remaining, w)
	}
	c.waiters = remaining
}
