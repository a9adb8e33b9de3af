// Package clock abstracts time so that cooldowns, debounces and backoff
// schedules can be driven deterministically in tests.
package clock

import (
	"sync"
	"time"
)

// Clock is the time source used by every rate limiter in the service.
type Clock interface {
	Now() time.Time

	// After sends the current time on the returned channel once d has elapsed.
	After(d time.Duration) <-chan time.Time

	// AfterFunc calls f in its own goroutine once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer

	Since(t time.Time) time.Duration
}

// Timer is a cancellable pending call.
type Timer interface {
	// Stop reports whether the call was prevented.
	Stop() bool

	// Reset reschedules the call d from now and reports whether it was still pending.
	Reset(d time.Duration) bool
}

// Real is the wall-clock implementation.
type Real struct{}

type realTimer struct {
	timer *time.Timer
}

// NewReal returns the wall clock.
func NewReal() *Real {
	return &Real{}
}

func (Real) Now() time.Time {
	return time.Now()
}

func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return &realTimer{timer: time.AfterFunc(d, f)}
}

func (Real) Since(t time.Time) time.Duration {
	return time.Since(t)
}

func (t *realTimer) Stop() bool {
	return t.timer.Stop()
}

func (t *realTimer) Reset(d time.Duration) bool {
	return t.timer.Reset(d)
}

// Mock is a manually advanced clock. Timers fire synchronously inside
// Advance, in deadline order, outside the clock lock.
type Mock struct {
	mu      sync.Mutex
	current time.Time
	timers  []*mockTimer
	added   chan struct{}
}

type mockTimer struct {
	clock    *Mock
	deadline time.Time
	f        func()
	stopped  bool
	mu       sync.Mutex
}

// NewMock creates a Mock starting at start.
func NewMock(start time.Time) *Mock {
	return &Mock{
		current: start,
		added:   make(chan struct{}, 1),
	}
}

func (c *Mock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Mock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	c.AfterFunc(d, func() {
		ch <- c.Now()
	})
	return ch
}

func (c *Mock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	timer := &mockTimer{
		clock:    c,
		deadline: c.current.Add(d),
		f:        f,
	}
	c.timers = append(c.timers, timer)
	c.mu.Unlock()

	c.notifyAdded()
	return timer
}

func (c *Mock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

func (c *Mock) notifyAdded() {
	select {
	case c.added <- struct{}{}:
	default:
	}
}

// Advance moves the clock forward by d and fires every timer that expired.
func (c *Mock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	now := c.current

	var due, remaining []*mockTimer
	for _, timer := range c.timers {
		timer.mu.Lock()
		switch {
		case timer.stopped:
		case !timer.deadline.After(now):
			due = append(due, timer)
		default:
			remaining = append(remaining, timer)
		}
		timer.mu.Unlock()
	}
	c.timers = remaining
	c.mu.Unlock()

	sortByDeadline(due)
	for _, timer := range due {
		timer.mu.Lock()
		if timer.stopped {
			timer.mu.Unlock()
			continue
		}
		timer.stopped = true
		f := timer.f
		timer.mu.Unlock()
		f()
	}
}

// Pending returns the number of timers that have not fired or been stopped.
func (c *Mock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, timer := range c.timers {
		timer.mu.Lock()
		if !timer.stopped {
			n++
		}
		timer.mu.Unlock()
	}
	return n
}

// WaitForTimers blocks until at least n timers are pending or the timeout
// elapses, and reports whether the count was reached. Tests use it to wait
// for a background goroutine to park on the clock before advancing it.
func (c *Mock) WaitForTimers(n int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		if c.Pending() >= n {
			return true
		}
		select {
		case <-c.added:
		case <-deadline.C:
			return c.Pending() >= n
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func sortByDeadline(timers []*mockTimer) {
	for i := 1; i < len(timers); i++ {
		for j := i; j > 0 && timers[j].deadline.Before(timers[j-1].deadline); j-- {
			timers[j], timers[j-1] = timers[j-1], timers[j]
		}
	}
}

func (t *mockTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	wasActive := !t.stopped
	t.stopped = true
	return wasActive
}

func (t *mockTimer) Reset(d time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	wasActive := !t.stopped
	t.stopped = false

	t.clock.mu.Lock()
	t.deadline = t.clock.current.Add(d)
	if !wasActive {
		t.clock.timers = append(t.clock.timers, t)
	}
	t.clock.mu.Unlock()

	return wasActive
}
