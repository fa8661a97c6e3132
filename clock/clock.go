// Package clock provides the injectable time source used by the orchestrator,
// the identity cache, the endpoint discovery refresher and the stalled-stream
// monitor.
package clock

import (
	"context"
	"sort"
	"sync"
	"time"
)

// TimeSource reports the current time.
type TimeSource interface {
	Now() time.Time
}

// Sleeper suspends the calling goroutine. Sleep returns ctx.Err() when the
// context ends before d elapses.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// Clock combines a TimeSource and a Sleeper with a one-shot timer.
type Clock interface {
	TimeSource
	Sleeper

	// After waits d, then sends the current time on the returned channel.
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

// System returns the Clock backed by the time package.
func System() Clock { return systemClock{} }

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Manual is a Clock whose time only moves when Add or Set is called.
// Timers created by After and Sleep fire once the clock reaches their
// deadline.
type Manual struct {
	mu       sync.Mutex
	now      time.Time
	waiters  []waiter
	callback func(time.Duration)
}

type waiter struct {
	at time.Time
	ch chan time.Time
}

// NewManual returns a Manual clock set to now.
func NewManual(now time.Time) *Manual {
	return &Manual{now: now}
}

// Now implements TimeSource.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// After implements Clock.
func (m *Manual) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	m.mu.Lock()
	if d <= 0 {
		ch <- m.now
		cb := m.callback
		m.mu.Unlock()
		if cb != nil {
			cb(d)
		}
		return ch
	}
	m.waiters = append(m.waiters, waiter{at: m.now.Add(d), ch: ch})
	cb := m.callback
	m.mu.Unlock()
	if cb != nil {
		cb(d)
	}
	return ch
}

// Sleep implements Sleeper.
func (m *Manual) Sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-m.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Add advances the clock by d and fires every timer that came due.
func (m *Manual) Add(d time.Duration) {
	m.mu.Lock()
	m.setLocked(m.now.Add(d))
	m.mu.Unlock()
}

// Set moves the clock to t. Moving backwards panics.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.setLocked(t)
	m.mu.Unlock()
}

// Pending returns the number of timers that have not fired yet.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters)
}

// SetTimerCallback installs fn to be called each time a timer is armed.
// Tests use it to learn that a goroutine is parked on the clock.
func (m *Manual) SetTimerCallback(fn func(time.Duration)) {
	m.mu.Lock()
	m.callback = fn
	m.mu.Unlock()
}

func (m *Manual) setLocked(t time.Time) {
	if t.Before(m.now) {
		panic("clock: cannot move a manual clock backwards")
	}
	m.now = t

	sort.SliceStable(m.waiters, func(i, j int) bool { return m.waiters[i].at.Before(m.waiters[j].at) })
	remaining := m.waiters[:0]
	for _, w := range m.waiters {
		if !w.at.After(t) {
			w.ch <- t
			continue
		}
		remaining = append(remaining, w)
	}
	m.waiters = remaining
}
