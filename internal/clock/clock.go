// Package clock abstracts monotonic time and timed suspension so the
// scheduler can be driven deterministically in tests. The real
// implementation delegates to the runtime clock; Manual holds pending
// wakeups and releases them from an explicit Advance call.
package clock

import (
	"context"
	"sync"
	"time"
)

// Clock provides the current time and cancellable suspension until a
// deadline.
type Clock interface {
	Now() time.Time
	// SleepUntil blocks until the clock reaches deadline or ctx is
	// cancelled. It returns nil when the deadline was reached and
	// ctx.Err() on cancellation. A deadline at or before Now returns
	// immediately.
	SleepUntil(ctx context.Context, deadline time.Time) error
}

// Real is the system clock.
type Real struct{}

// NewReal returns the system-backed clock.
func NewReal() Real { return Real{} }

func (Real) Now() time.Time { return time.Now() }

func (Real) SleepUntil(ctx context.Context, deadline time.Time) error {
	d := time.Until(deadline)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Manual is a virtual clock for tests. Time only moves when Advance or
// Set is called; sleepers are parked until the clock passes their
// deadline.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*manualWaiter
}

type manualWaiter struct {
	deadline time.Time
	ch       chan struct{}
}

// NewManual returns a virtual clock starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) SleepUntil(ctx context.Context, deadline time.Time) error {
	m.mu.Lock()
	if !deadline.After(m.now) {
		m.mu.Unlock()
		return ctx.Err()
	}
	w := &manualWaiter{deadline: deadline, ch: make(chan struct{})}
	m.waiters = append(m.waiters, w)
	m.mu.Unlock()

	select {
	case <-w.ch:
		return nil
	case <-ctx.Done():
		m.remove(w)
		return ctx.Err()
	}
}

// Advance moves the clock forward by d and wakes every sleeper whose
// deadline has been reached.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.release()
	m.mu.Unlock()
}

// Set jumps the clock to t. t must not be before the current time.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	if t.After(m.now) {
		m.now = t
		m.release()
	}
	m.mu.Unlock()
}

// Sleepers reports how many sleepers are currently parked.
func (m *Manual) Sleepers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters)
}

// release wakes due waiters. Caller holds mu.
func (m *Manual) release() {
	kept := m.waiters[:0]
	for _, w := range m.waiters {
		if !w.deadline.After(m.now) {
			close(w.ch)
			continue
		}
		kept = append(kept, w)
	}
	m.waiters = kept
}

func (m *Manual) remove(target *manualWaiter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.waiters[:0]
	for _, w := range m.waiters {
		if w != target {
			kept = append(kept, w)
		}
	}
	m.waiters = kept
}
