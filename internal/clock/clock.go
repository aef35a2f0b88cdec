// Package clock abstracts time for components that schedule work, so tests
// can drive timers manually.
package clock

import (
	"sync"
	"time"
)

// Clock provides the current time and timer construction.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) Timer
}

// Timer fires once on its channel after the configured duration.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

// SystemClockDefault is the process-wide real clock.
var SystemClockDefault Clock = systemClock{}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) NewTimer(d time.Duration) Timer {
	return &systemTimer{t: time.NewTimer(d)}
}

type systemTimer struct {
	t *time.Timer
}

func (st *systemTimer) C() <-chan time.Time { return st.t.C }
func (st *systemTimer) Stop() bool          { return st.t.Stop() }

// Mock is a manual clock. Timers fire only when Advance moves the clock past
// their deadline.
type Mock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*mockTimer
}

// NewMock returns a Mock starting at the Unix epoch.
func NewMock() *Mock {
	return &Mock{now: time.Unix(0, 0).UTC()}
}

func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Mock) NewTimer(d time.Duration) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	mt := &mockTimer{ch: make(chan time.Time, 1), deadline: m.now.Add(d)}
	if d <= 0 {
		mt.fired = true
		mt.ch <- m.now
		return mt
	}
	m.timers = append(m.timers, mt)
	return mt
}

// Advance moves the clock forward and fires every timer whose deadline has
// passed.
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	remaining := m.timers[:0]
	for _, mt := range m.timers {
		if mt.stopped {
			continue
		}
		if !mt.deadline.After(m.now) {
			mt.fired = true
			select {
			case mt.ch <- m.now:
			default:
			}
			continue
		}
		remaining = append(remaining, mt)
	}
	m.timers = remaining
}

type mockTimer struct {
	ch       chan time.Time
	deadline time.Time
	fired    bool
	stopped  bool
}

func (mt *mockTimer) C() <-chan time.Time { return mt.ch }

func (mt *mockTimer) Stop() bool {
	active := !mt.fired && !mt.stopped
	mt.stopped = true
	return active
}
