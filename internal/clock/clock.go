package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock is the time source used by flows, notifiers and the controller.
type Clock interface {
	Now() time.Time
	// At returns a timer that fires once at t. A t in the past fires immediately.
	At(t time.Time) Timer
}

// Timer is a cancellable one-shot wake-up.
type Timer interface {
	C() <-chan time.Time
	// Stop prevents the timer from firing. It is safe to call from any goroutine and more than once.
	Stop()
}

// Real is the wall clock.
type Real struct{}

func (Real) Now() time.Time { return time.Now().UTC() }

func (Real) At(t time.Time) Timer {
	d := time.Until(t)
	if d < 0 {
		d = 0
	}
	return realTimer{t: time.NewTimer(d)}
}

type realTimer struct {
	t *time.Timer
}

func (r realTimer) C() <-chan time.Time { return r.t.C }
func (r realTimer) Stop()               { r.t.Stop() }

// Manual is a clock that only moves when told to. Tests use it to drive timers deterministically.
type Manual struct {
	mu     sync.Mutex
	cond   *sync.Cond
	now    time.Time
	timers []*manualTimer
}

// NewManual returns a manual clock starting at now.
func NewManual(now time.Time) *Manual {
	m := &Manual{now: now.UTC()}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) At(t time.Time) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	mt := &manualTimer{clock: m, at: t, ch: make(chan time.Time, 1)}
	if !t.After(m.now) {
		mt.fired = true
		mt.ch <- m.now
		return mt
	}
	m.timers = append(m.timers, mt)
	m.cond.Broadcast()
	return mt
}

// Advance moves the clock forward by d and fires every timer that became due.
func (m *Manual) Advance(d time.Duration) {
	m.Set(m.Now().Add(d))
}

// Set moves the clock to t. Moving backwards is ignored.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.Before(m.now) {
		return
	}
	m.now = t.UTC()
	sort.Slice(m.timers, func(i, j int) bool { return m.timers[i].at.Before(m.timers[j].at) })
	kept := m.timers[:0]
	for _, mt := range m.timers {
		if mt.at.After(m.now) {
			kept = append(kept, mt)
			continue
		}
		mt.fired = true
		mt.ch <- m.now
	}
	m.timers = kept
	m.cond.Broadcast()
}

// Waiters is the number of armed timers.
func (m *Manual) Waiters() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// BlockUntil waits for at least n armed timers.
func (m *Manual) BlockUntil(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.timers) < n {
		m.cond.Wait()
	}
}

// NextDeadline returns the earliest armed timer.
func (m *Manual) NextDeadline() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.timers) == 0 {
		return time.Time{}, false
	}
	next := m.timers[0].at
	for _, mt := range m.timers[1:] {
		if mt.at.Before(next) {
			next = mt.at
		}
	}
	return next, true
}

type manualTimer struct {
	clock *Manual
	at    time.Time
	ch    chan time.Time
	fired bool
}

func (t *manualTimer) C() <-chan time.Time { return t.ch }

func (t *manualTimer) Stop() {
	m := t.clock
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.fired {
		return
	}
	for i, mt := range m.timers {
		if mt == t {
			m.timers = append(m.timers[:i], m.timers[i+1:]...)
			break
		}
	}
	t.fired = true
	m.cond.Broadcast()
}
