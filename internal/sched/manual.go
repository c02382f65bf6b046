package sched

import (
	"sort"
	"sync"
	"time"
)

// Manual is a virtual-clock Scheduler for tests. Nothing fires until the
// clock is advanced or a timer is fired by name; callbacks run on the caller's
// goroutine.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers map[string]*manualTimer
}

type manualTimer struct {
	seq   uint64
	due   time.Time
	delay time.Duration
	every time.Duration
	fn    func()
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start, timers: make(map[string]*manualTimer)}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) After(name string, d time.Duration, fn func()) {
	m.schedule(name, d, 0, fn)
}

func (m *Manual) Every(name string, d time.Duration, fn func()) {
	m.schedule(name, d, d, fn)
}

func (m *Manual) schedule(name string, d, every time.Duration, fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.timers[name] = &manualTimer{seq: m.seq, due: m.now.Add(d), delay: d, every: every, fn: fn}
}

func (m *Manual) Cancel(names ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, name := range names {
		delete(m.timers, name)
	}
}

func (m *Manual) Pending(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.timers[name]
	return ok
}

func (m *Manual) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

func (m *Manual) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timers = make(map[string]*manualTimer)
}

// Delay returns the delay the named timer was scheduled with.
func (m *Manual) Delay(name string) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tm, ok := m.timers[name]
	if !ok {
		return 0, false
	}
	return tm.delay, true
}

// Fire runs the named timer now, regardless of its due time.
func (m *Manual) Fire(name string) bool {
	m.mu.Lock()
	tm, ok := m.timers[name]
	if !ok {
		m.mu.Unlock()
		return false
	}
	if tm.due.After(m.now) {
		m.now = tm.due
	}
	fn := m.take(name, tm)
	m.mu.Unlock()

	fn()
	return true
}

// Advance moves the clock forward, firing due timers in due-time order.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		name, tm := m.nextDue(target)
		if tm == nil {
			m.now = target
			m.mu.Unlock()
			return
		}
		m.now = tm.due
		fn := m.take(name, tm)
		m.mu.Unlock()

		fn()
	}
}

func (m *Manual) nextDue(target time.Time) (string, *manualTimer) {
	names := make([]string, 0, len(m.timers))
	for name, tm := range m.timers {
		if !tm.due.After(target) {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return "", nil
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := m.timers[names[i]], m.timers[names[j]]
		if a.due.Equal(b.due) {
			return a.seq < b.seq
		}
		return a.due.Before(b.due)
	})
	return names[0], m.timers[names[0]]
}

func (m *Manual) take(name string, tm *manualTimer) func() {
	if tm.every > 0 {
		m.seq++
		m.timers[name] = &manualTimer{seq: m.seq, due: tm.due.Add(tm.every), delay: tm.every, every: tm.every, fn: tm.fn}
	} else {
		delete(m.timers, name)
	}
	return tm.fn
}
