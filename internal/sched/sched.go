// Package sched owns every timer of the sync layer. Timers are addressed by
// name so a whole group (heartbeat, reconnect, ack deadlines) can be cancelled
// in one call and no timer survives a reconnect cycle by accident.
package sched

import (
	"sync"
	"time"
)

// Scheduler runs callbacks after a delay or on a fixed interval.
// Scheduling a name that is already pending replaces the earlier timer.
type Scheduler interface {
	Now() time.Time
	After(name string, d time.Duration, fn func())
	Every(name string, d time.Duration, fn func())
	Cancel(names ...string)
	Pending(name string) bool
	Len() int
	Stop()
}

type timer struct {
	seq   uint64
	t     *time.Timer
	every time.Duration
	fn    func()
}

// Timers is the wall-clock Scheduler backed by time.AfterFunc.
type Timers struct {
	mu      sync.Mutex
	seq     uint64
	timers  map[string]*timer
	stopped bool
}

func NewTimers() *Timers {
	return &Timers{timers: make(map[string]*timer)}
}

func (s *Timers) Now() time.Time { return time.Now() }

func (s *Timers) After(name string, d time.Duration, fn func()) {
	s.schedule(name, d, 0, fn)
}

func (s *Timers) Every(name string, d time.Duration, fn func()) {
	s.schedule(name, d, d, fn)
}

func (s *Timers) schedule(name string, d, every time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if old, ok := s.timers[name]; ok {
		old.t.Stop()
	}
	s.seq++
	tm := &timer{seq: s.seq, every: every, fn: fn}
	seq := tm.seq
	tm.t = time.AfterFunc(d, func() { s.fire(name, seq) })
	s.timers[name] = tm
}

// fire runs the callback only if the timer was not cancelled or replaced
// after time.AfterFunc already committed to running it.
func (s *Timers) fire(name string, seq uint64) {
	s.mu.Lock()
	tm, ok := s.timers[name]
	if !ok || tm.seq != seq {
		s.mu.Unlock()
		return
	}
	if tm.every > 0 {
		tm.t = time.AfterFunc(tm.every, func() { s.fire(name, seq) })
	} else {
		delete(s.timers, name)
	}
	fn := tm.fn
	s.mu.Unlock()

	fn()
}

func (s *Timers) Cancel(names ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range names {
		if tm, ok := s.timers[name]; ok {
			tm.t.Stop()
			delete(s.timers, name)
		}
	}
}

func (s *Timers) Pending(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[name]
	return ok
}

func (s *Timers) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels every timer and refuses new ones.
func (s *Timers) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, tm := range s.timers {
		tm.t.Stop()
		delete(s.timers, name)
	}
	s.stopped = true
}
