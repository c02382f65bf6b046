// Package ledger tracks optimistic updates: local mutations applied before the
// backend has acknowledged the command that caused them.
package ledger

import (
	"errors"
	"sort"
	"sync"
	"time"

	"tradedesk-sync/internal/common"
	"tradedesk-sync/internal/sched"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned for ids that were never recorded, were rolled back
// or have been garbage-collected.
var ErrNotFound = errors.New("optimistic update not found")

const (
	timerGC        = "ledger.gc"
	timerAckPrefix = "ledger.ack."
)

// Rollback reasons reported to metrics.
const (
	ReasonManual   = "manual"
	ReasonRejected = "rejected"
	ReasonTimeout  = "timeout"
	ReasonDropped  = "dropped"
)

// MetricsInterface defines the metrics methods needed by the ledger
type MetricsInterface interface {
	Applied()
	Confirmed()
	RolledBack(reason string)
	Evicted(n int)
	PendingUpdates(n int)
}

// Entry is one optimistic update.
type Entry struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Data      any       `json:"data,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	Confirmed bool      `json:"confirmed"`
}

// Ledger records optimistic updates until they are confirmed, rolled back or
// older than the retention window.
type Ledger struct {
	sched      sched.Scheduler
	gcInterval time.Duration
	retention  time.Duration
	ackTimeout time.Duration

	mu        sync.Mutex
	entries   map[string]*Entry
	metrics   MetricsInterface
	onTimeout func(Entry)
	started   bool
}

// NewLedger creates a ledger. ackTimeout of zero disables automatic rollback
// of unacknowledged entries.
func NewLedger(s sched.Scheduler, gcInterval, retention, ackTimeout time.Duration) *Ledger {
	if gcInterval <= 0 {
		gcInterval = common.DefaultLedgerGCInterval
	}
	if retention <= 0 {
		retention = common.DefaultLedgerRetention
	}
	if ackTimeout < 0 {
		ackTimeout = 0
	}
	return &Ledger{
		sched:      s,
		gcInterval: gcInterval,
		retention:  retention,
		ackTimeout: ackTimeout,
		entries:    make(map[string]*Entry),
	}
}

// SetMetrics sets the metrics interface for reporting
func (l *Ledger) SetMetrics(metrics MetricsInterface) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.metrics = metrics
}

// SetTimeoutHandler registers the function called after an entry has been
// rolled back for lack of acknowledgement.
func (l *Ledger) SetTimeoutHandler(fn func(Entry)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onTimeout = fn
}

// Start schedules the periodic garbage collection.
func (l *Ledger) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return
	}
	l.started = true
	l.sched.Every(timerGC, l.gcInterval, func() { l.Sweep(l.sched.Now()) })
}

// Stop cancels the ledger's timers. Entries are kept.
func (l *Ledger) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started = false
	names := []string{timerGC}
	for id := range l.entries {
		names = append(names, timerAckPrefix+id)
	}
	l.sched.Cancel(names...)
}

// Apply runs mutate synchronously and records the resulting unconfirmed entry.
func (l *Ledger) Apply(kind string, data any, mutate func()) string {
	if mutate != nil {
		mutate()
	}

	id := uuid.New().String()
	l.mu.Lock()
	l.entries[id] = &Entry{
		ID:        id,
		Kind:      kind,
		Data:      data,
		CreatedAt: l.sched.Now(),
	}
	if l.ackTimeout > 0 {
		l.sched.After(timerAckPrefix+id, l.ackTimeout, func() { l.expire(id) })
	}
	if l.metrics != nil {
		l.metrics.Applied()
	}
	l.reportPendingLocked()
	l.mu.Unlock()

	log.Debug().Str("id", id).Str("kind", kind).Msg("Optimistic update applied")
	return id
}

// Confirm marks an entry acknowledged. It stays in the ledger until GC.
func (l *Ledger) Confirm(id string) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	if !e.Confirmed {
		e.Confirmed = true
		l.sched.Cancel(timerAckPrefix + id)
		if l.metrics != nil {
			l.metrics.Confirmed()
		}
		l.reportPendingLocked()
	}
	return *e, nil
}

// Rollback removes an entry on the caller's request. The returned entry names
// the kind the caller must reconcile.
func (l *Ledger) Rollback(id string) (Entry, error) {
	return l.remove(id, ReasonManual)
}

// Reject removes an entry the backend refused.
func (l *Ledger) Reject(id string) (Entry, error) {
	return l.remove(id, ReasonRejected)
}

// Drop removes an entry whose command was discarded before it was sent.
func (l *Ledger) Drop(id string) (Entry, error) {
	return l.remove(id, ReasonDropped)
}

func (l *Ledger) remove(id, reason string) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	delete(l.entries, id)
	l.sched.Cancel(timerAckPrefix + id)
	if l.metrics != nil {
		l.metrics.RolledBack(reason)
	}
	l.reportPendingLocked()

	log.Info().Str("id", id).Str("kind", e.Kind).Str("reason", reason).Msg("Optimistic update rolled back")
	return *e, nil
}

func (l *Ledger) expire(id string) {
	l.mu.Lock()
	e, ok := l.entries[id]
	if !ok || e.Confirmed {
		l.mu.Unlock()
		return
	}
	delete(l.entries, id)
	if l.metrics != nil {
		l.metrics.RolledBack(ReasonTimeout)
	}
	l.reportPendingLocked()
	handler := l.onTimeout
	entry := *e
	l.mu.Unlock()

	log.Warn().
		Str("id", id).
		Str("kind", entry.Kind).
		Dur("timeout", l.ackTimeout).
		Msg("Optimistic update not acknowledged, rolling back")

	if handler != nil {
		handler(entry)
	}
}

// Sweep deletes entries created at or before now minus the retention window,
// confirmed or not, and returns how many were removed.
func (l *Ledger) Sweep(now time.Time) int {
	cutoff := now.Add(-l.retention)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for id, e := range l.entries {
		if e.CreatedAt.After(cutoff) {
			continue
		}
		delete(l.entries, id)
		l.sched.Cancel(timerAckPrefix + id)
		removed++
	}
	if removed > 0 {
		if l.metrics != nil {
			l.metrics.Evicted(removed)
		}
		l.reportPendingLocked()
		log.Debug().Int("removed", removed).Int("remaining", len(l.entries)).Msg("Optimistic ledger swept")
	}
	return removed
}

// Pending returns the number of unconfirmed entries.
func (l *Ledger) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pendingLocked()
}

// Get returns a copy of the entry with the given id.
func (l *Ledger) Get(id string) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Entries returns copies of all entries, oldest first.
func (l *Ledger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (l *Ledger) pendingLocked() int {
	n := 0
	for _, e := range l.entries {
		if !e.Confirmed {
			n++
		}
	}
	return n
}

func (l *Ledger) reportPendingLocked() {
	if l.metrics != nil {
		l.metrics.PendingUpdates(l.pendingLocked())
	}
}
