package state

import (
	"errors"
	"sync"
	"time"

	"tradedesk-sync/internal/common"
	"tradedesk-sync/internal/wire"

	"github.com/rs/zerolog/log"
)

// Listener is notified with every published snapshot.
type Listener func(Snapshot)

// Store owns the single domain snapshot. Dispatch and Mutate are serialized
// and each publishes a complete snapshot before the next one starts.
// Listeners run synchronously on the publishing goroutine and must not call
// Dispatch or Mutate.
type Store struct {
	reducers map[string]Reducer
	now      func() time.Time

	pipeline sync.Mutex

	mu       sync.RWMutex
	snap     Snapshot
	versions map[string]uint64 // applied envelopes per type
	subs     map[int]Listener
	nextID   int
}

// NewStore creates a store with an empty snapshot. signalCap bounds the
// signals list; now stamps LastUpdate (time.Now when nil).
func NewStore(signalCap int, now func() time.Time) *Store {
	if signalCap <= 0 {
		signalCap = common.DefaultSignalCap
	}
	if now == nil {
		now = time.Now
	}
	return &Store{
		reducers: reducers(signalCap),
		now:      now,
		snap:     Empty(),
		versions: make(map[string]uint64),
		subs:     make(map[int]Listener),
	}
}

// Dispatch applies one envelope. Unknown types leave the snapshot unchanged;
// a payload that cannot be decoded is reported and nothing is published.
func (s *Store) Dispatch(env wire.Envelope) (Snapshot, error) {
	s.pipeline.Lock()
	defer s.pipeline.Unlock()
	return s.dispatchLocked(env)
}

// DispatchIfCurrent applies env only when nothing that supersedes it has
// been applied since versions was taken with Versions: an envelope of the
// same type or, for a portfolio update, a trade or a price change of a held
// position. applied is false when env was superseded and dropped.
func (s *Store) DispatchIfCurrent(env wire.Envelope, versions map[string]uint64) (snap Snapshot, applied bool, err error) {
	s.pipeline.Lock()
	defer s.pipeline.Unlock()

	s.mu.RLock()
	for _, t := range supersededBy(env.Type) {
		if s.versions[t] != versions[t] {
			s.mu.RUnlock()
			return s.GetSnapshot(), false, nil
		}
	}
	s.mu.RUnlock()
	snap, err = s.dispatchLocked(env)
	return snap, err == nil, err
}

// supersededBy lists the envelope types whose application makes an older
// envelope of msgType stale.
func supersededBy(msgType string) []string {
	if msgType == common.TypePortfolioUpdate {
		return []string{common.TypePortfolioUpdate, common.TypeTradeExecuted, common.TypePriceUpdate}
	}
	return []string{msgType}
}

// Versions returns how many envelopes of each type have been applied.
func (s *Store) Versions() map[string]uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]uint64, len(s.versions))
	for k, v := range s.versions {
		out[k] = v
	}
	return out
}

func (s *Store) dispatchLocked(env wire.Envelope) (Snapshot, error) {
	prev := s.GetSnapshot()
	reduce, ok := s.reducers[env.Type]
	if !ok {
		log.Debug().Str("type", env.Type).Msg("Ignoring unknown message type")
		return prev, nil
	}
	next, err := reduce(prev, env, s.now())
	if errors.Is(err, errUnchanged) {
		return prev, nil
	}
	if err != nil {
		return prev, err
	}
	s.mu.Lock()
	s.versions[env.Type]++
	s.mu.Unlock()
	s.publish(next)
	return next, nil
}

// Mutate applies a local change. fn receives a private copy of the current
// snapshot and returns the snapshot to publish.
func (s *Store) Mutate(fn func(Snapshot) Snapshot) Snapshot {
	s.pipeline.Lock()
	defer s.pipeline.Unlock()

	next := fn(s.GetSnapshot().Clone())
	if next.Positions == nil {
		next.Positions = map[string]Position{}
	}
	if next.Signals == nil {
		next.Signals = []Signal{}
	}
	s.publish(next)
	return next
}

// GetSnapshot returns the latest published snapshot.
func (s *Store) GetSnapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Subscribe registers a listener and returns a function that removes it.
func (s *Store) Subscribe(l Listener) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = l
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *Store) publish(next Snapshot) {
	s.mu.Lock()
	s.snap = next
	listeners := make([]Listener, 0, len(s.subs))
	for _, l := range s.subs {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()

	for _, l := range listeners {
		l(next)
	}
}
