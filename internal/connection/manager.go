// Package connection manages the single persistent connection to the trading
// backend: connect/disconnect/send, heartbeat, bounded exponential-backoff
// reconnection and the outbound queue that bridges disconnects.
package connection

import (
	"context"
	"sync"
	"time"

	"tradedesk-sync/internal/common"
	"tradedesk-sync/internal/sched"
	"tradedesk-sync/internal/transport"
	"tradedesk-sync/internal/wire"

	"github.com/rs/zerolog/log"
)

type eventKind int

const (
	eventStatus eventKind = iota
	eventFrame
)

type event struct {
	kind       eventKind
	status     StatusEvent
	frame      []byte
	receivedAt time.Time
}

// Manager owns at most one live connection. All state transitions happen
// under mu; observer notifications are queued in transition order and
// delivered by a single pump goroutine. Writes never hold mu: one drain loop
// at a time owns the outbound queue of the current connection.
type Manager struct {
	cfg      Config
	dialer   transport.Dialer
	sched    sched.Scheduler
	observer Observer
	metrics  MetricsInterface

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	status   Status
	conn     transport.Conn
	gen      uint64 // bumped whenever the current connection is abandoned
	attempts int
	terminal bool
	queue    Queue
	writing  bool // a drain loop owns the current connection's writes
	started  bool
	closed   bool

	// mailbox
	events  []event
	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}
}

// NewManager creates a manager. Nothing is dialed until Start.
func NewManager(cfg Config, dialer transport.Dialer, s sched.Scheduler, observer Observer, metrics MetricsInterface) *Manager {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = common.DefaultReconnectInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = common.DefaultHeartbeatInterval
	}
	if cfg.ReconnectAttempts < 0 {
		cfg.ReconnectAttempts = 0
	}

	return &Manager{
		cfg:      cfg,
		dialer:   dialer,
		sched:    s,
		observer: observer,
		metrics:  metrics,
		status:   StatusDisconnected,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start launches event delivery and, when configured, the first connect.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started || m.closed {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	go m.pump()

	if m.cfg.AutoConnect {
		m.Connect()
	}
}

// Close disconnects, cancels the manager's timers and stops event delivery
// after the already-queued events are delivered.
func (m *Manager) Close() {
	m.Disconnect()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	started := m.started
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Unlock()

	close(m.done)
	if started {
		<-m.stopped
	}
	log.Info().Msg("connection manager stopped")
}

// Connect opens the connection unless one is already live or being opened.
// An explicit call also resets the attempt counter, so it recovers from the
// terminal error state.
func (m *Manager) Connect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status == StatusConnected || m.status == StatusConnecting {
		return
	}
	m.attempts = 0
	m.terminal = false
	m.sched.Cancel(timerReconnect)
	m.connectLocked()
}

// Disconnect closes the connection on the user's behalf: timers are
// cancelled and no reconnect is attempted. Queued messages are dropped and
// returned so the caller can undo what they were meant to confirm.
func (m *Manager) Disconnect() []OutboundMessage {
	m.mu.Lock()
	m.abandonLocked()
	m.sched.Cancel(timerReconnect, timerHeartbeat)
	conn := m.conn
	m.conn = nil
	dropped := m.queue.Clear()
	if len(dropped) > 0 {
		log.Info().Int("dropped", len(dropped)).Msg("Outbound queue cleared on disconnect")
	}
	m.metrics.QueueSize(0)
	m.attempts = 0
	m.terminal = false
	changed := m.status != StatusDisconnected
	if changed {
		m.setStatusLocked(StatusEvent{Status: StatusDisconnected})
	}
	m.mu.Unlock()

	if conn != nil {
		if err := conn.Close(common.CloseNormal, common.UserDisconnectReason); err != nil {
			log.Debug().Err(err).Msg("error closing connection")
		}
	}
	if changed {
		log.Info().Msg("Disconnected by user")
	}
	return dropped
}

// Send transmits immediately when connected; otherwise the envelope is queued
// and, if the manager is idle, a connect is started. Queued envelopes are
// always written before newer ones.
func (m *Manager) Send(env wire.Envelope) error {
	data, err := wire.Encode(env)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}

	m.queue.Push(OutboundMessage{Envelope: env, Data: data})
	m.metrics.QueueSize(m.queue.Len())
	conn, gen, owner := m.claimWriterLocked()
	if !owner {
		log.Debug().Str("type", env.Type).Int("queued", m.queue.Len()).Str("status", string(m.status)).Msg("Message queued")
		if m.status == StatusDisconnected {
			m.connectLocked()
		}
	}
	m.mu.Unlock()

	if owner {
		m.drain(gen, conn)
	}
	return nil
}

// State returns the current manager state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State{
		Status:      m.status,
		Attempts:    m.attempts,
		MaxAttempts: m.cfg.ReconnectAttempts,
		Terminal:    m.terminal,
		Queued:      m.queue.Len(),
	}
}

// Status returns the current connection status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// QueuedTypes lists queued envelope types in send order.
func (m *Manager) QueuedTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.Types()
}

func (m *Manager) connectLocked() {
	if m.closed || m.ctx == nil {
		return
	}
	m.abandonLocked()
	gen := m.gen
	m.setStatusLocked(StatusEvent{Status: StatusConnecting, Attempt: m.attempts})

	go m.dial(gen)
}

func (m *Manager) dial(gen uint64) {
	conn, err := m.dialer.Dial(m.ctx, m.cfg.URL, transport.Handler{
		OnFrame: func(data []byte) { m.onFrame(gen, data) },
		OnClose: func(info transport.CloseInfo) { m.onClose(gen, info) },
	})

	m.mu.Lock()
	if gen != m.gen {
		// Superseded by a disconnect, a newer connect or an early close.
		m.mu.Unlock()
		if conn != nil {
			go conn.Close(common.CloseNormal, common.UserDisconnectReason)
		}
		return
	}
	if err != nil {
		log.Warn().Err(err).Str("url", m.cfg.URL).Int("attempt", m.attempts).Msg("WebSocket connection failed")
		m.dropLocked(&TransportError{Attempt: m.attempts, Err: err})
		m.mu.Unlock()
		return
	}

	m.conn = conn
	m.attempts = 0
	m.terminal = false
	m.setStatusLocked(StatusEvent{Status: StatusConnected})
	log.Info().Str("url", m.cfg.URL).Msg("Real-time connection established")

	m.sched.Every(timerHeartbeat, m.cfg.HeartbeatInterval, func() { m.heartbeat(gen) })
	owner := false
	if m.queue.Len() > 0 {
		_, _, owner = m.claimWriterLocked()
	}
	m.mu.Unlock()

	if owner {
		sent, remaining := m.drain(gen, conn)
		log.Info().Int("sent", sent).Int("remaining", remaining).Msg("Flushed outbound queue")
	}
}

func (m *Manager) onFrame(gen uint64, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return
	}
	m.postLocked(event{kind: eventFrame, frame: data, receivedAt: m.sched.Now()})
}

func (m *Manager) onClose(gen uint64, info transport.CloseInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return
	}

	if info.Clean {
		m.abandonLocked()
		m.conn = nil
		m.sched.Cancel(timerHeartbeat)
		m.attempts = 0
		m.setStatusLocked(StatusEvent{Status: StatusDisconnected})
		log.Info().Int("code", info.Code).Msg("Connection closed cleanly")
		return
	}
	m.dropLocked(&TransportError{Attempt: m.attempts, Code: info.Code, Err: info.Err})
}

// dropLocked handles an abnormal close or a failed dial: it either schedules
// the next attempt or enters the terminal error state.
func (m *Manager) dropLocked(cause *TransportError) {
	m.abandonLocked()
	m.conn = nil
	m.sched.Cancel(timerHeartbeat)

	if m.attempts >= m.cfg.ReconnectAttempts {
		m.terminal = true
		m.sched.Cancel(timerReconnect)
		m.metrics.RetryExhausted()
		m.setStatusLocked(StatusEvent{Status: StatusError, Attempt: m.attempts, Terminal: true, Err: cause})
		log.Error().Err(cause).Int("max_attempts", m.cfg.ReconnectAttempts).Msg("Maximum reconnection attempts reached")
		return
	}

	m.attempts++
	delay := BackoffDelay(m.cfg.ReconnectInterval, m.attempts)
	gen := m.gen
	m.sched.After(timerReconnect, delay, func() { m.reconnect(gen) })
	m.metrics.ReconnectScheduled()
	m.setStatusLocked(StatusEvent{Status: StatusError, Attempt: m.attempts, Delay: delay, Reconnecting: true, Err: cause})
	log.Warn().Err(cause).Int("attempt", m.attempts).Int("max_attempts", m.cfg.ReconnectAttempts).Dur("backoff", delay).Msg("Connection lost, reconnecting with exponential backoff...")
}

func (m *Manager) reconnect(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.status != StatusError || m.terminal {
		return
	}
	log.Info().Int("attempt", m.attempts).Int("max_attempts", m.cfg.ReconnectAttempts).Msg("Reconnection attempt")
	m.connectLocked()
}

func (m *Manager) heartbeat(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.status != StatusConnected || m.conn == nil {
		m.mu.Unlock()
		return
	}
	conn := m.conn
	now := m.sched.Now()
	m.mu.Unlock()

	data, err := wire.Encode(wire.Heartbeat(now))
	if err != nil {
		log.Error().Err(err).Msg("encode heartbeat")
		return
	}
	if err := conn.Send(data); err != nil {
		log.Warn().Err(err).Msg("heartbeat failed")
		return
	}
	m.metrics.FrameSent()
	log.Debug().Msg("Sent heartbeat")
}

// abandonLocked invalidates callbacks, timers and the writer bound to the
// current connection.
func (m *Manager) abandonLocked() {
	m.gen++
	m.writing = false
}

// claimWriterLocked makes the caller the drain loop for the live connection
// unless another goroutine already is.
func (m *Manager) claimWriterLocked() (transport.Conn, uint64, bool) {
	if m.status != StatusConnected || m.conn == nil || m.writing {
		return nil, 0, false
	}
	m.writing = true
	return m.conn, m.gen, true
}

// drain writes queued messages in FIFO order without holding mu. A message
// leaves the queue only after its write succeeds; a failed write leaves it
// and everything behind it queued. The loop stops as soon as the connection
// it was started for is abandoned.
func (m *Manager) drain(gen uint64, conn transport.Conn) (sent, remaining int) {
	for {
		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			return sent, 0
		}
		msg, ok := m.queue.Peek()
		if !ok {
			m.writing = false
			m.mu.Unlock()
			return sent, 0
		}
		m.mu.Unlock()

		err := conn.Send(msg.Data)

		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			return sent, 0
		}
		if err != nil {
			m.writing = false
			remaining = m.queue.Len()
			m.mu.Unlock()
			log.Warn().Err(err).Str("type", msg.Envelope.Type).Int("remaining", remaining).Msg("send failed, message stays queued")
			return sent, remaining
		}
		m.queue.Pop()
		m.metrics.FrameSent()
		m.metrics.QueueSize(m.queue.Len())
		m.mu.Unlock()
		sent++
	}
}

func (m *Manager) setStatusLocked(ev StatusEvent) {
	ev.MaxAttempts = m.cfg.ReconnectAttempts
	ev.At = m.sched.Now()
	m.status = ev.Status
	m.metrics.StatusChanged(string(ev.Status))
	m.postLocked(event{kind: eventStatus, status: ev})
}

func (m *Manager) postLocked(ev event) {
	if m.observer == nil || m.closed {
		return
	}
	m.events = append(m.events, ev)
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// pump delivers queued events to the observer one at a time.
func (m *Manager) pump() {
	defer close(m.stopped)
	for {
		select {
		case <-m.wake:
		case <-m.done:
			m.deliver()
			return
		}
		m.deliver()
	}
}

func (m *Manager) deliver() {
	for {
		m.mu.Lock()
		if len(m.events) == 0 {
			m.mu.Unlock()
			return
		}
		ev := m.events[0]
		m.events[0] = event{}
		m.events = m.events[1:]
		m.mu.Unlock()

		switch ev.kind {
		case eventStatus:
			m.observer.OnStatus(ev.status)
		case eventFrame:
			m.observer.OnFrame(ev.frame, ev.receivedAt)
		}
	}
}
