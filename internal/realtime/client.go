// Package realtime is the synchronization layer between the trading backend
// and the monitoring front end. A Client owns the connection manager, the
// domain store, the optimistic ledger and the health monitor, and routes
// every inbound frame to exactly one of them.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tradedesk-sync/internal/connection"
	"tradedesk-sync/internal/health"
	"tradedesk-sync/internal/ledger"
	"tradedesk-sync/internal/sched"
	"tradedesk-sync/internal/state"
	"tradedesk-sync/internal/transport"
	"tradedesk-sync/internal/wire"

	"github.com/rs/zerolog/log"
)

// Refetcher loads authoritative server state for a rolled-back kind.
type Refetcher interface {
	Fetch(ctx context.Context, kind string) (wire.Envelope, error)
}

// MetricsInterface is everything the sync layer reports.
type MetricsInterface interface {
	connection.MetricsInterface
	ledger.MetricsInterface
	health.MetricsInterface
	FrameReceived(msgType string)
	DecodeError()
	ReconcileObserve(seconds float64)
	Error()
}

// Options configures a Client.
type Options struct {
	Connection       connection.Config
	Dialer           transport.Dialer
	Scheduler        sched.Scheduler
	Refetcher        Refetcher
	Metrics          MetricsInterface
	SignalCap        int
	LedgerGCInterval time.Duration
	LedgerRetention  time.Duration
	AckTimeout       time.Duration
}

// Client is an explicitly constructed sync session. Nothing runs until Start
// and everything is released by Close.
type Client struct {
	sched   sched.Scheduler
	store   *state.Store
	ledger  *ledger.Ledger
	health  *health.Monitor
	conn    *connection.Manager
	refetch Refetcher
	metrics MetricsInterface
	notices notifier

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewClient wires the components together.
func NewClient(opts Options) *Client {
	if opts.Scheduler == nil {
		opts.Scheduler = sched.NewTimers()
	}
	if opts.Dialer == nil {
		opts.Dialer = transport.NewWSDialer()
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}

	c := &Client{
		sched:   opts.Scheduler,
		refetch: opts.Refetcher,
		metrics: opts.Metrics,
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.store = state.NewStore(opts.SignalCap, opts.Scheduler.Now)
	c.ledger = ledger.NewLedger(opts.Scheduler, opts.LedgerGCInterval, opts.LedgerRetention, opts.AckTimeout)
	c.ledger.SetMetrics(opts.Metrics)
	c.ledger.SetTimeoutHandler(c.onAckTimeout)
	c.health = health.NewMonitor(opts.Metrics)
	c.conn = connection.NewManager(opts.Connection, opts.Dialer, opts.Scheduler, c, opts.Metrics)
	return c
}

// Start begins ledger GC and, if configured, connects.
func (c *Client) Start(ctx context.Context) {
	c.ledger.Start()
	c.conn.Start(ctx)
}

// Close tears down the connection and all timers and waits for in-flight
// reconciliations.
func (c *Client) Close() {
	c.conn.Close()
	c.ledger.Stop()

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()
}

// Connect opens the connection; see connection.Manager.Connect.
func (c *Client) Connect() { c.conn.Connect() }

// Disconnect closes the connection on the user's behalf. Commands still
// queued are dropped; their optimistic updates are rolled back and the
// affected kinds refetched.
func (c *Client) Disconnect() {
	dropped := c.conn.Disconnect()
	if len(dropped) == 0 {
		return
	}

	reconciled := make(map[string]bool)
	rolledBack := 0
	for _, msg := range dropped {
		var ack ackPayload
		if err := msg.Envelope.DecodePayload(&ack); err != nil || ack.RequestID == "" {
			continue
		}
		e, err := c.ledger.Drop(ack.RequestID)
		if err != nil {
			continue
		}
		rolledBack++
		if !reconciled[e.Kind] {
			reconciled[e.Kind] = true
			c.reconcile(e)
		}
	}
	if rolledBack > 0 {
		c.notify(NoticeWarning, "Commands discarded",
			fmt.Sprintf("%d queued command(s) were not sent", rolledBack), nil)
	}
}

// Send transmits, or queues until connected, a command envelope.
func (c *Client) Send(msgType string, payload any) error {
	env, err := wire.New(msgType, payload, c.sched.Now())
	if err != nil {
		return err
	}
	return c.conn.Send(env)
}

// ApplyOptimisticUpdate applies mutate to the store immediately and records
// an unconfirmed ledger entry for it. The returned id is what the server
// echoes back as orderId or requestId.
func (c *Client) ApplyOptimisticUpdate(kind string, data any, mutate func(state.Snapshot) state.Snapshot) string {
	var apply func()
	if mutate != nil {
		apply = func() { c.store.Mutate(mutate) }
	}
	return c.ledger.Apply(kind, data, apply)
}

// RollbackOptimisticUpdate drops the entry and refetches its kind from the
// server in the background.
func (c *Client) RollbackOptimisticUpdate(id string) error {
	e, err := c.ledger.Rollback(id)
	if err != nil {
		return err
	}
	c.reconcile(e)
	return nil
}

// Submit applies an optimistic update and sends the command that should
// confirm it. The ledger id is added to the payload as requestId.
func (c *Client) Submit(kind, msgType string, payload map[string]any, mutate func(state.Snapshot) state.Snapshot) (string, error) {
	id := c.ApplyOptimisticUpdate(kind, payload, mutate)

	out := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	out["requestId"] = id

	if err := c.Send(msgType, out); err != nil {
		if e, rerr := c.ledger.Rollback(id); rerr == nil {
			c.reconcile(e)
		}
		return "", fmt.Errorf("submit %s: %w", msgType, err)
	}
	return id, nil
}

// Snapshot returns the latest domain snapshot.
func (c *Client) Snapshot() state.Snapshot { return c.store.GetSnapshot() }

// SubscribeSnapshots registers fn for every published snapshot.
func (c *Client) SubscribeSnapshots(fn state.Listener) func() { return c.store.Subscribe(fn) }

// SubscribeNotices registers fn for user-visible notices.
func (c *Client) SubscribeNotices(fn func(Notice)) func() { return c.notices.subscribe(fn) }

// Health returns the connection health view.
func (c *Client) Health() health.Health { return c.health.Health() }

// Connection returns the manager state.
func (c *Client) Connection() connection.State { return c.conn.State() }

// PendingUpdatesCount is the number of unconfirmed optimistic updates.
func (c *Client) PendingUpdatesCount() int { return c.ledger.Pending() }

// PendingUpdates lists ledger entries, oldest first.
func (c *Client) PendingUpdates() []ledger.Entry { return c.ledger.Entries() }

func (c *Client) onAckTimeout(e ledger.Entry) {
	c.notify(NoticeWarning, "Update not confirmed",
		fmt.Sprintf("No acknowledgement for %s update, refreshing", e.Kind), nil)
	c.reconcile(e)
}

// reconcile refetches the entry's kind and replays it into the store unless
// a stream update that supersedes the reply (see state.Store.DispatchIfCurrent)
// was applied while the request was in flight.
func (c *Client) reconcile(e ledger.Entry) {
	if c.refetch == nil {
		log.Debug().Str("kind", e.Kind).Msg("No refetcher configured, skipping reconcile")
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()
	versions := c.store.Versions()

	go func() {
		defer c.wg.Done()

		start := time.Now()
		env, err := c.refetch.Fetch(c.ctx, e.Kind)
		c.metrics.ReconcileObserve(time.Since(start).Seconds())
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			c.metrics.Error()
			log.Error().Err(err).Str("kind", e.Kind).Str("id", e.ID).Msg("Reconcile failed")
			c.notify(NoticeError, "Refresh failed", fmt.Sprintf("Could not refresh %s: %v", e.Kind, err), err)
			return
		}
		_, applied, err := c.store.DispatchIfCurrent(env, versions)
		if err != nil {
			c.metrics.Error()
			log.Error().Err(err).Str("kind", e.Kind).Msg("Reconciled payload rejected")
			c.notify(NoticeError, "Refresh failed", fmt.Sprintf("Invalid %s data from server", e.Kind), err)
			return
		}
		if !applied {
			log.Info().Str("kind", e.Kind).Str("type", env.Type).Msg("Newer stream update arrived during refresh, keeping it")
			return
		}
		log.Info().Str("kind", e.Kind).Str("id", e.ID).Msg("State reconciled from server")
	}()
}

func (c *Client) notify(level NoticeLevel, title, message string, err error) {
	c.notices.publish(Notice{Level: level, Title: title, Message: message, At: c.sched.Now(), Err: err})
}

type nopMetrics struct{}

func (nopMetrics) ReconnectScheduled()      {}
func (nopMetrics) RetryExhausted()          {}
func (nopMetrics) StatusChanged(string)     {}
func (nopMetrics) QueueSize(int)            {}
func (nopMetrics) FrameSent()               {}
func (nopMetrics) Applied()                 {}
func (nopMetrics) Confirmed()               {}
func (nopMetrics) RolledBack(string)        {}
func (nopMetrics) Evicted(int)              {}
func (nopMetrics) PendingUpdates(int)       {}
func (nopMetrics) HeartbeatLatency(float64) {}
func (nopMetrics) FrameReceived(string)     {}
func (nopMetrics) DecodeError()             {}
func (nopMetrics) ReconcileObserve(float64) {}
func (nopMetrics) Error()                   {}
