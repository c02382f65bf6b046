package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"tradedesk-sync/internal/common"
	"tradedesk-sync/internal/connection"
	"tradedesk-sync/internal/sched"
	"tradedesk-sync/internal/state"
	"tradedesk-sync/internal/transport"
	"tradedesk-sync/internal/wire"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

var start = time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC)

type fakeConn struct {
	mu      sync.Mutex
	handler transport.Handler
	sent    []wire.Envelope
	closed  bool
}

func (c *fakeConn) Send(data []byte) error {
	env, err := wire.Decode(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	c.sent = append(c.sent, env)
	return nil
}

func (c *fakeConn) Close(code int, reason string) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.handler.OnClose(transport.CloseInfo{Clean: true, Code: code})
	return nil
}

func (c *fakeConn) Sent() []wire.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]wire.Envelope(nil), c.sent...)
}

func (c *fakeConn) push(frame string) {
	c.handler.OnFrame([]byte(frame))
}

func (c *fakeConn) drop() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.handler.OnClose(transport.CloseInfo{Code: 1006, Err: errors.New("unexpected EOF")})
}

type fakeDialer struct {
	mu    sync.Mutex
	fail  error
	conns []*fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context, url string, h transport.Handler) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return nil, d.fail
	}
	c := &fakeConn{handler: h}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

type fakeRefetcher struct {
	mu    sync.Mutex
	kinds []string
	reply map[string]string
	err   error
	gate  chan struct{} // when set, replies wait until it is closed
}

func (f *fakeRefetcher) Fetch(ctx context.Context, kind string) (wire.Envelope, error) {
	f.mu.Lock()
	f.kinds = append(f.kinds, kind)
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return wire.Envelope{}, f.err
	}
	body, ok := f.reply[kind]
	if !ok {
		return wire.Envelope{}, fmt.Errorf("no reply for %s", kind)
	}
	msgType := map[string]string{
		common.KindPortfolio:   common.TypePortfolioUpdate,
		common.KindSignals:     common.TypeSignalsUpdate,
		common.KindRiskMetrics: common.TypeRiskUpdate,
	}[kind]
	return wire.Envelope{Type: msgType, Payload: json.RawMessage(body), Timestamp: start.UnixMilli()}, nil
}

func (f *fakeRefetcher) Kinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.kinds...)
}

type noticeLog struct {
	mu      sync.Mutex
	notices []Notice
}

func (n *noticeLog) add(notice Notice) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
}

func (n *noticeLog) find(level NoticeLevel, title string) (Notice, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, notice := range n.notices {
		if notice.Level == level && notice.Title == title {
			return notice, true
		}
	}
	return Notice{}, false
}

type harness struct {
	client  *Client
	sched   *sched.Manual
	dialer  *fakeDialer
	refetch *fakeRefetcher
	notices *noticeLog
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{
		sched:   sched.NewManual(start),
		dialer:  &fakeDialer{},
		refetch: &fakeRefetcher{reply: map[string]string{}},
		notices: &noticeLog{},
	}
	opts := Options{
		Connection: connection.Config{
			URL:               "ws://backend.test",
			ReconnectAttempts: 5,
			ReconnectInterval: 3 * time.Second,
			HeartbeatInterval: 30 * time.Second,
			AutoConnect:       true,
		},
		Dialer:    h.dialer,
		Scheduler: h.sched,
		Refetcher: h.refetch,
		SignalCap: common.DefaultSignalCap,
	}
	if mutate != nil {
		mutate(&opts)
	}
	h.client = NewClient(opts)
	h.client.SubscribeNotices(h.notices.add)
	h.client.Start(context.Background())
	t.Cleanup(h.client.Close)
	return h
}

func (h *harness) waitConnected(t *testing.T) *fakeConn {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.client.Connection().Status == connection.StatusConnected
	}, waitFor, time.Millisecond)
	return h.dialer.last()
}

func frame(t *testing.T, msgType string, payload string) string {
	t.Helper()
	data, err := wire.Encode(wire.Envelope{Type: msgType, Payload: json.RawMessage(payload), Timestamp: start.UnixMilli()})
	require.NoError(t, err)
	return string(data)
}

func TestPortfolioUpdateScenario(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.waitConnected(t)

	conn.push(frame(t, common.TypePortfolioUpdate, `{"portfolioValue":130000,"dailyPnL":3000,"positions":[]}`))

	require.Eventually(t, func() bool {
		return h.client.Snapshot().PortfolioValue.Equal(decimal.NewFromInt(130000))
	}, waitFor, time.Millisecond)
	_, ok := h.notices.find(NoticeInfo, "Connected")
	assert.True(t, ok)
}

func TestHeartbeatGoesToHealthOnly(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.waitConnected(t)

	var published int
	var mu sync.Mutex
	h.client.SubscribeSnapshots(func(state.Snapshot) { mu.Lock(); published++; mu.Unlock() })

	sent := start.Add(-25 * time.Millisecond)
	data, err := wire.Encode(wire.Heartbeat(sent))
	require.NoError(t, err)
	conn.push(string(data))

	require.Eventually(t, func() bool { return h.client.Health().LastHeartbeat != nil }, waitFor, time.Millisecond)
	assert.Equal(t, 25*time.Millisecond, h.client.Health().Latency)
	assert.True(t, h.client.Snapshot().LastUpdate.IsZero())
	mu.Lock()
	assert.Zero(t, published)
	mu.Unlock()
}

func TestMalformedFrameIsDiscarded(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.waitConnected(t)

	conn.push(`{"type":`)
	conn.push(`{"payload":{}}`)
	conn.push(frame(t, common.TypeRiskUpdate, `{"sharpeRatio":2}`))

	require.Eventually(t, func() bool { return h.client.Snapshot().RiskMetrics != nil }, waitFor, time.Millisecond)
	assert.Equal(t, connection.StatusConnected, h.client.Connection().Status)
}

func TestTradeExecutedFlattensAndConfirms(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.waitConnected(t)

	conn.push(frame(t, common.TypePortfolioUpdate, `{"portfolioValue":18000,"dailyPnL":0,"positions":[{"symbol":"AAPL","quantity":100,"avgPrice":180,"currentPrice":180}]}`))
	require.Eventually(t, func() bool {
		_, ok := h.client.Snapshot().Position("AAPL")
		return ok
	}, waitFor, time.Millisecond)

	id := h.client.ApplyOptimisticUpdate(common.KindPortfolio, map[string]any{"symbol": "AAPL", "side": "SELL"}, nil)
	require.Equal(t, 1, h.client.PendingUpdatesCount())

	conn.push(frame(t, common.TypeTradeExecuted, fmt.Sprintf(`{"orderId":%q,"symbol":"AAPL","signedQuantity":-100,"price":185}`, id)))

	require.Eventually(t, func() bool { return h.client.PendingUpdatesCount() == 0 }, waitFor, time.Millisecond)
	_, held := h.client.Snapshot().Position("AAPL")
	assert.False(t, held)
	entries := h.client.PendingUpdates()
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Confirmed)
}

func TestApplicationErrorRollsBackAndReconciles(t *testing.T) {
	h := newHarness(t, nil)
	h.refetch.reply[common.KindSignals] = `[{"id":"server-1"}]`
	conn := h.waitConnected(t)

	id := h.client.ApplyOptimisticUpdate(common.KindSignals, nil, func(s state.Snapshot) state.Snapshot {
		s.Signals = append([]state.Signal{{ID: "local"}}, s.Signals...)
		return s
	})
	require.Equal(t, "local", h.client.Snapshot().Signals[0].ID)

	conn.push(frame(t, common.TypeError, fmt.Sprintf(`{"requestId":%q,"code":409,"message":"signal already executed"}`, id)))

	require.Eventually(t, func() bool {
		signals := h.client.Snapshot().Signals
		return len(signals) == 1 && signals[0].ID == "server-1"
	}, waitFor, time.Millisecond)
	assert.Equal(t, 0, h.client.PendingUpdatesCount())
	assert.Equal(t, []string{common.KindSignals}, h.refetch.Kinds())

	notice, ok := h.notices.find(NoticeError, "Command failed")
	require.True(t, ok)
	var appErr *ApplicationError
	require.ErrorAs(t, notice.Err, &appErr)
	assert.Equal(t, id, appErr.RequestID)
	assert.Equal(t, "409", appErr.Code)
	assert.Equal(t, connection.StatusConnected, h.client.Connection().Status)
}

func TestApplicationErrorWithoutRequestID(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.waitConnected(t)
	h.client.ApplyOptimisticUpdate(common.KindPortfolio, nil, nil)

	conn.push(frame(t, common.TypeError, `{"error":"rate limited"}`))

	require.Eventually(t, func() bool {
		_, ok := h.notices.find(NoticeError, "Command failed")
		return ok
	}, waitFor, time.Millisecond)
	assert.Equal(t, 1, h.client.PendingUpdatesCount())
	assert.Empty(t, h.refetch.Kinds())
}

func TestRollbackRestoresPendingAndRefetches(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Connection.AutoConnect = false })
	h.refetch.reply[common.KindPortfolio] = `{"portfolioValue":99000,"dailyPnL":-10,"positions":[]}`

	before := h.client.PendingUpdatesCount()
	id := h.client.ApplyOptimisticUpdate(common.KindPortfolio, nil, func(s state.Snapshot) state.Snapshot {
		s.PortfolioValue = decimal.NewFromInt(1)
		return s
	})
	require.NoError(t, h.client.RollbackOptimisticUpdate(id))

	assert.Equal(t, before, h.client.PendingUpdatesCount())
	require.Eventually(t, func() bool {
		return h.client.Snapshot().PortfolioValue.Equal(decimal.NewFromInt(99000))
	}, waitFor, time.Millisecond)

	assert.Error(t, h.client.RollbackOptimisticUpdate(id))
}

func TestReconcileFailureNotifies(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Connection.AutoConnect = false })
	h.refetch.err = errors.New("backend unavailable")

	id := h.client.ApplyOptimisticUpdate(common.KindRiskMetrics, nil, nil)
	require.NoError(t, h.client.RollbackOptimisticUpdate(id))

	require.Eventually(t, func() bool {
		_, ok := h.notices.find(NoticeError, "Refresh failed")
		return ok
	}, waitFor, time.Millisecond)
}

func TestSubmitWhileDisconnectedQueuesThenSends(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Connection.AutoConnect = false })
	require.Equal(t, connection.StatusDisconnected, h.client.Connection().Status)

	id, err := h.client.Submit(common.KindSignals, "execute_signal", map[string]any{"signalId": "sig-9"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, h.client.PendingUpdatesCount())

	conn := h.waitConnected(t)
	require.Eventually(t, func() bool { return len(conn.Sent()) == 1 }, waitFor, time.Millisecond)

	sent := conn.Sent()[0]
	assert.Equal(t, "execute_signal", sent.Type)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(sent.Payload, &payload))
	assert.Equal(t, id, payload["requestId"])
	assert.Equal(t, "sig-9", payload["signalId"])
}

func TestSubmitAfterCloseRollsBack(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Connection.AutoConnect = false })
	h.client.conn.Close()

	_, err := h.client.Submit(common.KindPortfolio, "close_position", map[string]any{"symbol": "AAPL"}, nil)
	require.ErrorIs(t, err, connection.ErrClosed)
	assert.Equal(t, 0, h.client.PendingUpdatesCount())
}

func TestReconnectNotices(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Connection.ReconnectAttempts = 1 })
	conn := h.waitConnected(t)

	h.dialer.mu.Lock()
	h.dialer.fail = errors.New("connection refused")
	h.dialer.mu.Unlock()
	conn.drop()

	require.Eventually(t, func() bool {
		n, ok := h.notices.find(NoticeWarning, "Connection lost")
		return ok && n.Message == "Reconnecting... (1/1)"
	}, waitFor, time.Millisecond)
	health := h.client.Health()
	assert.True(t, health.Reconnecting)
	assert.Equal(t, 1, health.ConnectionAttempts)

	require.True(t, h.sched.Fire("connection.reconnect"))
	require.Eventually(t, func() bool {
		_, ok := h.notices.find(NoticeError, "Connection failed")
		return ok
	}, waitFor, time.Millisecond)
	assert.True(t, h.client.Health().Terminal)
}

func TestAckTimeoutRollsBackAndRefetches(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Connection.AutoConnect = false
		o.AckTimeout = 10 * time.Second
	})
	h.refetch.reply[common.KindPortfolio] = `{"portfolioValue":5,"dailyPnL":0,"positions":[]}`

	h.client.ApplyOptimisticUpdate(common.KindPortfolio, nil, nil)
	h.sched.Advance(10 * time.Second)

	assert.Equal(t, 0, h.client.PendingUpdatesCount())
	_, ok := h.notices.find(NoticeWarning, "Update not confirmed")
	assert.True(t, ok)
	require.Eventually(t, func() bool {
		return h.client.Snapshot().PortfolioValue.Equal(decimal.NewFromInt(5))
	}, waitFor, time.Millisecond)
}

func TestDisconnectStopsConnection(t *testing.T) {
	h := newHarness(t, nil)
	h.waitConnected(t)

	h.client.Disconnect()

	assert.Equal(t, connection.StatusDisconnected, h.client.Connection().Status)
	require.Eventually(t, func() bool {
		return h.client.Health().Status == connection.StatusDisconnected
	}, waitFor, time.Millisecond)
}

func TestNullPayloadKeepsPortfolio(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.waitConnected(t)

	conn.push(frame(t, common.TypePortfolioUpdate, `{"portfolioValue":18000,"dailyPnL":0,"positions":[{"symbol":"AAPL","quantity":100,"avgPrice":180,"currentPrice":180}]}`))
	conn.push(`{"type":"portfolio_update","payload":null,"timestamp":1709303400000}`)
	conn.push(frame(t, common.TypeRiskUpdate, `{"sharpeRatio":2}`))

	require.Eventually(t, func() bool { return h.client.Snapshot().RiskMetrics != nil }, waitFor, time.Millisecond)
	snap := h.client.Snapshot()
	assert.True(t, snap.PortfolioValue.Equal(decimal.NewFromInt(18000)))
	_, held := snap.Position("AAPL")
	assert.True(t, held)
}

func TestDisconnectRollsBackQueuedCommands(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Connection.AutoConnect = false })
	h.refetch.reply[common.KindPortfolio] = `{"portfolioValue":99000,"dailyPnL":0,"positions":[]}`
	h.dialer.mu.Lock()
	h.dialer.fail = errors.New("connection refused")
	h.dialer.mu.Unlock()

	_, err := h.client.Submit(common.KindPortfolio, "close_position", map[string]any{"symbol": "AAPL"}, func(s state.Snapshot) state.Snapshot {
		s.PortfolioValue = decimal.NewFromInt(1)
		return s
	})
	require.NoError(t, err)
	_, err = h.client.Submit(common.KindPortfolio, "close_position", map[string]any{"symbol": "MSFT"}, nil)
	require.NoError(t, err)
	h.client.ApplyOptimisticUpdate(common.KindSignals, nil, nil)

	require.Eventually(t, func() bool { return h.client.Health().Reconnecting }, waitFor, time.Millisecond)
	require.Equal(t, 2, h.client.Connection().Queued)
	require.Equal(t, 3, h.client.PendingUpdatesCount())

	h.client.Disconnect()

	connState := h.client.Connection()
	assert.Equal(t, connection.StatusDisconnected, connState.Status)
	assert.Equal(t, 0, connState.Queued)
	assert.Equal(t, 1, h.client.PendingUpdatesCount(), "only the entry without a queued command remains")
	require.Eventually(t, func() bool {
		return h.client.Snapshot().PortfolioValue.Equal(decimal.NewFromInt(99000))
	}, waitFor, time.Millisecond)
	assert.Equal(t, []string{common.KindPortfolio}, h.refetch.Kinds())

	notice, ok := h.notices.find(NoticeWarning, "Commands discarded")
	require.True(t, ok)
	assert.Equal(t, "2 queued command(s) were not sent", notice.Message)
}

func TestReconcileKeepsNewerStreamUpdate(t *testing.T) {
	h := newHarness(t, nil)
	h.refetch.gate = make(chan struct{})
	h.refetch.reply[common.KindPortfolio] = `{"portfolioValue":99000,"dailyPnL":0,"positions":[]}`
	conn := h.waitConnected(t)

	id := h.client.ApplyOptimisticUpdate(common.KindPortfolio, nil, nil)
	require.NoError(t, h.client.RollbackOptimisticUpdate(id))
	require.Eventually(t, func() bool { return len(h.refetch.Kinds()) == 1 }, waitFor, time.Millisecond)

	conn.push(frame(t, common.TypePortfolioUpdate, `{"portfolioValue":130000,"dailyPnL":3000,"positions":[]}`))
	require.Eventually(t, func() bool {
		return h.client.Snapshot().PortfolioValue.Equal(decimal.NewFromInt(130000))
	}, waitFor, time.Millisecond)

	close(h.refetch.gate)
	h.client.wg.Wait()

	assert.True(t, h.client.Snapshot().PortfolioValue.Equal(decimal.NewFromInt(130000)))
	_, failed := h.notices.find(NoticeError, "Refresh failed")
	assert.False(t, failed)
}

func TestReconcileKeepsTradeAppliedDuringRefresh(t *testing.T) {
	h := newHarness(t, nil)
	h.refetch.gate = make(chan struct{})
	h.refetch.reply[common.KindPortfolio] = `{"portfolioValue":99000,"dailyPnL":0,"positions":[]}`
	conn := h.waitConnected(t)

	id := h.client.ApplyOptimisticUpdate(common.KindPortfolio, nil, nil)
	require.NoError(t, h.client.RollbackOptimisticUpdate(id))
	require.Eventually(t, func() bool { return len(h.refetch.Kinds()) == 1 }, waitFor, time.Millisecond)

	conn.push(frame(t, common.TypeTradeExecuted, `{"orderId":"o-7","symbol":"NVDA","signedQuantity":5,"price":900}`))
	require.Eventually(t, func() bool {
		_, ok := h.client.Snapshot().Position("NVDA")
		return ok
	}, waitFor, time.Millisecond)

	close(h.refetch.gate)
	h.client.wg.Wait()

	nvda, held := h.client.Snapshot().Position("NVDA")
	require.True(t, held)
	assert.True(t, nvda.Quantity.Equal(decimal.NewFromInt(5)))
	assert.False(t, h.client.Snapshot().PortfolioValue.Equal(decimal.NewFromInt(99000)))
}
