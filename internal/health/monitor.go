// Package health derives the connection health shown to the user from status
// transitions and inbound heartbeat frames.
package health

import (
	"sync"
	"time"

	"tradedesk-sync/internal/connection"
	"tradedesk-sync/internal/wire"
)

// MetricsInterface defines the metrics methods needed by the monitor
type MetricsInterface interface {
	HeartbeatLatency(seconds float64)
}

// Health is the display view of the connection.
type Health struct {
	Status             connection.Status `json:"status"`
	Latency            time.Duration     `json:"-"`
	LatencyMs          int64             `json:"latency"`
	LastHeartbeat      *time.Time        `json:"lastHeartbeat"`
	ConnectionAttempts int               `json:"connectionAttempts"`
	MaxAttempts        int               `json:"maxAttempts"`
	Reconnecting       bool              `json:"reconnecting"`
	Terminal           bool              `json:"terminal"`
	LastError          string            `json:"lastError,omitempty"`
}

// Monitor is safe for concurrent use.
type Monitor struct {
	mu      sync.RWMutex
	h       Health
	metrics MetricsInterface
}

// NewMonitor starts in the disconnected state.
func NewMonitor(metrics MetricsInterface) *Monitor {
	return &Monitor{
		h:       Health{Status: connection.StatusDisconnected},
		metrics: metrics,
	}
}

// OnStatus records a manager status transition.
func (m *Monitor) OnStatus(ev connection.StatusEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.h.Status = ev.Status
	m.h.ConnectionAttempts = ev.Attempt
	m.h.MaxAttempts = ev.MaxAttempts
	m.h.Reconnecting = ev.Reconnecting
	m.h.Terminal = ev.Terminal
	switch {
	case ev.Err != nil:
		m.h.LastError = ev.Err.Error()
	case ev.Status == connection.StatusConnected:
		m.h.LastError = ""
	}
}

// OnHeartbeat records an inbound heartbeat. Latency is the receive time minus
// the sender timestamp, floored at zero.
func (m *Monitor) OnHeartbeat(env wire.Envelope, receivedAt time.Time) {
	latency := receivedAt.Sub(env.Time())
	if latency < 0 {
		latency = 0
	}

	m.mu.Lock()
	m.h.Latency = latency
	m.h.LatencyMs = latency.Milliseconds()
	at := receivedAt
	m.h.LastHeartbeat = &at
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.HeartbeatLatency(latency.Seconds())
	}
}

// Health returns the current view.
func (m *Monitor) Health() Health {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h := m.h
	if h.LastHeartbeat != nil {
		at := *h.LastHeartbeat
		h.LastHeartbeat = &at
	}
	return h
}
