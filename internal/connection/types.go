package connection

import (
	"errors"
	"fmt"
	"math"
	"time"

	"tradedesk-sync/internal/common"
)

// Status is the connection state exposed to collaborators.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// Timer names owned by the manager.
const (
	timerHeartbeat = "connection.heartbeat"
	timerReconnect = "connection.reconnect"
)

// ErrClosed is returned once the manager has been torn down.
var ErrClosed = errors.New("connection manager closed")

// TransportError is an abnormal drop or a refused dial.
type TransportError struct {
	Attempt int
	Code    int
	Err     error
}

func (e *TransportError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("transport error (attempt %d, close code %d): %v", e.Attempt, e.Code, e.Err)
	}
	return fmt.Sprintf("transport error (attempt %d): %v", e.Attempt, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Config drives the reconnection policy.
type Config struct {
	URL               string
	ReconnectAttempts int
	ReconnectInterval time.Duration
	HeartbeatInterval time.Duration
	AutoConnect       bool
}

// StatusEvent is published on every status transition.
type StatusEvent struct {
	Status       Status
	Attempt      int           // reconnect attempt scheduled (1-based), 0 when none
	MaxAttempts  int           // configured ceiling
	Delay        time.Duration // delay before the scheduled attempt
	Reconnecting bool          // a reconnect timer is pending
	Terminal     bool          // ceiling exhausted, no further automatic retry
	Err          error
	At           time.Time
}

// State is a point-in-time view of the manager.
type State struct {
	Status      Status `json:"status"`
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"maxAttempts"`
	Terminal    bool   `json:"terminal"`
	Queued      int    `json:"queued"`
}

// Observer consumes manager output. Calls are made from a single goroutine,
// one at a time, in the order the manager produced them. Observers may call
// back into the manager.
type Observer interface {
	OnStatus(ev StatusEvent)
	OnFrame(data []byte, receivedAt time.Time)
}

// MetricsInterface defines the metrics methods needed by the manager.
type MetricsInterface interface {
	ReconnectScheduled()
	RetryExhausted()
	StatusChanged(status string)
	QueueSize(n int)
	FrameSent()
}

type nopMetrics struct{}

func (nopMetrics) ReconnectScheduled()  {}
func (nopMetrics) RetryExhausted()      {}
func (nopMetrics) StatusChanged(string) {}
func (nopMetrics) QueueSize(int)        {}
func (nopMetrics) FrameSent()           {}

// BackoffDelay returns the reconnect delay for attempt k (1-based):
// base × 1.5^(k−1).
func BackoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(float64(base) * math.Pow(common.BackoffFactor, float64(attempt-1)))
}
