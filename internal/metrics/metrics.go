// Package metrics provides Prometheus metrics collection for the real-time
// sync layer. It covers the connection lifecycle, inbound frame processing,
// the outbound queue and the optimistic update ledger.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the sync client.
type Metrics struct {
	// Connection metrics
	WSReconnects      prometheus.Counter     // Total number of scheduled reconnect attempts
	WSRetryExhausted  prometheus.Counter     // Times the reconnect ceiling was reached
	ConnectionStatus  *prometheus.GaugeVec   // 1 for the current status, 0 for the others
	HeartbeatLatency  prometheus.Histogram   // now - heartbeat frame timestamp, seconds
	FramesReceived    *prometheus.CounterVec // Inbound frames by envelope type
	DecodeErrors      prometheus.Counter     // Malformed inbound frames discarded
	OutboundQueueSize prometheus.Gauge       // Commands waiting for a live connection
	FramesSent        prometheus.Counter     // Outbound frames handed to the transport

	// Optimistic ledger metrics
	PendingUpdates      prometheus.Gauge       // Unconfirmed optimistic entries
	OptimisticApplied   prometheus.Counter     // Optimistic updates applied
	OptimisticConfirmed prometheus.Counter     // Entries confirmed by the server
	OptimisticRollback  *prometheus.CounterVec // Rollbacks by reason
	LedgerEvictions     prometheus.Counter     // Entries removed by the GC sweep
	ReconcileDuration   prometheus.Histogram   // Time spent refetching a rolled-back kind

	// System metrics
	ErrorsTotal prometheus.Counter // Total number of errors encountered
}

// New creates and registers all Prometheus metrics using the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates metrics with a custom registry (useful for testing).
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		WSReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "ws_reconnects_total",
			Help: "Total number of scheduled WebSocket reconnect attempts",
		}),
		WSRetryExhausted: factory.NewCounter(prometheus.CounterOpts{
			Name: "ws_retry_exhausted_total",
			Help: "Number of times the reconnect attempt ceiling was reached",
		}),
		ConnectionStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ws_connection_status",
			Help: "Current connection status (1 for the active status)",
		}, []string{"status"}),
		HeartbeatLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ws_heartbeat_latency_seconds",
			Help:    "Latency derived from inbound heartbeat frames",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		FramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ws_frames_received_total",
			Help: "Total number of inbound frames by envelope type",
		}, []string{"type"}),
		DecodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "ws_decode_errors_total",
			Help: "Total number of malformed inbound frames discarded",
		}),
		OutboundQueueSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ws_outbound_queue_size",
			Help: "Number of outbound commands waiting for a live connection",
		}),
		FramesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "ws_frames_sent_total",
			Help: "Total number of outbound frames written to the connection",
		}),
		PendingUpdates: factory.NewGauge(prometheus.GaugeOpts{
			Name: "optimistic_pending_updates",
			Help: "Number of unconfirmed optimistic updates",
		}),
		OptimisticApplied: factory.NewCounter(prometheus.CounterOpts{
			Name: "optimistic_applied_total",
			Help: "Total number of optimistic updates applied",
		}),
		OptimisticConfirmed: factory.NewCounter(prometheus.CounterOpts{
			Name: "optimistic_confirmed_total",
			Help: "Total number of optimistic updates confirmed by the server",
		}),
		OptimisticRollback: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "optimistic_rollbacks_total",
			Help: "Total number of optimistic updates rolled back",
		}, []string{"reason"}),
		LedgerEvictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "optimistic_gc_evictions_total",
			Help: "Total number of ledger entries removed by the retention sweep",
		}),
		ReconcileDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "reconcile_duration_seconds",
			Help:    "Duration of REST refetches after a rollback",
			Buckets: prometheus.DefBuckets,
		}),
		ErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "errors_total",
			Help: "Total number of errors encountered",
		}),
	}
}
