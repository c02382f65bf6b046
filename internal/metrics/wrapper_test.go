package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewRecorder(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewWithRegistry(registry)
	recorder := NewRecorder(metrics)

	if recorder == nil {
		t.Fatal("NewRecorder returned nil")
	}
	if recorder.m != metrics {
		t.Error("Recorder does not contain correct metrics instance")
	}
}

func TestRecorder_ConnectionCounters(t *testing.T) {
	metrics := NewWithRegistry(prometheus.NewRegistry())
	recorder := NewRecorder(metrics)

	recorder.ReconnectScheduled()
	recorder.ReconnectScheduled()
	if v := testutil.ToFloat64(metrics.WSReconnects); v != 2 {
		t.Errorf("Expected 2 reconnects, got %f", v)
	}

	recorder.RetryExhausted()
	if v := testutil.ToFloat64(metrics.WSRetryExhausted); v != 1 {
		t.Errorf("Expected 1 retry exhaustion, got %f", v)
	}

	recorder.FrameReceived("price_update")
	recorder.FrameReceived("price_update")
	recorder.FrameReceived("heartbeat")
	if v := testutil.ToFloat64(metrics.FramesReceived.WithLabelValues("price_update")); v != 2 {
		t.Errorf("Expected 2 price_update frames, got %f", v)
	}

	recorder.DecodeError()
	if v := testutil.ToFloat64(metrics.DecodeErrors); v != 1 {
		t.Errorf("Expected 1 decode error, got %f", v)
	}
	if v := testutil.ToFloat64(metrics.ErrorsTotal); v != 1 {
		t.Errorf("Expected decode error to count towards errors_total, got %f", v)
	}
}

func TestRecorder_StatusGauge(t *testing.T) {
	metrics := NewWithRegistry(prometheus.NewRegistry())
	recorder := NewRecorder(metrics)

	recorder.StatusChanged("connecting")
	recorder.StatusChanged("connected")

	if v := testutil.ToFloat64(metrics.ConnectionStatus.WithLabelValues("connected")); v != 1 {
		t.Errorf("Expected connected gauge 1, got %f", v)
	}
	if v := testutil.ToFloat64(metrics.ConnectionStatus.WithLabelValues("connecting")); v != 0 {
		t.Errorf("Expected connecting gauge 0, got %f", v)
	}
}

func TestRecorder_LedgerMetrics(t *testing.T) {
	metrics := NewWithRegistry(prometheus.NewRegistry())
	recorder := NewRecorder(metrics)

	recorder.Applied()
	recorder.Applied()
	recorder.Confirmed()
	recorder.RolledBack("server_error")
	recorder.Evicted(3)
	recorder.PendingUpdates(1)
	recorder.QueueSize(4)

	if v := testutil.ToFloat64(metrics.OptimisticApplied); v != 2 {
		t.Errorf("Expected 2 applied, got %f", v)
	}
	if v := testutil.ToFloat64(metrics.OptimisticConfirmed); v != 1 {
		t.Errorf("Expected 1 confirmed, got %f", v)
	}
	if v := testutil.ToFloat64(metrics.OptimisticRollback.WithLabelValues("server_error")); v != 1 {
		t.Errorf("Expected 1 rollback, got %f", v)
	}
	if v := testutil.ToFloat64(metrics.LedgerEvictions); v != 3 {
		t.Errorf("Expected 3 evictions, got %f", v)
	}
	if v := testutil.ToFloat64(metrics.PendingUpdates); v != 1 {
		t.Errorf("Expected 1 pending update, got %f", v)
	}
	if v := testutil.ToFloat64(metrics.OutboundQueueSize); v != 4 {
		t.Errorf("Expected queue size 4, got %f", v)
	}
}

func TestRecorder_Histograms(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewWithRegistry(registry)
	recorder := NewRecorder(metrics)

	recorder.HeartbeatLatency(0.05)
	recorder.HeartbeatLatency(0.2)
	recorder.ReconcileObserve(0.3)

	if n := testutil.CollectAndCount(metrics.HeartbeatLatency); n != 1 {
		t.Errorf("Expected 1 latency series, got %d", n)
	}
	if n, err := testutil.GatherAndCount(registry, "reconcile_duration_seconds"); err != nil || n != 1 {
		t.Errorf("Expected 1 reconcile series, got %d (err %v)", n, err)
	}
}
