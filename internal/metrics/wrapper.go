package metrics

// Recorder adapts Metrics to the narrow interfaces the connection manager,
// ledger and client declare, so those packages never import Prometheus.
type Recorder struct {
	m *Metrics
}

var statuses = []string{"connecting", "connected", "disconnected", "error"}

func NewRecorder(m *Metrics) *Recorder {
	return &Recorder{m: m}
}

func (r *Recorder) ReconnectScheduled() { r.m.WSReconnects.Inc() }

func (r *Recorder) RetryExhausted() { r.m.WSRetryExhausted.Inc() }

func (r *Recorder) StatusChanged(status string) {
	for _, s := range statuses {
		v := 0.0
		if s == status {
			v = 1
		}
		r.m.ConnectionStatus.WithLabelValues(s).Set(v)
	}
}

func (r *Recorder) QueueSize(n int) { r.m.OutboundQueueSize.Set(float64(n)) }

func (r *Recorder) FrameSent() { r.m.FramesSent.Inc() }

func (r *Recorder) FrameReceived(msgType string) { r.m.FramesReceived.WithLabelValues(msgType).Inc() }

func (r *Recorder) DecodeError() {
	r.m.DecodeErrors.Inc()
	r.m.ErrorsTotal.Inc()
}

func (r *Recorder) HeartbeatLatency(seconds float64) { r.m.HeartbeatLatency.Observe(seconds) }

func (r *Recorder) PendingUpdates(n int) { r.m.PendingUpdates.Set(float64(n)) }

func (r *Recorder) Applied() { r.m.OptimisticApplied.Inc() }

func (r *Recorder) Confirmed() { r.m.OptimisticConfirmed.Inc() }

func (r *Recorder) RolledBack(reason string) { r.m.OptimisticRollback.WithLabelValues(reason).Inc() }

func (r *Recorder) Evicted(n int) { r.m.LedgerEvictions.Add(float64(n)) }

func (r *Recorder) ReconcileObserve(seconds float64) { r.m.ReconcileDuration.Observe(seconds) }

func (r *Recorder) Error() { r.m.ErrorsTotal.Inc() }
