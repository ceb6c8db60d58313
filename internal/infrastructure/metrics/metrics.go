package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "clipstake"

// Metrics holds the process counters. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	ReconnectAttempts prometheus.Counter
	RequestTimeouts   prometheus.Counter
	AuthFailures      prometheus.Counter
	StreamDrops       prometheus.Counter
	SessionOps        *prometheus.CounterVec
	Settlements       *prometheus.CounterVec
}

// New registers all counters on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ReconnectAttempts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts made after the coordinator connection closed.",
		}),
		RequestTimeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "request_timeouts_total",
			Help:      "Requests that got no matching reply in time.",
		}),
		AuthFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "auth_failures_total",
			Help:      "Failed authentication handshakes.",
		}),
		StreamDrops: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "stream_drops_total",
			Help:      "State changes not delivered to a lagging stream client.",
		}),
		SessionOps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "operations_total",
			Help:      "Session operations by kind and result.",
		}, []string{"op", "result"}),
		Settlements: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "records_total",
			Help:      "Settlement records by stage and result.",
		}, []string{"stage", "result"}),
	}
}

func (m *Metrics) ObserveOp(op string, err error) {
	if m == nil {
		return
	}
	m.SessionOps.WithLabelValues(op, result(err)).Inc()
}

func (m *Metrics) ObserveSettlement(stage string, err error) {
	if m == nil {
		return
	}
	m.Settlements.WithLabelValues(stage, result(err)).Inc()
}

func (m *Metrics) IncReconnect() {
	if m != nil {
		m.ReconnectAttempts.Inc()
	}
}

func (m *Metrics) IncTimeout() {
	if m != nil {
		m.RequestTimeouts.Inc()
	}
}

func (m *Metrics) IncAuthFailure() {
	if m != nil {
		m.AuthFailures.Inc()
	}
}

func (m *Metrics) IncStreamDrop() {
	if m != nil {
		m.StreamDrops.Inc()
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
