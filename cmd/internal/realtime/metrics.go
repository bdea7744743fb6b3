package realtime

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the relay's Prometheus collectors.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	sessions       prometheus.Gauge
	joins          *prometheus.CounterVec
	persisted      prometheus.Counter
	appendFailures *prometheus.CounterVec
	listFailures   prometheus.Counter
	deliveries     prometheus.Counter
	dropped        prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg (if non-nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chat",
			Name:      "sessions_active",
			Help:      "Currently registered websocket sessions.",
		}),
		joins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "session_joins_total",
			Help:      "Session joins by recovery state.",
		}, []string{"recovered"}),
		persisted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "messages_persisted_total",
			Help:      "Messages persisted by the store.",
		}),
		appendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "message_append_failures_total",
			Help:      "Messages that were not persisted, by reason.",
		}, []string{"reason"}),
		listFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "history_query_failures_total",
			Help:      "History queries that degraded to an empty result.",
		}),
		deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "broadcast_deliveries_total",
			Help:      "Envelopes queued to session send buffers by broadcasts.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "broadcast_dropped_total",
			Help:      "Broadcast envelopes skipped because the session was closing or its queue was full.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.sessions,
			m.joins,
			m.persisted,
			m.appendFailures,
			m.listFailures,
			m.deliveries,
			m.dropped,
		)
	}
	return m
}

func (m *Metrics) sessionJoined(recovered bool) {
	if m == nil {
		return
	}
	m.sessions.Inc()
	if recovered {
		m.joins.WithLabelValues("true").Inc()
		return
	}
	m.joins.WithLabelValues("false").Inc()
}

func (m *Metrics) sessionLeft() {
	if m == nil {
		return
	}
	m.sessions.Dec()
}

func (m *Metrics) appended() {
	if m == nil {
		return
	}
	m.persisted.Inc()
}

func (m *Metrics) appendFailed(reason string) {
	if m == nil {
		return
	}
	m.appendFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) listFailed() {
	if m == nil {
		return
	}
	m.listFailures.Inc()
}

func (m *Metrics) delivered() {
	if m == nil {
		return
	}
	m.deliveries.Inc()
}

func (m *Metrics) droppedDelivery() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}
