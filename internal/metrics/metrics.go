// Package metrics holds the Prometheus collectors of gatekeep.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gatekeep"

// Metrics groups every collector. A nil *Metrics is valid and records
// nothing, so components can be built without it in tests.
type Metrics struct {
	registry *prometheus.Registry

	sessionOps   *prometheus.CounterVec
	degraded     *prometheus.CounterVec
	compromised  prometheus.Counter
	storeLatency *prometheus.HistogramVec
	connections  prometheus.Gauge
	rejects      *prometheus.CounterVec
	evictions    *prometheus.CounterVec
	delivered    prometheus.Counter
	dropped      prometheus.Counter
	busEvents    *prometheus.CounterVec
}

// New creates the collectors and registers them on a dedicated registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.sessionOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "operations_total",
		Help:      "Session manager operations by outcome",
	}, []string{"op", "result"})

	m.degraded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "degraded_decisions_total",
		Help:      "Decisions taken while the revocation store was unavailable",
	}, []string{"op", "policy"})

	m.compromised = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "families_compromised_total",
		Help:      "Session families marked compromised after refresh token reuse",
	})

	m.storeLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "call_duration_seconds",
		Help:      "Revocation store call latency",
		Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"op"})

	m.connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "connections",
		Help:      "Live authenticated push connections on this node",
	})

	m.rejects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "handshake_rejects_total",
		Help:      "Push handshakes rejected, by close code",
	}, []string{"code"})

	m.evictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "evictions_total",
		Help:      "Connections closed by the server, by reason",
	}, []string{"reason"})

	m.delivered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "events_delivered_total",
		Help:      "Events queued to a live connection",
	})

	m.dropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "events_dropped_total",
		Help:      "Events dropped because no connection could take them",
	})

	m.busEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bus",
		Name:      "messages_total",
		Help:      "Messages handled on the event bus",
	}, []string{"topic", "direction"})

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sessionOps,
		m.degraded,
		m.compromised,
		m.storeLatency,
		m.connections,
		m.rejects,
		m.evictions,
		m.delivered,
		m.dropped,
		m.busEvents,
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionOp(op, result string) {
	if m == nil {
		return
	}
	m.sessionOps.WithLabelValues(op, result).Inc()
}

func (m *Metrics) Degraded(op, policy string) {
	if m == nil {
		return
	}
	m.degraded.WithLabelValues(op, policy).Inc()
}

func (m *Metrics) Compromised() {
	if m == nil {
		return
	}
	m.compromised.Inc()
}

// ObserveStore records how long a store call took.
func (m *Metrics) ObserveStore(op string, seconds float64) {
	if m == nil {
		return
	}
	m.storeLatency.WithLabelValues(op).Observe(seconds)
}

// SetConnections records the number of registered connections.
func (m *Metrics) SetConnections(n int) {
	if m == nil {
		return
	}
	m.connections.Set(float64(n))
}

func (m *Metrics) HandshakeRejected(code string) {
	if m == nil {
		return
	}
	m.rejects.WithLabelValues(code).Inc()
}

func (m *Metrics) Evicted(reason string) {
	if m == nil {
		return
	}
	m.evictions.WithLabelValues(reason).Inc()
}

func (m *Metrics) Delivered(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.delivered.Add(float64(n))
}

func (m *Metrics) Dropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

// BusMessage counts a message on topic; direction is "in" or "out".
func (m *Metrics) BusMessage(topic, direction string) {
	if m == nil {
		return
	}
	m.busEvents.WithLabelValues(topic, direction).Inc()
}
