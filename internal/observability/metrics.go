package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "meshctl"

// Metrics is the client's prometheus surface. A nil *Metrics records nothing.
type Metrics struct {
	framesDecoded    prometheus.Counter
	decodeErrors     *prometheus.CounterVec
	routeOutcomes    *prometheus.CounterVec
	stateTransitions *prometheus.CounterVec
	pendingRequests  prometheus.Gauge
	requestOutcomes  *prometheus.CounterVec
	knownNodes       prometheus.Gauge
	subscriberDrops  *prometheus.CounterVec
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

// NewMetrics registers every collector on reg, or the default registerer when nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		framesDecoded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frame",
			Name:      "decoded_total",
			Help:      "Frames decoded from the radio stream.",
		}),
		decodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frame",
			Name:      "errors_total",
			Help:      "Frames rejected while decoding, by kind.",
		}, []string{"kind"}),
		routeOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "envelopes_total",
			Help:      "Envelopes routed, by port and outcome.",
		}, []string{"port", "outcome"}),
		stateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "transitions_total",
			Help:      "Connection state transitions.",
		}, []string{"from", "to"}),
		pendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "correlator",
			Name:      "pending_requests",
			Help:      "Requests awaiting a response.",
		}),
		requestOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "correlator",
			Name:      "requests_total",
			Help:      "Completed requests, by port and outcome.",
		}, []string{"port", "outcome"}),
		knownNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "nodedb",
			Name:      "nodes",
			Help:      "Nodes in the node database.",
		}),
		subscriberDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriber_drops_total",
			Help:      "Notifications dropped because a subscriber was full.",
		}, []string{"feed"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
	}
	reg.MustRegister(
		m.framesDecoded,
		m.decodeErrors,
		m.routeOutcomes,
		m.stateTransitions,
		m.pendingRequests,
		m.requestOutcomes,
		m.knownNodes,
		m.subscriberDrops,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

func (m *Metrics) RecordFrame() {
	if m == nil {
		return
	}
	m.framesDecoded.Inc()
}

func (m *Metrics) RecordDecodeError(kind string) {
	if m == nil {
		return
	}
	m.decodeErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordRoute(port, outcome string) {
	if m == nil {
		return
	}
	m.routeOutcomes.WithLabelValues(port, outcome).Inc()
}

func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.stateTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) SetPendingRequests(n int) {
	if m == nil {
		return
	}
	m.pendingRequests.Set(float64(n))
}

func (m *Metrics) RecordRequest(port, outcome string) {
	if m == nil {
		return
	}
	m.requestOutcomes.WithLabelValues(port, outcome).Inc()
}

func (m *Metrics) SetKnownNodes(n int) {
	if m == nil {
		return
	}
	m.knownNodes.Set(float64(n))
}

func (m *Metrics) AddSubscriberDrops(feed string, n uint64) {
	if m == nil || n == 0 {
		return
	}
	m.subscriberDrops.WithLabelValues(feed).Add(float64(n))
}

func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	statusLabel := strconv.Itoa(status)
	m.httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	m.httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}
