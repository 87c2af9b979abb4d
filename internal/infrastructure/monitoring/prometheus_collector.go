package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	// Gauges
	connectionsActive *prometheus.GaugeVec
	sessionsActive    *prometheus.GaugeVec
	viewersAttached   prometheus.Gauge

	// Counters
	connectionsTotal    *prometheus.CounterVec
	connectionsRejected *prometheus.CounterVec
	messagesRouted      *prometheus.CounterVec
	messagesDropped     *prometheus.CounterVec
	sessionTeardowns    *prometheus.CounterVec
	handshakeFailures   prometheus.Counter

	// Histograms
	descriptorFetchDuration *prometheus.HistogramVec
	connectionDuration      *prometheus.HistogramVec
}

// NewPrometheusCollector registers the broker metrics with reg. Pass
// prometheus.DefaultRegisterer to expose them on the default /metrics handler.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)

	return &PrometheusCollector{
		connectionsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "livesignal_connections_active",
			Help: "Number of open signaling connections",
		}, []string{"role"}),

		sessionsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "livesignal_sessions_active",
			Help: "Number of sessions in the registry by status",
		}, []string{"status"}),

		viewersAttached: factory.NewGauge(prometheus.GaugeOpts{
			Name: "livesignal_viewers_attached",
			Help: "Number of viewer connections attached to sessions",
		}),

		connectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livesignal_connections_total",
			Help: "Total number of attached signaling connections",
		}, []string{"role"}),

		connectionsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livesignal_connections_rejected_total",
			Help: "Connections refused before or during attach",
		}, []string{"reason"}),

		messagesRouted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livesignal_messages_routed_total",
			Help: "Signaling messages delivered to at least one recipient",
		}, []string{"type"}),

		messagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livesignal_messages_dropped_total",
			Help: "Signaling messages dropped without delivery",
		}, []string{"type", "reason"}),

		sessionTeardowns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livesignal_session_teardowns_total",
			Help: "Sessions ended, by cause",
		}, []string{"cause"}),

		handshakeFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "livesignal_handshake_failures_total",
			Help: "Viewers that left repeated offers unanswered",
		}),

		descriptorFetchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "livesignal_descriptor_fetch_duration_seconds",
			Help:    "Latency of stream descriptor lookups",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"result"}),

		connectionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "livesignal_connection_duration_seconds",
			Help:    "Lifetime of signaling connections",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}, []string{"role"}),
	}
}

func (p *PrometheusCollector) ConnectionOpened(role string) {
	p.connectionsActive.WithLabelValues(role).Inc()
	p.connectionsTotal.WithLabelValues(role).Inc()
}

func (p *PrometheusCollector) ConnectionClosed(role string, lifetime time.Duration) {
	p.connectionsActive.WithLabelValues(role).Dec()
	p.connectionDuration.WithLabelValues(role).Observe(lifetime.Seconds())
}

func (p *PrometheusCollector) ConnectionRejected(reason string) {
	p.connectionsRejected.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) MessageRouted(msgType string) {
	p.messagesRouted.WithLabelValues(msgType).Inc()
}

func (p *PrometheusCollector) MessageDropped(msgType, reason string) {
	p.messagesDropped.WithLabelValues(msgType, reason).Inc()
}

func (p *PrometheusCollector) SessionEnded(cause string) {
	p.sessionTeardowns.WithLabelValues(cause).Inc()
}

func (p *PrometheusCollector) HandshakeFailed() {
	p.handshakeFailures.Inc()
}

func (p *PrometheusCollector) ObserveDescriptorFetch(d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	p.descriptorFetchDuration.WithLabelValues(result).Observe(d.Seconds())
}

// ObserveRegistry publishes a point-in-time view of the session registry.
func (p *PrometheusCollector) ObserveRegistry(pending, live, viewers int) {
	p.sessionsActive.WithLabelValues("pending").Set(float64(pending))
	p.sessionsActive.WithLabelValues("live").Set(float64(live))
	p.viewersAttached.Set(float64(viewers))
}
