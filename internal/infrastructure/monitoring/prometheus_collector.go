package monitoring

import (
	"time"

	"screenshare/internal/core/domain"
	"screenshare/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector implements ports.NegotiationMetrics and counts the
// websocket observers connected to this process.
type PrometheusCollector struct {
	requestsTotal      *prometheus.CounterVec
	sessionsTotal      *prometheus.CounterVec
	mediaFailures      *prometheus.CounterVec
	notifications      *prometheus.CounterVec
	listenerFailures   *prometheus.CounterVec
	operationDuration  *prometheus.HistogramVec
	observersConnected prometheus.Gauge
	relayMessages      *prometheus.CounterVec
}

var _ ports.NegotiationMetrics = (*PrometheusCollector)(nil)

// NewPrometheusCollector registers its metrics with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)
	return &PrometheusCollector{
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "screenshare_requests_total",
			Help: "Screen share requests written, by resulting status",
		}, []string{"status"}),

		sessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "screenshare_sessions_total",
			Help: "Screen share sessions written, by resulting status",
		}, []string{"status"}),

		mediaFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "screenshare_media_failures_total",
			Help: "Media collaborator failures, by stage",
		}, []string{"stage"}),

		notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "screenshare_notifications_total",
			Help: "Change notifications delivered, by strategy and event type",
		}, []string{"strategy", "event"}),

		listenerFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "screenshare_listener_failures_total",
			Help: "Listener callbacks that panicked or failed, by event type",
		}, []string{"event"}),

		operationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "screenshare_operation_duration_seconds",
			Help:    "Duration of negotiation operations",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 15},
		}, []string{"operation", "outcome"}),

		observersConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "screenshare_observers_connected",
			Help: "Websocket observers currently connected",
		}),

		relayMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "screenshare_signaling_messages_total",
			Help: "Signaling messages stored in the relay, by kind",
		}, []string{"kind"}),
	}
}

func (p *PrometheusCollector) ObserveRequest(status domain.RequestStatus) {
	p.requestsTotal.WithLabelValues(string(status)).Inc()
}

func (p *PrometheusCollector) ObserveSession(status domain.SessionStatus) {
	p.sessionsTotal.WithLabelValues(string(status)).Inc()
}

func (p *PrometheusCollector) ObserveOperation(operation, outcome string, duration time.Duration) {
	p.operationDuration.WithLabelValues(operation, outcome).Observe(duration.Seconds())
}

func (p *PrometheusCollector) ObserveMediaFailure(stage string) {
	p.mediaFailures.WithLabelValues(stage).Inc()
}

func (p *PrometheusCollector) ObserveNotification(strategy, eventType string) {
	p.notifications.WithLabelValues(strategy, eventType).Inc()
}

func (p *PrometheusCollector) ObserveListenerFailure(eventType string) {
	p.listenerFailures.WithLabelValues(eventType).Inc()
}

func (p *PrometheusCollector) ObserverConnected() {
	p.observersConnected.Inc()
}

func (p *PrometheusCollector) ObserverDisconnected() {
	p.observersConnected.Dec()
}

func (p *PrometheusCollector) ObserveSignal(kind string) {
	p.relayMessages.WithLabelValues(kind).Inc()
}
