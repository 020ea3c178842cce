// Package telemetry holds the Prometheus metrics and OpenTelemetry tracing
// used by the live-connection core.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Fanout delivery results.
const (
	DeliverySent    = "sent"
	DeliverySkipped = "skipped"
	DeliveryDropped = "dropped"
)

// Pipeline outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// Metrics groups every collector of the core. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	// RegisteredConnections is the registry size.
	RegisteredConnections prometheus.Gauge

	// PendingHandshakes counts connections waiting to authenticate.
	PendingHandshakes prometheus.Gauge

	// PresenceTransitions counts broadcast transitions.
	// Labels: status
	PresenceTransitions *prometheus.CounterVec

	// PipelineEvents counts processed inbound events.
	// Labels: event, outcome (ok|rejected|failed)
	PipelineEvents *prometheus.CounterVec

	// PipelineDuration measures validate-to-broadcast latency in seconds.
	// Labels: event
	PipelineDuration *prometheus.HistogramVec

	// FanoutDeliveries counts per-recipient delivery attempts.
	// Labels: result (sent|skipped|dropped)
	FanoutDeliveries *prometheus.CounterVec

	// TypingContexts is the number of contexts with at least one typist.
	TypingContexts prometheus.Gauge

	// HeartbeatTerminations counts connections reaped for missing a pong.
	HeartbeatTerminations prometheus.Counter

	// CollaboratorFailures counts indexer and classifier errors.
	// Labels: collaborator
	CollaboratorFailures *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// uses a private registry, which keeps tests isolated.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		RegisteredConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gochat_registered_connections",
			Help: "Number of authenticated connections in the registry",
		}),
		PendingHandshakes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gochat_pending_handshakes",
			Help: "Number of open connections that have not authenticated yet",
		}),
		PresenceTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gochat_presence_transitions_total",
			Help: "Presence transitions broadcast, by resulting status",
		}, []string{"status"}),
		PipelineEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gochat_pipeline_events_total",
			Help: "Inbound events processed, by event type and outcome",
		}, []string{"event", "outcome"}),
		PipelineDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gochat_pipeline_duration_seconds",
			Help:    "Time from validation to broadcast for inbound events",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"event"}),
		FanoutDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gochat_fanout_deliveries_total",
			Help: "Per-recipient broadcast deliveries, by result",
		}, []string{"result"}),
		TypingContexts: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gochat_typing_contexts",
			Help: "Number of channels and threads with active typists",
		}),
		HeartbeatTerminations: factory.NewCounter(prometheus.CounterOpts{
			Name: "gochat_heartbeat_terminations_total",
			Help: "Connections terminated for not answering a ping",
		}),
		CollaboratorFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gochat_collaborator_failures_total",
			Help: "Failed calls to external collaborators",
		}, []string{"collaborator"}),
	}
}

// SetRegistered records the number of admitted connections.
func (m *Metrics) SetRegistered(n int) {
	if m != nil {
		m.RegisteredConnections.Set(float64(n))
	}
}

// AddPendingHandshakes adjusts the count of unauthenticated connections.
func (m *Metrics) AddPendingHandshakes(delta float64) {
	if m != nil {
		m.PendingHandshakes.Add(delta)
	}
}

// PresenceTransition counts one applied presence change.
func (m *Metrics) PresenceTransition(status string) {
	if m != nil {
		m.PresenceTransitions.WithLabelValues(status).Inc()
	}
}

// PipelineEvent counts a handled event and observes its duration when it succeeded.
func (m *Metrics) PipelineEvent(event, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.PipelineEvents.WithLabelValues(event, outcome).Inc()
	if outcome == OutcomeOK {
		m.PipelineDuration.WithLabelValues(event).Observe(seconds)
	}
}

// Delivery counts one fanout attempt by result.
func (m *Metrics) Delivery(result string) {
	if m != nil {
		m.FanoutDeliveries.WithLabelValues(result).Inc()
	}
}

// SetTypingContexts records how many contexts have someone typing.
func (m *Metrics) SetTypingContexts(n int) {
	if m != nil {
		m.TypingContexts.Set(float64(n))
	}
}

// HeartbeatTerminated counts a connection dropped for a missed pong.
func (m *Metrics) HeartbeatTerminated() {
	if m != nil {
		m.HeartbeatTerminations.Inc()
	}
}

// CollaboratorFailed counts a failed call to the named collaborator.
func (m *Metrics) CollaboratorFailed(name string) {
	if m != nil {
		m.CollaboratorFailures.WithLabelValues(name).Inc()
	}
}
