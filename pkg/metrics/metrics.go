package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Node dispatch metrics
	WorkersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meridian_workers_total",
			Help: "Total number of registered worker/processor mailboxes",
		},
	)

	MessagesDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_messages_dispatched_total",
			Help: "Total number of messages successfully enqueued to a mailbox, by destination transport tag",
		},
		[]string{"tag"},
	)

	MessagesDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_messages_dropped_total",
			Help: "Total number of messages dropped, by reason",
		},
		[]string{"reason"},
	)

	// Transport metrics
	TransportConnectionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meridian_transport_connections_total",
			Help: "Total number of active transport connections by kind",
		},
		[]string{"transport"},
	)

	TransportBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_transport_bytes_total",
			Help: "Total bytes moved by a transport, by kind and direction",
		},
		[]string{"transport", "direction"},
	)

	TransportFramesRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_transport_frames_rejected_total",
			Help: "Total number of frames rejected (over-length, malformed)",
		},
		[]string{"transport"},
	)

	// Secure channel metrics
	SecureChannelHandshakesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_secure_channel_handshakes_total",
			Help: "Total number of secure-channel handshakes by outcome",
		},
		[]string{"outcome"},
	)

	SecureChannelHandshakeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "meridian_secure_channel_handshake_duration_seconds",
			Help:    "Time taken to complete a secure-channel handshake",
			Buckets: prometheus.DefBuckets,
		},
	)

	SecureChannelDecryptFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meridian_secure_channel_decrypt_failures_total",
			Help: "Total number of decrypt failures across all channels",
		},
	)

	SecureChannelsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meridian_secure_channels_open",
			Help: "Number of secure channels currently in the OPEN state",
		},
	)

	// Credential/policy metrics
	CredentialVerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_credential_verifications_total",
			Help: "Total number of credential verifications by outcome",
		},
		[]string{"outcome"},
	)

	PolicyDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_policy_decisions_total",
			Help: "Total number of policy evaluations by decision",
		},
		[]string{"decision"},
	)

	// Portal metrics
	PortalConnectionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meridian_portal_connections_total",
			Help: "Number of active portal connections by role",
		},
		[]string{"role"},
	)

	PortalBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_portal_bytes_total",
			Help: "Total bytes streamed through portals, by role and direction",
		},
		[]string{"role", "direction"},
	)

	// Reconciler metrics (sweeps of non-open channels from the secure-channel registry)
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "meridian_reconciliation_duration_seconds",
			Help:    "Time taken for a sweep cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meridian_reconciliation_cycles_total",
			Help: "Total number of sweep cycles completed",
		},
	)
)

func init() {
	prometheus.MustRegister(
		WorkersTotal,
		MessagesDispatchedTotal,
		MessagesDroppedTotal,
		TransportConnectionsTotal,
		TransportBytesTotal,
		TransportFramesRejectedTotal,
		SecureChannelHandshakesTotal,
		SecureChannelHandshakeDuration,
		SecureChannelDecryptFailuresTotal,
		SecureChannelsOpen,
		CredentialVerificationsTotal,
		PolicyDecisionsTotal,
		PortalConnectionsTotal,
		PortalBytesTotal,
		ReconciliationDuration,
		ReconciliationCyclesTotal,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
