// Package metrics defines the Prometheus counters/gauges TelemetryActor
// snapshots into each outbound telemetry payload. Unlike the teacher's
// package-level promauto globals, the gauges here are registered on a
// *prometheus.Registry owned by a single Metrics value that the supervisor
// constructs once and shares by reference into every actor that increments
// a counter -- no package-level registerer, matching the agent's
// no-singleton rule for shared state.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the gauges/counters TelemetryActor reports over the
// broker. Field names mirror the teacher's container-update metrics,
// renamed to the concerns a device agent actually tracks.
type Metrics struct {
	Registry *prometheus.Registry

	MessagingConnected    prometheus.Gauge
	ReconnectsTotal       prometheus.Counter
	HeartbeatsSentTotal   prometheus.Counter
	TunnelRequestsTotal   *prometheus.CounterVec
	TunnelRequestDuration prometheus.Histogram
	ProvisioningAttempts  *prometheus.CounterVec
	SettingsWritesTotal   prometheus.Counter
}

// New creates a Metrics value with its own registry and registers every
// gauge/counter on it.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		MessagingConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agent_messaging_connected",
			Help: "1 if the messaging client currently holds an authenticated broker connection, else 0.",
		}),
		ReconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_messaging_reconnects_total",
			Help: "Total number of broker reconnect attempts.",
		}),
		HeartbeatsSentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_heartbeats_sent_total",
			Help: "Total number of heartbeat messages published.",
		}),
		TunnelRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_tunnel_requests_total",
			Help: "Total number of app-service tunnel requests by outcome.",
		}, []string{"outcome"}),
		TunnelRequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "agent_tunnel_request_duration_seconds",
			Help:    "Duration of app-service tunnel request dispatch and reply.",
			Buckets: prometheus.DefBuckets,
		}),
		ProvisioningAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_provisioning_attempts_total",
			Help: "Total number of provisioning attempts by outcome.",
		}, []string{"outcome"}),
		SettingsWritesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_settings_writes_total",
			Help: "Total number of settings key-value writes.",
		}),
	}

	reg.MustRegister(
		m.MessagingConnected,
		m.ReconnectsTotal,
		m.HeartbeatsSentTotal,
		m.TunnelRequestsTotal,
		m.TunnelRequestDuration,
		m.ProvisioningAttempts,
		m.SettingsWritesTotal,
	)

	return m
}
