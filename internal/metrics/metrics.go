// Package metrics provides Prometheus metrics for the bridge.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the bridge.
type Metrics struct {
	RunsTotal            *prometheus.CounterVec
	RunDuration          *prometheus.HistogramVec
	RPCsTotal            *prometheus.CounterVec
	ReconnectsTotal      prometheus.Counter
	ReconciliationsTotal *prometheus.CounterVec
	StreamChunksTotal    prometheus.Counter
	GatewayConnected     prometheus.Gauge

	registry *prometheus.Registry
}

// New creates and registers all metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_runs_total",
				Help: "Total chat runs by origin and outcome.",
			},
			[]string{"origin", "outcome"},
		),
		RunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bridge_run_duration_seconds",
				Help:    "Chat run duration from submit to terminal state.",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
			},
			[]string{"origin"},
		),
		RPCsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_gateway_rpcs_total",
				Help: "Total gateway RPCs by method and status.",
			},
			[]string{"method", "status"},
		),
		ReconnectsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "bridge_gateway_reconnects_total",
				Help: "Total gateway reconnect attempts.",
			},
		),
		ReconciliationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_reconciliations_total",
				Help: "History fallbacks for runs that finalized silently, by result.",
			},
			[]string{"result"},
		),
		StreamChunksTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "bridge_stream_chunks_total",
				Help: "Total text chunks delivered to streaming HTTP clients.",
			},
		),
		GatewayConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "bridge_gateway_connected",
				Help: "Whether the gateway connection is up (1) or down (0).",
			},
		),
		registry: reg,
	}

	reg.MustRegister(m.RunsTotal)
	reg.MustRegister(m.RunDuration)
	reg.MustRegister(m.RPCsTotal)
	reg.MustRegister(m.ReconnectsTotal)
	reg.MustRegister(m.ReconciliationsTotal)
	reg.MustRegister(m.StreamChunksTotal)
	reg.MustRegister(m.GatewayConnected)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRun increments the run counter.
func (m *Metrics) RecordRun(origin, outcome string) {
	m.RunsTotal.WithLabelValues(origin, outcome).Inc()
}

// ObserveRunDuration records a run's wall-clock duration.
func (m *Metrics) ObserveRunDuration(origin string, seconds float64) {
	m.RunDuration.WithLabelValues(origin).Observe(seconds)
}

// RecordRPC increments the gateway RPC counter.
func (m *Metrics) RecordRPC(method, status string) {
	m.RPCsTotal.WithLabelValues(method, status).Inc()
}

// RecordReconciliation increments the history fallback counter.
func (m *Metrics) RecordReconciliation(result string) {
	m.ReconciliationsTotal.WithLabelValues(result).Inc()
}

// SetConnected flips the gateway connectivity gauge.
func (m *Metrics) SetConnected(up bool) {
	if up {
		m.GatewayConnected.Set(1)
	} else {
		m.GatewayConnected.Set(0)
	}
}
