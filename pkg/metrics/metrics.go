// Package metrics exposes Prometheus collectors for the scan engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the engine reports.
type Metrics struct {
	registry *prometheus.Registry

	ScansStarted   prometheus.Counter
	ScansCompleted prometheus.Counter
	ScansFailed    prometheus.Counter
	HITLTriggered  prometheus.Counter

	ToolRuns      *prometheus.CounterVec
	PhaseDuration *prometheus.HistogramVec
	FindingsTotal prometheus.Histogram
}

// New builds a fresh registry; callers own its lifecycle so tests never
// collide on the default global registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		ScansStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deplai_scans_started_total",
			Help: "Scans accepted by the service.",
		}),
		ScansCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deplai_scans_completed_total",
			Help: "Scans that reached the completed phase.",
		}),
		ScansFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deplai_scans_failed_total",
			Help: "Scans that terminated in the error phase.",
		}),
		HITLTriggered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deplai_scans_hitl_total",
			Help: "Scans routed through the human-in-the-loop gate.",
		}),
		ToolRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deplai_tool_runs_total",
			Help: "Sandboxed tool executions by tool and status.",
		}, []string{"tool", "status"}),
		PhaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "deplai_phase_duration_seconds",
			Help:    "Wall-clock duration per workflow phase.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"phase"}),
		FindingsTotal: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "deplai_intelligent_findings",
			Help:    "Intelligent findings produced per scan.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
	}
	reg.MustRegister(
		m.ScansStarted, m.ScansCompleted, m.ScansFailed, m.HITLTriggered,
		m.ToolRuns, m.PhaseDuration, m.FindingsTotal,
	)
	return m
}

// Handler serves the registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
