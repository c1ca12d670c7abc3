// Package metrics exposes prometheus collectors for the session server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "studio"

// Metrics groups the server collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	sessions       prometheus.Gauge
	connections    prometheus.Gauge
	runs           *prometheus.CounterVec
	activeRuns     prometheus.Gauge
	patches        prometheus.Counter
	patchOps       *prometheus.CounterVec
	broadcastDrops prometheus.Counter
	rewinds        prometheus.Counter
}

// New creates and registers every collector on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of sessions held in memory.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of open duplex connections.",
		}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Runs by outcome.",
		}, []string{"outcome"}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_active",
			Help:      "Number of admitted runs.",
		}),
		patches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "patches_flushed_total",
			Help:      "Sequenced fs/patch messages broadcast.",
		}),
		patchOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "patch_ops_total",
			Help:      "Filesystem ops broadcast, by kind.",
		}, []string{"op"}),
		broadcastDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_drops_total",
			Help:      "Client channels dropped after a failed send.",
		}),
		rewinds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rewinds_total",
			Help:      "Completed session rewinds.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sessions, m.connections, m.runs, m.activeRuns,
		m.patches, m.patchOps, m.broadcastDrops, m.rewinds,
	)
	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SetSessions(n int) {
	if m != nil {
		m.sessions.Set(float64(n))
	}
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) RunStarted() {
	if m != nil {
		m.activeRuns.Inc()
	}
}

// RunEnded records a run outcome: completed, failed or cancelled.
func (m *Metrics) RunEnded(outcome string) {
	if m != nil {
		m.activeRuns.Dec()
		m.runs.WithLabelValues(outcome).Inc()
	}
}

// PatchFlushed records one broadcast batch and its op kinds.
func (m *Metrics) PatchFlushed(kinds []string) {
	if m == nil {
		return
	}
	m.patches.Inc()
	for _, k := range kinds {
		m.patchOps.WithLabelValues(k).Inc()
	}
}

func (m *Metrics) BroadcastDropped() {
	if m != nil {
		m.broadcastDrops.Inc()
	}
}

func (m *Metrics) Rewound() {
	if m != nil {
		m.rewinds.Inc()
	}
}
