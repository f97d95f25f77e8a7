// Package metrics exposes migration engine counters on a dedicated registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vm_migrator"

const (
	StageConversion = "conversion"
	StageDeployment = "deployment"
	StageRollback   = "rollback"
)

type Metrics struct {
	registry *prometheus.Registry

	MigrationResults *prometheus.CounterVec
	RollbackResults  *prometheus.CounterVec
	TriggerResults   *prometheus.CounterVec
	StageDuration    *prometheus.HistogramVec
	QueueDepth       prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		MigrationResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "migration_runs_total",
			Help:      "Migration runs by final result.",
		}, []string{"result"}),
		RollbackResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollback_runs_total",
			Help:      "Rollback runs by final result.",
		}, []string{"result"}),
		TriggerResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trigger_requests_total",
			Help:      "Start and rollback requests by kind and outcome.",
		}, []string{"kind", "outcome"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall time spent per pipeline stage.",
			Buckets:   []float64{1, 10, 60, 300, 900, 1800, 3600, 7200, 14400},
		}, []string{"stage", "outcome"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispatch_queue_depth",
			Help:      "Tasks waiting in the in-process dispatch queue.",
		}),
	}
	m.registry.MustRegister(
		m.MigrationResults,
		m.RollbackResults,
		m.TriggerResults,
		m.StageDuration,
		m.QueueDepth,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) ObserveStage(stage, outcome string, started time.Time) {
	m.StageDuration.WithLabelValues(stage, outcome).Observe(time.Since(started).Seconds())
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
