// Package metrics exposes sync counters in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "calsync"

// Metrics is safe to use through a nil pointer; every method is then a
// no-op.
type Metrics struct {
	registry *prometheus.Registry

	runs         *prometheus.CounterVec
	actions      *prometheus.CounterVec
	warnings     prometheus.Counter
	failures     *prometheus.CounterVec
	duration     prometheus.Histogram
	lastRun      prometheus.Gauge
	lastSuccess  prometheus.Gauge
	workspaceLen prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Sync runs by result.",
		}, []string{"result"}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Tracker changes applied, by action.",
		}, []string{"action"}),
		warnings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "warnings_total",
			Help:      "Payloads rejected by validation.",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_total",
			Help:      "Failures by kind.",
		}, []string{"kind"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of sync runs.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run finished.",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time the last successful run finished.",
		}),
		workspaceLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workspace_events",
			Help:      "Synced pages seen at the start of the last run.",
		}),
	}

	m.registry.MustRegister(
		m.runs, m.actions, m.warnings, m.failures,
		m.duration, m.lastRun, m.lastSuccess, m.workspaceLen,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the collectors live in.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRun(ok bool, finished time.Time, d time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.runs.WithLabelValues(result).Inc()
	m.duration.Observe(d.Seconds())
	m.lastRun.Set(float64(finished.Unix()))
	if ok {
		m.lastSuccess.Set(float64(finished.Unix()))
	}
}

func (m *Metrics) AddActions(action string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.actions.WithLabelValues(action).Add(float64(n))
}

func (m *Metrics) AddWarnings(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.warnings.Add(float64(n))
}

// AddFailures counts failures of a kind: "workspace", "feed", "task" or
// "integrity".
func (m *Metrics) AddFailures(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.failures.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) SetWorkspaceEvents(n int) {
	if m == nil {
		return
	}
	m.workspaceLen.Set(float64(n))
}
