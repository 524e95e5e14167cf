// Package metrics holds the Prometheus collectors for import runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is safe for concurrent use. A nil *Metrics records nothing.
type Metrics struct {
	reg *prometheus.Registry

	rows        *prometheus.CounterVec
	runs        *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
	lastSuccess *prometheus.GaugeVec
}

// Row outcomes recorded per source.
const (
	OutcomeImported        = "imported"
	OutcomeUpdated         = "updated"
	OutcomeDuplicate       = "duplicate"
	OutcomeAlreadyImported = "already_imported"
	OutcomeUnchanged       = "unchanged"
	OutcomeFailed          = "failed"
	OutcomeDropped         = "dropped"
)

// New registers the collectors on a fresh registry together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{reg: prometheus.NewRegistry()}
	m.rows = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cfevents",
		Name:      "rows_total",
		Help:      "Source rows processed, by outcome",
	}, []string{"source", "outcome"})
	m.runs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cfevents",
		Name:      "source_runs_total",
		Help:      "Per-source import runs, by result",
	}, []string{"source", "result"})
	m.runDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cfevents",
		Name:      "source_run_duration_seconds",
		Help:      "Time spent importing one source",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"source"})
	m.lastSuccess = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cfevents",
		Name:      "source_last_success_timestamp_seconds",
		Help:      "Unix time of the last successful run per source",
	}, []string{"source"})

	m.reg.MustRegister(
		m.rows, m.runs, m.runDuration, m.lastSuccess,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// AddRows counts n rows of source with the given outcome.
func (m *Metrics) AddRows(source, outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.rows.WithLabelValues(source, outcome).Add(float64(n))
}

// ObserveRun records one finished source run.
func (m *Metrics) ObserveRun(source string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.runDuration.WithLabelValues(source).Observe(d.Seconds())
	if err != nil {
		m.runs.WithLabelValues(source, "error").Inc()
		return
	}
	m.runs.WithLabelValues(source, "ok").Inc()
	m.lastSuccess.WithLabelValues(source).SetToCurrentTime()
}
