// Package metrics exposes Prometheus collectors for the monitoring pipeline.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "hotelwatch"

// Metrics holds every collector the service records into. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	CyclesTotal       *prometheus.CounterVec   // by result: completed, aborted
	CycleDuration     prometheus.Histogram     // wall time per cycle
	TargetsChecked    prometheus.Counter       // upstream lookups attempted
	FetchErrors       *prometheus.CounterVec   // by kind
	ObservationsTotal *prometheus.CounterVec   // by result: inserted, replay
	AlertsTotal       *prometheus.CounterVec   // by type and status
	JobSkips          *prometheus.CounterVec   // triggers skipped by the single-flight guard, by job
	JobRuns           *prometheus.CounterVec   // by job and result
	HealthStatus      *prometheus.GaugeVec     // 1 healthy, 0 unhealthy, by dependency
	LastCycle         prometheus.Gauge         // unix seconds of the last completed cycle
	Pruned            *prometheus.CounterVec   // rows removed by maintenance, by table
	FetchDuration     *prometheus.HistogramVec // by outcome

	registry *prometheus.Registry
}

// New registers the collectors on registry. A nil registry gets a fresh one
// with the Go and process collectors.
func New(registry *prometheus.Registry) (*Metrics, error) {
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	m := &Metrics{registry: registry}
	m.init()

	for _, c := range []prometheus.Collector{
		m.CyclesTotal, m.CycleDuration, m.TargetsChecked, m.FetchErrors,
		m.ObservationsTotal, m.AlertsTotal, m.JobSkips, m.JobRuns,
		m.HealthStatus, m.LastCycle, m.Pruned, m.FetchDuration,
	} {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) init() {
	m.CyclesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "cycles_total",
		Help: "Price-check cycles by result.",
	}, []string{"result"})
	m.CycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Name: "cycle_duration_seconds",
		Help:    "Wall time of price-check cycles.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 900},
	})
	m.TargetsChecked = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "targets_checked_total",
		Help: "Upstream price lookups attempted.",
	})
	m.FetchErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "fetch_errors_total",
		Help: "Upstream lookups that failed after retries, by failure kind.",
	}, []string{"kind"})
	m.ObservationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "observations_total",
		Help: "Observation inserts by result.",
	}, []string{"result"})
	m.AlertsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "alerts_total",
		Help: "Alerts by type and delivery status.",
	}, []string{"type", "status"})
	m.JobSkips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "job_skipped_total",
		Help: "Triggers skipped because the job was already running.",
	}, []string{"job"})
	m.JobRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "job_runs_total",
		Help: "Auxiliary job runs by job and result.",
	}, []string{"job", "result"})
	m.HealthStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Name: "dependency_up",
		Help: "Dependency health from the last check (1=healthy, 0=unhealthy).",
	}, []string{"dependency"})
	m.LastCycle = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "last_cycle_timestamp_seconds",
		Help: "Completion time of the last price-check cycle.",
	})
	m.Pruned = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "pruned_rows_total",
		Help: "Rows removed by maintenance, by table.",
	}, []string{"table"})
	m.FetchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Name: "fetch_duration_seconds",
		Help:    "Upstream lookup latency including retries.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"outcome"})
}

// Registry returns the registry the collectors live in.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// CycleFinished records a cycle outcome.
func (m *Metrics) CycleFinished(aborted bool, took time.Duration, at time.Time) {
	if m == nil {
		return
	}
	if aborted {
		m.CyclesTotal.WithLabelValues("aborted").Inc()
		return
	}
	m.CyclesTotal.WithLabelValues("completed").Inc()
	m.CycleDuration.Observe(took.Seconds())
	m.LastCycle.Set(float64(at.Unix()))
}

// Fetched records one upstream lookup. kind is empty on success.
func (m *Metrics) Fetched(kind string, took time.Duration) {
	if m == nil {
		return
	}
	m.TargetsChecked.Inc()
	outcome := "ok"
	if kind != "" {
		outcome = "error"
		m.FetchErrors.WithLabelValues(kind).Inc()
	}
	m.FetchDuration.WithLabelValues(outcome).Observe(took.Seconds())
}

// Observation records an insert result.
func (m *Metrics) Observation(inserted bool) {
	if m == nil {
		return
	}
	if inserted {
		m.ObservationsTotal.WithLabelValues("inserted").Inc()
	} else {
		m.ObservationsTotal.WithLabelValues("replay").Inc()
	}
}

// Alert records an alert outcome.
func (m *Metrics) Alert(typ, status string) {
	if m == nil {
		return
	}
	m.AlertsTotal.WithLabelValues(typ, status).Inc()
}

// Skipped records a trigger dropped by the single-flight guard.
func (m *Metrics) Skipped(job string) {
	if m == nil {
		return
	}
	m.JobSkips.WithLabelValues(job).Inc()
}

// JobRun records an auxiliary job result.
func (m *Metrics) JobRun(job string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.JobRuns.WithLabelValues(job, result).Inc()
}

// Health records a dependency check.
func (m *Metrics) Health(dependency string, healthy bool) {
	if m == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1
	}
	m.HealthStatus.WithLabelValues(dependency).Set(v)
}

// PrunedRows records rows deleted from table.
func (m *Metrics) PrunedRows(table string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.Pruned.WithLabelValues(table).Add(float64(n))
}
