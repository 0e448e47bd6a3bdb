// Package metrics exposes the scheduler's prometheus instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the counter/histogram set recorded by the cron scheduler.
//
// All methods are safe on a nil receiver so components can treat metrics as
// optional wiring.
type Metrics struct {
	registry *prometheus.Registry

	internalErrors prometheus.Counter
	jobFailures    *prometheus.CounterVec
	jobTimeouts    *prometheus.CounterVec
	jobLatency     *prometheus.HistogramVec
	leader         prometheus.Gauge
	ticksTotal     prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		internalErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cron_internal_errors_total",
			Help: "Errors raised while processing a job during a scheduling tick.",
		}),
		jobFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cron_job_failures_total",
			Help: "Job runs that finished with an error status.",
		}, []string{"job"}),
		jobTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cron_job_timeouts_total",
			Help: "Job runs terminated for exceeding their lifetime.",
		}, []string{"job"}),
		jobLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cron_job_latency_seconds",
			Help:    "Wall-clock duration of completed job runs.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 12), // 1s .. ~48d
		}, []string{"job"}),
		leader: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cron_scheduling_leader",
			Help: "Whether this process currently holds scheduling leadership.",
		}),
		ticksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cron_ticks_total",
			Help: "Scheduling ticks executed by the worker loop.",
		}),
	}

	m.registry.MustRegister(
		m.internalErrors,
		m.jobFailures,
		m.jobTimeouts,
		m.jobLatency,
		m.leader,
		m.ticksTotal,
	)
	m.registry.MustRegister(collectors.NewGoCollector())
	m.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Registry returns the underlying registry (for tests and custom collectors).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an http.Handler serving the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncInternalError() {
	if m == nil {
		return
	}
	m.internalErrors.Inc()
}

func (m *Metrics) IncJobFailure(job string) {
	if m == nil {
		return
	}
	m.jobFailures.WithLabelValues(job).Inc()
}

func (m *Metrics) IncJobTimeout(job string) {
	if m == nil {
		return
	}
	m.jobTimeouts.WithLabelValues(job).Inc()
}

func (m *Metrics) ObserveJobLatency(job string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.jobLatency.WithLabelValues(job).Observe(elapsed.Seconds())
}

func (m *Metrics) SetLeader(leading bool) {
	if m == nil {
		return
	}
	if leading {
		m.leader.Set(1)
	} else {
		m.leader.Set(0)
	}
}

func (m *Metrics) IncTick() {
	if m == nil {
		return
	}
	m.ticksTotal.Inc()
}
