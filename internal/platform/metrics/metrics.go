// Package metrics exposes Prometheus counters for the monitoring service and
// an echo middleware that records HTTP traffic.
package metrics

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "monitoring"

// Metrics holds every collector the service reports. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	readingsRecorded   *prometheus.CounterVec
	alertsCreated      *prometheus.CounterVec
	alertsSuppressed   prometheus.Counter
	alertsAutoResolved prometheus.Counter
	alertsEscalated    *prometheus.CounterVec
	alertTransitions   *prometheus.CounterVec
	sweepFailures      prometheus.Counter
	sweepDuration      prometheus.Histogram
	lockWaitSeconds    prometheus.Histogram
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"method", "path"}),
		readingsRecorded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_recorded_total",
			Help:      "Vital readings recorded, by overall alert level",
		}, []string{"level"}),
		alertsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_created_total",
			Help:      "Alerts opened, by severity",
		}, []string{"severity"}),
		alertsSuppressed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_suppressed_total",
			Help:      "Alert descriptors suppressed as duplicates",
		}),
		alertsAutoResolved: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_auto_resolved_total",
			Help:      "Alerts resolved automatically after vitals normalized",
		}),
		alertsEscalated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_escalated_total",
			Help:      "Alert escalations, by resulting level",
		}, []string{"level"}),
		alertTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_transitions_total",
			Help:      "Manual alert lifecycle transitions",
		}, []string{"to_status"}),
		sweepFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalation_sweep_failures_total",
			Help:      "Escalation sweeps that returned an error",
		}),
		sweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "escalation_sweep_duration_seconds",
			Help:      "Escalation sweep duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		lockWaitSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "patient_lock_wait_seconds",
			Help:      "Time spent waiting for the per-patient ingestion lock",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
		}),
	}
}

// Registry returns the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}

// Middleware records request counts and latencies. The route pattern is used
// as the path label to keep cardinality bounded.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			path := c.Path()
			if path == "" {
				path = "unmatched"
			}
			status := strconv.Itoa(c.Response().Status)
			m.httpRequests.WithLabelValues(c.Request().Method, path, status).Inc()
			m.httpDuration.WithLabelValues(c.Request().Method, path).Observe(time.Since(start).Seconds())
			return nil
		}
	}
}

func (m *Metrics) ReadingRecorded(level string) {
	if m == nil {
		return
	}
	m.readingsRecorded.WithLabelValues(level).Inc()
}

func (m *Metrics) AlertCreated(severity string) {
	if m == nil {
		return
	}
	m.alertsCreated.WithLabelValues(severity).Inc()
}

func (m *Metrics) AlertsSuppressed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.alertsSuppressed.Add(float64(n))
}

func (m *Metrics) AlertAutoResolved() {
	if m == nil {
		return
	}
	m.alertsAutoResolved.Inc()
}

func (m *Metrics) AlertEscalated(level int) {
	if m == nil {
		return
	}
	m.alertsEscalated.WithLabelValues(strconv.Itoa(level)).Inc()
}

func (m *Metrics) AlertTransition(toStatus string) {
	if m == nil {
		return
	}
	m.alertTransitions.WithLabelValues(toStatus).Inc()
}

func (m *Metrics) SweepCompleted(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.sweepDuration.Observe(d.Seconds())
	if err != nil {
		m.sweepFailures.Inc()
	}
}

func (m *Metrics) LockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.lockWaitSeconds.Observe(d.Seconds())
}
