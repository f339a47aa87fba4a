// Package metrics exposes Prometheus metrics for topic monitoring.
//
// Every recording method is safe on a nil *Metrics so components can run
// without instrumentation in tests and one-shot CLI commands.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// Namespace prefixes every metric name.
	Namespace = "topic_monitor"
)

// Metrics holds the service collectors.
type Metrics struct {
	registry *prometheus.Registry

	// Jobs
	JobsProcessedTotal *prometheus.CounterVec
	JobDurationSeconds *prometheus.HistogramVec
	JobsRunning        prometheus.Gauge
	QueueDepth         *prometheus.GaugeVec

	// Runs
	RunsTotal           *prometheus.CounterVec
	ItemsFetchedTotal   *prometheus.CounterVec
	ItemsDuplicateTotal prometheus.Counter
	FetchErrorsTotal    *prometheus.CounterVec
	NotificationsTotal  *prometheus.CounterVec

	// Locks
	LockWaitSeconds   *prometheus.HistogramVec
	LockTimeoutsTotal prometheus.Counter

	// HTTP
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPDurationSeconds *prometheus.HistogramVec
}

// New creates the collectors on a private registry that also carries the
// Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := promauto.With(reg)
	m := &Metrics{registry: reg}
	m.initJobMetrics(factory)
	m.initRunMetrics(factory)
	m.initLockMetrics(factory)
	m.initHTTPMetrics(factory)
	return m
}

func (m *Metrics) initJobMetrics(factory promauto.Factory) {
	m.JobsProcessedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "queue",
			Name:      "jobs_processed_total",
			Help:      "Jobs handled by the worker pool, by type and outcome",
		},
		[]string{"type", "status"},
	)
	m.JobDurationSeconds = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "queue",
			Name:      "job_duration_seconds",
			Help:      "Job handler duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		},
		[]string{"type"},
	)
	m.JobsRunning = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "queue",
		Name:      "jobs_running",
		Help:      "Jobs currently being handled",
	})
	m.QueueDepth = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Jobs per queue state",
		},
		[]string{"state"},
	)
}

func (m *Metrics) initRunMetrics(factory promauto.Factory) {
	m.RunsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "runs",
			Name:      "total",
			Help:      "Finished runs by status",
		},
		[]string{"status"},
	)
	m.ItemsFetchedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "runs",
			Name:      "items_fetched_total",
			Help:      "Items returned by source adapters",
		},
		[]string{"kind"},
	)
	m.ItemsDuplicateTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "runs",
		Name:      "items_duplicate_total",
		Help:      "Items dropped by the dedup gate",
	})
	m.FetchErrorsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "runs",
			Name:      "fetch_errors_total",
			Help:      "Source fetches that failed",
		},
		[]string{"kind"},
	)
	m.NotificationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "runs",
			Name:      "notifications_total",
			Help:      "Notifications posted per target kind and outcome",
		},
		[]string{"target", "status"},
	)
}

func (m *Metrics) initLockMetrics(factory promauto.Factory) {
	m.LockWaitSeconds = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "lock",
			Name:      "wait_seconds",
			Help:      "Time spent acquiring named locks",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		},
		[]string{"operation"},
	)
	m.LockTimeoutsTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "lock",
		Name:      "timeouts_total",
		Help:      "Lock acquisitions that timed out",
	})
}

func (m *Metrics) initHTTPMetrics(factory promauto.Factory) {
	m.HTTPRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status",
		},
		[]string{"method", "route", "status"},
	)
	m.HTTPDurationSeconds = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveJob records one handled job.
func (m *Metrics) ObserveJob(taskType, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.JobsProcessedTotal.WithLabelValues(taskType, status).Inc()
	m.JobDurationSeconds.WithLabelValues(taskType).Observe(d.Seconds())
}

// JobStarted and JobFinished track the running gauge.
func (m *Metrics) JobStarted() {
	if m != nil {
		m.JobsRunning.Inc()
	}
}

func (m *Metrics) JobFinished() {
	if m != nil {
		m.JobsRunning.Dec()
	}
}

// SetQueueDepth publishes per-state job counts.
func (m *Metrics) SetQueueDepth(counts map[string]int64) {
	if m == nil {
		return
	}
	for state, n := range counts {
		m.QueueDepth.WithLabelValues(state).Set(float64(n))
	}
}

// ObserveRun records a finished run.
func (m *Metrics) ObserveRun(status string) {
	if m != nil {
		m.RunsTotal.WithLabelValues(status).Inc()
	}
}

// ObserveFetch records one source fetch.
func (m *Metrics) ObserveFetch(kind string, items int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.FetchErrorsTotal.WithLabelValues(kind).Inc()
		return
	}
	m.ItemsFetchedTotal.WithLabelValues(kind).Add(float64(items))
}

// ObserveDuplicates counts items the dedup gate dropped.
func (m *Metrics) ObserveDuplicates(n int) {
	if m != nil && n > 0 {
		m.ItemsDuplicateTotal.Add(float64(n))
	}
}

// ObserveNotification records one post attempt.
func (m *Metrics) ObserveNotification(target string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.NotificationsTotal.WithLabelValues(target, status).Inc()
}

// ObserveLock records lock wait time for an operation such as "process".
func (m *Metrics) ObserveLock(operation string, wait time.Duration, timedOut bool) {
	if m == nil {
		return
	}
	m.LockWaitSeconds.WithLabelValues(operation).Observe(wait.Seconds())
	if timedOut {
		m.LockTimeoutsTotal.Inc()
	}
}

// GinMiddleware counts requests by route template.
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.HTTPRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.HTTPDurationSeconds.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}
