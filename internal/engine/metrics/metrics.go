// Package metrics provides engine metrics collection. It wraps Prometheus
// collectors for procedure preparation, queue runs, transaction outcomes and
// chain read latency.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector provides engine metrics collection.
type Collector struct {
	registry *prometheus.Registry

	// Procedure metrics
	prepareTotal        *prometheus.CounterVec
	prepareLatency      *prometheus.HistogramVec
	authorizationDenied *prometheus.CounterVec

	// Queue metrics
	queueRuns    *prometheus.CounterVec
	queueLatency *prometheus.HistogramVec

	// Transaction metrics
	transactionsTotal *prometheus.CounterVec
	submitLatency     *prometheus.HistogramVec
	inclusionLatency  *prometheus.HistogramVec
	inFlight          prometheus.Gauge

	// Chain read metrics
	chainReadLatency *prometheus.HistogramVec
	chainReadErrors  *prometheus.CounterVec
}

// NewCollector creates a new engine metrics collector.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "txflow"
	}

	c := &Collector{registry: prometheus.NewRegistry()}

	c.prepareTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "procedure",
			Name:      "prepare_total",
			Help:      "Total number of procedure preparations",
		},
		[]string{"procedure", "result"},
	)

	c.prepareLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "procedure",
			Name:      "prepare_duration_seconds",
			Help:      "Time taken to authorize and prepare a procedure",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"procedure"},
	)

	c.authorizationDenied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "procedure",
			Name:      "authorization_denied_total",
			Help:      "Total number of authorization denials",
		},
		[]string{"procedure"},
	)

	c.queueRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "runs_total",
			Help:      "Total number of queue runs by final status",
		},
		[]string{"procedure", "status"},
	)

	c.queueLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "run_duration_seconds",
			Help:      "Time taken to run a queue to completion",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~7m
		},
		[]string{"procedure"},
	)

	c.transactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transaction",
			Name:      "total",
			Help:      "Total number of transactions by tag and final status",
		},
		[]string{"tag", "status"},
	)

	c.submitLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "transaction",
			Name:      "submit_duration_seconds",
			Help:      "Time taken to sign and broadcast",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~10s
		},
		[]string{"tag"},
	)

	c.inclusionLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "transaction",
			Name:      "inclusion_duration_seconds",
			Help:      "Time from broadcast to finalized receipt",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10), // 500ms to ~4m
		},
		[]string{"tag"},
	)

	c.inFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transaction",
			Name:      "in_flight",
			Help:      "Transactions broadcast and not yet settled",
		},
	)

	c.chainReadLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "read_duration_seconds",
			Help:      "Latency of fee, nonce and permission reads",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"read", "result"},
	)

	c.chainReadErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "read_errors_total",
			Help:      "Total number of failed chain reads",
		},
		[]string{"read"},
	)

	c.registry.MustRegister(
		c.prepareTotal,
		c.prepareLatency,
		c.authorizationDenied,
		c.queueRuns,
		c.queueLatency,
		c.transactionsTotal,
		c.submitLatency,
		c.inclusionLatency,
		c.inFlight,
		c.chainReadLatency,
		c.chainReadErrors,
	)

	return c
}

// Registry returns the Prometheus registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordPrepare records a procedure preparation.
func (c *Collector) RecordPrepare(procedure string, duration time.Duration, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	c.prepareTotal.WithLabelValues(procedure, result).Inc()
	c.prepareLatency.WithLabelValues(procedure).Observe(duration.Seconds())
}

// RecordAuthorizationDenied increments the denial counter.
func (c *Collector) RecordAuthorizationDenied(procedure string) {
	c.authorizationDenied.WithLabelValues(procedure).Inc()
}

// RecordQueueRun records a settled queue run.
func (c *Collector) RecordQueueRun(procedure, status string, duration time.Duration) {
	c.queueRuns.WithLabelValues(procedure, status).Inc()
	c.queueLatency.WithLabelValues(procedure).Observe(duration.Seconds())
}

// RecordTransaction records a transaction reaching a terminal status.
func (c *Collector) RecordTransaction(tag, status string) {
	c.transactionsTotal.WithLabelValues(tag, status).Inc()
}

// RecordSubmit records sign-and-broadcast latency.
func (c *Collector) RecordSubmit(tag string, duration time.Duration) {
	c.submitLatency.WithLabelValues(tag).Observe(duration.Seconds())
}

// RecordInclusion records broadcast-to-receipt latency.
func (c *Collector) RecordInclusion(tag string, duration time.Duration) {
	c.inclusionLatency.WithLabelValues(tag).Observe(duration.Seconds())
}

// RecordInFlight adjusts the in-flight gauge by delta.
func (c *Collector) RecordInFlight(delta int) {
	c.inFlight.Add(float64(delta))
}

// RecordChainRead records a fee, nonce or permission read.
func (c *Collector) RecordChainRead(read string, duration time.Duration, err error) {
	result := "success"
	if err != nil {
		result = "error"
		c.chainReadErrors.WithLabelValues(read).Inc()
	}
	c.chainReadLatency.WithLabelValues(read, result).Observe(duration.Seconds())
}

// Reset resets all metrics.
func (c *Collector) Reset() {
	c.prepareTotal.Reset()
	c.authorizationDenied.Reset()
	c.queueRuns.Reset()
	c.transactionsTotal.Reset()
	c.chainReadErrors.Reset()
	c.inFlight.Set(0)
}

// NoOpCollector is a metrics collector that discards all metrics.
type NoOpCollector struct{}

// NewNoOpCollector creates a no-op metrics collector.
func NewNoOpCollector() *NoOpCollector {
	return &NoOpCollector{}
}

func (*NoOpCollector) RecordPrepare(procedure string, d time.Duration, err error) {}
func (*NoOpCollector) RecordAuthorizationDenied(procedure string)                 {}
func (*NoOpCollector) RecordQueueRun(procedure, status string, d time.Duration)   {}
func (*NoOpCollector) RecordTransaction(tag, status string)                       {}
func (*NoOpCollector) RecordSubmit(tag string, d time.Duration)                   {}
func (*NoOpCollector) RecordInclusion(tag string, d time.Duration)                {}
func (*NoOpCollector) RecordInFlight(delta int)                                   {}
func (*NoOpCollector) RecordChainRead(read string, d time.Duration, err error)    {}
func (*NoOpCollector) Reset()                                                     {}

// MetricsCollector is the interface for metrics collection.
type MetricsCollector interface {
	RecordPrepare(procedure string, duration time.Duration, err error)
	RecordAuthorizationDenied(procedure string)
	RecordQueueRun(procedure, status string, duration time.Duration)
	RecordTransaction(tag, status string)
	RecordSubmit(tag string, duration time.Duration)
	RecordInclusion(tag string, duration time.Duration)
	RecordInFlight(delta int)
	RecordChainRead(read string, duration time.Duration, err error)
	Reset()
}

// Verify interface compliance
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = (*NoOpCollector)(nil)
)
