// Package telemetry exposes timeglass's own Prometheus metrics. All methods
// are safe to call on a nil *Metrics so components can run uninstrumented.
package telemetry

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "timeglass"

var histogramBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}

// Metrics holds the collectors registered for one process.
type Metrics struct {
	recordsCaptured prometheus.Counter
	recordsDropped  prometheus.Counter
	opsDropped      prometheus.Counter
	recordsFlushed  prometheus.Counter
	flushErrors     prometheus.Counter
	degradedSamples prometheus.Counter
	clockAnomalies  prometheus.Counter
	queueDepth      prometheus.Gauge
	apiRequests     *prometheus.CounterVec
	apiLatency      *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg. Collectors that
// are already registered are reused.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		recordsCaptured: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "capture", Name: "records_total",
			Help: "Completed profiling records produced by the capture engine",
		}),
		degradedSamples: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "capture", Name: "degraded_samples_total",
			Help: "Resource samples that could not be read from the host",
		}),
		clockAnomalies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "capture", Name: "clock_anomalies_total",
			Help: "Windows whose end preceded their start and were clamped to zero",
		}),
		recordsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sink", Name: "dropped_records_total",
			Help: "Records dropped because the write queue was full or closed",
		}),
		opsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sink", Name: "dropped_operations_total",
			Help: "Operation timings dropped because the write queue was full or closed",
		}),
		recordsFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sink", Name: "flushed_records_total",
			Help: "Records persisted by the batch writer",
		}),
		flushErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sink", Name: "flush_errors_total",
			Help: "Failed batch flushes",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "sink", Name: "queue_depth",
			Help: "Records waiting in the write queue",
		}),
		apiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "api", Name: "http_requests_total",
			Help: "Count of processed API requests",
		}, []string{"method", "route", "status"}),
		apiLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "api", Name: "http_request_duration_seconds",
			Help:    "Latency distribution of API handlers",
			Buckets: histogramBuckets,
		}, []string{"method", "route", "status"}),
	}

	m.recordsCaptured = register(reg, m.recordsCaptured)
	m.degradedSamples = register(reg, m.degradedSamples)
	m.clockAnomalies = register(reg, m.clockAnomalies)
	m.recordsDropped = register(reg, m.recordsDropped)
	m.opsDropped = register(reg, m.opsDropped)
	m.recordsFlushed = register(reg, m.recordsFlushed)
	m.flushErrors = register(reg, m.flushErrors)
	m.queueDepth = register(reg, m.queueDepth)
	m.apiRequests = register(reg, m.apiRequests)
	m.apiLatency = register(reg, m.apiLatency)

	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

func (m *Metrics) RecordCaptured() {
	if m != nil {
		m.recordsCaptured.Inc()
	}
}

func (m *Metrics) SampleDegraded() {
	if m != nil {
		m.degradedSamples.Inc()
	}
}

func (m *Metrics) ClockAnomaly() {
	if m != nil {
		m.clockAnomalies.Inc()
	}
}

func (m *Metrics) RecordDropped() {
	if m != nil {
		m.recordsDropped.Inc()
	}
}

func (m *Metrics) OperationDropped() {
	if m != nil {
		m.opsDropped.Inc()
	}
}

func (m *Metrics) RecordsFlushed(n int) {
	if m != nil {
		m.recordsFlushed.Add(float64(n))
	}
}

func (m *Metrics) FlushFailed() {
	if m != nil {
		m.flushErrors.Inc()
	}
}

func (m *Metrics) SetQueueDepth(n int) {
	if m != nil {
		m.queueDepth.Set(float64(n))
	}
}

// ObserveAPIRequest records one served API request.
func (m *Metrics) ObserveAPIRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	m.apiRequests.With(labels).Inc()
	m.apiLatency.With(labels).Observe(d.Seconds())
}
