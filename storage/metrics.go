package storage

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/openhim-core/metric"
)

// Metrics records backend operations. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	ops     *prometheus.CounterVec
	latency *prometheus.HistogramVec
	errors  *prometheus.CounterVec
	bytes   *prometheus.CounterVec
}

// NewMetrics registers the collectors for one backend instance. A nil
// registry disables metrics.
func NewMetrics(registry *metric.MetricsRegistry, backend, bucket string) (*Metrics, error) {
	if registry == nil {
		return nil, nil
	}

	labels := prometheus.Labels{"backend": backend, "bucket": bucket}
	m := &Metrics{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "storage",
			Name:        "operations_total",
			Help:        "Backend operations by type",
			ConstLabels: labels,
		}, []string{"operation"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "storage",
			Name:        "operation_duration_seconds",
			Help:        "Backend operation duration in seconds",
			ConstLabels: labels,
			Buckets:     []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0},
		}, []string{"operation"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "storage",
			Name:        "operation_errors_total",
			Help:        "Backend operations that failed",
			ConstLabels: labels,
		}, []string{"operation"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "storage",
			Name:        "bytes_total",
			Help:        "Bytes written and read",
			ConstLabels: labels,
		}, []string{"direction"}),
	}

	service := "storage_" + backend + "_" + bucket
	if err := registry.RegisterCounterVec(service, "operations_total", m.ops); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogramVec(service, "operation_duration_seconds", m.latency); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec(service, "operation_errors_total", m.errors); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec(service, "bytes_total", m.bytes); err != nil {
		return nil, err
	}
	return m, nil
}

// Observe records one operation started at start. err is the operation
// outcome; not-found reads are counted as successful lookups by callers
// passing nil.
func (m *Metrics) Observe(operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.ops.WithLabelValues(operation).Inc()
	m.latency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err != nil {
		m.errors.WithLabelValues(operation).Inc()
	}
}

// AddBytes counts payload bytes moved in direction "in" or "out"
func (m *Metrics) AddBytes(direction string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytes.WithLabelValues(direction).Add(float64(n))
}
