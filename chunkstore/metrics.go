package chunkstore

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/openhim-core/errors"
	"github.com/c360/openhim-core/metric"
)

// chunkMetrics is nil when no registry was supplied
type chunkMetrics struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	stored     *prometheus.CounterVec
}

func newChunkMetrics(registry *metric.MetricsRegistry) (*chunkMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &chunkMetrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "chunkstore",
			Name:      "operations_total",
			Help:      "Chunk store operations by outcome",
		}, []string{"operation", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "chunkstore",
			Name:      "operation_duration_seconds",
			Help:      "Chunk store operation duration including retries",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"operation"}),
		stored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "chunkstore",
			Name:      "stored_bytes_total",
			Help:      "Bytes handed to the backend by encoding",
		}, []string{"encoding"}),
	}

	if err := registry.RegisterCounterVec("chunkstore", "operations_total", m.operations); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogramVec("chunkstore", "operation_duration_seconds", m.duration); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("chunkstore", "stored_bytes_total", m.stored); err != nil {
		return nil, err
	}
	return m, nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.IsInvalid(err):
		return "rejected"
	default:
		return "error"
	}
}

func (m *chunkMetrics) observe(operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, outcome(err)).Inc()
	m.duration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

func (m *chunkMetrics) addStored(enc string, n int) {
	if m == nil {
		return
	}
	m.stored.WithLabelValues(enc).Add(float64(n))
}
