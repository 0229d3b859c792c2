package metric

import (
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/c360/openhim-core/errors"
)

type metricKey struct {
	service, name string
}

func (k metricKey) String() string { return k.service + "." + k.name }

// MetricsRegistry owns a private Prometheus registry and the core Metrics.
// Each component registers under its service name; a service may claim a
// metric name once.
type MetricsRegistry struct {
	prom    *prometheus.Registry
	Metrics *Metrics

	mu      sync.Mutex
	claimed map[metricKey]struct{}
}

// NewMetricsRegistry returns a registry with the core metrics and the Go
// runtime and process collectors registered
func NewMetricsRegistry() *MetricsRegistry {
	r := &MetricsRegistry{
		prom:    prometheus.NewRegistry(),
		Metrics: NewMetrics(),
		claimed: make(map[metricKey]struct{}),
	}
	r.prom.MustRegister(r.Metrics.collectors()...)
	r.prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// PrometheusRegistry is what the metrics endpoint gathers from
func (r *MetricsRegistry) PrometheusRegistry() *prometheus.Registry { return r.prom }

// CoreMetrics returns the process-wide metrics
func (r *MetricsRegistry) CoreMetrics() *Metrics { return r.Metrics }

// register claims service.name and hands c to Prometheus. A second claim, or
// a collector whose descriptor Prometheus already knows, is an invalid error.
func (r *MetricsRegistry) register(service, name string, c prometheus.Collector) error {
	key := metricKey{service, name}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.claimed[key]; taken {
		return errors.WrapInvalid(fmt.Errorf("metric %s already registered", key),
			"MetricsRegistry", "register", "claim "+key.String())
	}

	if err := r.prom.Register(c); err != nil {
		var dup prometheus.AlreadyRegisteredError
		if stderrors.As(err, &dup) {
			return errors.WrapInvalid(err, "MetricsRegistry", "register", "claim "+key.String())
		}
		return errors.WrapFatal(err, "MetricsRegistry", "register", "register "+key.String())
	}
	r.claimed[key] = struct{}{}
	return nil
}

func (r *MetricsRegistry) RegisterCounter(service, name string, c prometheus.Counter) error {
	return r.register(service, name, c)
}

func (r *MetricsRegistry) RegisterGauge(service, name string, g prometheus.Gauge) error {
	return r.register(service, name, g)
}

func (r *MetricsRegistry) RegisterHistogram(service, name string, h prometheus.Histogram) error {
	return r.register(service, name, h)
}

func (r *MetricsRegistry) RegisterCounterVec(service, name string, c *prometheus.CounterVec) error {
	return r.register(service, name, c)
}

func (r *MetricsRegistry) RegisterGaugeVec(service, name string, g *prometheus.GaugeVec) error {
	return r.register(service, name, g)
}

func (r *MetricsRegistry) RegisterHistogramVec(service, name string, h *prometheus.HistogramVec) error {
	return r.register(service, name, h)
}
