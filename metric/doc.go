// Package metric provides the Prometheus registry and the metrics HTTP server.
//
// Every component receives a *MetricsRegistry and registers its own
// collectors under a service name:
//
//	registry := metric.NewMetricsRegistry()
//	hits := prometheus.NewCounterVec(opts, []string{"outcome"})
//	if err := registry.RegisterCounterVec("chunkstore", "reads_total", hits); err != nil {
//	    return err
//	}
//
// A second registration of the same service and metric name fails with an
// Invalid error instead of panicking. The registry also carries Metrics, the
// process-wide API and NATS connection metrics.
//
// Server exposes the registry on /metrics and answers /health with 200 OK.
package metric
