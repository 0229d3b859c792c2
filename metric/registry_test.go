package metric

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/openhim-core/errors"
)

func gatheredNames(t *testing.T, r *MetricsRegistry) map[string]bool {
	t.Helper()
	families, err := r.PrometheusRegistry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	return names
}

func TestNewMetricsRegistry(t *testing.T) {
	registry := NewMetricsRegistry()

	require.NotNil(t, registry)
	assert.NotNil(t, registry.PrometheusRegistry())
	assert.Same(t, registry.Metrics, registry.CoreMetrics())

	registry.CoreMetrics().RecordNATSStatus(true)
	names := gatheredNames(t, registry)
	assert.True(t, names["openhim_nats_connected"])
	assert.True(t, names["go_goroutines"])
}

func TestMetricsRegistry_RegisterVectors(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_total", Help: "t"}, []string{"outcome"})
	gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "test_depth", Help: "t"}, []string{"queue"})
	hist := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "test_seconds", Help: "t"}, []string{"op"})

	require.NoError(t, registry.RegisterCounterVec("svc", "test_total", counter))
	require.NoError(t, registry.RegisterGaugeVec("svc", "test_depth", gauge))
	require.NoError(t, registry.RegisterHistogramVec("svc", "test_seconds", hist))

	counter.WithLabelValues("ok").Add(3)
	gauge.WithLabelValues("q").Set(1)
	hist.WithLabelValues("put").Observe(0.1)

	assert.Equal(t, 3.0, testutil.ToFloat64(counter.WithLabelValues("ok")))
	names := gatheredNames(t, registry)
	assert.True(t, names["test_total"])
	assert.True(t, names["test_depth"])
	assert.True(t, names["test_seconds"])
}

func TestMetricsRegistry_PreventDuplicateRegistration(t *testing.T) {
	registry := NewMetricsRegistry()

	first := prometheus.NewCounter(prometheus.CounterOpts{Name: "dup_total", Help: "t"})
	second := prometheus.NewCounter(prometheus.CounterOpts{Name: "dup_total", Help: "t"})

	require.NoError(t, registry.RegisterCounter("svc", "dup_total", first))

	err := registry.RegisterCounter("svc", "dup_total", second)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	// Same prometheus name under another service is a prometheus conflict
	err = registry.RegisterCounter("other", "dup_total", second)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestMetricsRegistry_ThreadSafety(t *testing.T) {
	registry := NewMetricsRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("concurrent_%d", i)
			c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: "t"})
			assert.NoError(t, registry.RegisterCounter("svc", name, c))
		}(i)
	}
	wg.Wait()

	assert.Len(t, registry.claimed, 20)
}

func TestCoreMetrics_RecordMethods(t *testing.T) {
	m := NewMetrics()

	m.RecordRequest("GET /transactions", "200", 10*time.Millisecond)
	m.RecordNATSStatus(true)
	m.RecordNATSReconnect()
	m.RecordCircuitBreakerState(1)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET /transactions", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NATSConnected))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NATSReconnects))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NATSCircuitBreaker))

	var nilMetrics *Metrics
	assert.NotPanics(t, func() { nilMetrics.RecordRequest("x", "500", time.Second) })
}

func TestServer_Handler(t *testing.T) {
	registry := NewMetricsRegistry()
	registry.CoreMetrics().RecordNATSReconnect()
	server := NewServer(0, "", registry)

	assert.Equal(t, "http://localhost:9090/metrics", server.Address())

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "openhim_nats_reconnects_total"))
}

func TestServer_StopWithoutStart(t *testing.T) {
	server := NewServer(0, "", NewMetricsRegistry())
	assert.NoError(t, server.Stop())
}
