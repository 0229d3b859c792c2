package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/openhim-core/metric"
)

// Pool runs a fixed number of workers over a bounded queue of T
type Pool[T any] struct {
	workers   int
	queueSize int
	processor func(context.Context, T) error

	workChan chan T
	metrics  *poolMetrics
	wg       sync.WaitGroup

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool

	submitted int64
	processed int64
	failed    int64
	dropped   int64

	metricsRegistry *metric.MetricsRegistry
	name            string
}

// Option configures a Pool
type Option[T any] func(*Pool[T])

// WithMetricsRegistry registers queue depth, outcome counters and processing
// latency for the pool, labelled with name.
func WithMetricsRegistry[T any](registry *metric.MetricsRegistry, name string) Option[T] {
	return func(p *Pool[T]) {
		p.metricsRegistry = registry
		p.name = name
	}
}

// NewPool creates a pool. Non-positive sizes fall back to 10 workers and a
// queue of 1000. A nil processor panics with ErrNilProcessor.
func NewPool[T any](workers, queueSize int, processor func(context.Context, T) error, opts ...Option[T]) *Pool[T] {
	if workers <= 0 {
		workers = 10
	}
	if queueSize <= 0 {
		queueSize = 1000
	}
	if processor == nil {
		panic(ErrNilProcessor)
	}

	pool := &Pool[T]{
		workers:   workers,
		queueSize: queueSize,
		processor: processor,
		workChan:  make(chan T, queueSize),
	}
	for _, opt := range opts {
		opt(pool)
	}

	if pool.metricsRegistry != nil && pool.name != "" {
		pool.metrics = newPoolMetrics(pool.metricsRegistry, pool.name)
	}

	return pool
}

// Submit enqueues work without blocking. A full queue drops the item and
// returns ErrQueueFull.
func (p *Pool[T]) Submit(work T) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.workChan <- work:
		atomic.AddInt64(&p.submitted, 1)
		p.metrics.recordSubmit(len(p.workChan))
		return nil
	default:
		atomic.AddInt64(&p.dropped, 1)
		p.metrics.recordDrop()
		return ErrQueueFull
	}
}

// Start launches the workers. They exit when ctx is cancelled or Stop drains
// the queue.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}

	p.started = true
	return nil
}

// Stop closes the queue and waits up to timeout for queued work to finish
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started || p.stopped {
		return nil
	}
	p.stopped = true
	close(p.workChan)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// Stats returns current pool statistics
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		Workers:    p.workers,
		QueueSize:  p.queueSize,
		QueueDepth: len(p.workChan),
		Submitted:  atomic.LoadInt64(&p.submitted),
		Processed:  atomic.LoadInt64(&p.processed),
		Failed:     atomic.LoadInt64(&p.failed),
		Dropped:    atomic.LoadInt64(&p.dropped),
	}
}

// PoolStats represents worker pool statistics
type PoolStats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
}

func (p *Pool[T]) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case work, ok := <-p.workChan:
			if !ok {
				return
			}

			start := time.Now()
			err := p.processor(ctx, work)

			atomic.AddInt64(&p.processed, 1)
			if err != nil {
				atomic.AddInt64(&p.failed, 1)
			}
			p.metrics.recordProcessed(err, time.Since(start), len(p.workChan))
		}
	}
}

type poolMetrics struct {
	name       string
	queueDepth *prometheus.GaugeVec
	items      *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

// newPoolMetrics registers the pool collectors. Registration conflicts leave
// the pool running without metrics.
func newPoolMetrics(registry *metric.MetricsRegistry, name string) *poolMetrics {
	m := &poolMetrics{
		name: name,
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "worker_pool",
			Name:      "queue_depth",
			Help:      "Current worker pool queue depth",
		}, []string{"pool"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "worker_pool",
			Name:      "items_total",
			Help:      "Work items by outcome (submitted, processed, failed, dropped)",
		}, []string{"pool", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "worker_pool",
			Name:      "processing_duration_seconds",
			Help:      "Time spent processing work items",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}, []string{"pool", "status"}),
	}

	service := "worker_pool_" + name
	if registry.RegisterGaugeVec(service, "queue_depth", m.queueDepth) != nil ||
		registry.RegisterCounterVec(service, "items_total", m.items) != nil ||
		registry.RegisterHistogramVec(service, "processing_duration_seconds", m.duration) != nil {
		return nil
	}
	return m
}

func (m *poolMetrics) recordSubmit(depth int) {
	if m == nil {
		return
	}
	m.items.WithLabelValues(m.name, "submitted").Inc()
	m.queueDepth.WithLabelValues(m.name).Set(float64(depth))
}

func (m *poolMetrics) recordDrop() {
	if m == nil {
		return
	}
	m.items.WithLabelValues(m.name, "dropped").Inc()
}

func (m *poolMetrics) recordProcessed(err error, d time.Duration, depth int) {
	if m == nil {
		return
	}
	status := "success"
	m.items.WithLabelValues(m.name, "processed").Inc()
	if err != nil {
		status = "error"
		m.items.WithLabelValues(m.name, "failed").Inc()
	}
	m.duration.WithLabelValues(m.name, status).Observe(d.Seconds())
	m.queueDepth.WithLabelValues(m.name).Set(float64(depth))
}
