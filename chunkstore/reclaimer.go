package chunkstore

import (
	"context"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/c360/openhim-core/metric"
	"github.com/c360/openhim-core/pkg/worker"
)

// Deleter removes stored bodies. *Store implements it.
type Deleter interface {
	Delete(ctx context.Context, ref Reference) error
}

// ReclaimerConfig sizes the background delete pool
type ReclaimerConfig struct {
	Workers   int           `json:"workers"`
	QueueSize int           `json:"queue_size"`
	Timeout   time.Duration `json:"timeout"`
}

// DefaultReclaimerConfig returns the sizes used by the server
func DefaultReclaimerConfig() ReclaimerConfig {
	return ReclaimerConfig{Workers: 4, QueueSize: 1000, Timeout: 10 * time.Second}
}

// Reclaimer deletes the bodies of removed transactions in the background.
// Failed deletes are logged and dropped; the orphaned record stays in the
// backend until a bulk cleanup removes it.
type Reclaimer struct {
	pool   *worker.Pool[Reference]
	logger *slog.Logger
}

// NewReclaimer creates a reclaimer that deletes through d
func NewReclaimer(d Deleter, cfg ReclaimerConfig, logger *slog.Logger, registry *metric.MetricsRegistry) *Reclaimer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	logger = logger.With("component", "reclaimer")

	process := func(ctx context.Context, ref Reference) error {
		ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
		if err := d.Delete(ctx, ref); err != nil {
			logger.Warn("Failed to reclaim body", "reference", ref, "error", err)
			return err
		}
		logger.Debug("Reclaimed body", "reference", ref)
		return nil
	}

	var opts []worker.Option[Reference]
	if registry != nil {
		opts = append(opts, worker.WithMetricsRegistry[Reference](registry, "reclaimer"))
	}

	return &Reclaimer{
		pool:   worker.NewPool(cfg.Workers, cfg.QueueSize, process, opts...),
		logger: logger,
	}
}

// Start launches the workers
func (r *Reclaimer) Start(ctx context.Context) error {
	return r.pool.Start(ctx)
}

// Stop waits up to timeout for queued deletes
func (r *Reclaimer) Stop(timeout time.Duration) error {
	return r.pool.Stop(timeout)
}

// Reclaim queues refs for deletion. Empty references are skipped. References
// that do not fit in the queue are reported in the returned error.
func (r *Reclaimer) Reclaim(refs ...Reference) error {
	var errs []error
	for _, ref := range refs {
		if ref.IsZero() {
			continue
		}
		if err := r.pool.Submit(ref); err != nil {
			r.logger.Warn("Dropped body from reclaim queue", "reference", ref, "error", err)
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

// Stats returns the pool counters
func (r *Reclaimer) Stats() worker.PoolStats {
	return r.pool.Stats()
}
