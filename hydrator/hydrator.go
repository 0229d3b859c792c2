// Package hydrator resolves the chunk references of stored transactions back
// into inline bodies.
//
// Only the top-level request and response are hydrated. Bodies referenced
// from routes and orchestrations are left as references.
package hydrator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/c360/openhim-core/chunkstore"
	"github.com/c360/openhim-core/errors"
	"github.com/c360/openhim-core/metric"
	"github.com/c360/openhim-core/transaction"
)

// Retriever resolves a chunk reference. *chunkstore.Store implements it.
type Retriever interface {
	Retrieve(ctx context.Context, ref chunkstore.Reference) (chunkstore.Payload, error)
}

// Hydrator fills request and response bodies from a Retriever
type Hydrator struct {
	store          Retriever
	maxConcurrency int
	logger         *slog.Logger
	metrics        *hydratorMetrics
}

// Option configures a Hydrator
type Option func(*Hydrator)

// WithMaxConcurrency bounds the transactions hydrated at once by
// HydrateBatch. Zero or less means no bound.
func WithMaxConcurrency(n int) Option {
	return func(h *Hydrator) { h.maxConcurrency = n }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hydrator) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithMetrics registers batch metrics on registry
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(h *Hydrator) {
		h.metrics = newHydratorMetrics(registry)
	}
}

// New creates a Hydrator reading from store
func New(store Retriever, opts ...Option) *Hydrator {
	h := &Hydrator{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "hydrator")
	return h
}

// Hydrate returns a copy of tx whose request and response bodies are resolved
// from their bodyId references. Both fetches run concurrently and both must
// succeed. A nil transaction, or one without request or response, is returned
// unchanged. tx itself is not modified.
func (h *Hydrator) Hydrate(ctx context.Context, tx *transaction.Transaction) (*transaction.Transaction, error) {
	if tx == nil || (tx.Request == nil && tx.Response == nil) {
		return tx, nil
	}

	out := tx.ShallowCopy()
	g, gctx := errgroup.WithContext(ctx)

	if out.Request != nil && out.Request.BodyID != "" {
		g.Go(func() error {
			body, err := h.fetch(gctx, out.Request.BodyID)
			if err != nil {
				return err
			}
			out.Request.Body = &body
			return nil
		})
	}
	if out.Response != nil && out.Response.BodyID != "" {
		g.Go(func() error {
			body, err := h.fetch(gctx, out.Response.BodyID)
			if err != nil {
				return err
			}
			out.Response.Body = &body
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		h.metrics.recordFailure()
		return nil, errors.Wrap(err, "Hydrator", "Hydrate", fmt.Sprintf("hydrate transaction %s", tx.ID))
	}
	return out, nil
}

// HydrateBatch hydrates every transaction concurrently and returns them in
// input order. The first failure fails the whole batch and no partial result
// is returned. An empty batch yields an empty, non-nil slice.
func (h *Hydrator) HydrateBatch(ctx context.Context, txs []*transaction.Transaction) ([]*transaction.Transaction, error) {
	out := make([]*transaction.Transaction, len(txs))
	if len(txs) == 0 {
		return out, nil
	}
	h.metrics.observeBatch(len(txs))

	g, gctx := errgroup.WithContext(ctx)
	if h.maxConcurrency > 0 {
		g.SetLimit(h.maxConcurrency)
	}

	for i, tx := range txs {
		g.Go(func() error {
			hydrated, err := h.Hydrate(gctx, tx)
			if err != nil {
				return err
			}
			out[i] = hydrated
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		h.logger.Warn("Batch hydration failed", "size", len(txs), "error", err)
		return nil, err
	}
	return out, nil
}

func (h *Hydrator) fetch(ctx context.Context, bodyID string) (string, error) {
	p, err := h.store.Retrieve(ctx, chunkstore.Reference(bodyID))
	if err != nil {
		return "", err
	}
	return Render(p)
}

// Render converts a payload into body text. Sequences are rendered as a JSON
// array and byte bodies that are not valid UTF-8 as standard base64, the
// form the chunk API uses for binary data.
func Render(p chunkstore.Payload) (string, error) {
	switch p.Kind() {
	case chunkstore.KindSequence:
		b, err := json.Marshal(p.Elements())
		if err != nil {
			return "", errors.WrapInvalid(err, "Hydrator", "Render", "encode sequence body")
		}
		return string(b), nil
	case chunkstore.KindBytes:
		if !utf8.Valid(p.Bytes()) {
			return base64.StdEncoding.EncodeToString(p.Bytes()), nil
		}
		return p.Text(), nil
	default:
		return p.Text(), nil
	}
}

type hydratorMetrics struct {
	batchSize prometheus.Histogram
	failures  prometheus.Counter
}

func newHydratorMetrics(registry *metric.MetricsRegistry) *hydratorMetrics {
	if registry == nil {
		return nil
	}

	m := &hydratorMetrics{
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "hydrator",
			Name:      "batch_size",
			Help:      "Transactions per hydration batch",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "hydrator",
			Name:      "failures_total",
			Help:      "Transactions whose bodies could not be resolved",
		}),
	}

	if err := registry.RegisterHistogram("hydrator", "batch_size", m.batchSize); err != nil {
		return nil
	}
	if err := registry.RegisterCounter("hydrator", "failures_total", m.failures); err != nil {
		return nil
	}
	return m
}

func (m *hydratorMetrics) observeBatch(n int) {
	if m == nil {
		return
	}
	m.batchSize.Observe(float64(n))
}

func (m *hydratorMetrics) recordFailure() {
	if m == nil {
		return
	}
	m.failures.Inc()
}
