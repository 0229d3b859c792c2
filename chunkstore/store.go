package chunkstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360/openhim-core/errors"
	"github.com/c360/openhim-core/metric"
	"github.com/c360/openhim-core/pkg/retry"
	"github.com/c360/openhim-core/storage"
)

// Config configures encoding and retry of chunk writes
type Config struct {
	// Compression is one of none, lz4 or zstd
	Compression string `json:"compression"`
	// CompressMinSize is the smallest encoded body that is compressed
	CompressMinSize int `json:"compress_min_size"`
	// Retry applies to transient backend failures
	Retry errors.RetryConfig `json:"retry"`
}

// DefaultConfig returns the configuration used by the server
func DefaultConfig() Config {
	return Config{
		Compression:     "zstd",
		CompressMinSize: 1024,
		Retry:           errors.DefaultRetryConfig(),
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if _, err := ParseEncoding(c.Compression); err != nil {
		return errors.WrapInvalid(err, "ChunkStore", "Validate", "parse compression")
	}
	if c.CompressMinSize < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "ChunkStore", "Validate",
			"compress_min_size cannot be negative")
	}
	if c.Retry.MaxRetries < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "ChunkStore", "Validate",
			"retry.max_retries cannot be negative")
	}
	return nil
}

// Store keeps payloads in a blob backend. Each payload is one record written
// with a single Put; its metadata carries what is needed to decode and verify
// it.
type Store struct {
	backend  storage.Store
	encoding Encoding
	minSize  int
	retry    retry.Config
	logger   *slog.Logger
	metrics  *chunkMetrics
}

// New creates a Store on backend. The backend handle is owned by the caller.
func New(backend storage.Store, cfg Config, logger *slog.Logger, registry *metric.MetricsRegistry) (*Store, error) {
	if backend == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "ChunkStore", "New", "backend is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	enc, _ := ParseEncoding(cfg.Compression)
	metrics, err := newChunkMetrics(registry)
	if err != nil {
		return nil, err
	}

	return &Store{
		backend:  backend,
		encoding: enc,
		minSize:  cfg.CompressMinSize,
		retry:    cfg.Retry.ToRetryConfig(),
		logger:   logger.With("component", "chunkstore"),
		metrics:  metrics,
	}, nil
}

// StoreValue validates v with NewPayload and stores it
func (s *Store) StoreValue(ctx context.Context, v any) (Reference, error) {
	p, err := NewPayload(v)
	if err != nil {
		return "", err
	}
	return s.Store(ctx, p)
}

// Store writes p and returns its reference once the backend has acknowledged
// every byte. On any failure no reference is returned and the partially
// written record, if any, is removed.
func (s *Store) Store(ctx context.Context, p Payload) (ref Reference, err error) {
	start := time.Now()
	defer func() { s.metrics.observe("store", start, err) }()

	if p.IsZero() {
		return "", errors.WrapInvalid(errors.ErrEmptyPayload, "ChunkStore", "Store", "validate payload")
	}

	rec, err := encode(p, s.encoding, s.minSize)
	if err != nil {
		return "", errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrUnsupportedShape, err),
			"ChunkStore", "Store", "encode payload")
	}

	ref = NewReference()
	want := int64(len(rec.data))
	_, err = retry.DoWithResult(ctx, s.retry, func() (int64, error) {
		n, err := s.backend.Put(ctx, ref.String(), rec.data, rec.meta)
		if err != nil {
			return 0, err
		}
		if n != want {
			return n, errors.WrapTransient(fmt.Errorf("short write: %d of %d bytes acknowledged", n, want),
				"ChunkStore", "Store", "verify upload")
		}
		return n, nil
	})
	if err != nil {
		s.discard(ref)
		s.logger.Error("Failed to store body", "reference", ref, "bytes", want, "error", err)
		return "", errors.Storage(err, "ChunkStore", "Store", "upload body")
	}

	s.metrics.addStored(rec.meta[metaEncoding], len(rec.data))
	s.logger.Debug("Stored body", "reference", ref, "kind", p.Kind(),
		"bytes", want, "encoding", rec.meta[metaEncoding])
	return ref, nil
}

// discard removes a record whose upload did not complete
func (s *Store) discard(ref Reference) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.backend.Delete(ctx, ref.String()); err != nil {
		s.logger.Warn("Failed to remove incomplete body", "reference", ref, "error", err)
	}
}

// Retrieve returns the payload stored under ref. Unknown references fail with
// errors.ErrNotFound; backend failures and records that fail verification
// fail with errors.ErrStorage.
func (s *Store) Retrieve(ctx context.Context, ref Reference) (p Payload, err error) {
	start := time.Now()
	defer func() { s.metrics.observe("retrieve", start, err) }()

	if ref.IsZero() {
		return Payload{}, errors.WrapInvalid(errors.ErrNotFound, "ChunkStore", "Retrieve", "resolve empty reference")
	}

	obj, err := retry.DoWithResult(ctx, s.retry, func() (*storage.Object, error) {
		return s.backend.Get(ctx, ref.String())
	})
	if err != nil {
		if errors.IsInvalid(err) {
			return Payload{}, errors.WrapInvalid(errors.ErrNotFound, "ChunkStore", "Retrieve",
				fmt.Sprintf("resolve %s", ref))
		}
		s.logger.Error("Failed to read body", "reference", ref, "error", err)
		return Payload{}, errors.Storage(err, "ChunkStore", "Retrieve", "read body")
	}

	p, err = decode(obj.Data, obj.Metadata)
	if err != nil {
		s.logger.Error("Stored body is corrupted", "reference", ref, "error", err)
		return Payload{}, errors.Storage(fmt.Errorf("%w: %v", errors.ErrDataCorrupted, err),
			"ChunkStore", "Retrieve", "decode body")
	}
	return p, nil
}

// Delete removes the record under ref. Deleting an unknown reference succeeds.
func (s *Store) Delete(ctx context.Context, ref Reference) (err error) {
	start := time.Now()
	defer func() { s.metrics.observe("delete", start, err) }()

	err = retry.Do(ctx, s.retry, func() error {
		return s.backend.Delete(ctx, ref.String())
	})
	if err != nil {
		return errors.Storage(err, "ChunkStore", "Delete", fmt.Sprintf("delete %s", ref))
	}
	return nil
}
