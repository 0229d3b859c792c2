package objectstore

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/openhim-core/errors"
	"github.com/c360/openhim-core/metric"
	"github.com/c360/openhim-core/natsclient"
	"github.com/c360/openhim-core/storage"
)

// DefaultBucket holds transaction bodies unless configured otherwise
const DefaultBucket = "OPENHIM_BODIES"

// Config configures the JetStream object store backend
type Config struct {
	Bucket      string        `json:"bucket"`
	Description string        `json:"description,omitempty"`
	Replicas    int           `json:"replicas,omitempty"`
	MaxBytes    int64         `json:"max_bytes,omitempty"`
	TTL         time.Duration `json:"ttl,omitempty"`
	Compression bool          `json:"compression,omitempty"`
}

// DefaultConfig returns the configuration used by the server
func DefaultConfig() Config {
	return Config{
		Bucket:      DefaultBucket,
		Description: "transaction request and response bodies",
		Replicas:    1,
	}
}

// Store implements storage.Store on a JetStream object store bucket
type Store struct {
	bucket  jetstream.ObjectStore
	name    string
	metrics *storage.Metrics
}

var _ storage.Store = (*Store)(nil)

// NewStore opens the bucket named in cfg, creating it if needed
func NewStore(ctx context.Context, client *natsclient.Client, cfg Config, registry *metric.MetricsRegistry) (*Store, error) {
	if cfg.Bucket == "" {
		cfg.Bucket = DefaultBucket
	}

	bucket, err := client.CreateObjectStore(ctx, jetstream.ObjectStoreConfig{
		Bucket:      cfg.Bucket,
		Description: cfg.Description,
		Replicas:    cfg.Replicas,
		MaxBytes:    cfg.MaxBytes,
		TTL:         cfg.TTL,
		Compression: cfg.Compression,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "ObjectStore", "NewStore", fmt.Sprintf("open bucket %s", cfg.Bucket))
	}

	metrics, err := storage.NewMetrics(registry, storage.BackendNATS, cfg.Bucket)
	if err != nil {
		return nil, err
	}

	return &Store{bucket: bucket, name: cfg.Bucket, metrics: metrics}, nil
}

// Put uploads data as a single object. The returned size is the size the
// server recorded for the object.
func (s *Store) Put(ctx context.Context, key string, data []byte, meta map[string]string) (n int64, err error) {
	start := time.Now()
	defer func() { s.metrics.Observe("put", start, err) }()

	info, err := s.bucket.Put(ctx, jetstream.ObjectMeta{Name: key, Metadata: meta}, bytes.NewReader(data))
	if err != nil {
		return 0, errors.WrapTransient(err, "ObjectStore", "Put", fmt.Sprintf("put %s", key))
	}

	s.metrics.AddBytes("in", len(data))
	return int64(info.Size), nil
}

// Get reads the object and its metadata in one call
func (s *Store) Get(ctx context.Context, key string) (obj *storage.Object, err error) {
	start := time.Now()
	defer func() {
		if errors.IsInvalid(err) {
			s.metrics.Observe("get", start, nil)
			return
		}
		s.metrics.Observe("get", start, err)
	}()

	result, err := s.bucket.Get(ctx, key)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrObjectNotFound) {
			return nil, errors.WrapInvalid(errors.ErrNotFound, "ObjectStore", "Get", fmt.Sprintf("get %s", key))
		}
		return nil, errors.WrapTransient(err, "ObjectStore", "Get", fmt.Sprintf("get %s", key))
	}
	defer result.Close()

	data, err := io.ReadAll(result)
	if err != nil {
		return nil, errors.WrapTransient(err, "ObjectStore", "Get", fmt.Sprintf("read %s", key))
	}

	info, err := result.Info()
	if err != nil {
		return nil, errors.WrapTransient(err, "ObjectStore", "Get", fmt.Sprintf("info %s", key))
	}

	s.metrics.AddBytes("out", len(data))
	return &storage.Object{Key: key, Data: data, Metadata: info.Metadata}, nil
}

// Delete removes key. Missing keys are ignored.
func (s *Store) Delete(ctx context.Context, key string) (err error) {
	start := time.Now()
	defer func() { s.metrics.Observe("delete", start, err) }()

	if err := s.bucket.Delete(ctx, key); err != nil && !stderrors.Is(err, jetstream.ErrObjectNotFound) {
		return errors.WrapTransient(err, "ObjectStore", "Delete", fmt.Sprintf("delete %s", key))
	}
	return nil
}

// List filters the bucket listing client side; the object store has no
// server-side prefix query.
func (s *Store) List(ctx context.Context, prefix string) (keys []string, err error) {
	start := time.Now()
	defer func() { s.metrics.Observe("list", start, err) }()

	infos, err := s.bucket.List(ctx)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrNoObjectsFound) {
			return []string{}, nil
		}
		return nil, errors.WrapTransient(err, "ObjectStore", "List", "list objects")
	}

	keys = []string{}
	for _, info := range infos {
		if info.Deleted || !strings.HasPrefix(info.Name, prefix) {
			continue
		}
		keys = append(keys, info.Name)
	}
	sort.Strings(keys)
	return keys, nil
}

// Bucket returns the bucket name
func (s *Store) Bucket() string {
	return s.name
}
