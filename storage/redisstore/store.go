// Package redisstore implements storage.Store on Redis. Each object is one
// hash holding the payload under "data" and every metadata pair under
// "meta:<name>".
package redisstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/c360/openhim-core/errors"
	"github.com/c360/openhim-core/metric"
	"github.com/c360/openhim-core/storage"
)

const (
	dataField  = "data"
	metaPrefix = "meta:"
)

// Config configures the Redis backend
type Config struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db"`
	Prefix   string `json:"prefix"`
}

// DefaultConfig returns the configuration used by the server
func DefaultConfig() Config {
	return Config{
		Addr:   "localhost:6379",
		Prefix: "openhim:body:",
	}
}

// Store implements storage.Store on a Redis client
type Store struct {
	client  *redis.Client
	prefix  string
	metrics *storage.Metrics
}

var _ storage.Store = (*Store)(nil)

// Open connects to the server in cfg and verifies it with PING
func Open(ctx context.Context, cfg Config, registry *metric.MetricsRegistry) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.WrapTransient(err, "RedisStore", "Open", fmt.Sprintf("ping %s", cfg.Addr))
	}
	return New(client, cfg.Prefix, registry)
}

// New wraps an existing client. Keys are stored under prefix.
func New(client *redis.Client, prefix string, registry *metric.MetricsRegistry) (*Store, error) {
	metrics, err := storage.NewMetrics(registry, storage.BackendRedis, strings.TrimSuffix(prefix, ":"))
	if err != nil {
		return nil, err
	}
	return &Store{client: client, prefix: prefix, metrics: metrics}, nil
}

// Close closes the underlying client
func (s *Store) Close() error {
	return s.client.Close()
}

// Put replaces the hash at key in one MULTI/EXEC block and reports the
// length of the data field as committed.
func (s *Store) Put(ctx context.Context, key string, data []byte, meta map[string]string) (n int64, err error) {
	start := time.Now()
	defer func() { s.metrics.Observe("put", start, err) }()

	fields := make([]any, 0, 2+2*len(meta))
	fields = append(fields, dataField, data)
	for k, v := range meta {
		fields = append(fields, metaPrefix+k, v)
	}

	rkey := s.prefix + key
	var written *redis.IntCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, rkey)
		pipe.HSet(ctx, rkey, fields...)
		written = pipe.HStrLen(ctx, rkey, dataField)
		return nil
	})
	if err != nil {
		return 0, errors.WrapTransient(err, "RedisStore", "Put", fmt.Sprintf("write %s", key))
	}

	s.metrics.AddBytes("in", len(data))
	return written.Val(), nil
}

// Get returns the object at key
func (s *Store) Get(ctx context.Context, key string) (obj *storage.Object, err error) {
	start := time.Now()
	defer func() {
		outcome := err
		if errors.IsInvalid(err) {
			outcome = nil
		}
		s.metrics.Observe("get", start, outcome)
	}()

	fields, err := s.client.HGetAll(ctx, s.prefix+key).Result()
	if err != nil {
		return nil, errors.WrapTransient(err, "RedisStore", "Get", fmt.Sprintf("read %s", key))
	}

	data, ok := fields[dataField]
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrNotFound, "RedisStore", "Get", fmt.Sprintf("read %s", key))
	}

	meta := make(map[string]string, len(fields)-1)
	for k, v := range fields {
		if name, found := strings.CutPrefix(k, metaPrefix); found {
			meta[name] = v
		}
	}

	s.metrics.AddBytes("out", len(data))
	return &storage.Object{Key: key, Data: []byte(data), Metadata: meta}, nil
}

// Delete removes key. Missing keys are ignored.
func (s *Store) Delete(ctx context.Context, key string) (err error) {
	start := time.Now()
	defer func() { s.metrics.Observe("delete", start, err) }()

	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return errors.WrapTransient(err, "RedisStore", "Delete", fmt.Sprintf("delete %s", key))
	}
	return nil
}

// List scans the keyspace under the store prefix
func (s *Store) List(ctx context.Context, prefix string) (keys []string, err error) {
	start := time.Now()
	defer func() { s.metrics.Observe("list", start, err) }()

	keys = []string{}
	iter := s.client.Scan(ctx, 0, escapeGlob(s.prefix+prefix)+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), s.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, errors.WrapTransient(err, "RedisStore", "List", "scan keys")
	}

	sort.Strings(keys)
	return keys, nil
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
