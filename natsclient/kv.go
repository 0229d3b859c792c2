package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/openhim-core/errors"
)

// KV errors. ErrKeyNotFound matches errors.ErrNotFound.
var (
	ErrKeyNotFound = fmt.Errorf("kv key: %w", errors.ErrNotFound)
	ErrKeyExists   = stderrors.New("kv key already exists")
)

// Entry is a value read from a bucket with its revision
type Entry struct {
	Key      string
	Value    []byte
	Revision uint64
}

// BucketOption tunes a Bucket
type BucketOption func(*Bucket)

// WithOpTimeout bounds every bucket call; zero leaves ctx alone
func WithOpTimeout(d time.Duration) BucketOption {
	return func(b *Bucket) { b.timeout = d }
}

// WithMaxValueSize rejects larger values before they reach the server
func WithMaxValueSize(n int) BucketOption {
	return func(b *Bucket) { b.maxValue = n }
}

// Bucket wraps a KV bucket with per-call timeouts and typed errors
type Bucket struct {
	kv       jetstream.KeyValue
	timeout  time.Duration
	maxValue int
	logger   *slog.Logger
}

// Bucket wraps kv. Calls time out after 5s and values are capped at 1 MiB
// unless opts say otherwise.
func (c *Client) Bucket(kv jetstream.KeyValue, opts ...BucketOption) *Bucket {
	b := &Bucket{
		kv:       kv,
		timeout:  5 * time.Second,
		maxValue: 1 << 20,
		logger:   c.logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bucket) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, b.timeout)
}

func (b *Bucket) fits(key string, value []byte) error {
	if b.maxValue > 0 && len(value) > b.maxValue {
		return errors.WrapInvalid(fmt.Errorf("value of %d bytes exceeds %d", len(value), b.maxValue),
			"Bucket", "fits", "check size of "+key)
	}
	return nil
}

// Get reads key. A missing key yields ErrKeyNotFound.
func (b *Bucket) Get(ctx context.Context, key string) (*Entry, error) {
	ctx, cancel := b.bound(ctx)
	defer cancel()

	e, err := b.kv.Get(ctx, key)
	switch {
	case IsKeyNotFound(err):
		return nil, ErrKeyNotFound
	case err != nil:
		return nil, errors.WrapTransient(err, "Bucket", "Get", "get "+key)
	}
	return &Entry{Key: key, Value: e.Value(), Revision: e.Revision()}, nil
}

// Put writes key unconditionally and returns the new revision
func (b *Bucket) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := b.fits(key, value); err != nil {
		return 0, err
	}
	ctx, cancel := b.bound(ctx)
	defer cancel()

	rev, err := b.kv.Put(ctx, key, value)
	if err != nil {
		return 0, errors.WrapTransient(err, "Bucket", "Put", "put "+key)
	}
	b.logger.Debug("KV put", "key", key, "revision", rev)
	return rev, nil
}

// Create writes key only if it does not exist yet
func (b *Bucket) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := b.fits(key, value); err != nil {
		return 0, err
	}
	ctx, cancel := b.bound(ctx)
	defer cancel()

	rev, err := b.kv.Create(ctx, key, value)
	switch {
	case IsConflict(err):
		return 0, ErrKeyExists
	case err != nil:
		return 0, errors.WrapTransient(err, "Bucket", "Create", "create "+key)
	}
	return rev, nil
}

// Delete removes key. A missing key yields ErrKeyNotFound.
func (b *Bucket) Delete(ctx context.Context, key string) error {
	ctx, cancel := b.bound(ctx)
	defer cancel()

	err := b.kv.Delete(ctx, key)
	switch {
	case IsKeyNotFound(err):
		return ErrKeyNotFound
	case err != nil:
		return errors.WrapTransient(err, "Bucket", "Delete", "delete "+key)
	}
	return nil
}

// Keys lists the live keys; an empty bucket yields an empty slice
func (b *Bucket) Keys(ctx context.Context) ([]string, error) {
	ctx, cancel := b.bound(ctx)
	defer cancel()

	lister, err := b.kv.ListKeys(ctx)
	if stderrors.Is(err, jetstream.ErrNoKeysFound) {
		return []string{}, nil
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "Bucket", "Keys", "list keys")
	}

	keys := []string{}
	for k := range lister.Keys() {
		keys = append(keys, k)
	}
	return keys, nil
}

// IsKeyNotFound matches missing-key errors from this package and the server
func IsKeyNotFound(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, ErrKeyNotFound) || stderrors.Is(err, jetstream.ErrKeyNotFound) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "key not found") || strings.Contains(msg, "10037")
}

// IsConflict matches a create on an existing key or a stale revision
func IsConflict(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, ErrKeyExists) || stderrors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	msg := err.Error()
	for _, s := range []string{"wrong last sequence", "key exists", "10071", "10058"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
