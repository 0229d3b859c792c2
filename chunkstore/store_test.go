package chunkstore

import (
	"context"
	stderrors "errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/openhim-core/errors"
	"github.com/c360/openhim-core/metric"
	"github.com/c360/openhim-core/storage"
	"github.com/c360/openhim-core/storage/redisstore"
)

// fakeBackend is an in-memory storage.Store with injectable failures
type fakeBackend struct {
	mu      sync.Mutex
	objects map[string]storage.Object
	putErrs []error
	getErrs []error
	shortBy int64
	puts    int
	gets    int
	deleted []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{objects: make(map[string]storage.Object)}
}

func (f *fakeBackend) Put(_ context.Context, key string, data []byte, meta map[string]string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.puts++
	if len(f.putErrs) > 0 {
		err := f.putErrs[0]
		f.putErrs = f.putErrs[1:]
		if err != nil {
			return 0, err
		}
	}
	f.objects[key] = storage.Object{Key: key, Data: append([]byte(nil), data...), Metadata: meta}
	return int64(len(data)) - f.shortBy, nil
}

func (f *fakeBackend) Get(_ context.Context, key string) (*storage.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.gets++
	if len(f.getErrs) > 0 {
		err := f.getErrs[0]
		f.getErrs = f.getErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	obj, ok := f.objects[key]
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrNotFound, "fake", "Get", key)
	}
	return &obj, nil
}

func (f *fakeBackend) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, key)
	delete(f.objects, key)
	return nil
}

func (f *fakeBackend) List(_ context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func testConfig() Config {
	return Config{
		Compression:     "zstd",
		CompressMinSize: 64,
		Retry: errors.RetryConfig{
			MaxRetries:    2,
			InitialDelay:  time.Millisecond,
			MaxDelay:      5 * time.Millisecond,
			BackoffFactor: 2,
		},
	}
}

func newTestStore(t *testing.T, backend storage.Store) *Store {
	t.Helper()
	s, err := New(backend, testConfig(), nil, nil)
	require.NoError(t, err)
	return s
}

func transientErr() error {
	return errors.WrapTransient(errors.ErrConnectionLost, "fake", "Put", "write")
}

func TestStore_RoundTripAllShapes(t *testing.T) {
	mr := miniredis.RunT(t)
	backend, err := redisstore.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test:", nil)
	require.NoError(t, err)
	s := newTestStore(t, backend)
	ctx := context.Background()

	large := strings.Repeat("<Patient><name>Jane</name></Patient>", 1000)

	tests := []struct {
		name  string
		input any
		want  any
	}{
		{"text", "hello world", "hello world"},
		{"large text", large, large},
		{"bytes", []byte{0, 1, 2, 255}, []byte{0, 1, 2, 255}},
		{"sequence", []any{"a", "b", nil, true}, []any{"a", "b", nil, true}},
		{"string slice", []string{"x", "y"}, []any{"x", "y"}},
		{"integers", []int{1, -2, 3}, []any{1, -2, 3}},
		{"mixed width integers", []any{int32(7), uint8(8), int64(-9)}, []any{7, 8, -9}},
		{"floats", []float64{1.5, 2}, []any{1.5, float64(2)}},
		{
			"nested maps",
			[]any{map[string]any{"n": int32(7), "m": map[string]any{"xs": []int{1, 2}}}},
			[]any{map[string]any{"n": 7, "m": map[string]any{"xs": []any{1, 2}}}},
		},
		{
			"array-like",
			map[string]any{"length": 2, "0": "first", "1": "second"},
			[]any{"first", "second"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref, err := s.StoreValue(ctx, tt.input)
			require.NoError(t, err)
			require.False(t, ref.IsZero())

			p, err := s.Retrieve(ctx, ref)
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Value())

			before, err := NewPayload(tt.input)
			require.NoError(t, err)
			assert.Equal(t, before.Value(), p.Value())
		})
	}
}

func TestStore_RejectsBeforeIO(t *testing.T) {
	backend := newFakeBackend()
	s := newTestStore(t, backend)
	ctx := context.Background()

	for _, input := range []any{nil, "", []byte{}} {
		ref, err := s.StoreValue(ctx, input)
		assert.ErrorIs(t, err, errors.ErrEmptyPayload)
		assert.True(t, ref.IsZero())
	}

	_, err := s.StoreValue(ctx, map[string]any{"foo": "bar"})
	assert.ErrorIs(t, err, errors.ErrUnsupportedShape)

	_, err = s.Store(ctx, Payload{})
	assert.ErrorIs(t, err, errors.ErrEmptyPayload)

	_, err = s.Store(ctx, Sequence([]any{make(chan int)}))
	assert.ErrorIs(t, err, errors.ErrUnsupportedShape)

	assert.Zero(t, backend.puts)
}

func TestStore_RetrieveUnknownReference(t *testing.T) {
	backend := newFakeBackend()
	s := newTestStore(t, backend)

	_, err := s.Retrieve(context.Background(), NewReference())
	assert.ErrorIs(t, err, errors.ErrNotFound)
	assert.False(t, stderrors.Is(err, errors.ErrStorage))
	assert.Equal(t, 1, backend.gets, "not found is never retried")

	_, err = s.Retrieve(context.Background(), "")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestStore_ShortWriteReturnsNoReference(t *testing.T) {
	backend := newFakeBackend()
	backend.shortBy = 1
	s := newTestStore(t, backend)

	ref, err := s.StoreValue(context.Background(), "some body")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrStorage)
	assert.True(t, ref.IsZero())
	assert.Equal(t, 3, backend.puts)

	keys, _ := backend.List(context.Background(), "")
	assert.Empty(t, keys, "incomplete record is removed")
	assert.Len(t, backend.deleted, 1)
}

func TestStore_ZeroBytesAcknowledged(t *testing.T) {
	backend := newFakeBackend()
	backend.shortBy = int64(len("abc"))
	s := newTestStore(t, backend)

	_, err := s.StoreValue(context.Background(), "abc")
	assert.ErrorIs(t, err, errors.ErrStorage)
}

func TestStore_RetriesTransientFailures(t *testing.T) {
	backend := newFakeBackend()
	backend.putErrs = []error{transientErr(), transientErr()}
	s := newTestStore(t, backend)
	ctx := context.Background()

	ref, err := s.StoreValue(ctx, "eventually stored")
	require.NoError(t, err)
	assert.Equal(t, 3, backend.puts)

	backend.getErrs = []error{transientErr()}
	p, err := s.Retrieve(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "eventually stored", p.Text())
}

func TestStore_PermanentFailureIsStorageError(t *testing.T) {
	backend := newFakeBackend()
	cause := errors.WrapFatal(stderrors.New("disk full"), "fake", "Put", "write")
	backend.putErrs = []error{cause}
	s := newTestStore(t, backend)

	_, err := s.StoreValue(context.Background(), "body")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrStorage)
	assert.ErrorContains(t, err, "disk full")
	assert.Equal(t, 1, backend.puts)
	assert.Equal(t, 500, errors.HTTPStatus(err))
}

func TestStore_CorruptedRecord(t *testing.T) {
	backend := newFakeBackend()
	s := newTestStore(t, backend)
	ctx := context.Background()

	ref, err := s.StoreValue(ctx, strings.Repeat("corruptible ", 100))
	require.NoError(t, err)

	obj := backend.objects[ref.String()]
	obj.Data[len(obj.Data)-1] ^= 0xff
	backend.objects[ref.String()] = obj

	_, err = s.Retrieve(ctx, ref)
	assert.ErrorIs(t, err, errors.ErrStorage)
	assert.ErrorIs(t, err, errors.ErrDataCorrupted)
}

func TestStore_Delete(t *testing.T) {
	backend := newFakeBackend()
	s := newTestStore(t, backend)
	ctx := context.Background()

	ref, err := s.StoreValue(ctx, "to be removed")
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, ref))
	require.NoError(t, s.Delete(ctx, ref))

	_, err = s.Retrieve(ctx, ref)
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestStore_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	s, err := New(newFakeBackend(), testConfig(), nil, registry)
	require.NoError(t, err)
	ctx := context.Background()

	ref, err := s.StoreValue(ctx, "counted")
	require.NoError(t, err)
	_, err = s.Retrieve(ctx, ref)
	require.NoError(t, err)
	_, err = s.Retrieve(ctx, NewReference())
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.operations.WithLabelValues("store", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.operations.WithLabelValues("retrieve", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.operations.WithLabelValues("retrieve", "rejected")))
	assert.Equal(t, 7.0, testutil.ToFloat64(s.metrics.stored.WithLabelValues("none")))
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, DefaultConfig(), nil, nil)
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.Compression = "brotli"
	_, err = New(newFakeBackend(), cfg, nil, nil)
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.CompressMinSize = -1
	_, err = New(newFakeBackend(), cfg, nil, nil)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}
