package natsclient

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/openhim-core/errors"
	"github.com/c360/openhim-core/metric"
)

func TestConnectionStatus_String(t *testing.T) {
	tests := []struct {
		status   ConnectionStatus
		expected string
	}{
		{StatusDisconnected, "disconnected"},
		{StatusConnecting, "connecting"},
		{StatusConnected, "connected"},
		{StatusReconnecting, "reconnecting"},
		{StatusCircuitOpen, "circuit_open"},
		{ConnectionStatus(42), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, tt.status.String())
	}
}

func TestNewClient_Defaults(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.Equal(t, "nats://localhost:4222", client.URL())
	assert.Equal(t, StatusDisconnected, client.Status())
	assert.Equal(t, time.Second, client.Backoff())
	assert.False(t, client.IsHealthy())
}

func TestNewClient_InvalidOption(t *testing.T) {
	for name, opt := range map[string]ClientOption{
		"zero timeout":      WithTimeout(0),
		"zero threshold":    WithCircuitBreaker(0, time.Minute),
		"backoff too short": WithCircuitBreaker(3, time.Millisecond),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := NewClient("nats://localhost:4222", opt)
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestBreaker_BackoffCapped(t *testing.T) {
	b := newBreaker(1, 3*time.Second)

	tripped, pause := b.fail()
	assert.True(t, tripped)
	assert.Equal(t, time.Second, pause)

	_, pause = b.fail()
	assert.Equal(t, 2*time.Second, pause)

	_, pause = b.fail()
	assert.Equal(t, 3*time.Second, pause, "doubling stops at the cap")
	assert.Equal(t, int32(3), b.failures())

	b.reset()
	assert.Equal(t, time.Second, b.next())
	assert.Zero(t, b.failures())
}

func TestClient_CircuitBreakerOpens(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	client, err := NewClient("nats://localhost:4222",
		WithCircuitBreaker(3, time.Minute),
		WithMetrics(registry),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	require.NoError(t, err)

	client.recordFailure()
	client.recordFailure()
	assert.NotEqual(t, StatusCircuitOpen, client.Status())

	client.recordFailure()
	assert.Equal(t, StatusCircuitOpen, client.Status())
	assert.Equal(t, 2*time.Second, client.Backoff())
	assert.Equal(t, 1.0, testutil.ToFloat64(registry.CoreMetrics().NATSCircuitBreaker))

	err = client.Connect(context.Background())
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.True(t, errors.IsTransient(err))

	_, err = client.CreateObjectStore(context.Background(), jetstream.ObjectStoreConfig{Bucket: "x"})
	assert.ErrorIs(t, err, ErrCircuitOpen)

	client.resetCircuit()
	assert.Equal(t, StatusDisconnected, client.Status())
	assert.Equal(t, int32(0), client.Failures())
	assert.Equal(t, time.Second, client.Backoff())
}

func TestClient_NotConnected(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)
	ctx := context.Background()

	assert.ErrorIs(t, client.Publish(ctx, "a", nil), errors.ErrNoConnection)

	_, err = client.Request(ctx, "a", nil)
	assert.ErrorIs(t, err, ErrNotConnected)

	err = client.Reply(ctx, "a", "q", func(context.Context, []byte) []byte { return nil })
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = client.JetStream()
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: "x"})
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = client.RTT()
	assert.True(t, errors.IsTransient(err))

	assert.NoError(t, client.Close(ctx))
	assert.NoError(t, client.Close(ctx))
}

func TestClient_ConnectFailure(t *testing.T) {
	client, err := NewClient("nats://127.0.0.1:1",
		WithTimeout(100*time.Millisecond),
		WithMaxReconnects(0),
	)
	require.NoError(t, err)

	err = client.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, int32(1), client.Failures())
}

func TestIsAlreadyExistsError(t *testing.T) {
	assert.False(t, isAlreadyExistsError(nil))
	assert.True(t, isAlreadyExistsError(jetstream.ErrBucketExists))
	assert.True(t, isAlreadyExistsError(fmt.Errorf("nats: stream name already in use")))
	assert.False(t, isAlreadyExistsError(fmt.Errorf("timeout")))
}

func TestKVErrorHelpers(t *testing.T) {
	assert.True(t, IsKeyNotFound(ErrKeyNotFound))
	assert.True(t, IsKeyNotFound(jetstream.ErrKeyNotFound))
	assert.True(t, IsKeyNotFound(fmt.Errorf("nats: key not found")))
	assert.False(t, IsKeyNotFound(nil))
	assert.ErrorIs(t, ErrKeyNotFound, errors.ErrNotFound)

	assert.True(t, IsConflict(ErrKeyExists))
	assert.True(t, IsConflict(fmt.Errorf("wrong last sequence: 4")))
	assert.False(t, IsConflict(fmt.Errorf("boom")))
}
