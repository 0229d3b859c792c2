package natsclient

import (
	"context"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/openhim-core/errors"
)

// ready returns the JetStream context, or why calls must not proceed
func (c *Client) ready() (jetstream.JetStream, error) {
	switch c.Status() {
	case StatusCircuitOpen:
		return nil, ErrCircuitOpen
	case StatusConnected:
		return c.JetStream()
	default:
		return nil, ErrNotConnected
	}
}

// ensure opens an existing bucket or creates it. A create that races another
// instance falls back to opening the winner's bucket.
func ensure[T any](c *Client, kind, name string,
	open func(jetstream.JetStream) (T, error), create func(jetstream.JetStream) (T, error)) (T, error) {
	var zero T
	js, err := c.ready()
	if err != nil {
		return zero, err
	}

	if b, err := open(js); err == nil {
		c.resetCircuit()
		return b, nil
	}

	b, err := create(js)
	if isAlreadyExistsError(err) {
		b, err = open(js)
	}
	if err != nil {
		c.recordFailure()
		return zero, errors.WrapTransient(err, "Client", "ensure", "create "+kind+" "+name)
	}

	c.logger.Info("Bucket ready", "kind", kind, "bucket", name)
	c.resetCircuit()
	return b, nil
}

// CreateKeyValueBucket returns the KV bucket named in cfg, creating it if needed
func (c *Client) CreateKeyValueBucket(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	return ensure(c, "kv", cfg.Bucket,
		func(js jetstream.JetStream) (jetstream.KeyValue, error) { return js.KeyValue(ctx, cfg.Bucket) },
		func(js jetstream.JetStream) (jetstream.KeyValue, error) { return js.CreateKeyValue(ctx, cfg) })
}

// CreateObjectStore returns the object store named in cfg, creating it if needed
func (c *Client) CreateObjectStore(ctx context.Context, cfg jetstream.ObjectStoreConfig) (jetstream.ObjectStore, error) {
	return ensure(c, "object store", cfg.Bucket,
		func(js jetstream.JetStream) (jetstream.ObjectStore, error) { return js.ObjectStore(ctx, cfg.Bucket) },
		func(js jetstream.JetStream) (jetstream.ObjectStore, error) { return js.CreateObjectStore(ctx, cfg) })
}

// DeleteKeyValueBucket removes a KV bucket and its contents
func (c *Client) DeleteKeyValueBucket(ctx context.Context, name string) error {
	js, err := c.ready()
	if err != nil {
		return err
	}
	if err := js.DeleteKeyValue(ctx, name); err != nil {
		return errors.WrapTransient(err, "Client", "DeleteKeyValueBucket", "delete bucket "+name)
	}
	return nil
}
