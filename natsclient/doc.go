// Package natsclient manages the NATS connection shared by the chunk store
// backend, the chunk API service and the KV repositories.
//
// The Client wraps nats.go with a circuit breaker: after a configurable number
// of consecutive failures the circuit opens and calls fail fast with
// ErrCircuitOpen until the backoff elapses. The backoff doubles on each round
// up to the configured maximum.
//
//	client, err := natsclient.NewClient(url,
//	    natsclient.WithName("openhim-core"),
//	    natsclient.WithLogger(logger),
//	    natsclient.WithMetrics(registry),
//	)
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close(context.Background())
//
// JetStream resources are created on demand and reused when they exist:
//
//	bodies, err := client.CreateObjectStore(ctx, jetstream.ObjectStoreConfig{Bucket: "OPENHIM_BODIES"})
//	roles, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: "openhim_roles"})
//
// Request and Reply implement the request/response pattern used by the chunk
// API. Client.Bucket wraps a KV bucket with per-call timeouts, a value size
// cap and ErrKeyNotFound for missing keys.
//
// For tests, NewTestClient and NewSharedTestClient start a JetStream enabled
// server with testcontainers.
package natsclient
