package storage

import "context"

// Object is one stored blob with its metadata
type Object struct {
	Key      string
	Data     []byte
	Metadata map[string]string
}

// Store is the pluggable blob backend behind the chunk store.
//
// Implementations must be safe for concurrent use. Writes are single
// uploads: Put either stores the complete value and reports the number of
// bytes the backend acknowledged, or fails.
type Store interface {
	// Put writes data and meta at key and returns the bytes acknowledged
	Put(ctx context.Context, key string, data []byte, meta map[string]string) (int64, error)

	// Get returns the object at key, or errors.ErrNotFound
	Get(ctx context.Context, key string) (*Object, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns the keys starting with prefix in lexicographic order
	List(ctx context.Context, prefix string) ([]string, error)
}

// Backend names accepted by configuration
const (
	BackendNATS   = "nats"
	BackendRedis  = "redis"
	BackendGridFS = "gridfs"
)
