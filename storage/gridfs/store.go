// Package gridfs implements storage.Store on a MongoDB GridFS bucket. The
// GridFS file id is the storage key and metadata is kept as the file's
// metadata document.
package gridfs

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/c360/openhim-core/errors"
	"github.com/c360/openhim-core/metric"
	"github.com/c360/openhim-core/storage"
)

// Config configures the GridFS backend
type Config struct {
	URI      string `json:"uri"`
	Database string `json:"database"`
	Bucket   string `json:"bucket"`
}

// DefaultConfig returns the configuration used by the server
func DefaultConfig() Config {
	return Config{
		URI:      "mongodb://localhost:27017",
		Database: "openhim",
		Bucket:   "fs",
	}
}

// Store implements storage.Store on GridFS
type Store struct {
	client  *mongo.Client
	bucket  *mongo.GridFSBucket
	metrics *storage.Metrics
}

var _ storage.Store = (*Store)(nil)

// Open connects to cfg.URI, pings the server and opens the bucket
func Open(ctx context.Context, cfg Config, registry *metric.MetricsRegistry) (*Store, error) {
	if cfg.Bucket == "" {
		cfg.Bucket = "fs"
	}

	client, err := mongo.Connect(options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, errors.WrapInvalid(err, "GridFS", "Open", "parse mongo uri")
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.WrapTransient(err, "GridFS", "Open", "ping mongo")
	}

	metrics, err := storage.NewMetrics(registry, storage.BackendGridFS, cfg.Bucket)
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}

	bucket := client.Database(cfg.Database).GridFSBucket(options.GridFSBucket().SetName(cfg.Bucket))
	return &Store{client: client, bucket: bucket, metrics: metrics}, nil
}

// Close disconnects the client
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// Put uploads data as one GridFS file with id key. The upload only returns
// once the file document is written, after all chunks.
func (s *Store) Put(ctx context.Context, key string, data []byte, meta map[string]string) (n int64, err error) {
	start := time.Now()
	defer func() { s.metrics.Observe("put", start, err) }()

	if err := s.bucket.Delete(ctx, key); err != nil && !stderrors.Is(err, mongo.ErrFileNotFound) {
		return 0, errors.WrapTransient(err, "GridFS", "Put", fmt.Sprintf("replace %s", key))
	}

	src := &countingReader{r: bytes.NewReader(data)}
	opts := options.GridFSUpload().SetMetadata(meta)
	if err := s.bucket.UploadFromStreamWithID(ctx, key, key, src, opts); err != nil {
		return 0, errors.WrapTransient(err, "GridFS", "Put", fmt.Sprintf("upload %s", key))
	}

	s.metrics.AddBytes("in", len(data))
	return src.n, nil
}

// Get downloads the file with id key
func (s *Store) Get(ctx context.Context, key string) (obj *storage.Object, err error) {
	start := time.Now()
	defer func() {
		outcome := err
		if errors.IsInvalid(err) {
			outcome = nil
		}
		s.metrics.Observe("get", start, outcome)
	}()

	stream, err := s.bucket.OpenDownloadStream(ctx, key)
	if err != nil {
		if stderrors.Is(err, mongo.ErrFileNotFound) {
			return nil, errors.WrapInvalid(errors.ErrNotFound, "GridFS", "Get", fmt.Sprintf("open %s", key))
		}
		return nil, errors.WrapTransient(err, "GridFS", "Get", fmt.Sprintf("open %s", key))
	}
	defer stream.Close()

	data, err := io.ReadAll(stream)
	if err != nil {
		return nil, errors.WrapTransient(err, "GridFS", "Get", fmt.Sprintf("read %s", key))
	}

	meta := map[string]string{}
	if file := stream.GetFile(); file != nil && len(file.Metadata) > 0 {
		if err := bson.Unmarshal(file.Metadata, &meta); err != nil {
			return nil, errors.WrapTransient(err, "GridFS", "Get", fmt.Sprintf("decode metadata %s", key))
		}
	}

	s.metrics.AddBytes("out", len(data))
	return &storage.Object{Key: key, Data: data, Metadata: meta}, nil
}

// Delete removes the file and its chunks. Missing files are ignored.
func (s *Store) Delete(ctx context.Context, key string) (err error) {
	start := time.Now()
	defer func() { s.metrics.Observe("delete", start, err) }()

	if err := s.bucket.Delete(ctx, key); err != nil && !stderrors.Is(err, mongo.ErrFileNotFound) {
		return errors.WrapTransient(err, "GridFS", "Delete", fmt.Sprintf("delete %s", key))
	}
	return nil
}

// List returns the file ids starting with prefix
func (s *Store) List(ctx context.Context, prefix string) (keys []string, err error) {
	start := time.Now()
	defer func() { s.metrics.Observe("list", start, err) }()

	cursor, err := s.bucket.Find(ctx, bson.M{"_id": bson.M{"$regex": "^" + regexp.QuoteMeta(prefix)}})
	if err != nil {
		return nil, errors.WrapTransient(err, "GridFS", "List", "find files")
	}
	defer cursor.Close(ctx)

	keys = []string{}
	for cursor.Next(ctx) {
		var file struct {
			ID string `bson:"_id"`
		}
		if err := cursor.Decode(&file); err != nil {
			return nil, errors.WrapTransient(err, "GridFS", "List", "decode file")
		}
		keys = append(keys, file.ID)
	}
	if err := cursor.Err(); err != nil {
		return nil, errors.WrapTransient(err, "GridFS", "List", "iterate files")
	}

	sort.Strings(keys)
	return keys, nil
}
