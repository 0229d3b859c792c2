package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/c360/openhim-core/chunkstore"
	"github.com/c360/openhim-core/storage/gridfs"
	"github.com/c360/openhim-core/storage/objectstore"
	"github.com/c360/openhim-core/storage/redisstore"
)

// Storage backends
const (
	BackendNATS   = "nats"
	BackendRedis  = "redis"
	BackendGridFS = "gridfs"
)

// Repository backends
const (
	RepositorySQLite = "sqlite"
	RepositoryKV     = "kv"
)

// DefaultEnvPrefix prefixes every environment override
const DefaultEnvPrefix = "OPENHIM"

// Config represents the complete server configuration
type Config struct {
	NATS       NATSConfig                 `json:"nats"`
	Storage    StorageConfig              `json:"storage"`
	Chunks     chunkstore.Config          `json:"chunks"`
	Reclaimer  chunkstore.ReclaimerConfig `json:"reclaimer"`
	Repository RepositoryConfig           `json:"repository"`
	API        APIConfig                  `json:"api"`
	Metrics    MetricsConfig              `json:"metrics"`
}

// NATSConfig defines NATS connection settings
type NATSConfig struct {
	URLs          []string      `json:"urls,omitempty"`
	MaxReconnects int           `json:"max_reconnects,omitempty"`
	ReconnectWait time.Duration `json:"reconnect_wait,omitempty"`
	Username      string        `json:"username,omitempty"`
	Password      string        `json:"password,omitempty"`
	Token         string        `json:"token,omitempty"`
	// APISubject serves the chunk store request/reply API. Empty disables it.
	APISubject    string `json:"api_subject,omitempty"`
	EventsSubject string `json:"events_subject,omitempty"`
}

// StorageConfig selects and configures the body backend
type StorageConfig struct {
	Backend     string             `json:"backend"`
	ObjectStore objectstore.Config `json:"objectstore"`
	Redis       redisstore.Config  `json:"redis"`
	GridFS      gridfs.Config      `json:"gridfs"`
}

// RepositoryConfig selects where roles, channels and transactions live
type RepositoryConfig struct {
	// Backend holds roles and channels. Transactions are always in SQLite.
	Backend string `json:"backend"`
	Path    string `json:"path"`
	Seed    string `json:"seed,omitempty"`
	// RoleCacheTTL keeps role lookups in memory, so role edits take up to
	// this long to apply. Zero, the default, reads the repository every time.
	RoleCacheTTL  time.Duration `json:"role_cache_ttl"`
	RoleCacheSize int           `json:"role_cache_size"`
}

// APIConfig configures the transactions HTTP surface
type APIConfig struct {
	Port           int    `json:"port"`
	TruncateSize   int    `json:"truncate_size"`
	TruncateAppend string `json:"truncate_append"`
	// MaxConcurrency bounds parallel hydration in list requests
	MaxConcurrency  int           `json:"max_concurrency"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port"`
	Path    string `json:"path"`
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return Defaults()
	}

	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}

	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// Defaults returns the configuration used when no file overrides it
func Defaults() *Config {
	return &Config{
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
			APISubject:    chunkstore.DefaultAPISubject,
			EventsSubject: chunkstore.DefaultEventsSubject,
		},
		Storage: StorageConfig{
			Backend:     BackendNATS,
			ObjectStore: objectstore.DefaultConfig(),
			Redis:       redisstore.DefaultConfig(),
			GridFS:      gridfs.DefaultConfig(),
		},
		Chunks:    chunkstore.DefaultConfig(),
		Reclaimer: chunkstore.DefaultReclaimerConfig(),
		Repository: RepositoryConfig{
			Backend:       RepositorySQLite,
			Path:          "data/openhim.db",
			RoleCacheSize: 1024,
		},
		API: APIConfig{
			Port:            8080,
			TruncateSize:    15000,
			TruncateAppend:  "\n[truncated ...]",
			MaxConcurrency:  8,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
	}
}

// Validate checks if the config is valid
func (c *Config) Validate() error {
	if len(c.NATS.URLs) == 0 {
		return errors.New("nats.urls is required")
	}

	switch c.Storage.Backend {
	case BackendNATS:
		if c.Storage.ObjectStore.Bucket == "" {
			return errors.New("storage.objectstore.bucket is required")
		}
	case BackendRedis:
		if c.Storage.Redis.Addr == "" {
			return errors.New("storage.redis.addr is required")
		}
	case BackendGridFS:
		if c.Storage.GridFS.URI == "" || c.Storage.GridFS.Database == "" {
			return errors.New("storage.gridfs.uri and storage.gridfs.database are required")
		}
	default:
		return fmt.Errorf("storage.backend %q must be one of %s, %s or %s",
			c.Storage.Backend, BackendNATS, BackendRedis, BackendGridFS)
	}

	if err := c.Chunks.Validate(); err != nil {
		return fmt.Errorf("chunks: %w", err)
	}
	if c.Reclaimer.Workers < 0 || c.Reclaimer.QueueSize < 0 {
		return errors.New("reclaimer.workers and reclaimer.queue_size cannot be negative")
	}

	switch c.Repository.Backend {
	case RepositorySQLite, RepositoryKV:
	default:
		return fmt.Errorf("repository.backend %q must be %s or %s",
			c.Repository.Backend, RepositorySQLite, RepositoryKV)
	}
	if c.Repository.Path == "" {
		return errors.New("repository.path is required")
	}
	if c.Repository.RoleCacheTTL > 0 && c.Repository.RoleCacheSize <= 0 {
		return errors.New("repository.role_cache_size must be positive when the role cache is enabled")
	}

	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("api.port %d out of range", c.API.Port)
	}
	if c.API.MaxConcurrency < 0 {
		return errors.New("api.max_concurrency cannot be negative")
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port %d out of range", c.Metrics.Port)
	}
	return nil
}

// String returns a JSON representation of the config with secrets masked
func (c *Config) String() string {
	masked := c.Clone()
	for _, s := range []*string{&masked.NATS.Password, &masked.NATS.Token, &masked.Storage.Redis.Password} {
		if *s != "" {
			*s = "****"
		}
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		layers:     []string{},
		validation: true,
		envPrefix:  DefaultEnvPrefix,
	}
}

// AddLayer adds a configuration file layer. Later layers win.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// SetEnvPrefix changes the prefix of environment overrides
func (l *Loader) SetEnvPrefix(prefix string) {
	l.envPrefix = prefix
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load merges defaults, every layer and the environment, in that order
func (l *Loader) Load() (*Config, error) {
	cfg := Defaults()

	for _, path := range l.layers {
		rawConfig, err := l.loadRawJSON(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
		cfg, err = l.mergeFromMap(cfg, rawConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to merge %s: %w", path, err)
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// loadRawJSON loads one layer as a map. Comments and trailing commas are
// stripped first.
func (l *Loader) loadRawJSON(path string) (map[string]any, error) {
	data, err := readLayer(path)
	if err != nil {
		return nil, err
	}

	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		return nil, err
	}

	if err := parseDurations(rawConfig); err != nil {
		return nil, err
	}
	return rawConfig, nil
}

// mergeFromMap merges a raw layer into base, only overriding keys present in
// the layer
func (l *Loader) mergeFromMap(base *Config, override map[string]any) (*Config, error) {
	if override == nil {
		return base, nil
	}

	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return nil, err
	}

	mergedJSON, err := json.Marshal(deepMergeMaps(baseMap, override))
	if err != nil {
		return nil, err
	}

	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return nil, err
	}
	return &merged, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// durationPaths lists the duration fields that may be written as strings
var durationPaths = [][]string{
	{"nats", "reconnect_wait"},
	{"storage", "objectstore", "ttl"},
	{"chunks", "retry", "initial_delay"},
	{"chunks", "retry", "max_delay"},
	{"reclaimer", "timeout"},
	{"repository", "role_cache_ttl"},
	{"api", "read_timeout"},
	{"api", "write_timeout"},
	{"api", "shutdown_timeout"},
}

// parseDurations converts duration strings to nanoseconds for json unmarshaling
func parseDurations(data map[string]any) error {
	for _, path := range durationPaths {
		parent := data
		for _, key := range path[:len(path)-1] {
			next, ok := parent[key].(map[string]any)
			if !ok {
				parent = nil
				break
			}
			parent = next
		}
		if parent == nil {
			continue
		}

		leaf := path[len(path)-1]
		s, ok := parent[leaf].(string)
		if !ok {
			continue
		}
		d, err := parseDurationWithDays(s)
		if err != nil {
			return fmt.Errorf("%s: %w", strings.Join(path, "."), err)
		}
		parent[leaf] = d.Nanoseconds()
	}
	return nil
}

// parseDurationWithDays parses durations that may include days (e.g., "14d")
func parseDurationWithDays(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// applyEnvOverrides applies environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	env := func(name string) (string, bool, error) {
		key := l.envPrefix + "_" + name
		val := os.Getenv(key)
		if val == "" {
			return "", false, nil
		}
		if err := checkEnvValue(key, val); err != nil {
			return "", false, err
		}
		return val, true, nil
	}

	strs := []struct {
		name string
		dst  *string
	}{
		{"NATS_USERNAME", &cfg.NATS.Username},
		{"NATS_PASSWORD", &cfg.NATS.Password},
		{"NATS_TOKEN", &cfg.NATS.Token},
		{"STORAGE_BACKEND", &cfg.Storage.Backend},
		{"STORAGE_BUCKET", &cfg.Storage.ObjectStore.Bucket},
		{"REDIS_ADDR", &cfg.Storage.Redis.Addr},
		{"REDIS_PASSWORD", &cfg.Storage.Redis.Password},
		{"MONGO_URI", &cfg.Storage.GridFS.URI},
		{"MONGO_DATABASE", &cfg.Storage.GridFS.Database},
		{"CHUNKS_COMPRESSION", &cfg.Chunks.Compression},
		{"REPOSITORY_BACKEND", &cfg.Repository.Backend},
		{"REPOSITORY_PATH", &cfg.Repository.Path},
		{"REPOSITORY_SEED", &cfg.Repository.Seed},
	}
	for _, s := range strs {
		val, ok, err := env(s.name)
		if err != nil {
			return err
		}
		if ok {
			*s.dst = val
		}
	}

	if val, ok, err := env("NATS_URLS"); err != nil {
		return err
	} else if ok {
		cfg.NATS.URLs = strings.Split(val, ",")
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"REDIS_DB", &cfg.Storage.Redis.DB},
		{"API_PORT", &cfg.API.Port},
		{"API_TRUNCATE_SIZE", &cfg.API.TruncateSize},
		{"METRICS_PORT", &cfg.Metrics.Port},
	}
	for _, i := range ints {
		val, ok, err := env(i.name)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("%s_%s: %w", l.envPrefix, i.name, err)
		}
		*i.dst = n
	}
	return nil
}
