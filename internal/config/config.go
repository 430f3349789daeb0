// Package config provides unified configuration for essaylake services.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"gopkg.in/yaml.v3"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config holds the unified configuration for essaylake.
type Config struct {
	// DataDir is the base directory for all local working files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// Snapshot discovery configuration
	Snapshot SnapshotConfig `json:"snapshot" yaml:"snapshot"`

	// Storage configuration
	Storage StorageConfig `json:"storage" yaml:"storage"`

	// Query configuration
	Query QueryConfig `json:"query" yaml:"query"`

	// Result cache configuration
	Cache CacheConfig `json:"cache" yaml:"cache"`

	// HTTP configuration
	HTTP HTTPConfig `json:"http" yaml:"http"`

	// gRPC configuration
	GRPC GRPCConfig `json:"grpc" yaml:"grpc"`

	// Logging configuration
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// SnapshotConfig controls how snapshot triplets are discovered.
type SnapshotConfig struct {
	// Dir is the directory (object prefix) holding snapshot files
	Dir string `json:"dir" yaml:"dir"`

	// Prefix is the file name prefix; empty matches <timestamp>_<table>.<ext>
	Prefix string `json:"prefix" yaml:"prefix"`

	// Extensions are the accepted file extensions, most preferred first
	Extensions []string `json:"extensions" yaml:"extensions"`

	// RefreshInterval is how long a resolved snapshot is reused before
	// rescanning. A request within it after a publish may still see the
	// previous snapshot; 0 rescans on every request.
	RefreshInterval time.Duration `json:"refresh_interval" yaml:"refresh_interval"`

	// AllowFallback serves the newest complete snapshot when the latest is partial
	AllowFallback bool `json:"allow_fallback" yaml:"allow_fallback"`
}

// StorageConfig holds storage configuration.
type StorageConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// UsePathStyle enables path-style addressing (MinIO)
	UsePathStyle bool `json:"use_path_style" yaml:"use_path_style"`
}

// QueryConfig holds query execution configuration.
type QueryConfig struct {
	// DefaultLimit applies when a request carries no limit
	DefaultLimit int `json:"default_limit" yaml:"default_limit"`

	// MaxLimit caps any requested limit
	MaxLimit int `json:"max_limit" yaml:"max_limit"`

	// Timeout bounds a single engine execution
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// MaterializeDir holds downloaded and decompressed snapshot files
	MaterializeDir string `json:"materialize_dir" yaml:"materialize_dir"`

	// MaxMaterializedMB bounds the disk used by MaterializeDir
	MaxMaterializedMB int64 `json:"max_materialized_mb" yaml:"max_materialized_mb"`

	// MaxOpenConns is the number of SQLite connections per snapshot handle
	MaxOpenConns int `json:"max_open_conns" yaml:"max_open_conns"`

	// IdleTimeout closes snapshot handles unused for this long
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`

	// RetryTransientIO retries an execution once on SQLITE_IOERR/SQLITE_BUSY
	RetryTransientIO bool `json:"retry_transient_io" yaml:"retry_transient_io"`
}

// CacheConfig holds result cache configuration.
type CacheConfig struct {
	// Enabled toggles the result cache
	Enabled bool `json:"enabled" yaml:"enabled"`

	// MaxEntries bounds the number of cached results across all shards
	MaxEntries int `json:"max_entries" yaml:"max_entries"`

	// Shards is the number of independently locked LRU shards
	Shards int `json:"shards" yaml:"shards"`

	// TTL expires entries after this long; zero disables expiry
	TTL time.Duration `json:"ttl" yaml:"ttl"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	// Addr is the HTTP listen address
	Addr string `json:"addr" yaml:"addr"`

	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// GRPCConfig holds gRPC server configuration.
type GRPCConfig struct {
	// Addr is the gRPC server address
	Addr string `json:"addr" yaml:"addr"`

	// Enabled controls whether gRPC is enabled
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error
	Level string `json:"level" yaml:"level"`

	// Format is json or console
	Format string `json:"format" yaml:"format"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/essaylake",
		Snapshot: SnapshotConfig{
			Dir:             "",
			Prefix:          "",
			Extensions:      []string{"sqlite.sz", "sqlite"},
			RefreshInterval: 5 * time.Second,
			AllowFallback:   false,
		},
		Storage: StorageConfig{
			Type: "local",
			Path: "",
		},
		Query: QueryConfig{
			DefaultLimit:      100,
			MaxLimit:          10000,
			Timeout:           30 * time.Second,
			MaterializeDir:    "",
			MaxMaterializedMB: 4096,
			MaxOpenConns:      8,
			IdleTimeout:       5 * time.Minute,
			RetryTransientIO:  true,
		},
		Cache: CacheConfig{
			Enabled:    true,
			MaxEntries: 4096,
			Shards:     16,
			TTL:        0,
		},
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		GRPC: GRPCConfig{
			Addr:    ":9090",
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/essaylake"
	}

	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "snapshots")
	}

	if c.Query.MaterializeDir == "" {
		c.Query.MaterializeDir = filepath.Join(c.DataDir, "materialized")
	}

	if len(c.Snapshot.Extensions) == 0 {
		c.Snapshot.Extensions = []string{"sqlite.sz", "sqlite"}
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if c.Storage.Type != "local" && c.Storage.Type != "s3" {
		return fmt.Errorf("invalid storage type: %s (must be local or s3)", c.Storage.Type)
	}

	if c.Storage.Type == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when storage type is s3")
	}

	if strings.Contains(c.Snapshot.Prefix, "/") {
		return fmt.Errorf("snapshot.prefix must not contain '/', got %q", c.Snapshot.Prefix)
	}

	if c.Snapshot.RefreshInterval < 0 {
		return fmt.Errorf("snapshot.refresh_interval must not be negative, got %s", c.Snapshot.RefreshInterval)
	}

	for _, ext := range c.Snapshot.Extensions {
		if ext == "" || strings.HasPrefix(ext, ".") {
			return fmt.Errorf("snapshot.extensions entries must be non-empty and have no leading dot, got %q", ext)
		}
	}

	if c.Query.DefaultLimit <= 0 {
		return fmt.Errorf("query.default_limit must be positive, got %d", c.Query.DefaultLimit)
	}

	if c.Query.MaxLimit < c.Query.DefaultLimit {
		return fmt.Errorf("query.max_limit (%d) must be >= query.default_limit (%d)", c.Query.MaxLimit, c.Query.DefaultLimit)
	}

	if c.Cache.Enabled && (c.Cache.MaxEntries <= 0 || c.Cache.Shards <= 0) {
		return fmt.Errorf("cache.max_entries and cache.shards must be positive when the cache is enabled")
	}

	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the ESSAYLAKE_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("ESSAYLAKE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	// Snapshot configuration
	if v := os.Getenv("ESSAYLAKE_SNAPSHOT_DIR"); v != "" {
		cfg.Snapshot.Dir = v
	}
	if v, ok := os.LookupEnv("ESSAYLAKE_SNAPSHOT_PREFIX"); ok {
		cfg.Snapshot.Prefix = v
	}
	if v := os.Getenv("ESSAYLAKE_SNAPSHOT_EXTENSIONS"); v != "" {
		cfg.Snapshot.Extensions = strings.Split(v, ",")
	}
	if v := os.Getenv("ESSAYLAKE_SNAPSHOT_REFRESH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Snapshot.RefreshInterval = d
		}
	}
	if v := os.Getenv("ESSAYLAKE_SNAPSHOT_ALLOW_FALLBACK"); v != "" {
		cfg.Snapshot.AllowFallback = v == "true" || v == "1"
	}

	// Storage configuration
	if v := os.Getenv("ESSAYLAKE_STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("ESSAYLAKE_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("ESSAYLAKE_S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := os.Getenv("ESSAYLAKE_S3_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}
	if v := os.Getenv("ESSAYLAKE_S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}

	// Query configuration
	if v := os.Getenv("ESSAYLAKE_QUERY_DEFAULT_LIMIT"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Query.DefaultLimit)
	}
	if v := os.Getenv("ESSAYLAKE_QUERY_MAX_LIMIT"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Query.MaxLimit)
	}
	if v := os.Getenv("ESSAYLAKE_QUERY_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Query.Timeout = d
		}
	}

	// Cache configuration
	if v := os.Getenv("ESSAYLAKE_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("ESSAYLAKE_CACHE_MAX_ENTRIES"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Cache.MaxEntries)
	}

	// Servers
	if v := os.Getenv("ESSAYLAKE_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("ESSAYLAKE_GRPC_ADDR"); v != "" {
		cfg.GRPC.Addr = v
	}
	if v := os.Getenv("ESSAYLAKE_GRPC_ENABLED"); v != "" {
		cfg.GRPC.Enabled = v == "true" || v == "1"
	}

	// Logging
	if v := os.Getenv("ESSAYLAKE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("ESSAYLAKE_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}

// EnsureDirectories creates all required local directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		c.Query.MaterializeDir,
	}
	if c.Storage.Type == "local" {
		dirs = append(dirs, c.Storage.Path)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
