// Package config provides unified configuration for all Chronolake services.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the unified configuration for the Chronolake platform.
type Config struct {
	// DataDir is the base directory for all data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// Catalog configuration
	Catalog CatalogConfig `json:"catalog" yaml:"catalog"`

	// Runtime configuration for the SQL context and connection caches
	Runtime RuntimeConfig `json:"runtime" yaml:"runtime"`

	// Staging configuration for rows not yet folded into published manifests
	Staging StagingConfig `json:"staging" yaml:"staging"`

	// Ingest configuration
	Ingest IngestConfig `json:"ingest" yaml:"ingest"`

	// Storage configuration for the default storage target
	Storage StorageConfig `json:"storage" yaml:"storage"`
}

// CatalogConfig holds metadata catalog configuration.
type CatalogConfig struct {
	// Path is the path to the catalog database (defaults to DataDir/catalog.db)
	Path string `json:"path" yaml:"path"`

	// PageSize is the dataset listing page size
	PageSize int `json:"page_size" yaml:"page_size"`
}

// RuntimeConfig holds SQL runtime cache configuration.
type RuntimeConfig struct {
	// ContextTTL bounds how long a built SqlContext is served without rebuild.
	// Zero or negative disables context caching entirely.
	ContextTTL time.Duration `json:"context_ttl" yaml:"context_ttl"`

	// ConnectionTTL bounds how long a cached engine connection is reusable.
	// Zero or negative disables the connection cache.
	ConnectionTTL time.Duration `json:"connection_ttl" yaml:"connection_ttl"`

	// IncrementalRefresh enables per-dataset refresh instead of full rebuilds
	// when a dataset-scoped invalidation is pending.
	IncrementalRefresh bool `json:"incremental_refresh" yaml:"incremental_refresh"`

	// MaxStatementBytes bounds generated statement text length.
	MaxStatementBytes int `json:"max_statement_bytes" yaml:"max_statement_bytes"`

	// StatementTimeout is passed to the execution engine per statement.
	StatementTimeout time.Duration `json:"statement_timeout" yaml:"statement_timeout"`

	// DownloadDir is the directory remote partition files are fetched into.
	DownloadDir string `json:"download_dir" yaml:"download_dir"`

	// DownloadCacheBytes bounds the total size of fetched partition files.
	DownloadCacheBytes int64 `json:"download_cache_bytes" yaml:"download_cache_bytes"`

	// TimestampColumn is the default time column for range pruning and ordering.
	TimestampColumn string `json:"timestamp_column" yaml:"timestamp_column"`

	// FallbackTableName is used when partition metadata carries no table name.
	FallbackTableName string `json:"fallback_table_name" yaml:"fallback_table_name"`
}

// StagingConfig holds staging buffer configuration.
type StagingConfig struct {
	// Dir is the directory for staged segment files (defaults to DataDir/staging)
	Dir string `json:"dir" yaml:"dir"`

	// MaxSegmentBytes is the size at which a hot buffer is sealed into a segment
	MaxSegmentBytes int64 `json:"max_segment_bytes" yaml:"max_segment_bytes"`
}

// IngestConfig holds ingest configuration.
type IngestConfig struct {
	// PartitionDir is the directory partition files are built into before upload
	PartitionDir string `json:"partition_dir" yaml:"partition_dir"`

	// TargetPartitionSizeMB is the target partition size in megabytes
	TargetPartitionSizeMB int `json:"target_partition_size_mb" yaml:"target_partition_size_mb"`
}

// StorageConfig holds the default storage target configuration.
type StorageConfig struct {
	// Kind is the storage kind: local, s3
	Kind string `json:"kind" yaml:"kind"`

	// Path is the local storage root (for local kind)
	Path string `json:"path" yaml:"path"`

	// S3 configuration (for s3 kind)
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

	// UsePathStyle enables path-style addressing (required for MinIO)
	UsePathStyle bool `json:"use_path_style" yaml:"use_path_style"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/chronolake",
		Catalog: CatalogConfig{
			PageSize: 100,
		},
		Runtime: RuntimeConfig{
			ContextTTL:         5 * time.Minute,
			ConnectionTTL:      5 * time.Minute,
			IncrementalRefresh: true,
			MaxStatementBytes:  1 << 20,
			StatementTimeout:   30 * time.Second,
			DownloadCacheBytes: 20 * 1024 * 1024 * 1024, // 20 GB
			TimestampColumn:    "timestamp",
			FallbackTableName:  "records",
		},
		Staging: StagingConfig{
			MaxSegmentBytes: 16 * 1024 * 1024,
		},
		Ingest: IngestConfig{
			TargetPartitionSizeMB: 16,
		},
		Storage: StorageConfig{
			Kind: "local",
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/chronolake"
	}
	if c.Catalog.Path == "" {
		c.Catalog.Path = filepath.Join(c.DataDir, "catalog.db")
	}
	if c.Catalog.PageSize <= 0 {
		c.Catalog.PageSize = 100
	}
	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "storage")
	}
	if c.Runtime.DownloadDir == "" {
		c.Runtime.DownloadDir = filepath.Join(c.DataDir, "downloads")
	}
	if c.Runtime.TimestampColumn == "" {
		c.Runtime.TimestampColumn = "timestamp"
	}
	if c.Runtime.FallbackTableName == "" {
		c.Runtime.FallbackTableName = "records"
	}
	if c.Staging.Dir == "" {
		c.Staging.Dir = filepath.Join(c.DataDir, "staging")
	}
	if c.Ingest.PartitionDir == "" {
		c.Ingest.PartitionDir = filepath.Join(c.DataDir, "partitions")
	}
}

// EnsureDirectories creates all configured directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		c.Storage.Path,
		c.Runtime.DownloadDir,
		c.Staging.Dir,
		c.Ingest.PartitionDir,
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

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if c.Storage.Kind != "local" && c.Storage.Kind != "s3" {
		return fmt.Errorf("invalid storage kind: %s (must be local or s3)", c.Storage.Kind)
	}

	if c.Storage.Kind == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when storage kind is s3")
	}

	if c.Runtime.MaxStatementBytes <= 0 {
		return fmt.Errorf("runtime.max_statement_bytes must be positive, got %d", c.Runtime.MaxStatementBytes)
	}

	if c.Ingest.TargetPartitionSizeMB < 1 || c.Ingest.TargetPartitionSizeMB > 256 {
		return fmt.Errorf("ingest.target_partition_size_mb must be between 1 and 256, got %d", c.Ingest.TargetPartitionSizeMB)
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
// Environment variables use the CHRONOLAKE_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("CHRONOLAKE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("CHRONOLAKE_CATALOG_PATH"); v != "" {
		cfg.Catalog.Path = v
	}

	// Runtime configuration
	if v := os.Getenv("CHRONOLAKE_CONTEXT_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Runtime.ContextTTL = d
		}
	}
	if v := os.Getenv("CHRONOLAKE_CONNECTION_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Runtime.ConnectionTTL = d
		}
	}
	if v := os.Getenv("CHRONOLAKE_INCREMENTAL_REFRESH"); v != "" {
		cfg.Runtime.IncrementalRefresh = v == "true" || v == "1"
	}
	if v := os.Getenv("CHRONOLAKE_STATEMENT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Runtime.StatementTimeout = d
		}
	}
	if v := os.Getenv("CHRONOLAKE_DOWNLOAD_DIR"); v != "" {
		cfg.Runtime.DownloadDir = v
	}

	// Storage configuration
	if v := os.Getenv("CHRONOLAKE_STORAGE_KIND"); v != "" {
		cfg.Storage.Kind = v
	}
	if v := os.Getenv("CHRONOLAKE_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("CHRONOLAKE_S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := os.Getenv("CHRONOLAKE_S3_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}
	if v := os.Getenv("CHRONOLAKE_S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}
}
