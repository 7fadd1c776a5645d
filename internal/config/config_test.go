package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Resolve()
	assert.NoError(t, cfg.Validate())
}

func TestResolveDerivesPathsFromDataDir(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = "/var/lib/chronolake"
	cfg.Resolve()

	assert.Equal(t, "/var/lib/chronolake/catalog.db", cfg.Catalog.Path)
	assert.Equal(t, "/var/lib/chronolake/storage", cfg.Storage.Path)
	assert.Equal(t, "/var/lib/chronolake/downloads", cfg.Runtime.DownloadDir)
	assert.Equal(t, "/var/lib/chronolake/staging", cfg.Staging.Dir)
	assert.Equal(t, "/var/lib/chronolake/partitions", cfg.Ingest.PartitionDir)
}

func TestResolveKeepsExplicitPaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = "/var/lib/chronolake"
	cfg.Catalog.Path = "/mnt/fast/catalog.db"
	cfg.Resolve()

	assert.Equal(t, "/mnt/fast/catalog.db", cfg.Catalog.Path)
}

func TestLoadFromYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
data_dir: /data/lake
runtime:
  context_ttl: 2m
  connection_ttl: 90s
  incremental_refresh: false
  timestamp_column: ts
storage:
  kind: s3
  s3:
    bucket: lake-partitions
    region: eu-west-1
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	assert.NoError(t, err)
	assert.Equal(t, "/data/lake", cfg.DataDir)
	assert.Equal(t, 2*time.Minute, cfg.Runtime.ContextTTL)
	assert.Equal(t, 90*time.Second, cfg.Runtime.ConnectionTTL)
	assert.False(t, cfg.Runtime.IncrementalRefresh)
	assert.Equal(t, "ts", cfg.Runtime.TimestampColumn)
	assert.Equal(t, "s3", cfg.Storage.Kind)
	assert.Equal(t, "lake-partitions", cfg.Storage.S3.Bucket)

	// Unset fields keep their defaults.
	assert.Equal(t, 1<<20, cfg.Runtime.MaxStatementBytes)
}

func TestLoadFromJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"data_dir": "/data/lake", "storage": {"kind": "local"}}`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	assert.NoError(t, err)
	assert.Equal(t, "/data/lake", cfg.DataDir)
}

func TestLoadFromFileRejectsUnknownFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("x = 1"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := LoadFromFile(path)
	assert.Error(t, err)
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("CHRONOLAKE_DATA_DIR", "/env/lake")
	t.Setenv("CHRONOLAKE_CONTEXT_TTL", "45s")
	t.Setenv("CHRONOLAKE_INCREMENTAL_REFRESH", "0")
	t.Setenv("CHRONOLAKE_STORAGE_KIND", "s3")
	t.Setenv("CHRONOLAKE_S3_BUCKET", "env-bucket")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	assert.Equal(t, "/env/lake", cfg.DataDir)
	assert.Equal(t, 45*time.Second, cfg.Runtime.ContextTTL)
	assert.False(t, cfg.Runtime.IncrementalRefresh)
	assert.Equal(t, "s3", cfg.Storage.Kind)
	assert.Equal(t, "env-bucket", cfg.Storage.S3.Bucket)
}

func TestValidateRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty data dir", func(c *Config) { c.DataDir = "" }},
		{"unknown storage kind", func(c *Config) { c.Storage.Kind = "ftp" }},
		{"s3 without bucket", func(c *Config) { c.Storage.Kind = "s3"; c.Storage.S3.Bucket = "" }},
		{"zero statement bytes", func(c *Config) { c.Runtime.MaxStatementBytes = 0 }},
		{"oversized partitions", func(c *Config) { c.Ingest.TargetPartitionSizeMB = 512 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Resolve()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
