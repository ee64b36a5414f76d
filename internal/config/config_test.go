package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuya-takeyama/s3-replica-sync/pkg/resolver"
)

func TestLoadFromFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
local_dir: /data/library
remote: s3://papers/library
region: ap-northeast-1
concurrency: 5
conflict_strategy: newer-wins
incremental: true
max_incremental_age: 2h
excludes:
  - "**/.DS_Store"
  - "cache/"
`), 0644))
	t.Setenv("REPLICA_SYNC_FIRST_SYNC_STRATEGY", "merge")

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)
	assert.Equal(t, path, cfg.Path)
	assert.Equal(t, "/data/library", cfg.LocalDir)
	assert.Equal(t, 5, cfg.Concurrency)
	assert.Equal(t, resolver.StrategyNewerWins, cfg.ConflictStrategy)
	assert.Equal(t, resolver.FirstSyncStrategy("merge"), cfg.FirstSyncStrategy)
	assert.True(t, cfg.Incremental)
	assert.Equal(t, 2*time.Hour, cfg.MaxIncrementalAge)
	assert.True(t, cfg.VerifyRemoteChecksums)
	assert.Equal(t, []string{"**/.DS_Store", "cache/"}, cfg.Excludes)

	require.NoError(t, cfg.Validate())
	assert.Equal(t, "papers", cfg.Bucket)
	assert.Equal(t, "library/", cfg.Prefix)
	assert.Equal(t, "/data/library/.replica-sync", cfg.StateDir)
	assert.Equal(t, "s3.ap-northeast-1.amazonaws.com/papers/library", cfg.NamespaceID())
	assert.Equal(t, "/data/library/.replica-sync/metadata.db", cfg.MetadataPath())
	assert.Equal(t, "/data/library/.replica-sync/lock", cfg.LockPath())
}

func TestLoadDefaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	cfg := FromViper(v)

	assert.Equal(t, 3, cfg.Concurrency)
	assert.Equal(t, resolver.StrategyAsk, cfg.ConflictStrategy)
	assert.Equal(t, resolver.FirstSyncAsk, cfg.FirstSyncStrategy)
	assert.Equal(t, 24*time.Hour, cfg.MaxIncrementalAge)
	assert.True(t, cfg.VerifyRemoteChecksums)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			LocalDir:          "/data",
			Remote:            "s3://bucket",
			Concurrency:       3,
			ConflictStrategy:  resolver.StrategyAsk,
			FirstSyncStrategy: resolver.FirstSyncAsk,
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "missing local dir", mutate: func(c *Config) { c.LocalDir = "" }},
		{name: "missing remote", mutate: func(c *Config) { c.Remote = "" }},
		{name: "remote without scheme", mutate: func(c *Config) { c.Remote = "bucket/prefix" }},
		{name: "remote without bucket", mutate: func(c *Config) { c.Remote = "s3://" }},
		{name: "endpoint without scheme", mutate: func(c *Config) { c.Endpoint = "minio:9000" }},
		{name: "zero concurrency", mutate: func(c *Config) { c.Concurrency = 0 }},
		{name: "unknown conflict strategy", mutate: func(c *Config) { c.ConflictStrategy = "mine" }},
		{name: "unknown first sync strategy", mutate: func(c *Config) { c.FirstSyncStrategy = "both" }},
		{name: "access key without secret", mutate: func(c *Config) { c.AccessKey = "AKIA" }},
		{name: "secret without access key", mutate: func(c *Config) { c.SecretKey = "s3cr3t" }},
		{name: "negative item retries", mutate: func(c *Config) { c.ItemRetries = -1 }},
		{name: "negative head concurrency", mutate: func(c *Config) { c.HeadConcurrency = -4 }},
		{name: "negative staleness", mutate: func(c *Config) { c.MaxIncrementalAge = -time.Second }},
	}

	require.NoError(t, valid().Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("Validate() = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestValidateKeepsExplicitStateDir(t *testing.T) {
	cfg := &Config{LocalDir: "/data", Remote: "s3://b/p", Concurrency: 1, StateDir: "/var/lib/replica-sync"}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "/var/lib/replica-sync", cfg.StateDir)
	assert.Equal(t, resolver.StrategyAsk, cfg.ConflictStrategy)
}

func TestS3Options(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
local_dir: /data/library
remote: s3://papers/library
endpoint: http://localhost:9000
access_key: minioadmin
head_concurrency: 8
item_retries: 2
`), 0644))
	t.Setenv("REPLICA_SYNC_SECRET_KEY", "minio-secret")

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	opts := cfg.S3Options()
	assert.Equal(t, "papers", opts.Bucket)
	assert.Equal(t, "library/", opts.Prefix)
	assert.Equal(t, "http://localhost:9000", opts.Endpoint)
	assert.Equal(t, "minioadmin", opts.AccessKey)
	assert.Equal(t, "minio-secret", opts.SecretKey)
	assert.Equal(t, 2, opts.ItemRetries)
	assert.Equal(t, 8, opts.HeadConcurrency)
}
