// Package config loads replica-sync settings from file, environment and flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/yuya-takeyama/s3-replica-sync/internal/s3client"
	"github.com/yuya-takeyama/s3-replica-sync/pkg/resolver"
	"github.com/yuya-takeyama/s3-replica-sync/pkg/syncer"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = syncer.ErrConfigurationInvalid

const EnvPrefix = "REPLICA_SYNC"

var (
	home, _           = os.UserHomeDir()
	DefaultConfigPath = filepath.Join(home, ".config", "replica-sync", "config.yaml")
)

// Keys as they appear in the config file.
const (
	KeyLocalDir              = "local_dir"
	KeyRemote                = "remote"
	KeyEndpoint              = "endpoint"
	KeyRegion                = "region"
	KeyProfile               = "profile"
	KeyAccessKey             = "access_key"
	KeySecretKey             = "secret_key"
	KeyItemRetries           = "item_retries"
	KeyHeadConcurrency       = "head_concurrency"
	KeyStateDir              = "state_dir"
	KeyConcurrency           = "concurrency"
	KeyConflictStrategy      = "conflict_strategy"
	KeyFirstSyncStrategy     = "first_sync_strategy"
	KeyIncremental           = "incremental"
	KeyMaxIncrementalAge     = "max_incremental_age"
	KeyVerifyRemoteChecksums = "verify_remote_checksums"
	KeyExcludes              = "excludes"
	KeyManifest              = "manifest"
	KeyLogFile               = "log_file"
	KeyQuiet                 = "quiet"
)

type Config struct {
	LocalDir              string
	Remote                string
	Endpoint              string
	Region                string
	Profile               string
	AccessKey             string
	SecretKey             string
	ItemRetries           int
	HeadConcurrency       int
	StateDir              string
	Concurrency           int
	ConflictStrategy      resolver.Strategy
	FirstSyncStrategy     resolver.FirstSyncStrategy
	Incremental           bool
	MaxIncrementalAge     time.Duration
	VerifyRemoteChecksums bool
	Excludes              []string
	Manifest              string
	LogFile               string
	Quiet                 bool

	// Bucket and Prefix are parsed from Remote by Validate.
	Bucket string
	Prefix string
	// Path is the config file that was read, if any.
	Path string
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyConcurrency, 3)
	v.SetDefault(KeyConflictStrategy, string(resolver.StrategyAsk))
	v.SetDefault(KeyFirstSyncStrategy, string(resolver.FirstSyncAsk))
	v.SetDefault(KeyMaxIncrementalAge, 24*time.Hour)
	v.SetDefault(KeyVerifyRemoteChecksums, true)
}

// Load reads configPath (or the default location when empty) into v and returns
// the resulting configuration. A missing default config file is not an error.
func Load(v *viper.Viper, configPath string) (*Config, error) {
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(filepath.Dir(DefaultConfigPath))
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !(errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)) {
			return nil, fmt.Errorf("config read '%s': %w", v.ConfigFileUsed(), err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cfg := FromViper(v)
	cfg.Path = v.ConfigFileUsed()
	return cfg, nil
}

// FromViper copies the known keys out of v.
func FromViper(v *viper.Viper) *Config {
	return &Config{
		LocalDir:              v.GetString(KeyLocalDir),
		Remote:                v.GetString(KeyRemote),
		Endpoint:              v.GetString(KeyEndpoint),
		Region:                v.GetString(KeyRegion),
		Profile:               v.GetString(KeyProfile),
		AccessKey:             v.GetString(KeyAccessKey),
		SecretKey:             v.GetString(KeySecretKey),
		ItemRetries:           v.GetInt(KeyItemRetries),
		HeadConcurrency:       v.GetInt(KeyHeadConcurrency),
		StateDir:              v.GetString(KeyStateDir),
		Concurrency:           v.GetInt(KeyConcurrency),
		ConflictStrategy:      resolver.Strategy(v.GetString(KeyConflictStrategy)),
		FirstSyncStrategy:     resolver.FirstSyncStrategy(v.GetString(KeyFirstSyncStrategy)),
		Incremental:           v.GetBool(KeyIncremental),
		MaxIncrementalAge:     v.GetDuration(KeyMaxIncrementalAge),
		VerifyRemoteChecksums: v.GetBool(KeyVerifyRemoteChecksums),
		Excludes:              v.GetStringSlice(KeyExcludes),
		Manifest:              v.GetString(KeyManifest),
		LogFile:               v.GetString(KeyLogFile),
		Quiet:                 v.GetBool(KeyQuiet),
	}
}

// Validate checks that both replicas are configured and normalizes derived fields.
func (c *Config) Validate() error {
	if c.LocalDir == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalid, KeyLocalDir)
	}
	abs, err := filepath.Abs(c.LocalDir)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalid, KeyLocalDir, err)
	}
	c.LocalDir = abs

	if c.Remote == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalid, KeyRemote)
	}
	c.Bucket, c.Prefix, err = s3client.ParseS3URI(c.Remote)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalid, KeyRemote, err)
	}
	if c.Endpoint != "" && !strings.HasPrefix(c.Endpoint, "http://") && !strings.HasPrefix(c.Endpoint, "https://") {
		return fmt.Errorf("%w: %s must be an http(s) URL", ErrInvalid, KeyEndpoint)
	}

	if (c.AccessKey == "") != (c.SecretKey == "") {
		return fmt.Errorf("%w: %s and %s must be set together", ErrInvalid, KeyAccessKey, KeySecretKey)
	}
	if c.ItemRetries < 0 {
		return fmt.Errorf("%w: %s must not be negative", ErrInvalid, KeyItemRetries)
	}
	if c.HeadConcurrency < 0 {
		return fmt.Errorf("%w: %s must not be negative", ErrInvalid, KeyHeadConcurrency)
	}

	if c.Concurrency < 1 {
		return fmt.Errorf("%w: %s must be at least 1", ErrInvalid, KeyConcurrency)
	}
	if c.ConflictStrategy, err = resolver.ParseStrategy(string(c.ConflictStrategy)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.FirstSyncStrategy, err = resolver.ParseFirstSyncStrategy(string(c.FirstSyncStrategy)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.MaxIncrementalAge < 0 {
		return fmt.Errorf("%w: %s must not be negative", ErrInvalid, KeyMaxIncrementalAge)
	}

	if c.StateDir == "" {
		c.StateDir = filepath.Join(c.LocalDir, ".replica-sync")
	}
	if c.StateDir, err = filepath.Abs(c.StateDir); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalid, KeyStateDir, err)
	}
	return nil
}

// NamespaceID identifies the configured remote destination.
func (c *Config) NamespaceID() string {
	return s3client.NamespaceID(c.Endpoint, c.Region, c.Bucket, c.Prefix)
}

// MetadataPath is the local metadata database.
func (c *Config) MetadataPath() string {
	return filepath.Join(c.StateDir, "metadata.db")
}

// S3Options maps the remote settings onto the S3 client.
func (c *Config) S3Options() s3client.Options {
	return s3client.Options{
		Bucket:          c.Bucket,
		Prefix:          c.Prefix,
		Region:          c.Region,
		Profile:         c.Profile,
		Endpoint:        c.Endpoint,
		AccessKey:       c.AccessKey,
		SecretKey:       c.SecretKey,
		ItemRetries:     c.ItemRetries,
		HeadConcurrency: c.HeadConcurrency,
	}
}

// LockPath guards against two processes syncing the same state dir.
func (c *Config) LockPath() string {
	return filepath.Join(c.StateDir, "lock")
}
