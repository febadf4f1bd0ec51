package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/objectfs/s3fuse/pkg/errors"
	"github.com/objectfs/s3fuse/pkg/utils"
)

// DefaultDataDir is the cache root used when none is configured.
const DefaultDataDir = "/tmp/fuser"

// Configuration represents the complete application configuration
type Configuration struct {
	Global     GlobalConfig     `yaml:"global"`
	Storage    StorageConfig    `yaml:"storage"`
	Cache      CacheConfig      `yaml:"cache"`
	Namespace  NamespaceConfig  `yaml:"namespace"`
	Fetch      FetchConfig      `yaml:"fetch"`
	Mount      MountConfig      `yaml:"mount"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LogFile   string `yaml:"log_file"`
}

// StorageConfig describes the bucket and how to reach it.
type StorageConfig struct {
	Bucket                string        `yaml:"bucket"`
	Region                string        `yaml:"region"`
	Endpoint              string        `yaml:"endpoint"`
	AccessKeyID           string        `yaml:"access_key_id"`
	SecretAccessKey       string        `yaml:"secret_access_key"`
	ForcePathStyle        bool          `yaml:"force_path_style"`
	RequestTimeout        time.Duration `yaml:"request_timeout"`
	MaxConcurrentRequests int           `yaml:"max_concurrent_requests"`
	Retry                 RetryConfig   `yaml:"retry"`
	Circuit               CircuitConfig `yaml:"circuit"`
}

// RetryConfig represents retry settings
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	MaxJitter    time.Duration `yaml:"max_jitter"`
}

// CircuitConfig controls how long backend requests are suspended after repeated
// transient failures.
type CircuitConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
}

// CacheConfig represents the on-disk block cache settings
type CacheConfig struct {
	Directory    string        `yaml:"directory"`
	MaxSize      string        `yaml:"max_size"`
	SyncInterval time.Duration `yaml:"sync_interval"`
}

// NamespaceConfig controls attribute and listing freshness.
type NamespaceConfig struct {
	AttrTTL       time.Duration `yaml:"attr_ttl"`
	MaxCachedDirs int           `yaml:"max_cached_dirs"`
}

// FetchConfig controls range alignment and read-ahead.
type FetchConfig struct {
	BlockSize        string `yaml:"block_size"`
	ReadAheadBlocks  int    `yaml:"read_ahead_blocks"`
	MaxReadAheadJobs int    `yaml:"max_read_ahead_jobs"`
}

// MountConfig represents kernel mount settings
type MountConfig struct {
	MountPoint   string        `yaml:"mount_point"`
	AutoUnmount  bool          `yaml:"auto_unmount"`
	AllowRoot    bool          `yaml:"allow_root"`
	AllowOther   bool          `yaml:"allow_other"`
	DirectIO     bool          `yaml:"direct_io"`
	UID          int           `yaml:"uid"`
	GID          int           `yaml:"gid"`
	EntryTimeout time.Duration `yaml:"entry_timeout"`
	AttrTimeout  time.Duration `yaml:"attr_timeout"`
	Debug        bool          `yaml:"debug"`
}

// MonitoringConfig represents monitoring settings
type MonitoringConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig represents metrics settings
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:  "info",
			LogFormat: "console",
		},
		Storage: StorageConfig{
			Region:                "us-east-1",
			RequestTimeout:        60 * time.Second,
			MaxConcurrentRequests: 32,
			Retry: RetryConfig{
				MaxAttempts:  5,
				InitialDelay: 100 * time.Millisecond,
				MaxDelay:     5 * time.Second,
				MaxJitter:    100 * time.Millisecond,
			},
			Circuit: CircuitConfig{
				FailureThreshold: 10,
				OpenTimeout:      30 * time.Second,
			},
		},
		Cache: CacheConfig{
			Directory:    DefaultDataDir,
			MaxSize:      "10GiB",
			SyncInterval: 30 * time.Second,
		},
		Namespace: NamespaceConfig{
			AttrTTL:       60 * time.Second,
			MaxCachedDirs: 4096,
		},
		Fetch: FetchConfig{
			BlockSize:        "4MiB",
			ReadAheadBlocks:  4,
			MaxReadAheadJobs: 4,
		},
		Mount: MountConfig{
			UID:          -1,
			GID:          -1,
			EntryTimeout: time.Second,
			AttrTimeout:  time.Second,
		},
		Monitoring: MonitoringConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return errors.NewError(errors.ErrCodeConfigLoad, "failed to read config file").
			WithContext("file", filename).
			WithCause(err)
	}

	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return errors.NewError(errors.ErrCodeConfigLoad, "failed to parse config file").
			WithContext("file", filename).
			WithCause(err)
	}

	return nil
}

// LoadFromEnv loads configuration from S3FUSE_* environment variables
func (c *Configuration) LoadFromEnv() error {
	str := func(name string, dst *string) {
		if val := os.Getenv(name); val != "" {
			*dst = val
		}
	}
	var firstErr error
	fail := func(name, val string, err error) {
		if firstErr == nil {
			firstErr = errors.NewError(errors.ErrCodeInvalidConfig, "invalid environment variable").
				WithContext("name", name).
				WithContext("value", val).
				WithCause(err)
		}
	}
	boolean := func(name string, dst *bool) {
		if val := os.Getenv(name); val != "" {
			b, err := strconv.ParseBool(val)
			if err != nil {
				fail(name, val, err)
				return
			}
			*dst = b
		}
	}
	duration := func(name string, dst *time.Duration) {
		if val := os.Getenv(name); val != "" {
			d, err := time.ParseDuration(val)
			if err != nil {
				fail(name, val, err)
				return
			}
			*dst = d
		}
	}
	integer := func(name string, dst *int) {
		if val := os.Getenv(name); val != "" {
			n, err := strconv.Atoi(val)
			if err != nil {
				fail(name, val, err)
				return
			}
			*dst = n
		}
	}

	// Global settings
	str("S3FUSE_LOG_LEVEL", &c.Global.LogLevel)
	str("S3FUSE_LOG_FORMAT", &c.Global.LogFormat)
	str("S3FUSE_LOG_FILE", &c.Global.LogFile)

	// Storage settings
	str("S3FUSE_BUCKET", &c.Storage.Bucket)
	str("S3FUSE_REGION", &c.Storage.Region)
	str("S3FUSE_ENDPOINT", &c.Storage.Endpoint)
	str("S3FUSE_ACCESS_KEY_ID", &c.Storage.AccessKeyID)
	str("S3FUSE_SECRET_ACCESS_KEY", &c.Storage.SecretAccessKey)
	boolean("S3FUSE_FORCE_PATH_STYLE", &c.Storage.ForcePathStyle)
	duration("S3FUSE_REQUEST_TIMEOUT", &c.Storage.RequestTimeout)
	integer("S3FUSE_MAX_CONCURRENT_REQUESTS", &c.Storage.MaxConcurrentRequests)
	integer("S3FUSE_RETRY_MAX_ATTEMPTS", &c.Storage.Retry.MaxAttempts)

	// Cache settings
	str("S3FUSE_DATA_DIR", &c.Cache.Directory)
	str("S3FUSE_CACHE_SIZE", &c.Cache.MaxSize)

	// Namespace and fetch settings
	duration("S3FUSE_ATTR_TTL", &c.Namespace.AttrTTL)
	str("S3FUSE_BLOCK_SIZE", &c.Fetch.BlockSize)
	integer("S3FUSE_READ_AHEAD_BLOCKS", &c.Fetch.ReadAheadBlocks)

	// Mount settings
	str("S3FUSE_MOUNT_POINT", &c.Mount.MountPoint)
	boolean("S3FUSE_DIRECT_IO", &c.Mount.DirectIO)
	boolean("S3FUSE_AUTO_UNMOUNT", &c.Mount.AutoUnmount)
	boolean("S3FUSE_ALLOW_ROOT", &c.Mount.AllowRoot)

	// Monitoring
	str("S3FUSE_METRICS_ADDR", &c.Monitoring.Metrics.Address)

	return firstErr
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// CacheCapacity returns the parsed cache size in bytes.
func (c *Configuration) CacheCapacity() (int64, error) {
	return utils.ParseBytes(c.Cache.MaxSize)
}

// FetchBlockSize returns the parsed fetch block size in bytes.
func (c *Configuration) FetchBlockSize() (int64, error) {
	return utils.ParseBytes(c.Fetch.BlockSize)
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return errors.Newf(errors.ErrCodeInvalidConfig, format, args...)
	}

	validLogLevels := []string{"debug", "info", "warn", "error"}
	levelValid := false
	for _, level := range validLogLevels {
		if strings.EqualFold(c.Global.LogLevel, level) {
			levelValid = true
			break
		}
	}
	if !levelValid {
		return invalid("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}
	if c.Global.LogFormat != "json" && c.Global.LogFormat != "console" {
		return invalid("invalid log_format: %s (must be json or console)", c.Global.LogFormat)
	}

	if c.Storage.Bucket == "" {
		return invalid("bucket name is required")
	}
	if c.Storage.MaxConcurrentRequests <= 0 {
		return invalid("max_concurrent_requests must be greater than 0")
	}
	if c.Storage.Retry.MaxAttempts <= 0 {
		return invalid("retry max_attempts must be greater than 0")
	}
	if c.Storage.Circuit.FailureThreshold < 0 || c.Storage.Circuit.OpenTimeout < 0 {
		return invalid("circuit settings cannot be negative")
	}
	if (c.Storage.AccessKeyID == "") != (c.Storage.SecretAccessKey == "") {
		return invalid("access_key_id and secret_access_key must be set together")
	}

	if c.Cache.Directory == "" {
		return invalid("cache directory is required")
	}
	capacity, err := c.CacheCapacity()
	if err != nil {
		return invalid("invalid cache max_size: %v", err)
	}
	if capacity <= 0 {
		return invalid("cache max_size must be greater than 0")
	}

	blockSize, err := c.FetchBlockSize()
	if err != nil {
		return invalid("invalid fetch block_size: %v", err)
	}
	if blockSize <= 0 {
		return invalid("fetch block_size must be greater than 0")
	}
	if blockSize > capacity {
		return invalid("fetch block_size %s exceeds cache max_size %s", c.Fetch.BlockSize, c.Cache.MaxSize)
	}
	if c.Fetch.ReadAheadBlocks < 0 || c.Fetch.MaxReadAheadJobs < 0 {
		return invalid("read-ahead settings cannot be negative")
	}

	if c.Namespace.AttrTTL < 0 {
		return invalid("attr_ttl cannot be negative")
	}
	if c.Namespace.MaxCachedDirs <= 0 {
		return invalid("max_cached_dirs must be greater than 0")
	}

	if c.Mount.MountPoint == "" {
		return invalid("mount point is required")
	}
	if c.Mount.AllowRoot && c.Mount.AllowOther {
		return invalid("allow_root and allow_other are mutually exclusive")
	}

	return nil
}
