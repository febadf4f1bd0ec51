package s3

import (
	"net"
	"strings"
	"time"

	"github.com/objectfs/s3fuse/internal/circuit"
	"github.com/objectfs/s3fuse/pkg/errors"
	"github.com/objectfs/s3fuse/pkg/retry"
)

// Config represents S3 backend configuration
type Config struct {
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	ForcePathStyle  bool   `yaml:"force_path_style"`

	// RequestTimeout bounds a single attempt, not the whole retried call.
	RequestTimeout        time.Duration `yaml:"request_timeout"`
	MaxConcurrentRequests int           `yaml:"max_concurrent_requests"`
	ListPageSize          int32         `yaml:"list_page_size"`

	Retry   retry.Config   `yaml:"retry"`
	Circuit circuit.Config `yaml:"circuit"`
}

// NewDefaultConfig returns a configuration with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		Region:                "us-east-1",
		RequestTimeout:        60 * time.Second,
		MaxConcurrentRequests: 32,
		Retry:                 retry.DefaultConfig(),
		Circuit:               circuit.DefaultConfig(),
	}
}

func (c *Config) applyDefaults() {
	defaults := NewDefaultConfig()
	if c.Region == "" {
		c.Region = defaults.Region
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaults.RequestTimeout
	}
	if c.MaxConcurrentRequests <= 0 {
		c.MaxConcurrentRequests = defaults.MaxConcurrentRequests
	}
}

// ValidateBucketName checks the S3 bucket naming rules.
func ValidateBucketName(bucket string) error {
	invalid := func(reason string) error {
		return errors.Newf(errors.ErrCodeInvalidBucket, "invalid bucket name %q: %s", bucket, reason).
			WithComponent("s3").
			WithOperation("validate")
	}

	if len(bucket) < 3 || len(bucket) > 63 {
		return invalid("must be between 3 and 63 characters")
	}
	for _, r := range bucket {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '.':
		default:
			return invalid("only lowercase letters, digits, dots and hyphens are allowed")
		}
	}
	if !isAlnum(bucket[0]) || !isAlnum(bucket[len(bucket)-1]) {
		return invalid("must begin and end with a letter or digit")
	}
	if strings.Contains(bucket, "..") {
		return invalid("must not contain consecutive dots")
	}
	if net.ParseIP(bucket) != nil {
		return invalid("must not be formatted as an IP address")
	}
	return nil
}

func isAlnum(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
}
