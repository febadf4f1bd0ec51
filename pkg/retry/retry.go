// Package retry provides bounded exponential backoff for backend calls.
package retry

import (
	"context"
	"strconv"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/objectfs/s3fuse/pkg/errors"
)

// Config defines retry behavior configuration
type Config struct {
	// MaxAttempts is the maximum number of attempts including the first one
	MaxAttempts int `yaml:"max_attempts"`

	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration `yaml:"initial_delay"`

	// MaxDelay caps the delay between retries
	MaxDelay time.Duration `yaml:"max_delay"`

	// MaxJitter is the upper bound of the random delay added to each backoff step
	MaxJitter time.Duration `yaml:"max_jitter"`

	// OnRetry is called before each retry attempt
	OnRetry func(attempt int, err error) `yaml:"-"`
}

// DefaultConfig returns the retry configuration used for object store calls.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		MaxJitter:    100 * time.Millisecond,
	}
}

// Retryer runs functions with retry on errors marked retryable.
type Retryer struct {
	config Config
}

// New creates a new Retryer with the given configuration
func New(config Config) *Retryer {
	defaults := DefaultConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = defaults.InitialDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = defaults.MaxDelay
	}
	if config.MaxJitter < 0 {
		config.MaxJitter = 0
	}
	return &Retryer{config: config}
}

// Config returns the effective configuration.
func (r *Retryer) Config() Config {
	return r.config
}

// Do executes fn until it succeeds, returns a non-retryable error, or the attempt
// budget is spent.
func (r *Retryer) Do(ctx context.Context, fn func(context.Context) error) error {
	_, err := DoWithData(ctx, r, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoWithData is Do for functions that return a value.
//
// A retryable error that survives every attempt is wrapped as RETRY_EXHAUSTED so
// callers can tell it apart from a first-attempt transient failure. Cancellation of
// ctx is reported as OPERATION_CANCELED.
func DoWithData[T any](ctx context.Context, r *Retryer, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, errors.Canceled("retry", "do", err)
	}

	opts := []retry.Option{
		retry.Attempts(uint(r.config.MaxAttempts)),
		retry.Delay(r.config.InitialDelay),
		retry.MaxDelay(r.config.MaxDelay),
		retry.RetryIf(errors.IsRetryable),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	}
	if r.config.MaxJitter > 0 {
		opts = append(opts,
			retry.MaxJitter(r.config.MaxJitter),
			retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		)
	} else {
		opts = append(opts, retry.DelayType(retry.BackOffDelay))
	}
	if r.config.OnRetry != nil {
		onRetry := r.config.OnRetry
		opts = append(opts, retry.OnRetry(func(n uint, err error) {
			onRetry(int(n)+1, err)
		}))
	}

	result, err := retry.DoWithData(func() (T, error) {
		return fn(ctx)
	}, opts...)
	if err == nil {
		return result, nil
	}

	switch {
	case ctx.Err() != nil:
		return zero, errors.Canceled("retry", "do", ctx.Err())
	case errors.IsRetryable(err):
		return zero, errors.NewError(errors.ErrCodeRetryExhausted, "retry attempts exhausted").
			WithContext("attempts", strconv.Itoa(r.config.MaxAttempts)).
			WithCause(err)
	}
	return zero, err
}
