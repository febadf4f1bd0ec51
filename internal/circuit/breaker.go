// Package circuit fails backend requests fast while the object store is unreachable.
//
// A Breaker counts consecutive transient failures. Once FailureThreshold is reached it
// opens and rejects calls with CIRCUIT_OPEN, which is not retryable, so a read during
// an outage fails with EIO after one short wait instead of a full retry sequence per
// block. After OpenTimeout a limited number of probe calls are let through; a success
// closes the breaker, a failure opens it again.
package circuit

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/objectfs/s3fuse/pkg/errors"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed lets every call through.
	StateClosed State = iota
	// StateOpen rejects calls until the open timeout elapses.
	StateOpen
	// StateHalfOpen lets a limited number of probe calls through.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config contains circuit breaker configuration
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the breaker.
	FailureThreshold uint32 `yaml:"failure_threshold"`

	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration `yaml:"open_timeout"`

	// HalfOpenRequests bounds concurrent probe calls.
	HalfOpenRequests uint32 `yaml:"half_open_requests"`

	// IsFailure decides whether an error counts against the backend. The default
	// ignores missing objects, denied access and cancellation.
	IsFailure func(err error) bool `yaml:"-"`

	// OnStateChange is called with the breaker lock held.
	OnStateChange func(name string, from, to State) `yaml:"-"`

	// Clock is used in tests.
	Clock func() time.Time `yaml:"-"`
}

// DefaultConfig returns the breaker settings used for the object store.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 10,
		OpenTimeout:      30 * time.Second,
		HalfOpenRequests: 1,
	}
}

// Counts holds the outcomes seen since the last state change.
type Counts struct {
	Requests            uint32 `json:"requests"`
	Successes           uint32 `json:"successes"`
	Failures            uint32 `json:"failures"`
	ConsecutiveFailures uint32 `json:"consecutive_failures"`
}

// Breaker implements the circuit breaker pattern
type Breaker struct {
	name   string
	config Config

	mu       sync.Mutex
	state    State
	counts   Counts
	openedAt time.Time
	probes   uint32
}

// New creates a closed breaker. Zero config fields take their defaults.
func New(name string, config Config) *Breaker {
	defaults := DefaultConfig()
	if config.FailureThreshold == 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = defaults.OpenTimeout
	}
	if config.HalfOpenRequests == 0 {
		config.HalfOpenRequests = defaults.HalfOpenRequests
	}
	if config.IsFailure == nil {
		config.IsFailure = countsAsFailure
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	return &Breaker{name: name, config: config}
}

func countsAsFailure(err error) bool {
	return err != nil &&
		!errors.IsNotFound(err) &&
		!errors.IsPermissionDenied(err) &&
		!errors.IsCanceled(err)
}

// Do runs fn when the breaker allows it and records the outcome.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(err)
	return err
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.current() {
	case StateOpen:
		return b.rejection()
	case StateHalfOpen:
		if b.probes >= b.config.HalfOpenRequests {
			return b.rejection()
		}
		b.probes++
	}
	b.counts.Requests++
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.current()
	if state == StateHalfOpen && b.probes > 0 {
		b.probes--
	}

	if !b.config.IsFailure(err) {
		b.counts.Successes++
		b.counts.ConsecutiveFailures = 0
		if state == StateHalfOpen {
			b.setState(StateClosed)
		}
		return
	}

	b.counts.Failures++
	b.counts.ConsecutiveFailures++
	switch state {
	case StateClosed:
		if b.counts.ConsecutiveFailures >= b.config.FailureThreshold {
			b.setState(StateOpen)
		}
	case StateHalfOpen:
		b.setState(StateOpen)
	}
}

// current moves an expired open breaker to half-open. Callers hold mu.
func (b *Breaker) current() State {
	if b.state == StateOpen && b.config.Clock().Sub(b.openedAt) >= b.config.OpenTimeout {
		b.setState(StateHalfOpen)
	}
	return b.state
}

func (b *Breaker) setState(state State) {
	prev := b.state
	if prev == state {
		return
	}
	b.state = state
	b.counts = Counts{}
	b.probes = 0
	if state == StateOpen {
		b.openedAt = b.config.Clock()
	}
	if b.config.OnStateChange != nil {
		b.config.OnStateChange(b.name, prev, state)
	}
}

func (b *Breaker) rejection() error {
	retryIn := b.config.OpenTimeout - b.config.Clock().Sub(b.openedAt)
	return errors.NewError(errors.ErrCodeCircuitOpen, "backend unavailable, requests suspended").
		WithComponent("circuit").
		WithContext("breaker", b.name).
		WithContext("retry_in", max(retryIn, 0).String()).
		WithContext("threshold", strconv.FormatUint(uint64(b.config.FailureThreshold), 10))
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current()
}

// Counts returns the outcomes since the last state change.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Reset closes the breaker.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(StateClosed)
	b.counts = Counts{}
}

// Name returns the name of the breaker.
func (b *Breaker) Name() string {
	return b.name
}
