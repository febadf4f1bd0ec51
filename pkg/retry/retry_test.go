package retry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/objectfs/s3fuse/pkg/errors"
)

func fastConfig(attempts int) Config {
	return Config{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
	}
}

func TestRetryer_Success(t *testing.T) {
	retryer := New(fastConfig(3))

	attempts := 0
	err := retryer.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return nil
	})

	if err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

func TestRetryer_RetryableError(t *testing.T) {
	retryer := New(fastConfig(3))

	attempts := 0
	err := retryer.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.NewError(errors.ErrCodeConnectionTimeout, "connection timeout")
		}
		return nil
	})

	if err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

func TestRetryer_NonRetryableError(t *testing.T) {
	retryer := New(fastConfig(5))

	attempts := 0
	err := retryer.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return errors.NewError(errors.ErrCodeObjectNotFound, "no such key")
	})

	if !errors.IsNotFound(err) {
		t.Errorf("Expected not found error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt (no retry), got %d", attempts)
	}
}

func TestRetryer_PlainErrorIsNotRetried(t *testing.T) {
	retryer := New(fastConfig(5))

	attempts := 0
	err := retryer.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return fmt.Errorf("plain failure")
	})

	if err == nil || err.Error() != "plain failure" {
		t.Errorf("Expected the original error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

func TestRetryer_Exhausted(t *testing.T) {
	retryer := New(fastConfig(3))

	attempts := 0
	err := retryer.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return errors.NewError(errors.ErrCodeServiceUnavailable, "503")
	})

	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
	if !errors.HasCode(err, errors.ErrCodeRetryExhausted) {
		t.Fatalf("Expected RETRY_EXHAUSTED, got %v", err)
	}
	if errors.IsRetryable(err) {
		t.Error("Exhausted error must not be retryable again")
	}
}

func TestRetryer_ContextCanceled(t *testing.T) {
	retryer := New(Config{MaxAttempts: 10, InitialDelay: 50 * time.Millisecond, MaxDelay: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := retryer.Do(ctx, func(ctx context.Context) error {
		attempts++
		cancel()
		return errors.NewError(errors.ErrCodeNetworkError, "reset")
	})

	if !errors.IsCanceled(err) {
		t.Errorf("Expected cancellation, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

func TestRetryer_AlreadyCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := New(fastConfig(3)).Do(ctx, func(ctx context.Context) error {
		called = true
		return nil
	})
	if called {
		t.Error("fn should not run with a canceled context")
	}
	if !errors.IsCanceled(err) {
		t.Errorf("Expected cancellation, got %v", err)
	}
}

func TestDoWithData(t *testing.T) {
	retryer := New(fastConfig(3))

	attempts := 0
	got, err := DoWithData(context.Background(), retryer, func(ctx context.Context) ([]byte, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.NewError(errors.ErrCodeNetworkError, "reset")
		}
		return []byte("payload"), nil
	})
	if err != nil {
		t.Fatalf("DoWithData() error = %v", err)
	}
	if string(got) != "payload" {
		t.Errorf("DoWithData() = %q, want %q", got, "payload")
	}
}

func TestRetryer_OnRetry(t *testing.T) {
	config := fastConfig(3)
	var seen []int
	config.OnRetry = func(attempt int, err error) {
		seen = append(seen, attempt)
	}

	_ = New(config).Do(context.Background(), func(ctx context.Context) error {
		return errors.NewError(errors.ErrCodeNetworkError, "reset")
	})

	if len(seen) == 0 || seen[0] != 1 {
		t.Errorf("OnRetry attempts = %v, want to start at 1", seen)
	}
}

func TestNew_AppliesDefaults(t *testing.T) {
	r := New(Config{})
	got := r.Config()
	want := DefaultConfig()
	if got.MaxAttempts != want.MaxAttempts || got.InitialDelay != want.InitialDelay || got.MaxDelay != want.MaxDelay {
		t.Errorf("Config() = %+v, want defaults %+v", got, want)
	}
}
