package s3

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"testing"

	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/objectfs/s3fuse/pkg/errors"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestTranslateError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		want      errors.ErrorCode
		retryable bool
	}{
		{"no such key", &s3types.NoSuchKey{}, errors.ErrCodeObjectNotFound, false},
		{"head not found", &s3types.NotFound{}, errors.ErrCodeObjectNotFound, false},
		{"no such bucket", &s3types.NoSuchBucket{}, errors.ErrCodeBucketNotFound, false},
		{"access denied code", &smithy.GenericAPIError{Code: "AccessDenied"}, errors.ErrCodeAccessDenied, false},
		{"slow down", &smithy.GenericAPIError{Code: "SlowDown"}, errors.ErrCodeServiceUnavailable, true},
		{"http 500", statusError(500), errors.ErrCodeServiceUnavailable, true},
		{"http 429", statusError(429), errors.ErrCodeServiceUnavailable, true},
		{"http 403", statusError(403), errors.ErrCodeAccessDenied, false},
		{"http 404", statusError(404), errors.ErrCodeObjectNotFound, false},
		{"send error", &smithyhttp.RequestSendError{Err: stderrors.New("dial tcp: refused")}, errors.ErrCodeNetworkError, true},
		{"net timeout", fmt.Errorf("read: %w", timeoutErr{}), errors.ErrCodeConnectionTimeout, true},
		{"attempt deadline", context.DeadlineExceeded, errors.ErrCodeConnectionTimeout, true},
		{"truncated body", fmt.Errorf("read object body: %w", io.ErrUnexpectedEOF), errors.ErrCodeNetworkError, true},
		{"unknown", stderrors.New("something odd"), errors.ErrCodeInternalError, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := translateError(context.Background(), tt.err, "get_range", "weights", "a.bin")
			if got := errors.Code(err); got != tt.want {
				t.Fatalf("translateError() code = %s, want %s (%v)", got, tt.want, err)
			}
			if errors.IsRetryable(err) != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v", errors.IsRetryable(err), tt.retryable)
			}
			if !stderrors.Is(err, tt.err) && !stderrors.As(err, new(*errors.ObjectFSError)) {
				t.Error("translated error lost its cause")
			}
		})
	}
}

func TestTranslateError_ParentCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := translateError(ctx, statusError(503), "get_range", "weights", "a.bin")
	if !errors.IsCanceled(err) {
		t.Errorf("expected cancellation, got %v", err)
	}
	if translateError(context.Background(), nil, "head", "weights", "") != nil {
		t.Error("nil error should stay nil")
	}
}

func TestIsInvalidRange(t *testing.T) {
	if !isInvalidRange(&smithy.GenericAPIError{Code: "InvalidRange"}) {
		t.Error("InvalidRange code not detected")
	}
	if !isInvalidRange(statusError(416)) {
		t.Error("HTTP 416 not detected")
	}
	if isInvalidRange(statusError(404)) {
		t.Error("HTTP 404 is not an invalid range")
	}
}

func TestValidateBucketName(t *testing.T) {
	tests := []struct {
		bucket string
		valid  bool
	}{
		{"model-weights", true},
		{"my.bucket.01", true},
		{"abc", true},
		{"ab", false},
		{"UpperCase", false},
		{"under_score", false},
		{"-leading", false},
		{"trailing-", false},
		{"double..dot", false},
		{"192.168.1.1", false},
	}

	for _, tt := range tests {
		t.Run(tt.bucket, func(t *testing.T) {
			err := ValidateBucketName(tt.bucket)
			if (err == nil) != tt.valid {
				t.Errorf("ValidateBucketName(%q) error = %v, valid %v", tt.bucket, err, tt.valid)
			}
			if err != nil && !errors.HasCode(err, errors.ErrCodeInvalidBucket) {
				t.Errorf("expected INVALID_BUCKET, got %v", err)
			}
		})
	}
}
