package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestNewError(t *testing.T) {
	t.Parallel()

	t.Run("creates error with defaults", func(t *testing.T) {
		err := NewError(ErrCodeInvalidConfig, "configuration is invalid")
		if err.Code != ErrCodeInvalidConfig {
			t.Errorf("Code = %v, want %v", err.Code, ErrCodeInvalidConfig)
		}
		if err.Category != CategoryConfiguration {
			t.Errorf("Category = %v, want %v", err.Category, CategoryConfiguration)
		}
		if err.Context == nil {
			t.Error("Context map is nil")
		}
		if err.Timestamp.IsZero() {
			t.Error("Timestamp not set")
		}
	})

	t.Run("sets retryable defaults", func(t *testing.T) {
		tests := []struct {
			code ErrorCode
			want bool
		}{
			{ErrCodeConnectionTimeout, true},
			{ErrCodeNetworkError, true},
			{ErrCodeServiceUnavailable, true},
			{ErrCodeObjectNotFound, false},
			{ErrCodeAccessDenied, false},
			{ErrCodeRetryExhausted, false},
			{ErrCodeOperationCanceled, false},
		}
		for _, tt := range tests {
			if got := NewError(tt.code, "x").Retryable; got != tt.want {
				t.Errorf("%s: Retryable = %v, want %v", tt.code, got, tt.want)
			}
		}
	})
}

func TestGetCategory(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code ErrorCode
		want ErrorCategory
	}{
		{ErrCodeConfigLoad, CategoryConfiguration},
		{ErrCodeNetworkError, CategoryConnection},
		{ErrCodeBucketNotFound, CategoryStorage},
		{ErrCodeNameTooLong, CategoryFilesystem},
		{ErrCodeCacheCorruption, CategoryCache},
		{ErrCodeRetryExhausted, CategoryOperation},
		{ErrorCode("SOMETHING_ELSE"), CategoryInternal},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := GetCategory(tt.code); got != tt.want {
				t.Errorf("GetCategory(%s) = %v, want %v", tt.code, got, tt.want)
			}
		})
	}
}

func TestObjectFSError_Error(t *testing.T) {
	t.Parallel()

	err := NewError(ErrCodeObjectNotFound, "no such key").
		WithComponent("s3").
		WithOperation("head")
	if got := err.Error(); got != "[s3:head] OBJECT_NOT_FOUND: no such key" {
		t.Errorf("Error() = %q", got)
	}

	withCause := NewError(ErrCodeNetworkError, "get failed").WithCause(fmt.Errorf("connection reset"))
	if !strings.HasSuffix(withCause.Error(), ": connection reset") {
		t.Errorf("Error() = %q, want cause suffix", withCause.Error())
	}
}

func TestErrorsIsAndAs(t *testing.T) {
	t.Parallel()

	base := NewError(ErrCodeAccessDenied, "denied")
	wrapped := fmt.Errorf("lookup: %w", base)

	if !errors.Is(wrapped, NewError(ErrCodeAccessDenied, "other message")) {
		t.Error("errors.Is should match on code")
	}
	if errors.Is(wrapped, NewError(ErrCodeObjectNotFound, "denied")) {
		t.Error("errors.Is should not match a different code")
	}

	var objErr *ObjectFSError
	if !errors.As(wrapped, &objErr) {
		t.Fatal("errors.As failed")
	}
	if objErr != base {
		t.Error("errors.As returned a different error")
	}
}

func TestPredicates(t *testing.T) {
	t.Parallel()

	notFound := fmt.Errorf("wrap: %w", NewError(ErrCodeObjectNotFound, "gone"))
	bucket := NewError(ErrCodeBucketNotFound, "no bucket")
	denied := NewError(ErrCodePermissionDenied, "nope")
	transient := NewError(ErrCodeConnectionTimeout, "slow")

	if !IsNotFound(notFound) || !IsNotFound(bucket) {
		t.Error("IsNotFound should accept object and bucket codes")
	}
	if IsNotFound(denied) || IsNotFound(nil) {
		t.Error("IsNotFound false positive")
	}
	if !IsPermissionDenied(denied) || !IsPermissionDenied(NewError(ErrCodeAccessDenied, "x")) {
		t.Error("IsPermissionDenied should accept both denial codes")
	}
	if !IsRetryable(transient) || IsRetryable(denied) || IsRetryable(fmt.Errorf("plain")) {
		t.Error("IsRetryable mismatch")
	}
	if !IsCanceled(context.Canceled) || !IsCanceled(Canceled("fetch", "wait", nil)) {
		t.Error("IsCanceled should accept context.Canceled and OPERATION_CANCELED")
	}
	if IsCanceled(nil) {
		t.Error("IsCanceled(nil) = true")
	}
	if Code(fmt.Errorf("plain")) != "" {
		t.Error("Code of a plain error should be empty")
	}
}

func TestGetRecommendation(t *testing.T) {
	t.Parallel()

	if NewError(ErrCodeCacheLocked, "x").GetRecommendation() == "" {
		t.Error("expected a recommendation for CACHE_LOCKED")
	}
	if NewError(ErrCodeInternalError, "x").GetRecommendation() != "" {
		t.Error("expected no recommendation for INTERNAL_ERROR")
	}
}

func TestString(t *testing.T) {
	t.Parallel()

	s := NewError(ErrCodeNetworkError, "boom").
		WithComponent("s3").
		WithContext("key", "a/b.bin").
		String()
	for _, want := range []string{"Code=NETWORK_ERROR", "Component=s3", "key=a/b.bin", "Retryable=true"} {
		if !strings.Contains(s, want) {
			t.Errorf("String() = %q, missing %q", s, want)
		}
	}
}
