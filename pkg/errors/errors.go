// Package errors provides the structured error taxonomy shared by the storage client,
// the cache, the fetch coordinator and the filesystem adapter.
package errors

import (
	"context"
	stderr "errors"
	"fmt"
	"strings"
	"time"
)

// ErrorCode identifies a class of failure independent of the component that raised it.
type ErrorCode string

const (
	// Configuration
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigLoad    ErrorCode = "CONFIG_LOAD"

	// Connection and transport
	ErrCodeConnectionTimeout  ErrorCode = "CONNECTION_TIMEOUT"
	ErrCodeNetworkError       ErrorCode = "NETWORK_ERROR"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrCodeCircuitOpen        ErrorCode = "CIRCUIT_OPEN"

	// Storage backend
	ErrCodeObjectNotFound ErrorCode = "OBJECT_NOT_FOUND"
	ErrCodeBucketNotFound ErrorCode = "BUCKET_NOT_FOUND"
	ErrCodeAccessDenied   ErrorCode = "ACCESS_DENIED"
	ErrCodeInvalidBucket  ErrorCode = "INVALID_BUCKET"

	// Filesystem
	ErrCodeMountFailed      ErrorCode = "MOUNT_FAILED"
	ErrCodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	ErrCodeNameTooLong      ErrorCode = "NAME_TOO_LONG"
	ErrCodeInvalidArgument  ErrorCode = "INVALID_ARGUMENT"
	ErrCodeNotDirectory     ErrorCode = "NOT_DIRECTORY"
	ErrCodeIsDirectory      ErrorCode = "IS_DIRECTORY"
	ErrCodeNoAttribute      ErrorCode = "NO_ATTRIBUTE"
	ErrCodeBadHandle        ErrorCode = "BAD_HANDLE"

	// Cache
	ErrCodeCacheCorruption ErrorCode = "CACHE_CORRUPTION"
	ErrCodeCacheLocked     ErrorCode = "CACHE_LOCKED"
	ErrCodeCacheIO         ErrorCode = "CACHE_IO"

	// Operation
	ErrCodeOperationCanceled ErrorCode = "OPERATION_CANCELED"
	ErrCodeRetryExhausted    ErrorCode = "RETRY_EXHAUSTED"

	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory groups codes for logging and metrics labels.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryConnection    ErrorCategory = "connection"
	CategoryStorage       ErrorCategory = "storage"
	CategoryFilesystem    ErrorCategory = "filesystem"
	CategoryCache         ErrorCategory = "cache"
	CategoryOperation     ErrorCategory = "operation"
	CategoryInternal      ErrorCategory = "internal"
)

// ObjectFSError is a structured error with enough context to map it to an errno,
// decide whether to retry it, and log it.
type ObjectFSError struct {
	Code     ErrorCode
	Category ErrorCategory
	Message  string

	Context   map[string]string
	Cause     error
	Timestamp time.Time

	Component string
	Operation string

	Retryable bool
}

// Error implements the error interface.
func (e *ObjectFSError) Error() string {
	var b strings.Builder
	if e.Component != "" {
		b.WriteString("[")
		b.WriteString(e.Component)
		if e.Operation != "" {
			b.WriteString(":")
			b.WriteString(e.Operation)
		}
		b.WriteString("] ")
	}
	fmt.Fprintf(&b, "%s: %s", e.Code, e.Message)
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *ObjectFSError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an ObjectFSError with the same code.
func (e *ObjectFSError) Is(target error) bool {
	if other, ok := target.(*ObjectFSError); ok {
		return e.Code == other.Code
	}
	return false
}

// String returns a detailed representation for debug logging.
func (e *ObjectFSError) String() string {
	parts := []string{
		fmt.Sprintf("Code=%s", e.Code),
		fmt.Sprintf("Category=%s", e.Category),
		fmt.Sprintf("Message=%q", e.Message),
	}
	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	for k, v := range e.Context {
		parts = append(parts, fmt.Sprintf("%s=%s", k, v))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}
	return fmt.Sprintf("ObjectFSError{%s}", strings.Join(parts, ", "))
}

// NewError creates an error with category and retryability derived from the code.
func NewError(code ErrorCode, message string) *ObjectFSError {
	return &ObjectFSError{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
		Context:   make(map[string]string),
		Retryable: IsRetryableByDefault(code),
	}
}

// Newf is NewError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *ObjectFSError {
	return NewError(code, fmt.Sprintf(format, args...))
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeInvalidConfig, ErrCodeConfigLoad:
		return CategoryConfiguration
	case ErrCodeConnectionTimeout, ErrCodeNetworkError, ErrCodeServiceUnavailable, ErrCodeCircuitOpen:
		return CategoryConnection
	case ErrCodeObjectNotFound, ErrCodeBucketNotFound, ErrCodeAccessDenied, ErrCodeInvalidBucket:
		return CategoryStorage
	case ErrCodeMountFailed, ErrCodePermissionDenied, ErrCodeNameTooLong,
		ErrCodeInvalidArgument, ErrCodeNotDirectory, ErrCodeIsDirectory, ErrCodeNoAttribute, ErrCodeBadHandle:
		return CategoryFilesystem
	case ErrCodeCacheCorruption, ErrCodeCacheLocked, ErrCodeCacheIO:
		return CategoryCache
	case ErrCodeOperationCanceled, ErrCodeRetryExhausted:
		return CategoryOperation
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault reports whether a code describes a transient condition.
func IsRetryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeConnectionTimeout, ErrCodeNetworkError, ErrCodeServiceUnavailable:
		return true
	}
	return false
}

// WithContext adds contextual information to an error
func (e *ObjectFSError) WithContext(key, value string) *ObjectFSError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *ObjectFSError) WithComponent(component string) *ObjectFSError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *ObjectFSError) WithOperation(operation string) *ObjectFSError {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause
func (e *ObjectFSError) WithCause(cause error) *ObjectFSError {
	e.Cause = cause
	return e
}

// Code returns the code of the first ObjectFSError in err's chain, or "" if there is none.
func Code(err error) ErrorCode {
	var objErr *ObjectFSError
	if stderr.As(err, &objErr) {
		return objErr.Code
	}
	return ""
}

// HasCode reports whether err's chain contains an ObjectFSError with the given code.
func HasCode(err error, code ErrorCode) bool {
	return err != nil && Code(err) == code
}

func IsNotFound(err error) bool {
	return HasCode(err, ErrCodeObjectNotFound) || HasCode(err, ErrCodeBucketNotFound)
}

func IsPermissionDenied(err error) bool {
	return HasCode(err, ErrCodeAccessDenied) || HasCode(err, ErrCodePermissionDenied)
}

// IsCanceled reports cancellation either as a structured error or as a bare context error.
func IsCanceled(err error) bool {
	if err == nil {
		return false
	}
	return HasCode(err, ErrCodeOperationCanceled) || stderr.Is(err, context.Canceled)
}

// IsRetryable reports whether err is marked retryable.
func IsRetryable(err error) bool {
	var objErr *ObjectFSError
	if stderr.As(err, &objErr) {
		return objErr.Retryable
	}
	return false
}

// Canceled builds the cancellation error surfaced to waiters on unmount.
func Canceled(component, operation string, cause error) *ObjectFSError {
	return NewError(ErrCodeOperationCanceled, "operation canceled").
		WithComponent(component).
		WithOperation(operation).
		WithCause(cause)
}

// GetRecommendation returns a short hint printed next to fatal startup errors.
func (e *ObjectFSError) GetRecommendation() string {
	switch e.Code {
	case ErrCodeBucketNotFound, ErrCodeInvalidBucket:
		return "Verify the bucket name and region."
	case ErrCodeAccessDenied:
		return "Check that the credentials grant s3:ListBucket and s3:GetObject on the bucket."
	case ErrCodeConnectionTimeout, ErrCodeNetworkError, ErrCodeServiceUnavailable, ErrCodeRetryExhausted, ErrCodeCircuitOpen:
		return "Check network connectivity to the storage endpoint."
	case ErrCodeMountFailed, ErrCodePermissionDenied:
		return "Check mount point permissions, that FUSE is installed, and user_allow_other in /etc/fuse.conf."
	case ErrCodeCacheLocked:
		return "Another mount is using the same data directory; pick a different --data-dir."
	case ErrCodeInvalidConfig:
		return "Check the configuration file and command line flags."
	}
	return ""
}
