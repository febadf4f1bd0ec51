package s3

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"strconv"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/objectfs/s3fuse/pkg/errors"
)

// translateError maps an SDK error to the error taxonomy. parentCtx is the caller's
// context; a deadline on the per-attempt context alone is a retryable timeout.
func translateError(parentCtx context.Context, err error, operation, bucket, key string) error {
	if err == nil {
		return nil
	}

	build := func(code errors.ErrorCode, message string) error {
		e := errors.NewError(code, message).
			WithComponent("s3").
			WithOperation(operation).
			WithContext("bucket", bucket).
			WithCause(err)
		if key != "" {
			e.WithContext("key", key)
		}
		return e
	}

	if parentCtx.Err() != nil {
		return errors.Canceled("s3", operation, parentCtx.Err())
	}

	switch {
	case isErrorType[*s3types.NoSuchKey](err), isErrorType[*s3types.NotFound](err):
		return build(errors.ErrCodeObjectNotFound, "object not found")
	case isErrorType[*s3types.NoSuchBucket](err):
		return build(errors.ErrCodeBucketNotFound, "bucket not found")
	case stderrors.Is(err, context.DeadlineExceeded):
		return build(errors.ErrCodeConnectionTimeout, "request timed out")
	case stderrors.Is(err, context.Canceled):
		return errors.Canceled("s3", operation, err)
	}

	var apiErr smithy.APIError
	if stderrors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return build(errors.ErrCodeObjectNotFound, "object not found")
		case "NoSuchBucket":
			return build(errors.ErrCodeBucketNotFound, "bucket not found")
		case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch", "AllAccessDisabled":
			return build(errors.ErrCodeAccessDenied, "access denied")
		case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable", "Throttling", "ThrottlingException":
			return build(errors.ErrCodeServiceUnavailable, "service unavailable: "+apiErr.ErrorCode())
		}
	}

	if status := httpStatus(err); status != 0 {
		switch {
		case status == 404:
			return build(errors.ErrCodeObjectNotFound, "object not found")
		case status == 403 || status == 401:
			return build(errors.ErrCodeAccessDenied, "access denied")
		case status == 429 || status >= 500:
			return build(errors.ErrCodeServiceUnavailable, "service unavailable: HTTP "+strconv.Itoa(status))
		}
	}

	var sendErr *smithyhttp.RequestSendError
	if stderrors.As(err, &sendErr) {
		return build(errors.ErrCodeNetworkError, "request send failed")
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) {
		if netErr.Timeout() {
			return build(errors.ErrCodeConnectionTimeout, "network timeout")
		}
		return build(errors.ErrCodeNetworkError, "network error")
	}
	if stderrors.Is(err, io.ErrUnexpectedEOF) {
		return build(errors.ErrCodeNetworkError, "connection closed mid-response")
	}

	return build(errors.ErrCodeInternalError, operation+" failed")
}

// isInvalidRange reports a 416 response, which S3 returns for a range starting at or
// past the end of the object.
func isInvalidRange(err error) bool {
	var apiErr smithy.APIError
	if stderrors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidRange" {
		return true
	}
	return httpStatus(err) == 416
}

func httpStatus(err error) int {
	var respErr *awshttp.ResponseError
	if stderrors.As(err, &respErr) && respErr.ResponseError != nil && respErr.Response != nil {
		return respErr.HTTPStatusCode()
	}
	var smithyResp *smithyhttp.ResponseError
	if stderrors.As(err, &smithyResp) && smithyResp.Response != nil {
		return smithyResp.HTTPStatusCode()
	}
	return 0
}

// isErrorType checks if an error is of a specific type
func isErrorType[T error](err error) bool {
	var target T
	return stderrors.As(err, &target)
}
