package s3

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/objectfs/s3fuse/internal/circuit"
	"github.com/objectfs/s3fuse/internal/metrics"
	"github.com/objectfs/s3fuse/pkg/errors"
	"github.com/objectfs/s3fuse/pkg/retry"
	"github.com/objectfs/s3fuse/pkg/types"
)

// Backend implements types.ObjectStore on top of the S3 API.
type Backend struct {
	api    API
	bucket string
	config *Config

	retryer *retry.Retryer
	breaker *circuit.Breaker
	slots   *semaphore.Weighted

	logger  *zap.Logger
	metrics *metrics.Collector
	stats   statsTracker
}

var _ types.ObjectStore = (*Backend)(nil)

// NewBackend creates a backend for bucket using the AWS SDK default configuration
// chain. It does not contact the service; call CheckBucket before serving.
func NewBackend(ctx context.Context, bucket string, cfg *Config, logger *zap.Logger, collector *metrics.Collector) (*Backend, error) {
	if bucket == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidBucket, "bucket name cannot be empty").
			WithComponent("s3")
	}
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	cfg.applyDefaults()

	client, err := newClient(ctx, cfg)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "failed to create S3 client").
			WithComponent("s3").
			WithCause(err)
	}

	return NewWithAPI(client, bucket, cfg, logger, collector), nil
}

// NewWithAPI creates a backend over an existing API implementation.
func NewWithAPI(api API, bucket string, cfg *Config, logger *zap.Logger, collector *metrics.Collector) *Backend {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	b := &Backend{
		api:     api,
		bucket:  bucket,
		config:  cfg,
		slots:   semaphore.NewWeighted(int64(cfg.MaxConcurrentRequests)),
		logger:  logger.Named("s3").With(zap.String("bucket", bucket)),
		metrics: collector,
	}

	retryCfg := cfg.Retry
	userOnRetry := retryCfg.OnRetry
	retryCfg.OnRetry = func(attempt int, err error) {
		b.stats.retried()
		b.logger.Debug("Retrying request", zap.Int("attempt", attempt), zap.Error(err))
		if userOnRetry != nil {
			userOnRetry(attempt, err)
		}
	}
	b.retryer = retry.New(retryCfg)

	breakerCfg := cfg.Circuit
	breakerCfg.OnStateChange = func(name string, from, to circuit.State) {
		b.logger.Warn("Backend circuit changed state",
			zap.String("from", from.String()),
			zap.String("to", to.String()))
	}
	b.breaker = circuit.New("s3:"+bucket, breakerCfg)

	return b
}

// Bucket returns the bucket name.
func (b *Backend) Bucket() string {
	return b.bucket
}

// CheckBucket validates the bucket name and confirms the bucket is reachable.
func (b *Backend) CheckBucket(ctx context.Context) error {
	if err := ValidateBucketName(b.bucket); err != nil {
		return err
	}

	err := b.retryer.Do(ctx, func(ctx context.Context) error {
		return b.attempt(ctx, "head_bucket", "", func(ctx context.Context) (int64, error) {
			_, err := b.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)})
			return 0, err
		})
	})
	if errors.HasCode(err, errors.ErrCodeObjectNotFound) {
		// HeadBucket reports a missing bucket as a bare 404.
		return errors.NewError(errors.ErrCodeBucketNotFound, "bucket not found").
			WithComponent("s3").
			WithOperation("head_bucket").
			WithContext("bucket", b.bucket).
			WithCause(err)
	}
	return err
}

// Head returns the size, modification time and ETag of key.
func (b *Backend) Head(ctx context.Context, key string) (*types.ObjectInfo, error) {
	return retry.DoWithData(ctx, b.retryer, func(ctx context.Context) (*types.ObjectInfo, error) {
		var info *types.ObjectInfo
		err := b.attempt(ctx, "head", key, func(ctx context.Context) (int64, error) {
			result, err := b.api.HeadObject(ctx, &s3.HeadObjectInput{
				Bucket: aws.String(b.bucket),
				Key:    aws.String(key),
			})
			if err != nil {
				return 0, err
			}
			info = &types.ObjectInfo{
				Key:          key,
				Size:         aws.ToInt64(result.ContentLength),
				LastModified: aws.ToTime(result.LastModified),
				ETag:         aws.ToString(result.ETag),
			}
			return 0, nil
		})
		return info, err
	})
}

// GetRange returns up to length bytes of key starting at offset. Fewer bytes are
// returned when the range extends past the end of the object, and none when offset is
// at or past the end.
func (b *Backend) GetRange(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	if offset < 0 || length < 0 {
		return nil, errors.Newf(errors.ErrCodeInvalidArgument, "invalid range offset=%d length=%d", offset, length).
			WithComponent("s3").
			WithOperation("get_range")
	}
	if length == 0 {
		return []byte{}, nil
	}

	rangeHeader := fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)

	return retry.DoWithData(ctx, b.retryer, func(ctx context.Context) ([]byte, error) {
		var data []byte
		err := b.attempt(ctx, "get_range", key, func(ctx context.Context) (int64, error) {
			result, err := b.api.GetObject(ctx, &s3.GetObjectInput{
				Bucket: aws.String(b.bucket),
				Key:    aws.String(key),
				Range:  aws.String(rangeHeader),
			})
			if err != nil {
				if isInvalidRange(err) {
					data = []byte{}
					return 0, nil
				}
				return 0, err
			}
			defer result.Body.Close()

			buf, err := io.ReadAll(io.LimitReader(result.Body, length))
			if err != nil {
				return 0, fmt.Errorf("read object body: %w", err)
			}
			data = buf
			return int64(len(buf)), nil
		})
		return data, err
	})
}

// List returns one page of objects and common prefixes directly below prefix.
func (b *Backend) List(ctx context.Context, prefix, continuation string) (*types.ListPage, error) {
	input := &s3.ListObjectsV2Input{
		Bucket:    aws.String(b.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	}
	if continuation != "" {
		input.ContinuationToken = aws.String(continuation)
	}
	if b.config.ListPageSize > 0 {
		input.MaxKeys = aws.Int32(b.config.ListPageSize)
	}

	return retry.DoWithData(ctx, b.retryer, func(ctx context.Context) (*types.ListPage, error) {
		var page *types.ListPage
		err := b.attempt(ctx, "list", prefix, func(ctx context.Context) (int64, error) {
			result, err := b.api.ListObjectsV2(ctx, input)
			if err != nil {
				return 0, err
			}
			page = listPage(result)
			return 0, nil
		})
		return page, err
	})
}

func listPage(result *s3.ListObjectsV2Output) *types.ListPage {
	page := &types.ListPage{
		Objects:  make([]types.ObjectInfo, 0, len(result.Contents)),
		Prefixes: make([]string, 0, len(result.CommonPrefixes)),
	}
	for _, obj := range result.Contents {
		page.Objects = append(page.Objects, types.ObjectInfo{
			Key:          aws.ToString(obj.Key),
			Size:         aws.ToInt64(obj.Size),
			LastModified: aws.ToTime(obj.LastModified),
			ETag:         aws.ToString(obj.ETag),
		})
	}
	for _, p := range result.CommonPrefixes {
		if prefix := aws.ToString(p.Prefix); prefix != "" {
			page.Prefixes = append(page.Prefixes, prefix)
		}
	}
	if aws.ToBool(result.IsTruncated) {
		page.NextContinuation = aws.ToString(result.NextContinuationToken)
	}
	return page
}

// Stats returns in-process request counters.
func (b *Backend) Stats() BackendMetrics {
	return b.stats.snapshot()
}

// attempt runs one request through the circuit breaker with a concurrency slot and a
// per-attempt timeout, records it, and translates its error.
func (b *Backend) attempt(ctx context.Context, operation, key string, fn func(context.Context) (int64, error)) error {
	return b.breaker.Do(ctx, func(ctx context.Context) error {
		if err := b.slots.Acquire(ctx, 1); err != nil {
			return errors.Canceled("s3", operation, err)
		}
		defer b.slots.Release(1)

		attemptCtx, cancel := context.WithTimeout(ctx, b.config.RequestTimeout)
		defer cancel()

		start := time.Now()
		bytes, err := fn(attemptCtx)
		duration := time.Since(start)

		err = translateError(ctx, err, operation, b.bucket, key)
		b.stats.record(duration, bytes, err)
		b.metrics.RecordBackendRequest(operation, bytes, err == nil)

		if err != nil && !errors.IsNotFound(err) && !errors.IsCanceled(err) {
			b.logger.Debug("Request failed",
				zap.String("operation", operation),
				zap.String("key", key),
				zap.Duration("duration", duration),
				zap.Error(err))
		}
		return err
	})
}

// CircuitState reports whether requests currently reach the bucket.
func (b *Backend) CircuitState() circuit.State {
	return b.breaker.State()
}

// String implements fmt.Stringer for log fields.
func (b *Backend) String() string {
	var sb strings.Builder
	sb.WriteString("s3://")
	sb.WriteString(b.bucket)
	if b.config.Endpoint != "" {
		sb.WriteString(" (")
		sb.WriteString(b.config.Endpoint)
		sb.WriteString(")")
	}
	return sb.String()
}
