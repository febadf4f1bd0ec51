package metrics

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/s3fuse/pkg/errors"
)

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	collector, err := NewCollector(&Config{Enabled: true, Namespace: "test"}, nil)
	require.NoError(t, err)
	return collector
}

func TestNewCollector(t *testing.T) {
	t.Parallel()

	t.Run("nil config uses defaults", func(t *testing.T) {
		collector, err := NewCollector(nil, nil)
		require.NoError(t, err)
		assert.NotNil(t, collector.Registry())
		assert.Equal(t, "s3fuse", collector.config.Namespace)
		assert.Equal(t, "/metrics", collector.config.Path)
	})

	t.Run("disabled collector has no registry", func(t *testing.T) {
		collector, err := NewCollector(&Config{Enabled: false}, nil)
		require.NoError(t, err)
		assert.Nil(t, collector.Registry())

		collector.RecordOperation("read", time.Millisecond, 10, true)
		collector.RecordCacheHit()
		collector.FetchStarted()
		assert.Empty(t, collector.GetOperations())
	})

	t.Run("two collectors do not collide", func(t *testing.T) {
		_, err := NewCollector(&Config{Enabled: true, Namespace: "dup"}, nil)
		require.NoError(t, err)
		_, err = NewCollector(&Config{Enabled: true, Namespace: "dup"}, nil)
		require.NoError(t, err)
	})
}

func TestNilCollector(t *testing.T) {
	var c *Collector

	assert.NotPanics(t, func() {
		c.RecordOperation("read", time.Millisecond, 1, true)
		c.RecordError("read", fmt.Errorf("x"))
		c.RecordCacheMiss()
		c.UpdateCacheSize(10)
		c.RecordEvictions(2)
		c.RecordBackendRequest("get", 10, true)
		c.FetchStarted()
		c.FetchFinished()
		c.RecordFetchJoined()
		c.RecordReadAhead("started")
		_ = c.Stop(context.Background())
	})
	assert.Equal(t, "", c.Addr())
}

func TestRecordOperation(t *testing.T) {
	t.Parallel()
	collector := newTestCollector(t)

	collector.RecordOperation("read", 100*time.Millisecond, 1000, true)
	collector.RecordOperation("read", 200*time.Millisecond, 2000, true)
	collector.RecordOperation("read", 300*time.Millisecond, 3000, false)

	op := collector.GetOperations()["read"]
	assert.Equal(t, int64(3), op.Count)
	assert.Equal(t, int64(6000), op.TotalSize)
	assert.Equal(t, int64(1), op.Errors)
	assert.Equal(t, 200*time.Millisecond, op.AvgDuration)

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.operationCounter.WithLabelValues("read", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.operationCounter.WithLabelValues("read", "error")))

	collector.ResetMetrics()
	assert.Empty(t, collector.GetOperations())
}

func TestCacheAndFetchMetrics(t *testing.T) {
	t.Parallel()
	collector := newTestCollector(t)

	collector.RecordCacheHit()
	collector.RecordCacheHit()
	collector.RecordCacheMiss()
	collector.RecordCachePartial()
	collector.UpdateCacheSize(4096)
	collector.RecordEvictions(3)
	collector.RecordEvictions(0)
	collector.FetchStarted()
	collector.FetchStarted()
	collector.FetchFinished()
	collector.RecordFetchJoined()
	collector.RecordReadAhead("skipped")
	collector.RecordBackendRequest("get_range", 1024, true)
	collector.RecordBackendRequest("head", 0, false)

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.cacheRequests.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.cacheRequests.WithLabelValues("miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.cacheRequests.WithLabelValues("partial")))
	assert.Equal(t, 4096.0, testutil.ToFloat64(collector.cacheSize))
	assert.Equal(t, 3.0, testutil.ToFloat64(collector.cacheEvictions))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.fetchInflight))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.fetchJoined))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.readAhead.WithLabelValues("skipped")))
	assert.Equal(t, 1024.0, testutil.ToFloat64(collector.backendBytes))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.backendRequests.WithLabelValues("head", "error")))
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{errors.NewError(errors.ErrCodeObjectNotFound, "x"), "not_found"},
		{errors.NewError(errors.ErrCodeAccessDenied, "x"), "permission"},
		{errors.Canceled("fetch", "wait", context.Canceled), "canceled"},
		{errors.NewError(errors.ErrCodeRetryExhausted, "x"), "retry_exhausted"},
		{errors.NewError(errors.ErrCodeCacheCorruption, "x"), "corruption"},
		{errors.NewError(errors.ErrCodeNetworkError, "x"), "connection"},
		{fmt.Errorf("plain"), "other"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyError(tt.err))
		})
	}

	collector := newTestCollector(t)
	collector.RecordError("read", errors.NewError(errors.ErrCodeObjectNotFound, "x"))
	collector.RecordError("read", nil)
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.errorCounter.WithLabelValues("read", "not_found")))
}

func TestStartServesMetrics(t *testing.T) {
	collector, err := NewCollector(&Config{Enabled: true, Address: "127.0.0.1:0", Namespace: "srv"}, nil)
	require.NoError(t, err)

	require.NoError(t, collector.Start(context.Background()))
	defer collector.Stop(context.Background())

	collector.RecordBackendRequest("get_range", 10, true)

	addr := collector.Addr()
	require.NotEmpty(t, addr)

	resp, err := http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), "srv_backend_requests_total"))
}

func TestStartWithoutAddress(t *testing.T) {
	collector := newTestCollector(t)
	require.NoError(t, collector.Start(context.Background()))
	assert.Equal(t, "", collector.Addr())
	require.NoError(t, collector.Stop(context.Background()))
}

func TestStartServesExtraRoutes(t *testing.T) {
	collector, err := NewCollector(&Config{Enabled: true, Address: "127.0.0.1:0"}, nil)
	require.NoError(t, err)
	collector.Handle("/health", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("down"))
	}))

	require.NoError(t, collector.Start(context.Background()))
	defer collector.Stop(context.Background())

	resp, err := http.Get("http://" + collector.Addr() + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "down", string(body))
}
