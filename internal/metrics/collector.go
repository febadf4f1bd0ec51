package metrics

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/objectfs/s3fuse/pkg/errors"
)

// Collector implements metrics collection for the mount
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry
	logger   *zap.Logger

	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	errorCounter      *prometheus.CounterVec
	cacheRequests     *prometheus.CounterVec
	cacheSize         prometheus.Gauge
	cacheEvictions    prometheus.Counter
	backendRequests   *prometheus.CounterVec
	backendBytes      prometheus.Counter
	fetchInflight     prometheus.Gauge
	fetchJoined       prometheus.Counter
	readAhead         *prometheus.CounterVec

	// Internal tracking
	operations map[string]*OperationMetrics
	lastReset  time.Time

	// routes are served next to the metrics path.
	routes map[string]http.Handler

	server   *http.Server
	listener net.Listener
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	Address   string `yaml:"address"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// OperationMetrics tracks metrics for a specific operation type
type OperationMetrics struct {
	Count         int64         `json:"count"`
	TotalDuration time.Duration `json:"total_duration"`
	TotalSize     int64         `json:"total_size"`
	Errors        int64         `json:"errors"`
	LastOperation time.Time     `json:"last_operation"`
	AvgDuration   time.Duration `json:"avg_duration"`
}

// DefaultConfig returns an enabled collector without an HTTP endpoint.
func DefaultConfig() *Config {
	return &Config{
		Enabled:   true,
		Path:      "/metrics",
		Namespace: "s3fuse",
	}
}

// NewCollector creates a new metrics collector
func NewCollector(config *Config, logger *zap.Logger) (*Collector, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}

	if !config.Enabled {
		return &Collector{config: config, logger: logger}, nil
	}

	collector := &Collector{
		config:     config,
		registry:   prometheus.NewRegistry(),
		logger:     logger.Named("metrics"),
		operations: make(map[string]*OperationMetrics),
		lastReset:  time.Now(),
	}

	collector.initMetrics()
	if err := collector.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return collector, nil
}

func (c *Collector) enabled() bool {
	return c != nil && c.registry != nil
}

// Registry exposes the private registry, mainly for tests and embedding.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler returns the HTTP handler serving the registry.
func (c *Collector) Handler() http.Handler {
	if !c.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Start serves the metrics endpoint when an address is configured.
func (c *Collector) Start(ctx context.Context) error {
	if !c.enabled() || c.config.Address == "" {
		return nil
	}

	listener, err := (&net.ListenConfig{}).Listen(ctx, "tcp", c.config.Address)
	if err != nil {
		return fmt.Errorf("metrics listen on %s: %w", c.config.Address, err)
	}

	c.mu.Lock()
	mux := http.NewServeMux()
	mux.Handle(c.config.Path, c.Handler())
	for pattern, handler := range c.routes {
		mux.Handle(pattern, handler)
	}
	if _, ok := c.routes["/health"]; !ok {
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"status":"healthy","service":"s3fuse"}`))
		})
	}

	c.listener = listener
	c.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	server := c.server
	c.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			c.logger.Error("Metrics server stopped", zap.Error(err))
		}
	}()

	c.logger.Info("Metrics endpoint listening",
		zap.String("address", listener.Addr().String()),
		zap.String("path", c.config.Path))
	return nil
}

// Handle serves handler at pattern on the metrics endpoint. It must be called before
// Start.
func (c *Collector) Handle(pattern string, handler http.Handler) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.routes == nil {
		c.routes = make(map[string]http.Handler)
	}
	c.routes[pattern] = handler
}

// Addr returns the bound address of the metrics endpoint, or "" when not serving.
func (c *Collector) Addr() string {
	if c == nil {
		return ""
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.listener == nil {
		return ""
	}
	return c.listener.Addr().String()
}

// Stop stops the metrics endpoint
func (c *Collector) Stop(ctx context.Context) error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	server := c.server
	c.server = nil
	c.listener = nil
	c.mu.Unlock()

	if server != nil {
		return server.Shutdown(ctx)
	}
	return nil
}

// RecordOperation records a filesystem operation
func (c *Collector) RecordOperation(operation string, duration time.Duration, size int64, success bool) {
	if !c.enabled() {
		return
	}

	c.mu.Lock()
	op, exists := c.operations[operation]
	if !exists {
		op = &OperationMetrics{}
		c.operations[operation] = op
	}
	op.Count++
	op.TotalDuration += duration
	op.TotalSize += size
	if !success {
		op.Errors++
	}
	op.LastOperation = time.Now()
	op.AvgDuration = time.Duration(int64(op.TotalDuration) / op.Count)
	c.mu.Unlock()

	c.operationCounter.WithLabelValues(operation, statusLabel(success)).Inc()
	c.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordError records an error
func (c *Collector) RecordError(operation string, err error) {
	if !c.enabled() || err == nil {
		return
	}
	c.errorCounter.WithLabelValues(operation, classifyError(err)).Inc()
}

// RecordCacheHit records a read served entirely from the cache
func (c *Collector) RecordCacheHit() {
	if c.enabled() {
		c.cacheRequests.WithLabelValues("hit").Inc()
	}
}

// RecordCacheMiss records a read that had no cached bytes
func (c *Collector) RecordCacheMiss() {
	if c.enabled() {
		c.cacheRequests.WithLabelValues("miss").Inc()
	}
}

// RecordCachePartial records a read that was partially cached
func (c *Collector) RecordCachePartial() {
	if c.enabled() {
		c.cacheRequests.WithLabelValues("partial").Inc()
	}
}

// UpdateCacheSize updates cache size metrics
func (c *Collector) UpdateCacheSize(size int64) {
	if c.enabled() {
		c.cacheSize.Set(float64(size))
	}
}

// RecordEvictions adds n evicted blocks.
func (c *Collector) RecordEvictions(n int) {
	if c.enabled() && n > 0 {
		c.cacheEvictions.Add(float64(n))
	}
}

// RecordBackendRequest records one object store call and the bytes it returned.
func (c *Collector) RecordBackendRequest(operation string, bytes int64, success bool) {
	if !c.enabled() {
		return
	}
	c.backendRequests.WithLabelValues(operation, statusLabel(success)).Inc()
	if bytes > 0 {
		c.backendBytes.Add(float64(bytes))
	}
}

// FetchStarted and FetchFinished track running fetch tasks.
func (c *Collector) FetchStarted() {
	if c.enabled() {
		c.fetchInflight.Inc()
	}
}

func (c *Collector) FetchFinished() {
	if c.enabled() {
		c.fetchInflight.Dec()
	}
}

// RecordFetchJoined counts a request that waited on an existing fetch.
func (c *Collector) RecordFetchJoined() {
	if c.enabled() {
		c.fetchJoined.Inc()
	}
}

// RecordReadAhead counts read-ahead attempts by result.
func (c *Collector) RecordReadAhead(result string) {
	if c.enabled() {
		c.readAhead.WithLabelValues(result).Inc()
	}
}

// GetOperations returns a copy of the per-operation summaries.
func (c *Collector) GetOperations() map[string]OperationMetrics {
	out := make(map[string]OperationMetrics)
	if !c.enabled() {
		return out
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for name, op := range c.operations {
		out[name] = *op
	}
	return out
}

// ResetMetrics clears the per-operation summaries. Prometheus counters are not reset.
func (c *Collector) ResetMetrics() {
	if !c.enabled() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.operations = make(map[string]*OperationMetrics)
	c.lastReset = time.Now()
}

func (c *Collector) initMetrics() {
	ns := c.config.Namespace

	c.operationCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "operations_total",
		Help:      "Total number of filesystem operations",
	}, []string{"operation", "status"})

	c.operationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns,
		Name:      "operation_duration_seconds",
		Help:      "Duration of filesystem operations in seconds",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 18), // 100us to ~13s
	}, []string{"operation"})

	c.errorCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "errors_total",
		Help:      "Total number of errors by class",
	}, []string{"operation", "type"})

	c.cacheRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "cache_requests_total",
		Help:      "Total number of cache lookups",
	}, []string{"type"})

	c.cacheSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "cache_size_bytes",
		Help:      "Bytes held in cache block files",
	})

	c.cacheEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "cache_evictions_total",
		Help:      "Total number of blocks removed by eviction",
	})

	c.backendRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "backend_requests_total",
		Help:      "Total number of object store requests",
	}, []string{"operation", "status"})

	c.backendBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "backend_bytes_total",
		Help:      "Total bytes downloaded from the object store",
	})

	c.fetchInflight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "fetch_inflight",
		Help:      "Number of fetch tasks currently running",
	})

	c.fetchJoined = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "fetch_joined_total",
		Help:      "Total number of requests served by an already running fetch",
	})

	c.readAhead = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "readahead_total",
		Help:      "Total number of read-ahead attempts by result",
	}, []string{"result"})
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.operationCounter,
		c.operationDuration,
		c.errorCounter,
		c.cacheRequests,
		c.cacheSize,
		c.cacheEvictions,
		c.backendRequests,
		c.backendBytes,
		c.fetchInflight,
		c.fetchJoined,
		c.readAhead,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}
	return nil
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func classifyError(err error) string {
	switch {
	case errors.IsCanceled(err):
		return "canceled"
	case errors.IsNotFound(err):
		return "not_found"
	case errors.IsPermissionDenied(err):
		return "permission"
	case errors.HasCode(err, errors.ErrCodeRetryExhausted):
		return "retry_exhausted"
	case errors.HasCode(err, errors.ErrCodeCacheCorruption):
		return "corruption"
	}
	if code := errors.Code(err); code != "" {
		return string(errors.GetCategory(code))
	}
	return "other"
}
