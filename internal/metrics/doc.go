/*
Package metrics exports Prometheus metrics for the mount.

The Collector owns a private registry, so several mounts in one process (tests, for
example) never collide on registration. A nil or disabled Collector accepts every call
and records nothing, so components can hold a *Collector without checking it.

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Address:   "127.0.0.1:9464",
		Path:      "/metrics",
		Namespace: "s3fuse",
	}, logger)
	if err != nil {
		return err
	}
	if err := collector.Start(ctx); err != nil {
		return err
	}
	defer collector.Stop(context.Background())

# Exported series

	operations_total{operation,status}        filesystem operations
	operation_duration_seconds{operation}     filesystem operation latency
	errors_total{operation,type}              failures by class
	cache_requests_total{type}                hit / miss / partial
	cache_size_bytes                          bytes held in block files
	cache_evictions_total                     blocks removed by eviction
	backend_requests_total{operation,status}  object store calls
	backend_bytes_total                       bytes downloaded
	fetch_inflight                            running fetch tasks
	fetch_joined_total                        requests served by another caller's fetch
	readahead_total{result}                   started / skipped / failed
*/
package metrics
