package s3

import (
	"sync"
	"time"
)

// BackendMetrics tracks S3 backend performance metrics
type BackendMetrics struct {
	Requests        int64         `json:"requests"`
	Errors          int64         `json:"errors"`
	Retries         int64         `json:"retries"`
	BytesDownloaded int64         `json:"bytes_downloaded"`
	AverageLatency  time.Duration `json:"average_latency"`
	LastError       string        `json:"last_error"`
	LastErrorTime   time.Time     `json:"last_error_time"`
}

// statsTracker keeps the in-process counters behind Backend.Stats.
type statsTracker struct {
	mu      sync.RWMutex
	metrics BackendMetrics
}

func (st *statsTracker) record(duration time.Duration, bytes int64, err error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.metrics.Requests++
	st.metrics.BytesDownloaded += bytes
	if err != nil {
		st.metrics.Errors++
		st.metrics.LastError = err.Error()
		st.metrics.LastErrorTime = time.Now()
	}

	// Rolling average latency
	if st.metrics.Requests == 1 {
		st.metrics.AverageLatency = duration
	} else {
		st.metrics.AverageLatency = time.Duration(
			(int64(st.metrics.AverageLatency)*9 + int64(duration)) / 10,
		)
	}
}

func (st *statsTracker) retried() {
	st.mu.Lock()
	st.metrics.Retries++
	st.mu.Unlock()
}

func (st *statsTracker) snapshot() BackendMetrics {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.metrics
}
