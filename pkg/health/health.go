// Package health reports whether the parts of a running mount can serve reads.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// HealthState represents the health state of a component or of the whole mount
type HealthState int

const (
	// StateHealthy indicates the component is fully operational
	StateHealthy HealthState = iota

	// StateDegraded indicates reads are served, possibly slower or from cache only
	StateDegraded

	// StateUnavailable indicates reads through the component fail
	StateUnavailable
)

// String returns the string representation of a health state
func (s HealthState) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s HealthState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// CheckFunc probes one component. It must not block on the network.
type CheckFunc func(ctx context.Context) (HealthState, string)

// ComponentHealth is the result of one probe.
type ComponentHealth struct {
	Name      string      `json:"name"`
	State     HealthState `json:"state"`
	Detail    string      `json:"detail,omitempty"`
	CheckedAt time.Time   `json:"checked_at"`
}

// Report is the health of every registered component.
type Report struct {
	State      HealthState       `json:"status"`
	Service    string            `json:"service"`
	Components []ComponentHealth `json:"components"`
}

// Checker runs registered probes on demand.
type Checker struct {
	service string

	mu     sync.RWMutex
	checks map[string]CheckFunc
	now    func() time.Time
}

// NewChecker creates a checker for service.
func NewChecker(service string) *Checker {
	return &Checker{
		service: service,
		checks:  make(map[string]CheckFunc),
		now:     time.Now,
	}
}

// Register adds or replaces the probe for component name.
func (c *Checker) Register(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// Check runs every probe. The overall state is the worst component state.
func (c *Checker) Check(ctx context.Context) Report {
	c.mu.RLock()
	names := make([]string, 0, len(c.checks))
	checks := make(map[string]CheckFunc, len(c.checks))
	for name, fn := range c.checks {
		names = append(names, name)
		checks[name] = fn
	}
	c.mu.RUnlock()
	sort.Strings(names)

	report := Report{State: StateHealthy, Service: c.service, Components: make([]ComponentHealth, 0, len(names))}
	for _, name := range names {
		state, detail := checks[name](ctx)
		report.Components = append(report.Components, ComponentHealth{
			Name:      name,
			State:     state,
			Detail:    detail,
			CheckedAt: c.now(),
		})
		report.State = max(report.State, state)
	}
	return report
}

// Handler serves the report as JSON. An unavailable mount answers 503.
func (c *Checker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		report := c.Check(r.Context())
		status := http.StatusOK
		if report.State == StateUnavailable {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(report)
	})
}
