package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixed(state HealthState, detail string) CheckFunc {
	return func(context.Context) (HealthState, string) { return state, detail }
}

func TestHealthStateString(t *testing.T) {
	assert.Equal(t, "healthy", StateHealthy.String())
	assert.Equal(t, "degraded", StateDegraded.String())
	assert.Equal(t, "unavailable", StateUnavailable.String())
	assert.Equal(t, "unknown", HealthState(42).String())
}

func TestCheckWorstStateWins(t *testing.T) {
	tests := []struct {
		name   string
		states []HealthState
		want   HealthState
	}{
		{"no components", nil, StateHealthy},
		{"all healthy", []HealthState{StateHealthy, StateHealthy}, StateHealthy},
		{"one degraded", []HealthState{StateHealthy, StateDegraded}, StateDegraded},
		{"one unavailable", []HealthState{StateDegraded, StateUnavailable, StateHealthy}, StateUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker("s3fuse")
			for i, s := range tt.states {
				c.Register(string(rune('a'+i)), fixed(s, ""))
			}
			report := c.Check(context.Background())
			assert.Equal(t, tt.want, report.State)
			assert.Len(t, report.Components, len(tt.states))
		})
	}
}

func TestCheckOrdersComponents(t *testing.T) {
	c := NewChecker("s3fuse")
	c.Register("mount", fixed(StateHealthy, ""))
	c.Register("backend", fixed(StateHealthy, ""))
	c.Register("cache", fixed(StateHealthy, ""))
	c.Register("cache", fixed(StateDegraded, "replaced"))

	report := c.Check(context.Background())
	require.Len(t, report.Components, 3)
	assert.Equal(t, "backend", report.Components[0].Name)
	assert.Equal(t, "cache", report.Components[1].Name)
	assert.Equal(t, "replaced", report.Components[1].Detail)
	assert.Equal(t, "mount", report.Components[2].Name)
}

func TestHandler(t *testing.T) {
	tests := []struct {
		name       string
		state      HealthState
		wantStatus int
	}{
		{"healthy", StateHealthy, http.StatusOK},
		{"degraded still serves", StateDegraded, http.StatusOK},
		{"unavailable", StateUnavailable, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker("s3fuse")
			c.Register("backend", fixed(tt.state, "circuit "+tt.state.String()))

			rec := httptest.NewRecorder()
			c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var body struct {
				Status     string `json:"status"`
				Service    string `json:"service"`
				Components []struct {
					Name   string `json:"name"`
					State  string `json:"state"`
					Detail string `json:"detail"`
				} `json:"components"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.state.String(), body.Status)
			assert.Equal(t, "s3fuse", body.Service)
			require.Len(t, body.Components, 1)
			assert.Equal(t, tt.state.String(), body.Components[0].State)
		})
	}
}
