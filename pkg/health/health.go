// Package health provides health check endpoints for the pipeline
// services. It supports Kubernetes-style probes and allows
// registering checks for dependencies (store, queue, completion
// service).
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Status represents the health status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// CheckResult holds the result of one health check.
type CheckResult struct {
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// CheckFunc performs one dependency check.
type CheckFunc func(ctx context.Context) CheckResult

// Response is the full health response.
type Response struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Uptime    float64                `json:"uptime_seconds"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// Handler runs registered checks and serves the health endpoint.
type Handler struct {
	mu      sync.RWMutex
	checks  map[string]CheckFunc
	started time.Time
	timeout time.Duration
}

// NewHandler creates a health handler.
func NewHandler() *Handler {
	return &Handler{
		checks:  make(map[string]CheckFunc),
		started: time.Now(),
		timeout: 5 * time.Second,
	}
}

// Register adds a named check.
func (h *Handler) Register(name string, check CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// Run executes all checks and aggregates the result. Any unhealthy
// check makes the whole response unhealthy; degraded checks degrade
// it.
func (h *Handler) Run(ctx context.Context) Response {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	h.mu.RLock()
	checks := make(map[string]CheckFunc, len(h.checks))
	for name, c := range h.checks {
		checks[name] = c
	}
	h.mu.RUnlock()

	resp := Response{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(h.started).Seconds(),
		Checks:    make(map[string]CheckResult, len(checks)),
	}
	for name, check := range checks {
		result := check(ctx)
		if result.Timestamp.IsZero() {
			result.Timestamp = time.Now().UTC()
		}
		resp.Checks[name] = result
		switch result.Status {
		case StatusUnhealthy:
			resp.Status = StatusUnhealthy
		case StatusDegraded:
			if resp.Status == StatusHealthy {
				resp.Status = StatusDegraded
			}
		}
	}
	return resp
}

// ServeHTTP serves the aggregated health response. Unhealthy maps to
// 503 so load balancers stop routing.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := h.Run(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if resp.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}
