// Package health provides health check endpoints for the service.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Pinger is a dependency that can report whether it is reachable. A
// *pgxpool.Pool satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// JobStatus reports whether a background job is running
type JobStatus interface {
	IsRunning() bool
}

// ServiceStatus represents the status of a single service
type ServiceStatus struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HealthResponse represents the structured health check response
type HealthResponse struct {
	Status    string                   `json:"status"`
	Timestamp string                   `json:"timestamp"`
	Services  map[string]ServiceStatus `json:"services"`
	Jobs      map[string]bool          `json:"jobs,omitempty"`
	Version   string                   `json:"version,omitempty"`
}

// ReadinessResponse represents the readiness probe response
type ReadinessResponse struct {
	Ready     bool   `json:"ready"`
	Timestamp string `json:"timestamp"`
}

// LivenessResponse represents the liveness probe response
type LivenessResponse struct {
	Alive     bool   `json:"alive"`
	Timestamp string `json:"timestamp"`
}

// Config holds health handler configuration. Database is required for
// readiness; Optional dependencies only degrade /health.
type Config struct {
	Database Pinger
	Optional map[string]Pinger
	Jobs     map[string]JobStatus
	Version  string
	Timeout  time.Duration // default 5s
}

// Handler handles health check requests
type Handler struct {
	database Pinger
	optional map[string]Pinger
	jobs     map[string]JobStatus
	version  string
	timeout  time.Duration
	ready    bool
	mu       sync.RWMutex
	now      func() time.Time
}

// NewHandler creates a new health check handler
func NewHandler(cfg Config) *Handler {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	return &Handler{
		database: cfg.Database,
		optional: cfg.Optional,
		jobs:     cfg.Jobs,
		version:  cfg.Version,
		timeout:  timeout,
		ready:    true,
		now:      time.Now,
	}
}

// SetReady sets the readiness state. It is cleared at the start of a
// graceful shutdown.
func (h *Handler) SetReady(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = ready
}

// IsReady returns the current readiness state
func (h *Handler) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ready
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	services := map[string]ServiceStatus{"database": h.check(ctx, h.database)}
	overall := "healthy"
	if services["database"].Status != "up" {
		overall = "unhealthy"
	}

	names := make([]string, 0, len(h.optional))
	for name := range h.optional {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		st := h.check(ctx, h.optional[name])
		services[name] = st
		if st.Status != "up" && overall == "healthy" {
			overall = "degraded"
		}
	}

	var jobs map[string]bool
	if len(h.jobs) > 0 {
		jobs = make(map[string]bool, len(h.jobs))
		for name, j := range h.jobs {
			jobs[name] = j.IsRunning()
		}
	}

	status := http.StatusOK
	if overall == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, HealthResponse{
		Status:    overall,
		Timestamp: h.now().UTC().Format(time.RFC3339),
		Services:  services,
		Jobs:      jobs,
		Version:   h.version,
	})
}

// Readiness handles GET /health/ready
func (h *Handler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	ready := h.IsReady() && h.check(ctx, h.database).Status == "up"

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, ReadinessResponse{
		Ready:     ready,
		Timestamp: h.now().UTC().Format(time.RFC3339),
	})
}

// Liveness handles GET /health/live
func (h *Handler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, LivenessResponse{
		Alive:     true,
		Timestamp: h.now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) check(ctx context.Context, p Pinger) ServiceStatus {
	if p == nil {
		return ServiceStatus{Status: "down", Error: "not configured"}
	}

	start := time.Now()
	err := p.Ping(ctx)
	latency := time.Since(start)

	if err != nil {
		return ServiceStatus{Status: "down", Latency: latency.String(), Error: err.Error()}
	}
	return ServiceStatus{Status: "up", Latency: latency.String()}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
