// Package server implements health check handlers.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// LivenessHandler returns a handler for Kubernetes liveness probes.
// Liveness probes should only fail if the process needs to be restarted.
func LivenessHandler(checker HealthChecker, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "alive"
		statusCode := http.StatusOK

		if !checker.Liveness() {
			status = "not alive"
			statusCode = http.StatusServiceUnavailable
		}

		response := HealthResponse{
			Status:    status,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)

		if err := json.NewEncoder(w).Encode(response); err != nil {
			logger.Error("failed to encode liveness response", zap.Error(err))
		}
	}
}

// ReadinessHandler returns a handler for Kubernetes readiness probes.
// Readiness probes indicate if the application can handle traffic.
func ReadinessHandler(checker HealthChecker, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "ready"
		statusCode := http.StatusOK

		if !checker.Readiness(r.Context()) {
			status = "not ready"
			statusCode = http.StatusServiceUnavailable
		}

		response := HealthResponse{
			Status:    status,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Checks:    checker.GetStatus(),
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)

		if err := json.NewEncoder(w).Encode(response); err != nil {
			logger.Error("failed to encode readiness response", zap.Error(err))
		}
	}
}

// ComponentHealth tracks the state of named components. The process is
// ready when every registered component is up, and alive until a component
// reports a fatal failure.
type ComponentHealth struct {
	mu         sync.RWMutex
	components map[string]string
	fatal      bool
}

// Status values reported per component.
const (
	StatusStarting = "starting"
	StatusUp       = "up"
	StatusDown     = "down"
)

// NewComponentHealth creates a checker with every component starting.
func NewComponentHealth(components ...string) *ComponentHealth {
	h := &ComponentHealth{components: make(map[string]string, len(components))}
	for _, name := range components {
		h.components[name] = StatusStarting
	}
	return h
}

// SetUp marks a component as up.
func (h *ComponentHealth) SetUp(name string) {
	h.set(name, StatusUp)
}

// SetDown marks a component as down. A fatal failure also fails liveness.
func (h *ComponentHealth) SetDown(name string, fatal bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.components[name] = StatusDown
	h.fatal = h.fatal || fatal
}

func (h *ComponentHealth) set(name, status string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.components[name] = status
}

// Liveness reports whether no component failed fatally.
func (h *ComponentHealth) Liveness() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return !h.fatal
}

// Readiness reports whether every component is up.
func (h *ComponentHealth) Readiness(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	return h.IsHealthy()
}

// IsHealthy reports whether every component is up.
func (h *ComponentHealth) IsHealthy() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, status := range h.components {
		if status != StatusUp {
			return false
		}
	}
	return !h.fatal
}

// GetStatus returns a copy of the component states.
func (h *ComponentHealth) GetStatus() map[string]string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]string, len(h.components))
	for name, status := range h.components {
		out[name] = status
	}
	return out
}

// Components returns the registered component names in order.
func (h *ComponentHealth) Components() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.components))
	for name := range h.components {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
