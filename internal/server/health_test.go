package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

// mockHealthChecker implements HealthChecker for testing
type mockHealthChecker struct {
	liveness  bool
	readiness bool
	healthy   bool
	status    map[string]string
}

func (m *mockHealthChecker) Liveness() bool {
	return m.liveness
}

func (m *mockHealthChecker) Readiness(ctx context.Context) bool {
	return m.readiness
}

func (m *mockHealthChecker) IsHealthy() bool {
	return m.healthy
}

func (m *mockHealthChecker) GetStatus() map[string]string {
	return m.status
}

func TestLivenessHandler(t *testing.T) {
	tests := []struct {
		name       string
		liveness   bool
		wantCode   int
		wantStatus string
	}{
		{name: "alive", liveness: true, wantCode: http.StatusOK, wantStatus: "alive"},
		{name: "not alive", liveness: false, wantCode: http.StatusServiceUnavailable, wantStatus: "not alive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := LivenessHandler(&mockHealthChecker{liveness: tt.liveness}, zap.NewNop())
			req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
			w := httptest.NewRecorder()

			handler(w, req)

			if w.Code != tt.wantCode {
				t.Errorf("status code = %d, want %d", w.Code, tt.wantCode)
			}
			var response HealthResponse
			if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if response.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", response.Status, tt.wantStatus)
			}
			if response.Checks != nil {
				t.Errorf("liveness response carries checks: %v", response.Checks)
			}
		})
	}
}

func TestReadinessHandler(t *testing.T) {
	tests := []struct {
		name       string
		readiness  bool
		wantCode   int
		wantStatus string
	}{
		{name: "ready", readiness: true, wantCode: http.StatusOK, wantStatus: "ready"},
		{name: "not ready", readiness: false, wantCode: http.StatusServiceUnavailable, wantStatus: "not ready"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := &mockHealthChecker{
				readiness: tt.readiness,
				status:    map[string]string{"kafka": StatusUp, "storage": StatusStarting},
			}
			handler := ReadinessHandler(checker, zap.NewNop())
			req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
			w := httptest.NewRecorder()

			handler(w, req)

			if w.Code != tt.wantCode {
				t.Errorf("status code = %d, want %d", w.Code, tt.wantCode)
			}
			var response HealthResponse
			if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if response.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", response.Status, tt.wantStatus)
			}
			if len(response.Checks) != 2 {
				t.Errorf("len(checks) = %d, want 2", len(response.Checks))
			}
		})
	}
}

func TestComponentHealth(t *testing.T) {
	h := NewComponentHealth("kafka", "storage")
	ctx := context.Background()

	if !h.Liveness() {
		t.Error("new checker should be alive")
	}
	if h.Readiness(ctx) {
		t.Error("checker should not be ready while components are starting")
	}

	h.SetUp("kafka")
	h.SetUp("storage")
	if !h.Readiness(ctx) || !h.IsHealthy() {
		t.Errorf("checker should be ready, status = %v", h.GetStatus())
	}

	h.SetDown("storage", false)
	if h.Readiness(ctx) {
		t.Error("checker should not be ready with a component down")
	}
	if !h.Liveness() {
		t.Error("non-fatal failure should not fail liveness")
	}

	h.SetUp("storage")
	h.SetDown("kafka", true)
	if h.Liveness() {
		t.Error("fatal failure should fail liveness")
	}
	h.SetUp("kafka")
	if h.IsHealthy() {
		t.Error("fatal failure should be sticky")
	}

	if got := h.GetStatus()["kafka"]; got != StatusUp {
		t.Errorf("kafka status = %s, want %s", got, StatusUp)
	}
	if names := h.Components(); len(names) != 2 || names[0] != "kafka" || names[1] != "storage" {
		t.Errorf("Components() = %v", names)
	}
}

func TestComponentHealth_CancelledContextNotReady(t *testing.T) {
	h := NewComponentHealth("archiver")
	h.SetUp("archiver")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if h.Readiness(ctx) {
		t.Error("Readiness() with cancelled context = true")
	}
}
