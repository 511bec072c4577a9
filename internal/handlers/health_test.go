package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pawreel/api/internal/services"
)

type stubSystemService struct {
	reportFn func(context.Context) (services.SystemHealthReport, error)
}

func (s *stubSystemService) HealthReport(ctx context.Context) (services.SystemHealthReport, error) {
	if s.reportFn != nil {
		return s.reportFn(ctx)
	}
	return services.SystemHealthReport{Status: "ok"}, nil
}

func TestHealthHandlersHealthz(t *testing.T) {
	handler := NewHealthHandlers(nil)

	rec := httptest.NewRecorder()
	handler.Healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload["status"] != "ok" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestHealthHandlersReadyzDegraded(t *testing.T) {
	system := &stubSystemService{
		reportFn: func(ctx context.Context) (services.SystemHealthReport, error) {
			return services.SystemHealthReport{
				Status: "degraded",
				Checks: map[string]services.SystemHealthCheck{
					"firestore": {Status: "ok", Latency: 12 * time.Millisecond},
					"redis":     {Status: "error", Error: "connection refused"},
				},
			}, nil
		},
	}
	handler := NewHealthHandlers(system)

	rec := httptest.NewRecorder()
	handler.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var payload struct {
		Status string                    `json:"status"`
		Checks map[string]map[string]any `json:"checks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Status != "degraded" {
		t.Fatalf("unexpected status: %q", payload.Status)
	}
	if payload.Checks["redis"]["error"] != "connection refused" {
		t.Fatalf("unexpected checks: %+v", payload.Checks)
	}
}

func TestHealthHandlersReadyzHealthy(t *testing.T) {
	system := &stubSystemService{
		reportFn: func(ctx context.Context) (services.SystemHealthReport, error) {
			return services.SystemHealthReport{
				Status:  "ok",
				Version: "1.4.2",
				Checks: map[string]services.SystemHealthCheck{
					"firestore": {Status: "ok"},
				},
			}, nil
		},
	}
	handler := NewHealthHandlers(system)

	rec := httptest.NewRecorder()
	handler.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
