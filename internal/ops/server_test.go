package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"loom/internal/queue"
)

func TestHealthEndpoint(t *testing.T) {
	health := queue.Health{OverallStatus: "healthy", HealthScore: 100}
	s := NewServer(":0", func(context.Context) (queue.Health, error) { return health, nil }, nil)

	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got queue.Health
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.OverallStatus != "healthy" || got.HealthScore != 100 {
		t.Fatalf("body = %+v", got)
	}

	health.OverallStatus = "unhealthy"
	rec = httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := NewServer(":0", func(context.Context) (queue.Health, error) { return queue.Health{}, nil }, nil)

	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
