package db

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func runHealth(t *testing.T, deps map[string]Pinger) (int, healthResponse) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := HealthHandler(nil, deps)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return rec.Code, body
}

func TestHealthHandler_AllHealthy(t *testing.T) {
	ok := PingFunc(func(context.Context) error { return nil })
	code, body := runHealth(t, map[string]Pinger{"postgres": ok, "redis": ok})

	if code != http.StatusOK {
		t.Errorf("expected 200, got %d", code)
	}
	if body.Status != "healthy" {
		t.Errorf("status = %q", body.Status)
	}
	if body.Checks["redis"] != "ok" {
		t.Errorf("redis check = %q", body.Checks["redis"])
	}
	if body.Pool != nil {
		t.Error("expected no pool stats without a pool")
	}
}

func TestHealthHandler_DependencyDown(t *testing.T) {
	ok := PingFunc(func(context.Context) error { return nil })
	down := PingFunc(func(context.Context) error { return errors.New("connection refused") })
	code, body := runHealth(t, map[string]Pinger{"postgres": ok, "kafka": down})

	if code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", code)
	}
	if body.Status != "unhealthy" {
		t.Errorf("status = %q", body.Status)
	}
	if body.Checks["kafka"] != "connection refused" {
		t.Errorf("kafka check = %q", body.Checks["kafka"])
	}
}
