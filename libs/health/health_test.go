package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func serveReadiness(m *Manager) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/readyz", ReadinessHandler(m))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	return w
}

func TestReadinessReflectsFlag(t *testing.T) {
	m := NewManager(false)
	if w := serveReadiness(m); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before ready, got %d", w.Code)
	}
	m.SetReady(true)
	if w := serveReadiness(m); w.Code != http.StatusOK {
		t.Fatalf("expected 200 when ready, got %d", w.Code)
	}
}

func TestReadinessFailsOnCheck(t *testing.T) {
	m := NewManager(true)
	m.AddCheck("postgres", func(context.Context) error { return nil })
	m.AddCheck("redis", func(context.Context) error { return errors.New("connection refused") })

	w := serveReadiness(m)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 with failing check, got %d", w.Code)
	}
	failures := m.Check(context.Background())
	if len(failures) != 1 || failures["redis"] == "" {
		t.Fatalf("unexpected failures: %v", failures)
	}
}
