package gateway_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/basket/go-keepalive/internal/gateway"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthMiddleware_ValidKey(t *testing.T) {
	handler := gateway.NewAuthMiddleware("test-key-123").Wrap(okHandler())

	for _, set := range []func(*http.Request){
		func(r *http.Request) { r.Header.Set("Authorization", "Bearer test-key-123") },
		func(r *http.Request) { r.Header.Set("X-API-Key", "test-key-123") },
	} {
		req := httptest.NewRequest("GET", "/v1/tasks", nil)
		set(req)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
	}
}

func TestAuthMiddleware_InvalidKey(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called for invalid key")
	})
	handler := gateway.NewAuthMiddleware("test-key-123").Wrap(inner)

	req := httptest.NewRequest("GET", "/v1/tasks", nil)
	req.Header.Set("Authorization", "Bearer wrong-key")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestAuthMiddleware_MissingKey(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called for missing key")
	})
	handler := gateway.NewAuthMiddleware("test-key-123").Wrap(inner)

	req := httptest.NewRequest("GET", "/v1/tasks", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAuthMiddleware_HealthzExempt(t *testing.T) {
	handler := gateway.NewAuthMiddleware("test-key-123").Wrap(okHandler())

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for healthz without key, got %d", rec.Code)
	}
}

func TestAuthMiddleware_DisabledWithoutToken(t *testing.T) {
	am := gateway.NewAuthMiddleware("  ")
	if am.Enabled() {
		t.Fatal("expected auth disabled for blank token")
	}
	req := httptest.NewRequest("GET", "/v1/tasks", nil)
	rec := httptest.NewRecorder()
	am.Wrap(okHandler()).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestExtractAPIKey_PrefersBearer(t *testing.T) {
	req := httptest.NewRequest("GET", "/v1/tasks", nil)
	req.Header.Set("Authorization", "Bearer from-bearer")
	req.Header.Set("X-API-Key", "from-header")
	if got := gateway.ExtractAPIKey(req); got != "from-bearer" {
		t.Fatalf("expected bearer key, got %q", got)
	}
}
