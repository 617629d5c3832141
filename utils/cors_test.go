package utils

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestIsAllowedOrigin(t *testing.T) {
	tests := []struct {
		origin  string
		allowed bool
	}{
		// Allowed: localhost
		{"http://localhost", true},
		{"http://localhost:8080", true},
		{"https://localhost:3000", true},

		// Allowed: private IPs
		{"http://192.168.1.20", true},
		{"http://10.0.0.1:8080", true},
		{"http://172.31.255.255:443", true},
		{"http://127.0.0.1:3000", true},
		{"http://169.254.1.1", true},
		{"http://[::1]:3000", true},
		{"http://[fe80::1]", true},

		// Allowed: .local hostnames and single-label LAN names
		{"http://devbox.local", true},
		{"http://devbox.local:5173", true},
		{"http://calendar:8080", true},

		// Blocked: public domains
		{"https://example.com", false},
		{"https://evil.example", false},
		{"http://localhost.evil.example", false},

		// Blocked: public IPs
		{"http://8.8.8.8", false},
		{"http://1.1.1.1", false},

		// Blocked: empty/invalid
		{"", false},
		{"not-a-url", false},
	}

	for _, tt := range tests {
		got := IsAllowedOrigin(tt.origin)
		if got != tt.allowed {
			t.Errorf("IsAllowedOrigin(%q) = %v, want %v", tt.origin, got, tt.allowed)
		}
	}
}

func TestRouterHealth(t *testing.T) {
	router := NewRouter()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != `{"status":"ok"}` {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}

func TestRouterCORS(t *testing.T) {
	router := NewRouter()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Header().Get("Access-Control-Allow-Origin") != "http://localhost:5173" {
		t.Error("expected local origin echoed back")
	}
	if rec.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Error("expected credentialed CORS for the session cookie")
	}

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("public origins must not be allowed")
	}
}
