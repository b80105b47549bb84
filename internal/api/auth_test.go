package api

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/northlight-studio/atelier/internal/config"
)

func newTestMiddleware(t *testing.T, cfg *config.APISecurity) *AuthMiddleware {
	t.Helper()
	middleware, err := NewAuthMiddleware(cfg, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		t.Fatalf("failed to create auth middleware: %v", err)
	}
	t.Cleanup(func() { middleware.Close() })
	return middleware
}

func okHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("success"))
}

func TestAuthMiddleware_RequireAuth_Disabled(t *testing.T) {
	middleware := newTestMiddleware(t, &config.APISecurity{
		Enabled:          false,
		RequireLocalOnly: false,
	})
	handler := middleware.RequireAuth(okHandler)

	// Control endpoint without auth (should pass when auth disabled)
	req := httptest.NewRequest(http.MethodPost, "/dependencies", nil)
	req.RemoteAddr = "192.168.1.100:12345" // Non-local address
	w := httptest.NewRecorder()

	handler(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
	if body := w.Body.String(); body != "success" {
		t.Errorf("expected 'success', got %q", body)
	}
}

func TestAuthMiddleware_RequireAuth_LocalOnly(t *testing.T) {
	middleware := newTestMiddleware(t, &config.APISecurity{
		Enabled:          false,
		RequireLocalOnly: true,
	})
	handler := middleware.RequireAuth(okHandler)

	// Non-local request (should be rejected)
	req := httptest.NewRequest(http.MethodPost, "/dependencies", nil)
	req.RemoteAddr = "8.8.8.8:12345"
	w := httptest.NewRecorder()

	handler(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("expected status 403, got %d", w.Code)
	}

	// Local request (should be allowed)
	req = httptest.NewRequest(http.MethodPost, "/dependencies", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	w = httptest.NewRecorder()

	handler(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
}

func TestAuthMiddleware_RequireAuth_TokenAuth(t *testing.T) {
	middleware := newTestMiddleware(t, &config.APISecurity{
		Enabled:       true,
		AllowedTokens: []string{"valid-token-123456"},
	})
	handler := middleware.RequireAuth(okHandler)

	// Without token (should be rejected)
	req := httptest.NewRequest(http.MethodPost, "/dependencies", nil)
	req.RemoteAddr = "192.168.1.100:12345"
	w := httptest.NewRecorder()

	handler(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", w.Code)
	}

	// Invalid token (should be rejected)
	req = httptest.NewRequest(http.MethodPost, "/dependencies", nil)
	req.RemoteAddr = "192.168.1.100:12345"
	req.Header.Set("Authorization", "Bearer invalid-token")
	w = httptest.NewRecorder()

	handler(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", w.Code)
	}

	// Valid token (should pass)
	req = httptest.NewRequest(http.MethodPost, "/dependencies", nil)
	req.RemoteAddr = "192.168.1.100:12345"
	req.Header.Set("Authorization", "Bearer valid-token-123456")
	w = httptest.NewRecorder()

	handler(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
}

func TestAuthMiddleware_NonControlEndpoint(t *testing.T) {
	middleware := newTestMiddleware(t, &config.APISecurity{
		Enabled:       true,
		AllowedTokens: []string{"valid-token-123456"},
	})
	handler := middleware.RequireAuth(okHandler)

	// Reads pass without auth
	req := httptest.NewRequest(http.MethodGet, "/projects/1/graph", nil)
	req.RemoteAddr = "192.168.1.100:12345"
	w := httptest.NewRecorder()

	handler(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
}

func TestAuthMiddleware_AuditLogging(t *testing.T) {
	auditPath := filepath.Join(t.TempDir(), "audit.log")

	middleware := newTestMiddleware(t, &config.APISecurity{
		Enabled:       true,
		AllowedTokens: []string{"valid-token-123456"},
		AuditLog:      auditPath,
	})
	handler := middleware.RequireAuth(okHandler)

	req := httptest.NewRequest(http.MethodPost, "/dependencies", nil)
	req.RemoteAddr = "192.168.1.100:12345"
	req.Header.Set("Authorization", "Bearer valid-token-123456")
	req.Header.Set("User-Agent", "test-client/1.0")
	w := httptest.NewRecorder()

	handler(w, req)

	auditData, err := os.ReadFile(auditPath)
	if err != nil {
		t.Fatalf("failed to read audit log: %v", err)
	}
	if len(auditData) == 0 {
		t.Fatal("audit log is empty")
	}

	var event AuditEvent
	if err := json.Unmarshal(bytes.TrimSpace(auditData), &event); err != nil {
		t.Fatalf("failed to parse audit event: %v", err)
	}

	if event.Method != "POST" {
		t.Errorf("expected method POST, got %s", event.Method)
	}
	if event.Path != "/dependencies" {
		t.Errorf("expected path /dependencies, got %s", event.Path)
	}
	if !event.Authorized {
		t.Error("expected authorized=true")
	}
	if event.Token != "vali****" {
		t.Errorf("expected truncated token 'vali****', got %s", event.Token)
	}
	if event.UserAgent != "test-client/1.0" {
		t.Errorf("expected user agent 'test-client/1.0', got %s", event.UserAgent)
	}
}

func TestIsControlEndpoint(t *testing.T) {
	tests := []struct {
		method   string
		path     string
		expected bool
	}{
		{"POST", "/dependencies", true},
		{"DELETE", "/dependencies", true},
		{"POST", "/tasks", true},
		{"PATCH", "/tasks/12", true},
		{"POST", "/projects", true},
		{"POST", "/assist/sessions", true},
		{"DELETE", "/assist/sessions/call-7", true},
		{"GET", "/dependencies", false},
		{"GET", "/tasks/12/blocked", false},
		{"GET", "/projects/1/graph", false},
		{"GET", "/status", false},
		{"POST", "/status", false},
	}

	for _, tt := range tests {
		actual := isControlEndpoint(tt.method, tt.path)
		if actual != tt.expected {
			t.Errorf("isControlEndpoint(%s, %s) = %v, expected %v",
				tt.method, tt.path, actual, tt.expected)
		}
	}
}

func TestIsLocalRequest(t *testing.T) {
	tests := []struct {
		remoteAddr string
		expected   bool
	}{
		{"127.0.0.1:12345", true},
		{"[::1]:12345", true},
		{"192.168.1.100:12345", true}, // Private IP
		{"10.0.0.1:12345", true},      // Private IP
		{"172.16.0.1:12345", true},    // Private IP
		{"8.8.8.8:12345", false},      // Public IP
		{"1.1.1.1:12345", false},      // Public IP
		{"invalid", false},            // Invalid format
	}

	for _, tt := range tests {
		actual := isLocalRequest(tt.remoteAddr)
		if actual != tt.expected {
			t.Errorf("isLocalRequest(%s) = %v, expected %v",
				tt.remoteAddr, actual, tt.expected)
		}
	}
}

func TestExtractToken(t *testing.T) {
	tests := []struct {
		header   string
		expected string
	}{
		{"Bearer token123", "token123"},
		{"bearer token123", "token123"},
		{"BEARER token123", "token123"},
		{"Basic token123", ""},
		{"Bearer", ""},
		{"", ""},
		{"token123", ""},
		{"Bearer token_with_underscores", "token_with_underscores"},
		{"Bearer token with spaces", ""},
	}

	for _, tt := range tests {
		req := httptest.NewRequest("GET", "/", nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}

		actual := extractToken(req)
		if actual != tt.expected {
			t.Errorf("extractToken(%q) = %q, expected %q",
				tt.header, actual, tt.expected)
		}
	}
}
