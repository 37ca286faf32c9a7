package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/basket/agentbox/internal/config"
	"github.com/basket/agentbox/internal/gitops"
	"github.com/basket/agentbox/internal/lifecycle"
	"github.com/basket/agentbox/internal/orchestrator"
	"github.com/basket/agentbox/internal/persistence"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
}

func TestAuthMiddleware(t *testing.T) {
	am := NewAuthMiddleware("secret", "/healthz")
	h := am.Wrap(okHandler())

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"public path", "/healthz", "", http.StatusOK},
		{"bearer", "/api/projects", "Bearer secret", http.StatusOK},
		{"query token", "/ws/events?token=secret", "", http.StatusOK},
		{"wrong bearer", "/api/projects", "Bearer nope", http.StatusUnauthorized},
		{"bearer wins over query", "/api/projects?token=secret", "Bearer nope", http.StatusUnauthorized},
		{"missing", "/api/projects", "", http.StatusUnauthorized},
		{"basic scheme", "/api/projects", "Basic secret", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, tt.path, nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != tt.want {
			t.Errorf("%s: status = %d, want %d", tt.name, rec.Code, tt.want)
		}
	}
}

func TestAuthMiddleware_EmptyTokenRejectsAll(t *testing.T) {
	h := NewAuthMiddleware("").Wrap(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/api/projects", nil)
	req.Header.Set("Authorization", "Bearer ")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestCORS_Preflight(t *testing.T) {
	wrap := NewCORSMiddleware(config.CORSConfig{
		Enabled:        true,
		AllowedOrigins: []string{"https://dash.example.com/"},
		MaxAge:         7200,
	})
	h := wrap(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("preflight reached the handler")
	}))

	req := httptest.NewRequest(http.MethodOptions, "/api/projects", nil)
	req.Header.Set("Origin", "https://dash.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://dash.example.com" {
		t.Fatalf("allow origin = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Max-Age"); got != "7200" {
		t.Fatalf("max age = %q", got)
	}

	req = httptest.NewRequest(http.MethodOptions, "/api/projects", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden || rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("foreign origin: status %d, headers %v", rec.Code, rec.Header())
	}
}

func TestCORS_DisabledPassesThrough(t *testing.T) {
	h := NewCORSMiddleware(config.CORSConfig{})(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/api/projects", nil)
	req.Header.Set("Origin", "https://dash.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("status %d, headers %v", rec.Code, rec.Header())
	}
}

func TestRateLimit_RefillsAndEvicts(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rl := NewRateLimitMiddleware(config.RateLimitConfig{Enabled: true, RequestsPerMinute: 60, BurstSize: 1}, nil)
	rl.now = func() time.Time { return now }
	h := rl.Wrap(okHandler())

	call := func(addr string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/projects", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	if got := call("10.0.0.1:5000"); got != http.StatusOK {
		t.Fatalf("first request: %d", got)
	}
	if got := call("10.0.0.1:5001"); got != http.StatusTooManyRequests {
		t.Fatalf("same host, new port: %d, want 429", got)
	}
	if got := call("10.0.0.2:5000"); got != http.StatusOK {
		t.Fatalf("other host: %d", got)
	}
	now = now.Add(time.Second)
	if got := call("10.0.0.1:5000"); got != http.StatusOK {
		t.Fatalf("after refill: %d", got)
	}
	if got := call("10.0.0.1:5000"); got != http.StatusTooManyRequests {
		t.Fatalf("drained again: %d", got)
	}

	if rl.BucketCount() != 2 {
		t.Fatalf("buckets = %d", rl.BucketCount())
	}
	now = now.Add(time.Hour)
	rl.EvictStale(10 * time.Minute)
	if rl.BucketCount() != 0 {
		t.Fatalf("buckets after eviction = %d", rl.BucketCount())
	}
}

func TestRateLimit_ExemptsWebsockets(t *testing.T) {
	rl := NewRateLimitMiddleware(config.RateLimitConfig{Enabled: true, RequestsPerMinute: 1, BurstSize: 1}, nil)
	h := rl.Wrap(okHandler())
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws/shell/p/e", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("ws request %d throttled", i)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err    error
		code   string
		status int
	}{
		{fmt.Errorf("project x: %w", persistence.ErrNotFound), CodeNotFound, 404},
		{orchestrator.ErrSandboxNotFound, CodeNotFound, 404},
		{persistence.ErrDuplicate, CodeDuplicate, 409},
		{fmt.Errorf("%w: taken", lifecycle.ErrNameCollision), CodeConflict, 409},
		{persistence.ErrInvalidTransition, CodeConflict, 409},
		{fmt.Errorf("%w: %w", lifecycle.ErrConfig, orchestrator.ErrMissingCredentials), CodeConfig, 400},
		{fmt.Errorf("%w: bad", orchestrator.ErrInvalidInput), CodeInvalid, 400},
		{gitops.ErrInvalidURL, CodeInvalid, 400},
		{lifecycle.ErrReadinessTimeout, CodeTimeout, 504},
		{&lifecycle.OrchestrationError{Op: "create", Err: errors.New("boom")}, CodeOrchestration, 502},
		{fmt.Errorf("%w: unreachable", gitops.ErrRemote), CodeOrchestration, 502},
		{errors.New("disk on fire"), CodeInternal, 500},
	}
	for _, tt := range tests {
		code, status := classify(tt.err)
		if code != tt.code || status != tt.status {
			t.Errorf("classify(%v) = %s/%d, want %s/%d", tt.err, code, status, tt.code, tt.status)
		}
	}
}
