package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNewServer_CORS(t *testing.T) {
	env := setupEnv(t)
	srv := NewServer(ServerConfig{
		Port:        8787,
		Service:     env.svc,
		TokenStore:  env.repo,
		Logger:      discardLogger(),
		StartTime:   time.Now(),
		CORSOrigins: []string{"http://localhost:3000"},
	})
	if srv.Addr() != "127.0.0.1:8787" {
		t.Errorf("Addr() = %q", srv.Addr())
	}

	tests := []struct {
		origin string
		want   string
	}{
		{"http://localhost:3000", "http://localhost:3000"},
		{"https://evil.example", ""},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("Origin", tt.origin)
		rr := httptest.NewRecorder()
		srv.httpServer.Handler.ServeHTTP(rr, req)
		if got := rr.Header().Get("Access-Control-Allow-Origin"); got != tt.want {
			t.Errorf("origin %s: Access-Control-Allow-Origin = %q, want %q", tt.origin, got, tt.want)
		}
	}
}

func TestNewServer_NoCORSByDefault(t *testing.T) {
	env := setupEnv(t)
	srv := NewServer(ServerConfig{Service: env.svc, TokenStore: env.repo, Logger: discardLogger(), StartTime: time.Now()})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rr := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rr, req)
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Access-Control-Allow-Origin = %q, want empty", got)
	}
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d", rr.Code)
	}
}
