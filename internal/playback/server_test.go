package playback

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	root := t.TempDir()
	os.MkdirAll(filepath.Join(root, "gen-1", "scenes"), 0755)
	os.WriteFile(filepath.Join(root, "gen-1", "scenes", "intro-1.json"), []byte("0123456789"), 0644)
	return NewServer(root, slog.New(slog.NewTextHandler(io.Discard, nil))), root
}

func TestServeFile_Full(t *testing.T) {
	srv, root := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/asset", nil)

	if err := srv.ServeFile(rec, req, filepath.Join(root, "gen-1", "scenes", "intro-1.json")); err != nil {
		t.Fatalf("ServeFile() error = %v", err)
	}
	if rec.Code != http.StatusOK || rec.Body.String() != "0123456789" {
		t.Fatalf("got %d %q", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestServeFile_Range(t *testing.T) {
	srv, root := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/asset", nil)
	req.Header.Set("Range", "bytes=2-5")

	srv.ServeFile(rec, req, filepath.Join(root, "gen-1", "scenes", "intro-1.json"))
	if rec.Code != http.StatusPartialContent || rec.Body.String() != "2345" {
		t.Fatalf("got %d %q", rec.Code, rec.Body.String())
	}
	if cr := rec.Header().Get("Content-Range"); cr != "bytes 2-5/10" {
		t.Errorf("Content-Range = %q", cr)
	}
}

func TestServeFile_Refusals(t *testing.T) {
	srv, root := newTestServer(t)
	outside := filepath.Join(t.TempDir(), "secret.txt")
	os.WriteFile(outside, []byte("secret"), 0644)

	tests := []struct {
		name string
		path string
		want int
	}{
		{"missing", filepath.Join(root, "gen-1", "nope.mp4"), http.StatusNotFound},
		{"empty", "", http.StatusNotFound},
		{"directory", filepath.Join(root, "gen-1"), http.StatusNotFound},
		{"outside root", outside, http.StatusForbidden},
		{"traversal", filepath.Join(root, "..", "etc", "passwd"), http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			if err := srv.ServeFile(rec, httptest.NewRequest(http.MethodGet, "/asset", nil), tt.path); err != nil {
				t.Fatalf("ServeFile() error = %v", err)
			}
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}
