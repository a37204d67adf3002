package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/heimdex/heimdex-scenegen/internal/generation"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testClient(url string) *HTTPClient {
	c := NewHTTPClient(url, "test-token", testLogger())
	c.backoff = func(int) time.Duration { return time.Millisecond }
	return c
}

func finishedGeneration() *generation.Generation {
	done := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &generation.Generation{
		ID:        "gen-1",
		Stage:     generation.StageCompleted,
		Progress:  100,
		ResultURL: "http://127.0.0.1:8787/generations/gen-1/result",
		Request:   generation.Request{Prompt: "demo", TaskID: "task-9", PublicationID: "pub-3"},
		Scenes: []*generation.Scene{
			{SceneID: "intro", Status: generation.SceneCompleted},
			{SceneID: "body", Status: generation.SceneFailed},
		},
		CompletedAt: &done,
	}
}

func TestHTTPClient_ReportGeneration_Success(t *testing.T) {
	var received GenerationReport
	var receivedAuth, receivedGenID string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: %s", r.Method)
		}
		receivedAuth = r.Header.Get("Authorization")
		receivedGenID = r.Header.Get("X-Heimdex-Generation-Id")
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &received)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	if err := testClient(server.URL).ReportGeneration(context.Background(), finishedGeneration()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if receivedAuth != "Bearer test-token" {
		t.Errorf("auth = %q", receivedAuth)
	}
	if receivedGenID != "gen-1" {
		t.Errorf("generation header = %q", receivedGenID)
	}
	if received.TaskID != "task-9" || received.PublicationID != "pub-3" {
		t.Errorf("attribution = %q/%q", received.TaskID, received.PublicationID)
	}
	if received.Status != generation.StatusCompleted || received.ResultURL == "" {
		t.Errorf("report = %+v", received)
	}
	if len(received.FailedScenes) != 1 || received.FailedScenes[0] != "body" {
		t.Errorf("failed scenes = %v", received.FailedScenes)
	}
}

func TestHTTPClient_ReportGeneration_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	if err := testClient(server.URL).ReportGeneration(context.Background(), finishedGeneration()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestHTTPClient_ReportGeneration_GivesUp(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"detail":"down"}`))
	}))
	defer server.Close()

	err := testClient(server.URL).ReportGeneration(context.Background(), finishedGeneration())
	var reportErr *ReportError
	if !errors.As(err, &reportErr) || reportErr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected *ReportError 500, got %v", err)
	}
	if calls.Load() != defaultMaxAttempts {
		t.Errorf("calls = %d, want %d", calls.Load(), defaultMaxAttempts)
	}
}

func TestHTTPClient_ReportGeneration_PermanentFailure(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"detail":"unknown task"}`))
	}))
	defer server.Close()

	err := testClient(server.URL).ReportGeneration(context.Background(), finishedGeneration())
	var reportErr *ReportError
	if !errors.As(err, &reportErr) {
		t.Fatalf("expected *ReportError, got %T: %v", err, err)
	}
	if reportErr.Body != `{"detail":"unknown task"}` {
		t.Errorf("body = %q", reportErr.Body)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want no retry", calls.Load())
	}
}

func TestReportError_IsRetryable(t *testing.T) {
	if !(&ReportError{StatusCode: http.StatusInternalServerError}).IsRetryable() {
		t.Fatal("expected 5xx report error to be retryable")
	}
	if !(&ReportError{StatusCode: http.StatusTooManyRequests}).IsRetryable() {
		t.Fatal("expected 429 report error to be retryable")
	}
	if (&ReportError{StatusCode: http.StatusBadRequest}).IsRetryable() {
		t.Fatal("expected 4xx report error to be permanent")
	}
}

func TestExponentialBackoff(t *testing.T) {
	for attempt, want := range map[int]time.Duration{1: 2 * time.Second, 2: 4 * time.Second, 3: 8 * time.Second} {
		if got := exponentialBackoff(attempt); got != want {
			t.Errorf("exponentialBackoff(%d) = %s, want %s", attempt, got, want)
		}
	}
}
