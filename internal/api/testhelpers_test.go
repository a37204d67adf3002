package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/heimdex/heimdex-scenegen/internal/db"
	"github.com/heimdex/heimdex-scenegen/internal/generation"
	"github.com/heimdex/heimdex-scenegen/internal/orchestrator"
	"github.com/heimdex/heimdex-scenegen/internal/pipelines"
	"github.com/heimdex/heimdex-scenegen/internal/playback"
)

const testToken = "test-token-123"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	handler http.Handler
	svc     *orchestrator.Service
	repo    *generation.SQLRepository
}

func setupEnv(t *testing.T, opts ...func(*ServerConfig)) *testEnv {
	t.Helper()
	dir := t.TempDir()
	database, err := db.New(filepath.Join(dir, "test.db"), nil)
	if err != nil {
		t.Fatalf("db.New() error = %v", err)
	}
	t.Cleanup(func() { database.Close() })

	repo := generation.NewRepository(database.Conn(), database.Dialect())
	if err := repo.SetConfig(context.Background(), AuthTokenKey, testToken); err != nil {
		t.Fatalf("SetConfig() error = %v", err)
	}

	artifacts := filepath.Join(dir, "artifacts")
	logger := discardLogger()
	runner := pipelines.NewStubRunner(artifacts, logger, pipelines.WithSteps(2), pipelines.WithStepDelay(time.Millisecond))
	svc := orchestrator.New(orchestrator.Deps{
		Repo:   repo,
		Runner: runner,
		Logger: logger,
	}, orchestrator.Options{PublicBaseURL: "http://127.0.0.1:8787", CancelGrace: 2 * time.Second})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc.Shutdown(ctx)
	})

	cfg := ServerConfig{
		Service:        svc,
		TokenStore:     repo,
		PlaybackServer: playback.NewServer(artifacts, logger),
		Logger:         logger,
		StartTime:      time.Now(),
		DeviceID:       "test-device",
		Version:        "test",
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &testEnv{handler: NewRouter(cfg), svc: svc, repo: repo}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Authorization", "Bearer "+testToken)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) waitStage(t *testing.T, id string, stage generation.Stage) *generation.Generation {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		g, err := e.svc.GetStatus(context.Background(), id)
		if err == nil && g.Stage == stage {
			return g
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("generation %s never reached stage %s", id, stage)
	return nil
}

func decodeJSONBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("json.Unmarshal() error = %v; body = %s", err, rr.Body.String())
	}
	return body
}

func decodeInto(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("json.Unmarshal() error = %v; body = %s", err, rr.Body.String())
	}
}
