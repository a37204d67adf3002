package pipelines

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/heimdex/heimdex-scenegen/internal/scenario"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunResult_IsSuccess(t *testing.T) {
	tests := []struct {
		exitCode int
		want     bool
	}{
		{0, true},
		{1, false},
		{-1, false},
		{127, false},
	}
	for _, tt := range tests {
		r := RunResult{ExitCode: tt.exitCode}
		if got := r.IsSuccess(); got != tt.want {
			t.Errorf("RunResult{ExitCode: %d}.IsSuccess() = %v, want %v", tt.exitCode, got, tt.want)
		}
	}
}

func TestPipelineOutput_RequiredFieldsPresent(t *testing.T) {
	tests := []struct {
		name string
		out  PipelineOutput
		want bool
	}{
		{"all present", PipelineOutput{"1.0", "0.1.0", "sdxl"}, true},
		{"missing schema", PipelineOutput{"", "0.1.0", "sdxl"}, false},
		{"missing pipeline", PipelineOutput{"1.0", "", "sdxl"}, false},
		{"missing model", PipelineOutput{"1.0", "0.1.0", ""}, false},
		{"all empty", PipelineOutput{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.out.RequiredFieldsPresent(); got != tt.want {
				t.Errorf("RequiredFieldsPresent() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLimitedWriter_KeepsOnlyTail(t *testing.T) {
	var buf bytes.Buffer
	lw := &limitedWriter{w: &buf, limit: 10}

	lw.Write([]byte("hello"))
	if buf.String() != "hello" {
		t.Errorf("after short write got %q, want %q", buf.String(), "hello")
	}

	lw.Write([]byte(" world of test data"))
	if got, want := buf.String(), " test data"; got != want {
		t.Errorf("after overflow got %q, want %q", got, want)
	}
}

func TestLineWriter_SplitsAcrossWrites(t *testing.T) {
	var lines []string
	lw := &lineWriter{fn: func(s string) { lines = append(lines, s) }}

	lw.Write([]byte(`{"progress": 1`))
	lw.Write([]byte("0}\nplain log\n{\"prog"))
	lw.Write([]byte("ress\": 55}\n"))

	want := []string{`{"progress": 10}`, "plain log", `{"progress": 55}`}
	if len(lines) != len(want) {
		t.Fatalf("lines = %q, want %q", lines, want)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}
}

func TestParseProgressLine(t *testing.T) {
	tests := []struct {
		line   string
		want   int
		wantOK bool
	}{
		{`{"progress": 42}`, 42, true},
		{`  {"progress": 12.7}  `, 12, true},
		{`{"progress": 140}`, 100, true},
		{`{"progress": -3}`, 0, true},
		{`{"stage": "encode"}`, 0, false},
		{`rendering frame 10`, 0, false},
		{`{broken`, 0, false},
	}
	for _, tt := range tests {
		got, ok := parseProgressLine(tt.line)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("parseProgressLine(%q) = %d, %v; want %d, %v", tt.line, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		input  string
		maxLen int
		want   string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello world", 5, "...world"},
	}
	for _, tt := range tests {
		if got := truncate(tt.input, tt.maxLen); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.want)
		}
	}
}

func TestResolvePython_PreferredNotFound(t *testing.T) {
	if _, err := resolvePython("/nonexistent/python999"); err == nil {
		t.Fatal("expected error for nonexistent python")
	}
}

func TestIsAvailable(t *testing.T) {
	deps := map[string]DepInfo{
		"ffmpeg": {Available: true, Version: "6.1"},
		"torch":  {Available: false, Error: "not installed"},
	}

	if !isAvailable(deps, "ffmpeg") {
		t.Error("ffmpeg should be available")
	}
	if isAvailable(deps, "torch") {
		t.Error("torch should not be available")
	}
	if isAvailable(deps, "nonexistent") {
		t.Error("nonexistent should not be available")
	}
}

func TestValidateOutput(t *testing.T) {
	dir := t.TempDir()
	r := &SubprocessRunner{cfg: DefaultConfig(dir, nil), python: "python3"}

	good := filepath.Join(dir, "good.json")
	b, _ := json.Marshal(PipelineOutput{SchemaVersion: "1.0", PipelineVersion: "0.1.0", ModelVersion: "sdxl"})
	os.WriteFile(good, b, 0644)
	if _, err := r.ValidateOutput(good); err != nil {
		t.Fatalf("ValidateOutput(good) error: %v", err)
	}

	partial := filepath.Join(dir, "partial.json")
	os.WriteFile(partial, []byte(`{"schema_version":"1.0"}`), 0644)
	if _, err := r.ValidateOutput(partial); err == nil {
		t.Fatal("expected error for missing fields")
	}

	if _, err := r.ValidateOutput(filepath.Join(dir, "nonexistent.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestSafePath_DebugMode(t *testing.T) {
	r := &SubprocessRunner{cfg: Config{DebugPaths: true}}
	path := "/Users/test/secret/file.json"
	if got := r.safePath(path); got != path {
		t.Errorf("debug mode: safePath(%q) = %q, want full path", path, got)
	}
}

func TestExecError_Message(t *testing.T) {
	err := &ExecError{Command: "render", Result: RunResult{ExitCode: 3, StderrTail: "CUDA out of memory"}}
	if got, want := err.Error(), "render exited 3: CUDA out of memory"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	cancelled := &ExecError{Command: "render", Result: RunResult{ExitCode: -1, Cancelled: true}}
	if got, want := cancelled.Error(), "render stopped: cancelled"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

const fakeWorker = `import json, sys
args = sys.argv[1:]
cmd = args[0]
out = args[args.index("--out") + 1]
inp = json.load(open(args[args.index("--in") + 1]))
meta = {"schema_version": "1.0", "pipeline_version": "test", "model_version": "none"}
if cmd == "render":
    if inp["project"]["scene_id"] == "bad":
        sys.stderr.write("renderer crashed")
        sys.exit(2)
    for p in (25, 50, 100):
        print(json.dumps({"progress": p}), flush=True)
    meta["asset_path"] = "/tmp/" + inp["project"]["scene_id"] + ".mp4"
json.dump(meta, open(out, "w"))
`

func setupFakeWorker(t *testing.T) *SubprocessRunner {
	t.Helper()
	python, err := resolvePython("")
	if err != nil {
		t.Skipf("no python on PATH: %v", err)
	}
	pkgDir := t.TempDir()
	modDir := filepath.Join(pkgDir, "fakeworker")
	os.MkdirAll(modDir, 0755)
	os.WriteFile(filepath.Join(modDir, "__init__.py"), nil, 0644)
	os.WriteFile(filepath.Join(modDir, "__main__.py"), []byte(fakeWorker), 0644)
	t.Setenv("PYTHONPATH", pkgDir)

	cfg := DefaultConfig(t.TempDir(), discardLogger())
	cfg.ModuleName = "fakeworker"
	return &SubprocessRunner{cfg: cfg, python: python}
}

func TestSubprocessRunner_RenderReportsProgress(t *testing.T) {
	r := setupFakeWorker(t)

	var mu sync.Mutex
	var seen []int
	out, err := r.RenderScene(context.Background(), RenderInput{
		GenerationID: "g1",
		Project:      scenario.SceneProject{SceneID: "intro"},
		Attempt:      1,
	}, func(p int) {
		mu.Lock()
		seen = append(seen, p)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("RenderScene() error = %v", err)
	}
	if out.AssetPath != "/tmp/intro.mp4" {
		t.Errorf("AssetPath = %q", out.AssetPath)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 3 || seen[2] != 100 {
		t.Errorf("progress = %v, want [25 50 100]", seen)
	}
}

func TestSubprocessRunner_RenderFailure(t *testing.T) {
	r := setupFakeWorker(t)

	_, err := r.RenderScene(context.Background(), RenderInput{
		GenerationID: "g1",
		Project:      scenario.SceneProject{SceneID: "bad"},
		Attempt:      1,
	}, nil)
	var execErr *ExecError
	if !errors.As(err, &execErr) {
		t.Fatalf("RenderScene() error = %v, want *ExecError", err)
	}
	if execErr.Result.ExitCode != 2 || execErr.Result.StderrTail != "renderer crashed" {
		t.Errorf("ExecError = %+v", execErr.Result)
	}
}

func TestCachedDoctor_TTL(t *testing.T) {
	calls := 0
	fake := doctorFunc(func(ctx context.Context) (*Capabilities, error) {
		calls++
		return &Capabilities{CanRender: true, ProbedAt: time.Now(), Summary: SummaryInfo{Available: 5, Total: 9}}, nil
	})

	doc := NewCachedDoctor(fake, nil)
	doc.ttl = 100 * time.Millisecond
	ctx := context.Background()

	caps1, err := doc.Get(ctx)
	if err != nil {
		t.Fatalf("first Get: %v", err)
	}
	if !caps1.CanRender {
		t.Error("expected CanRender=true")
	}

	caps2, _ := doc.Get(ctx)
	if caps2.ProbedAt != caps1.ProbedAt || calls != 1 {
		t.Errorf("expected cached result on second call, calls = %d", calls)
	}

	time.Sleep(150 * time.Millisecond)

	if _, err := doc.Get(ctx); err != nil {
		t.Fatalf("third Get (after TTL): %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls after TTL expiry, got %d", calls)
	}
}

func TestCachedDoctor_StaleOnFailure(t *testing.T) {
	fail := false
	fake := doctorFunc(func(ctx context.Context) (*Capabilities, error) {
		if fail {
			return nil, errors.New("probe failed")
		}
		return &Capabilities{PackageVersion: "1.2", ProbedAt: time.Now()}, nil
	})

	doc := NewCachedDoctor(fake, discardLogger())
	if _, err := doc.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if doc.LastError() != nil {
		t.Fatalf("LastError() = %v after a good probe", doc.LastError())
	}

	fail = true
	caps, err := doc.Refresh(context.Background())
	if err != nil || caps.PackageVersion != "1.2" {
		t.Fatalf("Refresh with failing probe = %+v, %v; want stale cache", caps, err)
	}
	if doc.LastError() == nil {
		t.Error("LastError() should report the failed probe")
	}
	if doc.Peek() == nil {
		t.Error("Peek() should keep the stale capabilities")
	}
}

func TestCachedDoctor_NoCacheReturnsDoctorError(t *testing.T) {
	doc := NewCachedDoctor(doctorFunc(func(ctx context.Context) (*Capabilities, error) {
		return nil, errors.New("python missing")
	}), discardLogger())
	if _, err := doc.Refresh(context.Background()); err == nil {
		t.Fatal("Refresh without cache should return the probe error")
	}
	if doc.Peek() != nil {
		t.Error("Peek() should be nil before any successful probe")
	}
}

func TestCachedDoctor_WatchRefreshes(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	doc := NewCachedDoctor(doctorFunc(func(ctx context.Context) (*Capabilities, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return &Capabilities{CanCompose: true, ProbedAt: time.Now()}, nil
	}), discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		doc.Watch(ctx, 10*time.Millisecond)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := calls
		mu.Unlock()
		if n >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Watch probed %d times, want at least 2", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
	if caps := doc.Peek(); caps == nil || !caps.CanCompose {
		t.Errorf("Peek() = %+v", caps)
	}
}

type doctorFunc func(ctx context.Context) (*Capabilities, error)

func (f doctorFunc) RunDoctor(ctx context.Context) (*Capabilities, error) {
	return f(ctx)
}
