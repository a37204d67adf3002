package pipelines

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const (
	maxStderrBytes = 8 * 1024 // 8 KB tail of stderr kept for diagnostics
)

// Runner executes the phase workers. Every method must return promptly once
// ctx is cancelled.
type Runner interface {
	// RunDoctor probes the installed worker environment.
	RunDoctor(ctx context.Context) (*Capabilities, error)

	// Understand analyses the supplied media (phase0).
	Understand(ctx context.Context, in UnderstandInput) (*UnderstandOutput, error)

	// WriteScenario produces the timeline (phase1).
	WriteScenario(ctx context.Context, in ScenarioInput) (*ScenarioOutput, error)

	// BuildProjects produces one render configuration per timeline item (phase2).
	BuildProjects(ctx context.Context, in ProjectsInput) (*ProjectsOutput, error)

	// RenderScene renders a single scene (phase3), reporting progress as it goes.
	RenderScene(ctx context.Context, in RenderInput, progress ProgressFunc) (*RenderOutput, error)

	// Compose stitches rendered scenes in the given order (phase4).
	Compose(ctx context.Context, in ComposeInput) (*ComposeOutput, error)

	// ArtifactsDir returns the base directory for worker outputs.
	ArtifactsDir() string
}

type Config struct {
	PythonPath    string        // path to python binary; empty = auto-detect
	ModuleName    string        // default "heimdex_scene_pipelines"
	ArtifactsBase string        // base dir for outputs, e.g. ~/.heimdex-scenegen/artifacts
	DoctorTimeout time.Duration // timeout for doctor command
	StopGrace     time.Duration // time a worker gets after SIGINT before it is killed
	Logger        *slog.Logger
	DebugPaths    bool // if true, log full file paths; otherwise sanitise
}

func DefaultConfig(dataDir string, logger *slog.Logger) Config {
	return Config{
		ModuleName:    "heimdex_scene_pipelines",
		ArtifactsBase: filepath.Join(dataDir, "artifacts"),
		DoctorTimeout: 30 * time.Second,
		StopGrace:     5 * time.Second,
		Logger:        logger,
	}
}

// SubprocessRunner runs each phase as `python -m <module> <command> --in <json> --out <json>`.
type SubprocessRunner struct {
	cfg    Config
	python string
}

func NewRunner(cfg Config) (*SubprocessRunner, error) {
	python, err := resolvePython(cfg.PythonPath)
	if err != nil {
		return nil, fmt.Errorf("cannot locate python: %w", err)
	}

	if err := os.MkdirAll(cfg.ArtifactsBase, 0755); err != nil {
		return nil, fmt.Errorf("cannot create artifacts dir: %w", err)
	}

	cfg.Logger.Info("pipeline runner initialised",
		"python", python,
		"module", cfg.ModuleName,
		"artifacts_dir", cfg.ArtifactsBase,
	)

	return &SubprocessRunner{cfg: cfg, python: python}, nil
}

func (r *SubprocessRunner) ArtifactsDir() string {
	return r.cfg.ArtifactsBase
}

func (r *SubprocessRunner) RunDoctor(ctx context.Context) (*Capabilities, error) {
	outPath := filepath.Join(r.cfg.ArtifactsBase, ".doctor.json")

	ctx, cancel := context.WithTimeout(ctx, r.cfg.DoctorTimeout)
	defer cancel()

	result := r.exec(ctx, outPath, nil, "doctor", "--json", "--out", outPath)
	if !result.IsSuccess() {
		return nil, &ExecError{Command: "doctor", Result: result}
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("cannot read doctor output: %w", err)
	}

	var caps Capabilities
	if err := json.Unmarshal(data, &caps); err != nil {
		return nil, fmt.Errorf("cannot parse doctor JSON: %w", err)
	}

	caps.CanRender = caps.Pipelines.Render && isAvailable(caps.Executables, "ffmpeg")
	caps.CanCompose = caps.Pipelines.Compose && isAvailable(caps.Executables, "ffmpeg")
	caps.ProbedAt = time.Now()

	r.cfg.Logger.Info("doctor probe complete",
		"render", caps.CanRender,
		"compose", caps.CanCompose,
		"deps_available", caps.Summary.Available,
		"deps_total", caps.Summary.Total,
	)

	return &caps, nil
}

func (r *SubprocessRunner) Understand(ctx context.Context, in UnderstandInput) (*UnderstandOutput, error) {
	var out UnderstandOutput
	if err := r.call(ctx, "understand", in.GenerationID, "understand", in, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *SubprocessRunner) WriteScenario(ctx context.Context, in ScenarioInput) (*ScenarioOutput, error) {
	var out ScenarioOutput
	if err := r.call(ctx, "scenario", in.GenerationID, "scenario", in, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *SubprocessRunner) BuildProjects(ctx context.Context, in ProjectsInput) (*ProjectsOutput, error) {
	var out ProjectsOutput
	if err := r.call(ctx, "projects", in.GenerationID, "projects", in, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *SubprocessRunner) RenderScene(ctx context.Context, in RenderInput, progress ProgressFunc) (*RenderOutput, error) {
	var out RenderOutput
	name := fmt.Sprintf("render-%s-%d", in.Project.SceneID, in.Attempt)
	onLine := func(line string) {
		if p, ok := parseProgressLine(line); ok && progress != nil {
			progress(p)
		}
	}
	if err := r.call(ctx, "render", in.GenerationID, name, in, &out, onLine); err != nil {
		return nil, err
	}
	if out.AssetPath == "" {
		return nil, errors.New("render output has no asset_path")
	}
	return &out, nil
}

func (r *SubprocessRunner) Compose(ctx context.Context, in ComposeInput) (*ComposeOutput, error) {
	var out ComposeOutput
	if err := r.call(ctx, "compose", in.GenerationID, "compose", in, &out, nil); err != nil {
		return nil, err
	}
	if out.ResultPath == "" {
		return nil, errors.New("compose output has no result_path")
	}
	return &out, nil
}

// call writes the input JSON, runs the command and decodes the validated
// output file into out.
func (r *SubprocessRunner) call(ctx context.Context, command, generationID, name string, in, out any, onLine func(string)) error {
	workDir := filepath.Join(r.cfg.ArtifactsBase, generationID, "work")
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return fmt.Errorf("cannot create work dir: %w", err)
	}
	inPath := filepath.Join(workDir, name+".in.json")
	outPath := filepath.Join(workDir, name+".out.json")

	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal %s input: %w", command, err)
	}
	if err := os.WriteFile(inPath, data, 0644); err != nil {
		return fmt.Errorf("write %s input: %w", command, err)
	}

	result := r.exec(ctx, outPath, onLine, command, "--in", inPath, "--out", outPath)
	if !result.IsSuccess() {
		return &ExecError{Command: command, Result: result}
	}

	if _, err := r.ValidateOutput(outPath); err != nil {
		return err
	}
	raw, err := os.ReadFile(outPath)
	if err != nil {
		return fmt.Errorf("cannot read %s output: %w", command, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("cannot parse %s output: %w", command, err)
	}
	return nil
}

// ValidateOutput reads a worker JSON output and checks required metadata fields.
func (r *SubprocessRunner) ValidateOutput(path string) (*PipelineOutput, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read output file %s: %w", r.safePath(path), err)
	}

	var out PipelineOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("cannot parse output JSON: %w", err)
	}

	if !out.RequiredFieldsPresent() {
		missing := []string{}
		if out.SchemaVersion == "" {
			missing = append(missing, "schema_version")
		}
		if out.PipelineVersion == "" {
			missing = append(missing, "pipeline_version")
		}
		if out.ModelVersion == "" {
			missing = append(missing, "model_version")
		}
		return &out, fmt.Errorf("pipeline output missing required fields: %s", strings.Join(missing, ", "))
	}

	return &out, nil
}

// exec runs one worker command. Cancellation sends SIGINT and gives the worker
// StopGrace to exit before it is killed.
func (r *SubprocessRunner) exec(ctx context.Context, outPath string, onLine func(string), args ...string) RunResult {
	start := time.Now()

	if outPath != "" {
		if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
			r.cfg.Logger.Error("cannot create output dir", "error", err)
			return RunResult{ExitCode: -1, StderrTail: err.Error(), Duration: time.Since(start)}
		}
	}

	cmdArgs := append([]string{"-m", r.cfg.ModuleName}, args...)
	cmd := exec.CommandContext(ctx, r.python, cmdArgs...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = r.cfg.StopGrace
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 5 * time.Second
	}

	var stderrBuf bytes.Buffer
	cmd.Stderr = &limitedWriter{w: &stderrBuf, limit: maxStderrBytes}
	if onLine != nil {
		cmd.Stdout = &lineWriter{fn: onLine}
	} else {
		cmd.Stdout = io.Discard
	}

	r.cfg.Logger.Debug("executing pipeline command", "args", cmdArgs)

	err := cmd.Run()
	elapsed := time.Since(start)

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
		if exitCode == 0 {
			exitCode = -1
		}
	}

	stderrTail := stderrBuf.String()
	if stderrTail == "" && err != nil {
		stderrTail = err.Error()
	}
	cancelled := ctx.Err() != nil

	if exitCode != 0 {
		r.cfg.Logger.Warn("pipeline command failed",
			"command", args[0],
			"exit_code", exitCode,
			"cancelled", cancelled,
			"duration_ms", elapsed.Milliseconds(),
			"stderr_tail", truncate(stderrTail, 512),
		)
	} else {
		r.cfg.Logger.Info("pipeline command succeeded",
			"command", args[0],
			"duration_ms", elapsed.Milliseconds(),
			"output", r.safePath(outPath),
		)
	}

	return RunResult{
		ExitCode:   exitCode,
		OutputPath: outPath,
		StderrTail: stderrTail,
		Duration:   elapsed,
		Cancelled:  cancelled && exitCode != 0,
	}
}

func (r *SubprocessRunner) safePath(path string) string {
	if r.cfg.DebugPaths {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Base(path)
	}
	if strings.HasPrefix(path, home) {
		return "~" + path[len(home):]
	}
	return filepath.Base(path)
}

func resolvePython(preferred string) (string, error) {
	if preferred != "" {
		if p, err := exec.LookPath(preferred); err == nil {
			return p, nil
		}
		return "", fmt.Errorf("configured python %q not found", preferred)
	}
	for _, name := range []string{"python3", "python"} {
		if p, err := exec.LookPath(name); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no python binary found on PATH (tried python3, python)")
}

func isAvailable(deps map[string]DepInfo, name string) bool {
	d, ok := deps[name]
	return ok && d.Available
}

// parseProgressLine accepts stdout lines of the form {"progress": 42}.
func parseProgressLine(line string) (int, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "{") {
		return 0, false
	}
	var msg struct {
		Progress *float64 `json:"progress"`
	}
	if err := json.Unmarshal([]byte(line), &msg); err != nil || msg.Progress == nil {
		return 0, false
	}
	p := int(*msg.Progress)
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	return p, true
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return "..." + s[len(s)-maxLen:]
}

// limitedWriter is an io.Writer that keeps only the last `limit` bytes.
type limitedWriter struct {
	w     *bytes.Buffer
	limit int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	lw.w.Write(p)
	if lw.w.Len() > lw.limit {
		b := lw.w.Bytes()
		lw.w.Reset()
		lw.w.Write(b[len(b)-lw.limit:])
	}
	return n, nil
}

// lineWriter splits a stream into lines and hands each complete line to fn.
type lineWriter struct {
	fn  func(string)
	buf []byte
}

func (lw *lineWriter) Write(p []byte) (int, error) {
	lw.buf = append(lw.buf, p...)
	for {
		i := bytes.IndexByte(lw.buf, '\n')
		if i < 0 {
			break
		}
		lw.fn(string(lw.buf[:i]))
		lw.buf = lw.buf[i+1:]
	}
	if len(lw.buf) > 64*1024 {
		lw.buf = lw.buf[:0]
	}
	return len(p), nil
}
