// Package pipelines runs the opaque generation workers behind each phase:
// resource understanding, scenario writing, scene project construction,
// per-scene rendering and final composition.
package pipelines

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/heimdex/heimdex-scenegen/internal/scenario"
)

// Capabilities is what the installed worker package reports from `doctor --json`.
type Capabilities struct {
	PackageVersion string             `json:"package_version"`
	Python         PythonInfo         `json:"python"`
	Dependencies   map[string]DepInfo `json:"dependencies"`
	Executables    map[string]DepInfo `json:"executables"`
	GPU            GPUInfo            `json:"gpu"`
	Summary        SummaryInfo        `json:"summary"`
	Pipelines      PipelinesInfo      `json:"pipelines"`

	CanRender  bool      `json:"-"`
	CanCompose bool      `json:"-"`
	ProbedAt   time.Time `json:"-"`
}

// PipelinesInfo reports per-command availability from doctor JSON.
type PipelinesInfo struct {
	Understand bool `json:"understand"`
	Scenario   bool `json:"scenario"`
	Projects   bool `json:"projects"`
	Render     bool `json:"render"`
	Compose    bool `json:"compose"`
}

type PythonInfo struct {
	Version    string `json:"version"`
	Executable string `json:"executable"`
}

type DepInfo struct {
	Available bool   `json:"available"`
	Version   string `json:"version,omitempty"`
	Path      string `json:"path,omitempty"`
	Error     string `json:"error,omitempty"`
}

type GPUInfo struct {
	CUDAAvailable bool   `json:"cuda_available"`
	DeviceCount   int    `json:"device_count,omitempty"`
	Error         string `json:"error,omitempty"`
}

type SummaryInfo struct {
	Available int  `json:"available"`
	Total     int  `json:"total"`
	AllOK     bool `json:"all_ok"`
}

// RunResult is the structured outcome of executing a worker subprocess.
type RunResult struct {
	ExitCode   int           `json:"exit_code"`
	OutputPath string        `json:"output_path,omitempty"`
	StderrTail string        `json:"stderr_tail,omitempty"`
	Duration   time.Duration `json:"duration"`
	Cancelled  bool          `json:"cancelled,omitempty"`
}

func (r RunResult) IsSuccess() bool { return r.ExitCode == 0 }

// ExecError reports a worker command that exited unsuccessfully.
type ExecError struct {
	Command string
	Result  RunResult
}

func (e *ExecError) Error() string {
	if e.Result.Cancelled {
		return fmt.Sprintf("%s stopped: cancelled", e.Command)
	}
	return fmt.Sprintf("%s exited %d: %s", e.Command, e.Result.ExitCode, truncate(e.Result.StderrTail, 512))
}

// PipelineOutput carries the metadata every worker output file must include.
type PipelineOutput struct {
	SchemaVersion   string `json:"schema_version"`
	PipelineVersion string `json:"pipeline_version"`
	ModelVersion    string `json:"model_version"`
}

func (p PipelineOutput) RequiredFieldsPresent() bool {
	return p.SchemaVersion != "" && p.PipelineVersion != "" && p.ModelVersion != ""
}

// MediaInfo describes one supplied input after probing.
type MediaInfo struct {
	ID              string  `json:"id"`
	Kind            string  `json:"kind"`
	Location        string  `json:"location"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	Width           int     `json:"width,omitempty"`
	Height          int     `json:"height,omitempty"`
	Codec           string  `json:"codec,omitempty"`
}

type UnderstandInput struct {
	GenerationID string      `json:"generation_id"`
	Prompt       string      `json:"prompt"`
	Media        []MediaInfo `json:"media"`
}

type UnderstandOutput struct {
	PipelineOutput
	Context json.RawMessage `json:"context"`
}

type ScenarioInput struct {
	GenerationID    string          `json:"generation_id"`
	Prompt          string          `json:"prompt"`
	AspectRatio     string          `json:"aspect_ratio,omitempty"`
	Media           []MediaInfo     `json:"media"`
	EnrichedContext json.RawMessage `json:"enriched_context,omitempty"`
}

type ScenarioOutput struct {
	PipelineOutput
	Scenario scenario.Scenario `json:"scenario"`
}

type ProjectsInput struct {
	GenerationID    string             `json:"generation_id"`
	AspectRatio     string             `json:"aspect_ratio,omitempty"`
	Scenario        *scenario.Scenario `json:"scenario"`
	EnrichedContext json.RawMessage    `json:"enriched_context,omitempty"`
}

type ProjectsOutput struct {
	PipelineOutput
	Projects []scenario.SceneProject `json:"projects"`
}

type RenderInput struct {
	GenerationID string                `json:"generation_id"`
	Item         scenario.TimelineItem `json:"item"`
	Project      scenario.SceneProject `json:"project"`
	Attempt      int                   `json:"attempt"`
	SourcePath   string                `json:"source_path,omitempty"`
}

type RenderOutput struct {
	PipelineOutput
	AssetPath string `json:"asset_path"`
}

// ComposeScene is one slot of the final timeline. Placeholder slots stand in
// for scenes that failed when degraded composition is allowed.
type ComposeScene struct {
	SceneID         string        `json:"scene_id"`
	Kind            scenario.Kind `json:"kind"`
	OrderIndex      int           `json:"order_index"`
	DurationSeconds float64       `json:"duration_seconds"`
	AssetPath       string        `json:"asset_path,omitempty"`
	Placeholder     bool          `json:"placeholder,omitempty"`
}

type ComposeInput struct {
	GenerationID string         `json:"generation_id"`
	AspectRatio  string         `json:"aspect_ratio,omitempty"`
	Scenes       []ComposeScene `json:"scenes"`
}

type ComposeOutput struct {
	PipelineOutput
	ResultPath string `json:"result_path"`
}

// ProgressFunc receives a scene's render progress in percent.
type ProgressFunc func(percent int)
