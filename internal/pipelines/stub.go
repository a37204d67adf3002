package pipelines

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/heimdex/heimdex-scenegen/internal/scenario"
)

var stubOutput = PipelineOutput{SchemaVersion: "1.0", PipelineVersion: "stub", ModelVersion: "none"}

// StubRunner is an in-process Runner that produces placeholder artifacts. It
// renders in bounded steps and checks for cancellation between steps.
type StubRunner struct {
	artifactsBase string
	steps         int
	stepDelay     time.Duration
	logger        *slog.Logger
}

type StubOption func(*StubRunner)

func WithSteps(steps int) StubOption {
	return func(s *StubRunner) {
		if steps > 0 {
			s.steps = steps
		}
	}
}

func WithStepDelay(d time.Duration) StubOption {
	return func(s *StubRunner) {
		if d >= 0 {
			s.stepDelay = d
		}
	}
}

func NewStubRunner(artifactsBase string, logger *slog.Logger, opts ...StubOption) *StubRunner {
	s := &StubRunner{
		artifactsBase: artifactsBase,
		steps:         10,
		stepDelay:     200 * time.Millisecond,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *StubRunner) ArtifactsDir() string {
	return s.artifactsBase
}

func (s *StubRunner) RunDoctor(ctx context.Context) (*Capabilities, error) {
	return &Capabilities{
		PackageVersion: "stub",
		Pipelines:      PipelinesInfo{Understand: true, Scenario: true, Projects: true, Render: true, Compose: true},
		Summary:        SummaryInfo{AllOK: true},
		CanRender:      true,
		CanCompose:     true,
		ProbedAt:       time.Now(),
	}, nil
}

func (s *StubRunner) Understand(ctx context.Context, in UnderstandInput) (*UnderstandOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	summary := map[string]any{
		"prompt_words": len(strings.Fields(in.Prompt)),
		"media":        in.Media,
	}
	data, err := json.Marshal(summary)
	if err != nil {
		return nil, err
	}
	return &UnderstandOutput{PipelineOutput: stubOutput, Context: data}, nil
}

// WriteScenario builds an opening banner, one item per supplied video or
// image (or a single body banner when none were supplied) and a closing banner.
func (s *StubRunner) WriteScenario(ctx context.Context, in ScenarioInput) (*ScenarioOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items := []scenario.TimelineItem{{
		ID:              "intro",
		Kind:            scenario.KindBanner,
		DurationSeconds: scenario.Float(3),
		DetailedRequest: scenario.DetailedRequest{Description: "Opening title", TextContent: headline(in.Prompt)},
	}}

	var videos, images int
	for _, m := range in.Media {
		switch m.Kind {
		case "video":
			videos++
			to := 5.0
			if m.DurationSeconds > 0 && m.DurationSeconds < to {
				to = m.DurationSeconds
			}
			items = append(items, scenario.TimelineItem{
				ID:              fmt.Sprintf("video-%d", videos),
				Kind:            scenario.KindVideo,
				SourceVideoID:   m.ID,
				FromSeconds:     scenario.Float(0),
				ToSeconds:       scenario.Float(to),
				DetailedRequest: scenario.DetailedRequest{Description: "Clip from " + m.Location},
			})
		case "image":
			images++
			items = append(items, scenario.TimelineItem{
				ID:              fmt.Sprintf("image-%d", images),
				Kind:            scenario.KindBanner,
				DurationSeconds: scenario.Float(3),
				DetailedRequest: scenario.DetailedRequest{Description: "Still image " + m.Location},
			})
		}
	}
	if videos+images == 0 {
		items = append(items, scenario.TimelineItem{
			ID:              "body",
			Kind:            scenario.KindBanner,
			DurationSeconds: scenario.Float(5),
			DetailedRequest: scenario.DetailedRequest{Description: in.Prompt},
		})
	}
	items = append(items, scenario.TimelineItem{
		ID:              "outro",
		Kind:            scenario.KindBanner,
		DurationSeconds: scenario.Float(2),
		DetailedRequest: scenario.DetailedRequest{Description: "Closing card"},
	})
	return &ScenarioOutput{PipelineOutput: stubOutput, Scenario: scenario.Scenario{Items: items}}, nil
}

func (s *StubRunner) BuildProjects(ctx context.Context, in ProjectsInput) (*ProjectsOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if in.Scenario == nil {
		return nil, fmt.Errorf("projects: scenario is required")
	}
	projects := make([]scenario.SceneProject, len(in.Scenario.Items))
	for i, item := range in.Scenario.Items {
		cfg, err := json.Marshal(map[string]any{
			"aspect_ratio":    in.AspectRatio,
			"description":     item.DetailedRequest.Description,
			"text":            item.DetailedRequest.TextContent,
			"source_video_id": item.SourceVideoID,
		})
		if err != nil {
			return nil, err
		}
		projects[i] = scenario.SceneProject{
			SceneID:         item.ID,
			Kind:            item.Kind,
			OrderIndex:      i,
			DurationSeconds: item.Duration(),
			Config:          cfg,
		}
	}
	return &ProjectsOutput{PipelineOutput: stubOutput, Projects: projects}, nil
}

func (s *StubRunner) RenderScene(ctx context.Context, in RenderInput, progress ProgressFunc) (*RenderOutput, error) {
	for step := 1; step <= s.steps; step++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.stepDelay):
		}
		if progress != nil {
			progress(step * 100 / s.steps)
		}
	}

	path := filepath.Join(s.artifactsBase, in.GenerationID, "scenes", fmt.Sprintf("%s-%d.json", in.Project.SceneID, in.Attempt))
	if err := writeJSON(path, map[string]any{
		"scene_id": in.Project.SceneID,
		"kind":     in.Project.Kind,
		"duration": in.Project.DurationSeconds,
		"config":   in.Project.Config,
	}); err != nil {
		return nil, err
	}
	if s.logger != nil {
		s.logger.Debug("stub scene rendered", "generation_id", in.GenerationID, "scene_id", in.Project.SceneID)
	}
	return &RenderOutput{PipelineOutput: stubOutput, AssetPath: path}, nil
}

// Compose writes a manifest listing the scenes in the order given.
func (s *StubRunner) Compose(ctx context.Context, in ComposeInput) (*ComposeOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := filepath.Join(s.artifactsBase, in.GenerationID, "result.json")
	if err := writeJSON(path, map[string]any{
		"generation_id": in.GenerationID,
		"aspect_ratio":  in.AspectRatio,
		"scenes":        in.Scenes,
	}); err != nil {
		return nil, err
	}
	return &ComposeOutput{PipelineOutput: stubOutput, ResultPath: path}, nil
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func headline(prompt string) string {
	prompt = strings.TrimSpace(prompt)
	if i := strings.IndexByte(prompt, '\n'); i >= 0 {
		prompt = prompt[:i]
	}
	if len(prompt) > 60 {
		prompt = prompt[:60]
	}
	return prompt
}
