package pipelines

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/heimdex/heimdex-scenegen/internal/scenario"
)

func TestStubRunner_ScenarioFromPromptOnly(t *testing.T) {
	s := NewStubRunner(t.TempDir(), nil)
	out, err := s.WriteScenario(context.Background(), ScenarioInput{GenerationID: "g1", Prompt: "demo"})
	if err != nil {
		t.Fatalf("WriteScenario() error = %v", err)
	}
	if err := out.Scenario.Validate(); err != nil {
		t.Fatalf("stub scenario invalid: %v", err)
	}
	ids := []string{}
	for _, item := range out.Scenario.Items {
		ids = append(ids, item.ID)
	}
	if len(ids) != 3 || ids[0] != "intro" || ids[1] != "body" || ids[2] != "outro" {
		t.Errorf("items = %v, want [intro body outro]", ids)
	}
}

func TestStubRunner_ScenarioWithMedia(t *testing.T) {
	s := NewStubRunner(t.TempDir(), nil)
	out, err := s.WriteScenario(context.Background(), ScenarioInput{
		Prompt: "demo",
		Media: []MediaInfo{
			{ID: "v1", Kind: "video", Location: "a.mp4", DurationSeconds: 3.5},
			{ID: "i1", Kind: "image", Location: "b.png"},
		},
	})
	if err != nil {
		t.Fatalf("WriteScenario() error = %v", err)
	}
	if len(out.Scenario.Items) != 4 {
		t.Fatalf("items = %d, want 4", len(out.Scenario.Items))
	}
	clip := out.Scenario.Items[1]
	if clip.Kind != scenario.KindVideo || clip.SourceVideoID != "v1" || *clip.ToSeconds != 3.5 {
		t.Errorf("video item = %+v", clip)
	}
}

func TestStubRunner_ProjectsMatchTimeline(t *testing.T) {
	s := NewStubRunner(t.TempDir(), nil)
	sc, _ := s.WriteScenario(context.Background(), ScenarioInput{Prompt: "demo"})
	out, err := s.BuildProjects(context.Background(), ProjectsInput{Scenario: &sc.Scenario, AspectRatio: "9:16"})
	if err != nil {
		t.Fatalf("BuildProjects() error = %v", err)
	}
	if err := scenario.ValidateProjects(&sc.Scenario, out.Projects); err != nil {
		t.Fatalf("projects do not match timeline: %v", err)
	}
}

func TestStubRunner_RenderAndCompose(t *testing.T) {
	dir := t.TempDir()
	s := NewStubRunner(dir, nil, WithSteps(4), WithStepDelay(time.Millisecond))

	var progress []int
	out, err := s.RenderScene(context.Background(), RenderInput{
		GenerationID: "g1",
		Project:      scenario.SceneProject{SceneID: "intro", Kind: scenario.KindBanner},
		Attempt:      2,
	}, func(p int) { progress = append(progress, p) })
	if err != nil {
		t.Fatalf("RenderScene() error = %v", err)
	}
	if len(progress) != 4 || progress[3] != 100 {
		t.Errorf("progress = %v", progress)
	}
	if _, err := os.Stat(out.AssetPath); err != nil {
		t.Fatalf("asset not written: %v", err)
	}

	comp, err := s.Compose(context.Background(), ComposeInput{
		GenerationID: "g1",
		Scenes: []ComposeScene{
			{SceneID: "intro", OrderIndex: 0, AssetPath: out.AssetPath},
			{SceneID: "outro", OrderIndex: 1, Placeholder: true},
		},
	})
	if err != nil {
		t.Fatalf("Compose() error = %v", err)
	}
	raw, _ := os.ReadFile(comp.ResultPath)
	var manifest struct {
		Scenes []ComposeScene `json:"scenes"`
	}
	json.Unmarshal(raw, &manifest)
	if len(manifest.Scenes) != 2 || manifest.Scenes[0].SceneID != "intro" || !manifest.Scenes[1].Placeholder {
		t.Errorf("manifest scenes = %+v", manifest.Scenes)
	}
}

func TestStubRunner_RenderStopsOnCancel(t *testing.T) {
	s := NewStubRunner(t.TempDir(), nil, WithSteps(1000), WithStepDelay(10*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := s.RenderScene(ctx, RenderInput{GenerationID: "g1", Project: scenario.SceneProject{SceneID: "x"}}, nil)
		done <- err
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("RenderScene() error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("RenderScene did not stop after cancel")
	}
}
