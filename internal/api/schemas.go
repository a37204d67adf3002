package api

import (
	"time"

	"github.com/heimdex/heimdex-scenegen/internal/generation"
	"github.com/heimdex/heimdex-scenegen/internal/scenario"
)

type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	UptimeS  int64  `json:"uptime_s"`
	DeviceID string `json:"device_id"`
}

type StatusResponse struct {
	State             string                  `json:"state"`
	LastError         string                  `json:"last_error,omitempty"`
	ActiveGenerations int                     `json:"active_generations"`
	Pipelines         *PipelineStatusResponse `json:"pipelines,omitempty"`
}

type PipelineStatusResponse struct {
	CanRender   bool   `json:"can_render"`
	CanCompose  bool   `json:"can_compose"`
	LastProbeAt string `json:"last_probe_at,omitempty"`
	DepsAvail   int    `json:"deps_available"`
	DepsTotal   int    `json:"deps_total"`
	ProbeError  string `json:"probe_error,omitempty"`
}

type GenerateRequest struct {
	Prompt         string   `json:"prompt"`
	Videos         []string `json:"videos,omitempty"`
	Images         []string `json:"images,omitempty"`
	References     []string `json:"references,omitempty"`
	AspectRatio    string   `json:"aspect_ratio,omitempty"`
	ReviewScenario bool     `json:"review_scenario"`
	ReviewScenes   bool     `json:"review_scenes"`
	TaskID         string   `json:"task_id,omitempty"`
	PublicationID  string   `json:"publication_id,omitempty"`
}

func (r GenerateRequest) ToRequest() generation.Request {
	return generation.Request{
		Prompt:         r.Prompt,
		Videos:         r.Videos,
		Images:         r.Images,
		References:     r.References,
		AspectRatio:    generation.AspectRatio(r.AspectRatio),
		ReviewScenario: r.ReviewScenario,
		ReviewScenes:   r.ReviewScenes,
		TaskID:         r.TaskID,
		PublicationID:  r.PublicationID,
	}
}

// GenerationSummary is the short form returned by generate, continue and
// cancel, and by the list endpoint.
type GenerationSummary struct {
	ID              string `json:"id"`
	Status          string `json:"status"`
	Phase           string `json:"phase,omitempty"`
	Stage           string `json:"stage"`
	PausedForReview bool   `json:"paused_for_review"`
	Progress        int    `json:"progress"`
	Error           string `json:"error,omitempty"`
	CreatedAt       string `json:"created_at"`
}

type GenerationsResponse struct {
	Generations []GenerationSummary `json:"generations"`
}

type SceneResponse struct {
	SceneID          string  `json:"scene_id"`
	Kind             string  `json:"kind"`
	Status           string  `json:"status"`
	Progress         int     `json:"progress"`
	OrderIndex       int     `json:"order_index"`
	DurationSeconds  float64 `json:"duration_seconds"`
	RenderedAssetURL string  `json:"rendered_asset_url,omitempty"`
	Error            string  `json:"error,omitempty"`
	Attempts         int     `json:"attempts"`
	UpdatedAt        string  `json:"updated_at"`
}

type GenerationResponse struct {
	GenerationSummary
	Prompt         string             `json:"prompt"`
	AspectRatio    string             `json:"aspect_ratio,omitempty"`
	ReviewScenario bool               `json:"review_scenario"`
	ReviewScenes   bool               `json:"review_scenes"`
	TaskID         string             `json:"task_id,omitempty"`
	PublicationID  string             `json:"publication_id,omitempty"`
	Scenario       *scenario.Scenario `json:"scenario,omitempty"`
	ResultURL      string             `json:"result_url,omitempty"`
	Scenes         []SceneResponse    `json:"scenes"`
	UpdatedAt      string             `json:"updated_at"`
	CompletedAt    string             `json:"completed_at,omitempty"`
}

type ScenarioResponse struct {
	ID       string             `json:"id"`
	Scenario *scenario.Scenario `json:"scenario"`
	Status   string             `json:"status,omitempty"`
	Phase    string             `json:"phase,omitempty"`
}

type UpdateScenarioRequest struct {
	Scenario *scenario.Scenario `json:"scenario"`
}

type RegenerateResponse struct {
	ID       string `json:"id"`
	SceneID  string `json:"scene_id"`
	Status   string `json:"status"`
	Attempts int    `json:"attempts"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func GenerationToSummary(g *generation.Generation) GenerationSummary {
	return GenerationSummary{
		ID:              g.ID,
		Status:          string(g.Status()),
		Phase:           string(g.Phase()),
		Stage:           string(g.Stage),
		PausedForReview: g.Stage.PausedForReview(),
		Progress:        g.Progress,
		Error:           g.Error,
		CreatedAt:       g.CreatedAt.Format(time.RFC3339),
	}
}

func GenerationToResponse(g *generation.Generation) GenerationResponse {
	resp := GenerationResponse{
		GenerationSummary: GenerationToSummary(g),
		Prompt:            g.Request.Prompt,
		AspectRatio:       string(g.Request.AspectRatio),
		ReviewScenario:    g.Request.ReviewScenario,
		ReviewScenes:      g.Request.ReviewScenes,
		TaskID:            g.Request.TaskID,
		PublicationID:     g.Request.PublicationID,
		Scenario:          g.Scenario,
		ResultURL:         g.ResultURL,
		Scenes:            make([]SceneResponse, len(g.Scenes)),
		UpdatedAt:         g.UpdatedAt.Format(time.RFC3339),
	}
	if g.CompletedAt != nil {
		resp.CompletedAt = g.CompletedAt.Format(time.RFC3339)
	}
	for i, sc := range g.Scenes {
		resp.Scenes[i] = SceneToResponse(sc)
	}
	return resp
}

func SceneToResponse(sc *generation.Scene) SceneResponse {
	return SceneResponse{
		SceneID:          sc.SceneID,
		Kind:             string(sc.Kind),
		Status:           string(sc.Status),
		Progress:         sc.Progress,
		OrderIndex:       sc.OrderIndex,
		DurationSeconds:  sc.Project.DurationSeconds,
		RenderedAssetURL: sc.RenderedAssetURL,
		Error:            sc.Error,
		Attempts:         sc.Attempts,
		UpdatedAt:        sc.UpdatedAt.Format(time.RFC3339),
	}
}
