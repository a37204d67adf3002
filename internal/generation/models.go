// Package generation holds the persisted records of the orchestrator: the
// Generation aggregate, its Scenes, the closed stage machine and the error
// taxonomy shared by every layer.
package generation

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/heimdex/heimdex-scenegen/internal/scenario"
)

type AspectRatio string

const (
	AspectLandscape AspectRatio = "16:9"
	AspectPortrait  AspectRatio = "9:16"
	AspectSquare    AspectRatio = "1:1"
)

// Request is what a caller supplies to start a generation.
type Request struct {
	Prompt         string      `json:"prompt" validate:"required"`
	Videos         []string    `json:"videos,omitempty" validate:"dive,required"`
	Images         []string    `json:"images,omitempty" validate:"dive,required"`
	References     []string    `json:"references,omitempty" validate:"dive,url"`
	AspectRatio    AspectRatio `json:"aspect_ratio,omitempty" validate:"omitempty,oneof=16:9 9:16 1:1"`
	ReviewScenario bool        `json:"review_scenario"`
	ReviewScenes   bool        `json:"review_scenes"`
	TaskID         string      `json:"task_id,omitempty"`
	PublicationID  string      `json:"publication_id,omitempty"`
}

type Generation struct {
	ID              string                  `json:"id"`
	Stage           Stage                   `json:"stage"`
	LastPhase       Phase                   `json:"last_phase,omitempty"`
	Progress        int                     `json:"progress"`
	Request         Request                 `json:"request"`
	EnrichedContext json.RawMessage         `json:"enriched_context,omitempty"`
	Scenario        *scenario.Scenario      `json:"scenario,omitempty"`
	SceneProjects   []scenario.SceneProject `json:"scene_projects,omitempty"`
	ResultPath      string                  `json:"result_path,omitempty"`
	ResultURL       string                  `json:"result_url,omitempty"`
	Error           string                  `json:"error,omitempty"`
	Scenes          []*Scene                `json:"scenes,omitempty"`
	CreatedAt       time.Time               `json:"created_at"`
	UpdatedAt       time.Time               `json:"updated_at"`
	CompletedAt     *time.Time              `json:"completed_at,omitempty"`
}

func (g *Generation) Status() Status { return g.Stage.Status() }

// Phase is the phase the generation is in. Terminal generations report the
// phase they stopped in.
func (g *Generation) Phase() Phase {
	if p := g.Stage.Phase(); p != "" {
		return p
	}
	if g.LastPhase != "" {
		return g.LastPhase
	}
	return PhaseUnderstanding
}

// SceneStatus is the lifecycle of one render unit.
type SceneStatus string

const (
	SceneQueued     SceneStatus = "queued"
	SceneProcessing SceneStatus = "processing"
	SceneCompleted  SceneStatus = "completed"
	SceneFailed     SceneStatus = "failed"
)

func (s SceneStatus) Terminal() bool {
	return s == SceneCompleted || s == SceneFailed
}

type Scene struct {
	GenerationID      string                `json:"generation_id"`
	SceneID           string                `json:"scene_id"`
	Kind              scenario.Kind         `json:"kind"`
	Status            SceneStatus           `json:"status"`
	Progress          int                   `json:"progress"`
	OrderIndex        int                   `json:"order_index"`
	Project           scenario.SceneProject `json:"scene_project"`
	RenderedAssetPath string                `json:"rendered_asset_path,omitempty"`
	RenderedAssetURL  string                `json:"rendered_asset_url,omitempty"`
	Error             string                `json:"error,omitempty"`
	Attempts          int                   `json:"attempts"`
	UpdatedAt         time.Time             `json:"updated_at"`
}

func NewID() string {
	return uuid.NewString()
}
