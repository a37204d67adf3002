package cloud

import (
	"time"

	"github.com/heimdex/heimdex-scenegen/internal/generation"
)

// GenerationReport is the callback body for a terminal generation. Task and
// publication ids are echoed back unvalidated for attribution.
type GenerationReport struct {
	ID            string            `json:"id"`
	TaskID        string            `json:"task_id,omitempty"`
	PublicationID string            `json:"publication_id,omitempty"`
	Status        generation.Status `json:"status"`
	Progress      int               `json:"progress"`
	ResultURL     string            `json:"result_url,omitempty"`
	Error         string            `json:"error,omitempty"`
	SceneCount    int               `json:"scene_count"`
	FailedScenes  []string          `json:"failed_scenes,omitempty"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
}

func NewGenerationReport(g *generation.Generation) GenerationReport {
	r := GenerationReport{
		ID:            g.ID,
		TaskID:        g.Request.TaskID,
		PublicationID: g.Request.PublicationID,
		Status:        g.Status(),
		Progress:      g.Progress,
		ResultURL:     g.ResultURL,
		Error:         g.Error,
		SceneCount:    len(g.Scenes),
		CompletedAt:   g.CompletedAt,
	}
	for _, sc := range g.Scenes {
		if sc.Status == generation.SceneFailed {
			r.FailedScenes = append(r.FailedScenes, sc.SceneID)
		}
	}
	return r
}
