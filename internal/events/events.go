// Package events delivers generation state changes to live observers. It is
// best-effort and at-most-once: the persisted generation record remains the
// source of truth and consumers must also poll.
package events

import (
	"time"

	"github.com/heimdex/heimdex-scenegen/internal/generation"
)

type Kind string

const (
	KindProgress           Kind = "progress"
	KindPhaseChange        Kind = "phase-change"
	KindSceneComplete      Kind = "scene-complete"
	KindGenerationComplete Kind = "generation-complete"
	KindError              Kind = "error"
)

// Event is one notification scoped to a generation. Fields not relevant to
// the kind are left empty.
type Event struct {
	Kind         Kind              `json:"kind"`
	GenerationID string            `json:"generation_id"`
	Status       generation.Status `json:"status,omitempty"`
	Phase        generation.Phase  `json:"phase,omitempty"`
	Stage        generation.Stage  `json:"stage,omitempty"`
	Progress     int               `json:"progress"`
	SceneID      string            `json:"scene_id,omitempty"`
	SceneURL     string            `json:"scene_url,omitempty"`
	ResultURL    string            `json:"result_url,omitempty"`
	Error        string            `json:"error,omitempty"`
	At           time.Time         `json:"at"`
}

// Critical events are kept over non-critical ones when a subscriber's queue
// overflows.
func (k Kind) Critical() bool {
	return k == KindGenerationComplete || k == KindError
}
