package export

import (
	"errors"
	"math"

	"github.com/heimdex/heimdex-scenegen/internal/generation"
)

// ErrNoScenes is returned for a generation without any rendered scene.
var ErrNoScenes = errors.New("generation has no scenes to export")

// Timeline turns a generation's scenes into EDL clips in composition order.
// Failed scenes become black placeholders; scenes without a positive duration
// are skipped and reported by id.
func Timeline(g *generation.Generation) (clips []ResolvedClip, skipped []string, err error) {
	if len(g.Scenes) == 0 {
		return nil, nil, ErrNoScenes
	}
	for _, sc := range g.Scenes {
		durMs := int(math.Round(sc.Project.DurationSeconds * 1000))
		if durMs <= 0 {
			skipped = append(skipped, sc.SceneID)
			continue
		}
		clip := ResolvedClip{
			ClipName:  ClipName(sc.OrderIndex, sc.Kind, sc.SceneID),
			MediaPath: sc.RenderedAssetPath,
			StartMs:   0,
			EndMs:     durMs,
			SceneID:   sc.SceneID,
		}
		if sc.Status != generation.SceneCompleted || sc.RenderedAssetPath == "" {
			clip.Placeholder = true
			clip.MediaPath = ""
		}
		clips = append(clips, clip)
	}
	if len(clips) == 0 {
		return nil, skipped, ErrNoScenes
	}
	return clips, skipped, nil
}
