package orchestrator

import (
	"fmt"
	"time"

	"github.com/heimdex/heimdex-scenegen/internal/generation"
)

// FailurePolicy decides what a failed scene does to its generation once every
// scene has reached a terminal state.
type FailurePolicy string

const (
	// PolicyFailFast fails the generation with the first failed scene's error
	// in timeline order. Sibling scenes are never interrupted.
	PolicyFailFast FailurePolicy = "fail_fast"
	// PolicySkipFailed composes anyway with placeholders for failed scenes.
	// A generation where every scene failed still fails.
	PolicySkipFailed FailurePolicy = "skip_failed"
)

func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch FailurePolicy(s) {
	case "", PolicyFailFast:
		return PolicyFailFast, nil
	case PolicySkipFailed:
		return PolicySkipFailed, nil
	}
	return "", fmt.Errorf("unknown partial failure policy %q", s)
}

// Evaluate returns a render failure when the policy does not allow
// composition of the given scenes. Scenes must be in timeline order.
func (p FailurePolicy) Evaluate(scenes []*generation.Scene) error {
	var first *generation.Scene
	failed := 0
	for _, sc := range scenes {
		if sc.Status == generation.SceneFailed {
			failed++
			if first == nil {
				first = sc
			}
		}
	}
	if first == nil {
		return nil
	}
	if p == PolicySkipFailed && failed < len(scenes) {
		return nil
	}
	return fmt.Errorf("%w: scene %s: %s", generation.ErrRenderFailure, first.SceneID, first.Error)
}

// Weighting aggregates per-scene progress into one phase3 percentage.
type Weighting string

const (
	// WeightMean is the arithmetic mean of scene progress.
	WeightMean Weighting = "mean"
	// WeightDuration weights each scene by its duration, falling back to the
	// mean when no scene declares one.
	WeightDuration Weighting = "duration"
)

func ParseWeighting(s string) (Weighting, error) {
	switch Weighting(s) {
	case "", WeightMean:
		return WeightMean, nil
	case WeightDuration:
		return WeightDuration, nil
	}
	return "", fmt.Errorf("unknown progress weighting %q", s)
}

type sceneProgress struct {
	progress int
	duration float64
}

func (w Weighting) aggregate(scenes []sceneProgress) int {
	if len(scenes) == 0 {
		return 0
	}
	if w == WeightDuration {
		var total, weighted float64
		for _, s := range scenes {
			if s.duration > 0 {
				total += s.duration
				weighted += s.duration * float64(s.progress)
			}
		}
		if total > 0 {
			return int(weighted / total)
		}
	}
	sum := 0
	for _, s := range scenes {
		sum += s.progress
	}
	return sum / len(scenes)
}

// Progress bands of the overall 0-100 scale. Phase3 spans scenesStart to
// scenesEnd in proportion to aggregated scene progress.
const (
	progressUnderstood  = 10
	progressScenario    = 25
	progressScenesStart = 30
	progressScenesEnd   = 90
	progressDone        = 100
)

func scenesBand(aggregate int) int {
	return progressScenesStart + aggregate*(progressScenesEnd-progressScenesStart)/100
}

// Options tunes the orchestrator. Zero values fall back to defaults.
type Options struct {
	MaxConcurrentGenerations int64
	SceneWorkers             int64
	PhaseTimeout             time.Duration
	SceneTimeout             time.Duration
	CancelGrace              time.Duration
	Policy                   FailurePolicy
	Weighting                Weighting
	PublicBaseURL            string
}

func (o Options) withDefaults() Options {
	if o.MaxConcurrentGenerations <= 0 {
		o.MaxConcurrentGenerations = 2
	}
	if o.SceneWorkers <= 0 {
		o.SceneWorkers = 4
	}
	if o.CancelGrace <= 0 {
		o.CancelGrace = 10 * time.Second
	}
	if o.Policy == "" {
		o.Policy = PolicyFailFast
	}
	if o.Weighting == "" {
		o.Weighting = WeightMean
	}
	return o
}
