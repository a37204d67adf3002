package generation

import "fmt"

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status can never change again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Active reports whether a client should keep polling.
func (s Status) Active() bool {
	return s == StatusQueued || s == StatusProcessing
}

type Phase string

const (
	PhaseUnderstanding Phase = "phase0"
	PhaseScenario      Phase = "phase1"
	PhaseProjects      Phase = "phase2"
	PhaseScenes        Phase = "phase3"
	PhaseComposition   Phase = "phase4"
)

// Label is the human name of the phase.
func (p Phase) Label() string {
	switch p {
	case PhaseUnderstanding:
		return "resource understanding"
	case PhaseScenario:
		return "scenario generation"
	case PhaseProjects:
		return "scene project construction"
	case PhaseScenes:
		return "scene pipelines"
	case PhaseComposition:
		return "final composition"
	}
	return string(p)
}

// ReviewGate names the pause point a generation is waiting at, if any.
type ReviewGate string

const (
	GateNone     ReviewGate = ""
	GateScenario ReviewGate = "scenario"
	GateScenes   ReviewGate = "scenes"
)

// Stage is the single closed state of a generation. Status, phase and review
// gate are all derived from it.
type Stage string

const (
	StageQueued         Stage = "queued"
	StageUnderstanding  Stage = "phase0"
	StageScenario       Stage = "phase1"
	StageReviewScenario Stage = "review_scenario"
	StageProjects       Stage = "phase2"
	StageScenes         Stage = "phase3"
	StageReviewScenes   Stage = "review_scenes"
	StageComposition    Stage = "phase4"
	StageCompleted      Stage = "completed"
	StageFailed         Stage = "failed"
	StageCancelled      Stage = "cancelled"
)

type stageInfo struct {
	status Status
	phase  Phase
	gate   ReviewGate
}

var stages = map[Stage]stageInfo{
	StageQueued:         {StatusQueued, "", GateNone},
	StageUnderstanding:  {StatusProcessing, PhaseUnderstanding, GateNone},
	StageScenario:       {StatusProcessing, PhaseScenario, GateNone},
	StageReviewScenario: {StatusProcessing, PhaseScenario, GateScenario},
	StageProjects:       {StatusProcessing, PhaseProjects, GateNone},
	StageScenes:         {StatusProcessing, PhaseScenes, GateNone},
	StageReviewScenes:   {StatusProcessing, PhaseScenes, GateScenes},
	StageComposition:    {StatusProcessing, PhaseComposition, GateNone},
	StageCompleted:      {StatusCompleted, "", GateNone},
	StageFailed:         {StatusFailed, "", GateNone},
	StageCancelled:      {StatusCancelled, "", GateNone},
}

var allowedTransitions = map[Stage]map[Stage]struct{}{
	StageQueued: {
		StageUnderstanding: {},
		StageFailed:        {},
		StageCancelled:     {},
	},
	StageUnderstanding: {
		StageScenario:  {},
		StageFailed:    {},
		StageCancelled: {},
	},
	StageScenario: {
		StageReviewScenario: {},
		StageProjects:       {},
		StageFailed:         {},
		StageCancelled:      {},
	},
	StageReviewScenario: {
		StageProjects:  {},
		StageFailed:    {},
		StageCancelled: {},
	},
	StageProjects: {
		StageScenes:    {},
		StageFailed:    {},
		StageCancelled: {},
	},
	StageScenes: {
		StageReviewScenes: {},
		StageComposition:  {},
		StageFailed:       {},
		StageCancelled:    {},
	},
	StageReviewScenes: {
		StageComposition: {},
		StageFailed:      {},
		StageCancelled:   {},
	},
	StageComposition: {
		StageCompleted: {},
		StageFailed:    {},
		StageCancelled: {},
	},
	StageCompleted: {},
	StageFailed:    {},
	StageCancelled: {},
}

func ValidateStage(stage Stage) error {
	if _, ok := allowedTransitions[stage]; !ok {
		return fmt.Errorf("invalid generation stage: %q", stage)
	}
	return nil
}

// ValidateTransition rejects every stage change not listed in the table.
func ValidateTransition(from, to Stage) error {
	if err := ValidateStage(from); err != nil {
		return err
	}
	if err := ValidateStage(to); err != nil {
		return err
	}
	if _, ok := allowedTransitions[from][to]; !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

func (s Stage) Status() Status        { return stages[s].status }
func (s Stage) Phase() Phase          { return stages[s].phase }
func (s Stage) Gate() ReviewGate      { return stages[s].gate }
func (s Stage) Terminal() bool        { return s.Status().Terminal() }
func (s Stage) PausedForReview() bool { return s.Gate() != GateNone }

// NextAfterReview is the stage a paused generation resumes into.
func (s Stage) NextAfterReview() (Stage, bool) {
	switch s {
	case StageReviewScenario:
		return StageProjects, true
	case StageReviewScenes:
		return StageComposition, true
	}
	return "", false
}
