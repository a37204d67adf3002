package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/heimdex/heimdex-scenegen/internal/generation"
	"github.com/heimdex/heimdex-scenegen/internal/logging"
	"github.com/heimdex/heimdex-scenegen/internal/media"
	"github.com/heimdex/heimdex-scenegen/internal/pipelines"
	"github.com/heimdex/heimdex-scenegen/internal/scenario"
)

// supervise drives one generation from queued to a terminal stage.
func (s *Service) supervise(r *run) {
	defer s.wg.Done()
	defer s.forget(r.id)
	defer close(r.done)

	held := false
	err := s.slots.Acquire(r.ctx, 1)
	if err == nil {
		held = true
		err = s.execute(r, &held)
	} else {
		err = context.Cause(r.ctx)
	}
	if held {
		s.slots.Release(1)
	}
	s.settle(r, err)
}

func (s *Service) execute(r *run, held *bool) error {
	logger := logging.WithGenerationID(s.logger, r.id)

	// phase0
	if err := s.transition(r, generation.StageUnderstanding, ""); err != nil {
		return err
	}
	enriched, err := s.understand(r)
	if err != nil {
		return phaseError(generation.PhaseUnderstanding, err)
	}
	s.setProgress(r, progressUnderstood)

	// phase1
	if err := s.transition(r, generation.StageScenario, ""); err != nil {
		return err
	}
	sc, err := s.writeScenario(r, enriched)
	if err != nil {
		return phaseError(generation.PhaseScenario, err)
	}
	s.setProgress(r, progressScenario)

	if r.req.ReviewScenario {
		if err := s.transition(r, generation.StageReviewScenario, ""); err != nil {
			return err
		}
		logger.Info("paused for scenario review")
		next, err := s.pause(r, held)
		if err != nil {
			return err
		}
		if err := s.transition(r, next, ""); err != nil {
			return err
		}
		// the reviewer may have replaced the scenario
		g, err := s.repo.GetGeneration(context.WithoutCancel(r.ctx), r.id)
		if err != nil {
			return err
		}
		if g != nil && g.Scenario != nil {
			sc = g.Scenario
		}
	}

	// phase2
	if err := s.transition(r, generation.StageProjects, ""); err != nil {
		return err
	}
	projects, err := s.buildProjects(r, sc, enriched)
	if err != nil {
		return phaseError(generation.PhaseProjects, err)
	}

	// phase3
	coord := newCoordinator(s, r, sc.Items, projects)
	if err := coord.persistAll(context.WithoutCancel(r.ctx)); err != nil {
		return phaseError(generation.PhaseProjects, err)
	}
	s.setProgress(r, progressScenesStart)
	r.mu.Lock()
	r.coord = coord
	r.mu.Unlock()
	if err := s.transition(r, generation.StageScenes, ""); err != nil {
		return err
	}
	coord.start()
	if err := s.trackScenes(r, coord); err != nil {
		return err
	}

	resumeAt := generation.StageComposition
	if r.req.ReviewScenes {
		if err := s.transition(r, generation.StageReviewScenes, ""); err != nil {
			return err
		}
		logger.Info("paused for scene review")
		next, err := s.pause(r, held)
		if err != nil {
			return err
		}
		resumeAt = next
	}

	// phase4
	if err := s.leaveScenes(r, coord, resumeAt); err != nil {
		return err
	}
	scenes := coord.scenes()
	resultPath, err := s.compose(r, scenes)
	if err != nil {
		return fmt.Errorf("%w: %v", generation.ErrCompositionFailure, err)
	}
	if err := s.complete(r, resultPath); err != nil {
		return err
	}
	logger.Info("generation completed", "result", resultPath)
	return nil
}

// complete promotes the composed result and settles the run as completed in
// one write under the run lock. Once a cancel or shutdown has been requested
// the result is discarded.
func (s *Service) complete(r *run, resultPath string) error {
	resultURL := s.resultURL(r.id)

	r.mu.Lock()
	if r.cancelRequested {
		r.mu.Unlock()
		return errCancelled
	}
	if r.ctx.Err() != nil {
		r.mu.Unlock()
		return context.Cause(r.ctx)
	}
	if err := generation.ValidateTransition(r.stage, generation.StageCompleted); err != nil {
		r.mu.Unlock()
		return err
	}
	if err := s.repo.CompleteGeneration(context.WithoutCancel(r.ctx), r.id, resultPath, resultURL); err != nil {
		r.mu.Unlock()
		return err
	}
	r.stage = generation.StageCompleted
	r.progress = progressDone
	r.mu.Unlock()

	s.publishTerminal(r.id, generation.StageCompleted, generation.PhaseComposition, progressDone, resultURL, "")
	s.report(r.id)
	return nil
}

func phaseError(phase generation.Phase, err error) error {
	return fmt.Errorf("%s failed: %w", phase.Label(), err)
}

// phaseContext bounds one phase's work. A timeout surfaces as an ordinary
// phase failure.
func (s *Service) phaseContext(r *run) (context.Context, context.CancelFunc) {
	if s.opts.PhaseTimeout > 0 {
		return context.WithTimeout(r.ctx, s.opts.PhaseTimeout)
	}
	return context.WithCancel(r.ctx)
}

func (s *Service) phaseErr(r *run, ctx context.Context, err error) error {
	if r.ctx.Err() != nil {
		return context.Cause(r.ctx)
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("timed out after %s", s.opts.PhaseTimeout)
	}
	return err
}

// pause parks the supervisor at a review gate and returns the stage to resume
// into. The generation slot is released while paused.
func (s *Service) pause(r *run, held *bool) (generation.Stage, error) {
	stage, _ := r.snapshot()
	next, ok := stage.NextAfterReview()
	if !ok {
		return "", fmt.Errorf("%w: %s is not a review gate", generation.ErrInvalidState, stage)
	}
	s.slots.Release(1)
	*held = false
	if err := r.waitForReview(); err != nil {
		return "", err
	}
	if err := s.slots.Acquire(r.ctx, 1); err != nil {
		return "", context.Cause(r.ctx)
	}
	*held = true
	return next, nil
}

func (s *Service) understand(r *run) ([]byte, error) {
	ctx, cancel := s.phaseContext(r)
	defer cancel()

	mediaInfo := make([]pipelines.MediaInfo, 0, len(r.req.Videos)+len(r.req.Images)+len(r.req.References))
	add := func(kind, prefix string, locations []string) error {
		for i, loc := range locations {
			info := pipelines.MediaInfo{ID: fmt.Sprintf("%s%d", prefix, i+1), Kind: kind, Location: loc}
			if kind == "video" && !media.IsRemote(loc) {
				res, err := s.prober.Probe(ctx, loc)
				if err != nil {
					return fmt.Errorf("probe %s: %w", info.ID, err)
				}
				info.DurationSeconds = res.Duration
				info.Width = res.Width
				info.Height = res.Height
				info.Codec = res.Codec
			}
			mediaInfo = append(mediaInfo, info)
		}
		return nil
	}
	if err := add("video", "v", r.req.Videos); err != nil {
		return nil, s.phaseErr(r, ctx, err)
	}
	if err := add("image", "i", r.req.Images); err != nil {
		return nil, s.phaseErr(r, ctx, err)
	}
	if err := add("reference", "r", r.req.References); err != nil {
		return nil, s.phaseErr(r, ctx, err)
	}
	r.media = mediaInfo
	for _, m := range mediaInfo {
		if m.Kind == "video" {
			r.sources[m.ID] = m.Location
		}
	}

	out, err := s.runner.Understand(ctx, pipelines.UnderstandInput{
		GenerationID: r.id,
		Prompt:       r.req.Prompt,
		Media:        mediaInfo,
	})
	if err != nil {
		return nil, s.phaseErr(r, ctx, err)
	}
	if err := s.repo.SaveEnrichedContext(context.WithoutCancel(r.ctx), r.id, out.Context); err != nil {
		return nil, err
	}
	return out.Context, nil
}

func (s *Service) writeScenario(r *run, enriched []byte) (*scenario.Scenario, error) {
	ctx, cancel := s.phaseContext(r)
	defer cancel()

	out, err := s.runner.WriteScenario(ctx, pipelines.ScenarioInput{
		GenerationID:    r.id,
		Prompt:          r.req.Prompt,
		AspectRatio:     string(r.req.AspectRatio),
		Media:           r.media,
		EnrichedContext: enriched,
	})
	if err != nil {
		return nil, s.phaseErr(r, ctx, err)
	}
	sc := out.Scenario.Clone()
	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	if err := s.repo.SaveScenario(context.WithoutCancel(r.ctx), r.id, sc); err != nil {
		return nil, err
	}
	return sc, nil
}

func (s *Service) buildProjects(r *run, sc *scenario.Scenario, enriched []byte) ([]scenario.SceneProject, error) {
	ctx, cancel := s.phaseContext(r)
	defer cancel()

	out, err := s.runner.BuildProjects(ctx, pipelines.ProjectsInput{
		GenerationID:    r.id,
		AspectRatio:     string(r.req.AspectRatio),
		Scenario:        sc,
		EnrichedContext: enriched,
	})
	if err != nil {
		return nil, s.phaseErr(r, ctx, err)
	}
	if err := scenario.ValidateProjects(sc, out.Projects); err != nil {
		return nil, err
	}
	if err := s.repo.SaveSceneProjects(context.WithoutCancel(r.ctx), r.id, out.Projects); err != nil {
		return nil, err
	}
	return out.Projects, nil
}

// trackScenes turns scene progress into generation progress until every
// scene is terminal. It is the only writer of generation progress in phase3.
func (s *Service) trackScenes(r *run, coord *coordinator) error {
	for {
		select {
		case <-coord.changed:
			s.setProgress(r, scenesBand(coord.aggregate()))
		case <-coord.idleCh():
			s.setProgress(r, scenesBand(coord.aggregate()))
			return nil
		case <-r.ctx.Done():
			return context.Cause(r.ctx)
		}
	}
}

// leaveScenes moves from phase3 (or the scenes review gate) to phase4 once no
// scene is rendering and the failure policy allows composition. Regenerations
// started at the gate are waited for first.
func (s *Service) leaveScenes(r *run, coord *coordinator, next generation.Stage) error {
	for {
		select {
		case <-coord.idleCh():
		case <-r.ctx.Done():
			return context.Cause(r.ctx)
		}
		if coord.busy() {
			continue
		}
		if err := s.opts.Policy.Evaluate(coord.scenes()); err != nil {
			return phaseError(generation.PhaseScenes, err)
		}
		// RegenerateScene submits under the run lock.
		err := s.transitionIf(r, next, "", func() error {
			if coord.busy() {
				return errSceneBusy
			}
			return nil
		})
		if errors.Is(err, errSceneBusy) {
			continue
		}
		if err != nil {
			return err
		}
		s.setProgress(r, progressScenesEnd)
		return nil
	}
}

var errSceneBusy = errors.New("scene render in flight")

func (s *Service) compose(r *run, scenes []*generation.Scene) (string, error) {
	ctx, cancel := s.phaseContext(r)
	defer cancel()

	in := pipelines.ComposeInput{
		GenerationID: r.id,
		AspectRatio:  string(r.req.AspectRatio),
		Scenes:       make([]pipelines.ComposeScene, 0, len(scenes)),
	}
	for _, sc := range scenes {
		in.Scenes = append(in.Scenes, pipelines.ComposeScene{
			SceneID:         sc.SceneID,
			Kind:            sc.Kind,
			OrderIndex:      sc.OrderIndex,
			DurationSeconds: sc.Project.DurationSeconds,
			AssetPath:       sc.RenderedAssetPath,
			Placeholder:     sc.Status != generation.SceneCompleted,
		})
	}
	out, err := s.runner.Compose(ctx, in)
	if err != nil {
		return "", s.phaseErr(r, ctx, err)
	}
	return out.ResultPath, nil
}

// settle records the terminal stage for a supervisor that returned err.
func (s *Service) settle(r *run, err error) {
	if err == nil {
		return
	}
	cause := context.Cause(r.ctx)
	switch {
	case r.isCancelRequested() || errors.Is(cause, errCancelled):
		s.finishCancelled(r)
	case errors.Is(cause, errShutdown):
		s.finishFailed(r, errShutdown.Error())
	default:
		s.finishFailed(r, err.Error())
	}
}

func (s *Service) finishCancelled(r *run) {
	if coord := r.coordinator(); coord != nil {
		coord.drain(s.opts.CancelGrace)
		coord.forceTerminal(errCancelled.Error())
	}
	if !s.finish(r, generation.StageCancelled, "") {
		return
	}
	s.logger.Info("generation cancelled", "generation_id", r.id)
}

func (s *Service) finishFailed(r *run, msg string) {
	if coord := r.coordinator(); coord != nil {
		coord.drain(s.opts.CancelGrace)
		coord.forceTerminal(msg)
	}
	if !s.finish(r, generation.StageFailed, msg) {
		return
	}
	s.logger.Warn("generation failed", "generation_id", r.id, "error", msg)
}

// finish moves a run to a terminal stage exactly once.
func (s *Service) finish(r *run, stage generation.Stage, msg string) bool {
	r.mu.Lock()
	if r.stage.Terminal() {
		r.mu.Unlock()
		return false
	}
	if err := s.repo.UpdateStage(context.WithoutCancel(r.ctx), r.id, stage, msg); err != nil {
		s.logger.Error("failed to persist terminal stage", "generation_id", r.id, "stage", stage, "error", err)
	}
	phase := r.stage.Phase()
	r.stage = stage
	progress := r.progress
	r.mu.Unlock()

	evMsg := msg
	if stage == generation.StageCancelled {
		evMsg = errCancelled.Error()
	}
	s.publishTerminal(r.id, stage, phase, progress, "", evMsg)
	s.report(r.id)
	return true
}
