package orchestrator

import (
	"context"
	"errors"
	"sync"

	"github.com/heimdex/heimdex-scenegen/internal/generation"
	"github.com/heimdex/heimdex-scenegen/internal/pipelines"
)

var (
	errCancelled = errors.New("cancelled")
	errShutdown  = errors.New("interrupted by shutdown")
)

// run is the in-memory supervisor state of one active generation. Only the
// supervising goroutine changes stage and progress; other callers flip the
// review and cancel flags under mu.
type run struct {
	id     string
	req    generation.Request
	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}

	// set during phase0, read-only afterwards
	media   []pipelines.MediaInfo
	sources map[string]string

	mu              sync.Mutex
	stage           generation.Stage
	progress        int
	resume          chan struct{}
	continued       bool
	cancelRequested bool
	coord           *coordinator
}

func newRun(parent context.Context, g *generation.Generation) *run {
	ctx, cancel := context.WithCancelCause(parent)
	return &run{
		id:      g.ID,
		req:     g.Request,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		stage:   g.Stage,
		sources: map[string]string{},
	}
}

func (r *run) snapshot() (generation.Stage, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stage, r.progress
}

func (r *run) isCancelRequested() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelRequested
}

func (r *run) coordinator() *coordinator {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.coord
}

// transition moves the run to the next stage and persists it. Once a cancel
// has been requested, only the cancelled stage is reachable.
func (s *Service) transition(r *run, to generation.Stage, errMsg string) error {
	return s.transitionIf(r, to, errMsg, nil)
}

// transitionIf is transition with a guard evaluated under the run lock.
func (s *Service) transitionIf(r *run, to generation.Stage, errMsg string, guard func() error) error {
	r.mu.Lock()
	from := r.stage
	if from == to {
		r.mu.Unlock()
		return nil
	}
	if r.cancelRequested && to != generation.StageCancelled {
		r.mu.Unlock()
		return errCancelled
	}
	if guard != nil {
		if err := guard(); err != nil {
			r.mu.Unlock()
			return err
		}
	}
	if err := generation.ValidateTransition(from, to); err != nil {
		r.mu.Unlock()
		return err
	}
	if err := s.repo.UpdateStage(context.WithoutCancel(r.ctx), r.id, to, errMsg); err != nil {
		r.mu.Unlock()
		return err
	}
	r.stage = to
	if to.PausedForReview() {
		r.resume = make(chan struct{})
		r.continued = false
	}
	progress := r.progress
	r.mu.Unlock()

	s.logger.Info("generation stage changed",
		"generation_id", r.id,
		"from", from,
		"stage", to,
		"progress", progress,
	)
	if to.Status() == generation.StatusProcessing {
		s.publishPhaseChange(r.id, to, progress)
	}
	return nil
}

// setProgress records a new overall progress. Values are only ever raised,
// and nothing is written while the run is paused at a review gate.
func (s *Service) setProgress(r *run, p int) {
	if p > progressDone {
		p = progressDone
	}
	r.mu.Lock()
	if r.stage.PausedForReview() || r.stage.Terminal() || p <= r.progress {
		r.mu.Unlock()
		return
	}
	r.progress = p
	stage := r.stage
	r.mu.Unlock()

	if err := s.repo.UpdateProgress(context.WithoutCancel(r.ctx), r.id, p); err != nil {
		s.logger.Warn("failed to persist progress", "generation_id", r.id, "error", err)
	}
	s.publishProgress(r.id, stage, p)
}

// waitForReview blocks the supervisor until continue or cancellation.
func (r *run) waitForReview() error {
	r.mu.Lock()
	ch := r.resume
	r.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-r.ctx.Done():
		return context.Cause(r.ctx)
	}
}
