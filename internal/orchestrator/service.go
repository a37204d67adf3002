// Package orchestrator runs generations through the five phases, pauses them
// at review gates, fans scenes out to a bounded worker pool and publishes
// every observable change on the event bus.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/heimdex/heimdex-scenegen/internal/events"
	"github.com/heimdex/heimdex-scenegen/internal/generation"
	"github.com/heimdex/heimdex-scenegen/internal/media"
	"github.com/heimdex/heimdex-scenegen/internal/pipelines"
	"github.com/heimdex/heimdex-scenegen/internal/scenario"
)

// ErrShuttingDown is returned by Generate once Shutdown has begun.
var ErrShuttingDown = errors.New("orchestrator is shutting down")

type GenerationService interface {
	Generate(ctx context.Context, req generation.Request) (*generation.Generation, error)
	GetStatus(ctx context.Context, id string) (*generation.Generation, error)
	ListGenerations(ctx context.Context, limit int) ([]*generation.Generation, error)
	GetScenario(ctx context.Context, id string) (*scenario.Scenario, error)
	UpdateScenario(ctx context.Context, id string, sc *scenario.Scenario) (*scenario.Scenario, error)
	Continue(ctx context.Context, id string) (*generation.Generation, error)
	Cancel(ctx context.Context, id string) (*generation.Generation, error)
	RegenerateScene(ctx context.Context, id, sceneID string) (*generation.Scene, error)
	Subscribe(ctx context.Context, id string) (events.Subscription, error)
	ActiveCount() int
}

type Deps struct {
	Repo     generation.Repository
	Runner   pipelines.Runner
	Prober   media.Prober
	Bus      *events.Bus
	Reporter Reporter
	Logger   *slog.Logger
}

type Service struct {
	repo     generation.Repository
	runner   pipelines.Runner
	prober   media.Prober
	bus      *events.Bus
	reporter Reporter
	logger   *slog.Logger
	opts     Options

	base    context.Context
	slots   *semaphore.Weighted
	workers *semaphore.Weighted
	wg      sync.WaitGroup

	mu     sync.Mutex
	runs   map[string]*run
	closed bool
}

func New(deps Deps, opts Options) *Service {
	opts = opts.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	prober := deps.Prober
	if prober == nil {
		prober = media.NewStubProber(logger)
	}
	bus := deps.Bus
	if bus == nil {
		bus = events.NewBus(events.WithLogger(logger))
	}
	return &Service{
		repo:     deps.Repo,
		runner:   deps.Runner,
		prober:   prober,
		bus:      bus,
		reporter: deps.Reporter,
		logger:   logger,
		opts:     opts,
		base:     context.Background(),
		slots:    semaphore.NewWeighted(opts.MaxConcurrentGenerations),
		workers:  semaphore.NewWeighted(opts.SceneWorkers),
		runs:     make(map[string]*run),
	}
}

func (s *Service) Bus() *events.Bus { return s.bus }

func (s *Service) Options() Options { return s.opts }

// Generate records a new generation and starts its supervisor. It returns as
// soon as the queued record is persisted.
func (s *Service) Generate(ctx context.Context, req generation.Request) (*generation.Generation, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrShuttingDown
	}

	now := time.Now().UTC()
	g := &generation.Generation{
		ID:        generation.NewID(),
		Stage:     generation.StageQueued,
		Request:   req,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.CreateGeneration(ctx, g); err != nil {
		return nil, fmt.Errorf("create generation: %w", err)
	}

	r := newRun(s.base, g)
	s.runs[g.ID] = r
	s.wg.Add(1)
	go s.supervise(r)

	s.logger.Info("generation queued",
		"generation_id", g.ID,
		"videos", len(req.Videos),
		"images", len(req.Images),
		"review_scenario", req.ReviewScenario,
		"review_scenes", req.ReviewScenes,
	)
	return g, nil
}

func (s *Service) lookup(id string) *run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[id]
}

func (s *Service) forget(id string) {
	s.mu.Lock()
	delete(s.runs, id)
	s.mu.Unlock()
}

func (s *Service) load(ctx context.Context, id string) (*generation.Generation, error) {
	g, err := s.repo.GetGeneration(ctx, id)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, fmt.Errorf("%w: %s", generation.ErrNotFound, id)
	}
	return g, nil
}

func (s *Service) GetStatus(ctx context.Context, id string) (*generation.Generation, error) {
	return s.load(ctx, id)
}

func (s *Service) ListGenerations(ctx context.Context, limit int) ([]*generation.Generation, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.repo.ListGenerations(ctx, limit)
}

// GetScenario returns the current timeline, or ErrNotReady before phase1 has
// produced one.
func (s *Service) GetScenario(ctx context.Context, id string) (*scenario.Scenario, error) {
	g, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if g.Scenario == nil {
		return nil, fmt.Errorf("%w: scenario for %s is not written yet", generation.ErrNotReady, id)
	}
	return g.Scenario, nil
}

// UpdateScenario replaces the timeline of a generation paused at the scenario
// review gate. Edits after continue are rejected.
func (s *Service) UpdateScenario(ctx context.Context, id string, sc *scenario.Scenario) (*scenario.Scenario, error) {
	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", generation.ErrValidation, err)
	}
	r := s.lookup(id)
	if r == nil {
		g, err := s.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if g.Stage.Terminal() {
			return nil, fmt.Errorf("%w: generation %s is %s", generation.ErrAlreadyTerminal, id, g.Stage)
		}
		return nil, fmt.Errorf("%w: generation %s is %s", generation.ErrInvalidState, id, g.Stage)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stage.Terminal() || r.cancelRequested {
		return nil, fmt.Errorf("%w: generation %s", generation.ErrAlreadyTerminal, id)
	}
	if r.stage != generation.StageReviewScenario || r.continued {
		return nil, fmt.Errorf("%w: scenario can only be edited at the scenario review gate (stage %s)", generation.ErrInvalidState, r.stage)
	}
	sc = sc.Clone()
	if err := s.repo.SaveScenario(ctx, id, sc); err != nil {
		return nil, err
	}
	s.logger.Info("scenario updated", "generation_id", id, "items", len(sc.Items))
	return sc, nil
}

// Continue releases a generation paused at a review gate. The supervisor
// performs the resulting stage transition.
func (s *Service) Continue(ctx context.Context, id string) (*generation.Generation, error) {
	r := s.lookup(id)
	if r == nil {
		g, err := s.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if g.Stage.Terminal() {
			return nil, fmt.Errorf("%w: generation %s is %s", generation.ErrAlreadyTerminal, id, g.Stage)
		}
		return nil, fmt.Errorf("%w: generation %s is not awaiting review", generation.ErrInvalidState, id)
	}

	r.mu.Lock()
	switch {
	case r.stage.Terminal() || r.cancelRequested:
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: generation %s", generation.ErrAlreadyTerminal, id)
	case !r.stage.PausedForReview() || r.continued:
		stage := r.stage
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: generation %s is not awaiting review (stage %s)", generation.ErrInvalidState, id, stage)
	}
	r.continued = true
	close(r.resume)
	stage := r.stage
	r.mu.Unlock()

	s.logger.Info("review continued", "generation_id", id, "gate", stage.Gate())
	return s.load(ctx, id)
}

// Cancel stops a generation cooperatively. The first call returns the record
// in the cancelled state; every later call fails with ErrAlreadyTerminal.
func (s *Service) Cancel(ctx context.Context, id string) (*generation.Generation, error) {
	r := s.lookup(id)
	if r == nil {
		g, err := s.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if g.Stage.Terminal() {
			return nil, fmt.Errorf("%w: generation %s is %s", generation.ErrAlreadyTerminal, id, g.Stage)
		}
		// no supervisor owns it, so the record is settled directly
		if err := s.repo.UpdateStage(ctx, id, generation.StageCancelled, ""); err != nil {
			return nil, err
		}
		s.publishTerminal(id, generation.StageCancelled, g.Phase(), g.Progress, "", errCancelled.Error())
		return s.load(ctx, id)
	}

	r.mu.Lock()
	if r.stage.Terminal() || r.cancelRequested {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: generation %s", generation.ErrAlreadyTerminal, id)
	}
	r.cancelRequested = true
	r.mu.Unlock()
	r.cancel(errCancelled)
	s.logger.Info("cancel requested", "generation_id", id)

	select {
	case <-r.done:
	case <-time.After(s.opts.CancelGrace):
		s.logger.Warn("generation did not stop within grace, forcing cancelled", "generation_id", id, "grace", s.opts.CancelGrace)
		if coord := r.coordinator(); coord != nil {
			coord.forceTerminal(errCancelled.Error())
		}
		s.finish(r, generation.StageCancelled, "")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.load(context.WithoutCancel(ctx), id)
}

// RegenerateScene re-renders one terminal scene while its generation is in
// phase3 or paused at the scenes review gate.
func (s *Service) RegenerateScene(ctx context.Context, id, sceneID string) (*generation.Scene, error) {
	r := s.lookup(id)
	if r == nil {
		g, err := s.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if g.Stage.Terminal() {
			return nil, fmt.Errorf("%w: generation %s is %s", generation.ErrAlreadyTerminal, id, g.Stage)
		}
		return nil, fmt.Errorf("%w: generation %s is %s", generation.ErrInvalidState, id, g.Stage)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stage.Terminal() || r.cancelRequested {
		return nil, fmt.Errorf("%w: generation %s", generation.ErrAlreadyTerminal, id)
	}
	inScenes := r.stage == generation.StageScenes ||
		(r.stage == generation.StageReviewScenes && !r.continued)
	if !inScenes || r.coord == nil {
		return nil, fmt.Errorf("%w: scenes can only be regenerated during rendering or scene review (stage %s)", generation.ErrInvalidState, r.stage)
	}
	if err := r.coord.regenerate(sceneID); err != nil {
		return nil, err
	}
	s.logger.Info("scene regeneration requested", "generation_id", id, "scene_id", sceneID)
	sc := r.coord.byID[sceneID].snapshot()
	return &sc, nil
}

// Subscribe joins the event stream of one generation. Terminal generations
// can still be joined; no further events arrive for them.
func (s *Service) Subscribe(ctx context.Context, id string) (events.Subscription, error) {
	if s.lookup(id) == nil {
		if _, err := s.load(ctx, id); err != nil {
			return events.Subscription{}, err
		}
	}
	return s.bus.Join(id), nil
}

// ActiveCount is the number of generations with a live supervisor.
func (s *Service) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}

// CancelAll cancels every active generation and returns how many it stopped.
func (s *Service) CancelAll(ctx context.Context) int {
	s.mu.Lock()
	ids := make([]string, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	n := 0
	for _, id := range ids {
		_, err := s.Cancel(ctx, id)
		switch {
		case err == nil:
			n++
		case errors.Is(err, generation.ErrAlreadyTerminal), errors.Is(err, generation.ErrNotFound):
		default:
			s.logger.Warn("cancel failed", "generation_id", id, "error", err)
		}
	}
	return n
}

// Shutdown stops accepting work, interrupts every active generation and waits
// for supervisors and reporters to exit or for ctx to expire.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for _, r := range s.runs {
		r.cancel(errShutdown)
	}
	active := len(s.runs)
	s.mu.Unlock()
	s.logger.Info("orchestrator shutting down", "active", active)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
