package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/heimdex/heimdex-scenegen/internal/generation"
	"github.com/heimdex/heimdex-scenegen/internal/logging"
	"github.com/heimdex/heimdex-scenegen/internal/pipelines"
	"github.com/heimdex/heimdex-scenegen/internal/scenario"
)

// minPersistStep limits how often in-flight scene progress is written.
const minPersistStep = 5

// sceneSlot owns one Scene record. Only the worker currently rendering the
// slot, or the cancellation path forcing a terminal state, writes to it.
type sceneSlot struct {
	item scenario.TimelineItem

	mu        sync.Mutex
	scene     generation.Scene
	persisted int
}

func (sl *sceneSlot) snapshot() generation.Scene {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.scene
}

// coordinator fans a generation's scenes out to the shared worker pool and
// aggregates their progress. Slots are indexed by order index.
type coordinator struct {
	svc   *Service
	run   *run
	slots []*sceneSlot
	byID  map[string]*sceneSlot

	changed chan struct{}

	mu       sync.Mutex
	inflight int
	idle     chan struct{}
}

func newCoordinator(svc *Service, r *run, items []scenario.TimelineItem, projects []scenario.SceneProject) *coordinator {
	idle := make(chan struct{})
	close(idle)
	c := &coordinator{
		svc:     svc,
		run:     r,
		slots:   make([]*sceneSlot, len(projects)),
		byID:    make(map[string]*sceneSlot, len(projects)),
		changed: make(chan struct{}, 1),
		idle:    idle,
	}
	now := time.Now()
	for i, p := range projects {
		sl := &sceneSlot{
			item: items[i],
			scene: generation.Scene{
				GenerationID: r.id,
				SceneID:      p.SceneID,
				Kind:         p.Kind,
				Status:       generation.SceneQueued,
				OrderIndex:   i,
				Project:      p,
				Attempts:     1,
				UpdatedAt:    now,
			},
		}
		c.slots[i] = sl
		c.byID[p.SceneID] = sl
	}
	return c
}

func (c *coordinator) scenes() []*generation.Scene {
	out := make([]*generation.Scene, len(c.slots))
	for i, sl := range c.slots {
		sc := sl.snapshot()
		out[i] = &sc
	}
	return out
}

// persistAll writes the initial scene set.
func (c *coordinator) persistAll(ctx context.Context) error {
	return c.svc.repo.CreateScenes(ctx, c.scenes())
}

// start submits every scene to the worker pool.
func (c *coordinator) start() {
	for _, sl := range c.slots {
		c.submit(sl, 1)
	}
}

func (c *coordinator) submit(sl *sceneSlot, attempt int) {
	c.begin()
	go c.work(sl, attempt)
}

func (c *coordinator) begin() {
	c.mu.Lock()
	if c.inflight == 0 {
		c.idle = make(chan struct{})
	}
	c.inflight++
	c.mu.Unlock()
}

func (c *coordinator) end() {
	c.mu.Lock()
	c.inflight--
	if c.inflight == 0 {
		close(c.idle)
	}
	c.mu.Unlock()
	c.notify()
}

func (c *coordinator) busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight > 0
}

// idleCh is closed whenever no worker is in flight.
func (c *coordinator) idleCh() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.idle
}

func (c *coordinator) notify() {
	select {
	case c.changed <- struct{}{}:
	default:
	}
}

// aggregate reads every slot's progress; it never holds more than one slot
// lock at a time.
func (c *coordinator) aggregate() int {
	items := make([]sceneProgress, len(c.slots))
	for i, sl := range c.slots {
		sc := sl.snapshot()
		items[i] = sceneProgress{progress: sc.Progress, duration: sc.Project.DurationSeconds}
	}
	return c.svc.opts.Weighting.aggregate(items)
}

func (c *coordinator) work(sl *sceneSlot, attempt int) {
	defer c.end()
	ctx := c.run.ctx
	logger := logging.WithSceneID(logging.WithGenerationID(c.svc.logger, c.run.id), sl.item.ID).With("attempt", attempt)

	if err := c.svc.workers.Acquire(ctx, 1); err != nil {
		c.fail(sl, attempt, stopReason(ctx))
		return
	}
	defer c.svc.workers.Release(1)

	if !c.update(sl, attempt, func(sc *generation.Scene) {
		sc.Status = generation.SceneProcessing
	}) {
		return
	}

	sctx, cancel := ctx, context.CancelFunc(func() {})
	if c.svc.opts.SceneTimeout > 0 {
		sctx, cancel = context.WithTimeout(ctx, c.svc.opts.SceneTimeout)
	}
	defer cancel()

	sl.mu.Lock()
	project := sl.scene.Project
	sl.mu.Unlock()

	out, err := c.svc.runner.RenderScene(sctx, pipelines.RenderInput{
		GenerationID: c.run.id,
		Item:         sl.item,
		Project:      project,
		Attempt:      attempt,
		SourcePath:   c.run.sources[sl.item.SourceVideoID],
	}, func(p int) {
		c.reportProgress(sl, attempt, p)
	})

	switch {
	case ctx.Err() != nil:
		c.fail(sl, attempt, stopReason(ctx))
	case err != nil && errors.Is(sctx.Err(), context.DeadlineExceeded):
		c.fail(sl, attempt, fmt.Sprintf("render timed out after %s", c.svc.opts.SceneTimeout))
		logger.Warn("scene render timed out")
	case err != nil:
		c.fail(sl, attempt, err.Error())
		logger.Warn("scene render failed", "error", err)
	default:
		url := c.svc.sceneURL(c.run.id, sl.item.ID)
		if c.update(sl, attempt, func(sc *generation.Scene) {
			sc.Status = generation.SceneCompleted
			sc.Progress = 100
			sc.RenderedAssetPath = out.AssetPath
			sc.RenderedAssetURL = url
			sc.Error = ""
		}) {
			logger.Info("scene rendered")
			c.svc.publishSceneComplete(c.run.id, sl.item.ID, url)
		}
	}
}

func stopReason(ctx context.Context) string {
	if errors.Is(context.Cause(ctx), errShutdown) {
		return errShutdown.Error()
	}
	return errCancelled.Error()
}

func (c *coordinator) reportProgress(sl *sceneSlot, attempt, p int) {
	sl.mu.Lock()
	if sl.scene.Attempts != attempt || sl.scene.Status != generation.SceneProcessing || p <= sl.scene.Progress {
		sl.mu.Unlock()
		return
	}
	sl.scene.Progress = p
	sl.scene.UpdatedAt = time.Now()
	var persist *generation.Scene
	if p-sl.persisted >= minPersistStep || p == 100 {
		sl.persisted = p
		sc := sl.scene
		persist = &sc
	}
	sl.mu.Unlock()

	if persist != nil {
		if err := c.svc.repo.UpdateScene(context.WithoutCancel(c.run.ctx), persist); err != nil {
			c.svc.logger.Warn("failed to persist scene progress", "generation_id", c.run.id, "scene_id", persist.SceneID, "error", err)
		}
	}
	c.notify()
}

// update applies fn to the slot's scene and persists it, unless the slot has
// moved on to another attempt or was already forced terminal.
func (c *coordinator) update(sl *sceneSlot, attempt int, fn func(*generation.Scene)) bool {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.scene.Attempts != attempt || sl.scene.Status.Terminal() {
		return false
	}
	fn(&sl.scene)
	sl.scene.UpdatedAt = time.Now()
	sl.persisted = sl.scene.Progress
	if err := c.svc.repo.UpdateScene(context.WithoutCancel(c.run.ctx), &sl.scene); err != nil {
		c.svc.logger.Warn("failed to persist scene", "generation_id", c.run.id, "scene_id", sl.scene.SceneID, "error", err)
	}
	return true
}

func (c *coordinator) fail(sl *sceneSlot, attempt int, reason string) {
	if c.update(sl, attempt, func(sc *generation.Scene) {
		sc.Status = generation.SceneFailed
		sc.Error = reason
	}) {
		c.svc.publishSceneError(c.run.id, sl.item.ID, reason)
	}
}

// regenerate resets one terminal scene and resubmits it. Siblings are not
// touched.
func (c *coordinator) regenerate(sceneID string) error {
	sl, ok := c.byID[sceneID]
	if !ok {
		return fmt.Errorf("%w: scene %q", generation.ErrNotFound, sceneID)
	}
	sl.mu.Lock()
	if !sl.scene.Status.Terminal() {
		sl.mu.Unlock()
		return fmt.Errorf("%w: scene %s is %s", generation.ErrInvalidState, sceneID, sl.scene.Status)
	}
	sl.scene.Attempts++
	sl.scene.Status = generation.SceneQueued
	sl.scene.Progress = 0
	sl.scene.RenderedAssetPath = ""
	sl.scene.RenderedAssetURL = ""
	sl.scene.Error = ""
	sl.scene.UpdatedAt = time.Now()
	sl.persisted = 0
	attempt := sl.scene.Attempts
	sc := sl.scene
	sl.mu.Unlock()

	if err := c.svc.repo.UpdateScene(context.WithoutCancel(c.run.ctx), &sc); err != nil {
		return err
	}
	c.submit(sl, attempt)
	return nil
}

// drain waits up to grace for in-flight workers to return.
func (c *coordinator) drain(grace time.Duration) {
	if grace <= 0 {
		return
	}
	select {
	case <-c.idleCh():
	case <-time.After(grace):
	}
}

// forceTerminal fails every scene that is still queued or processing.
func (c *coordinator) forceTerminal(reason string) {
	for _, sl := range c.slots {
		sl.mu.Lock()
		if sl.scene.Status.Terminal() {
			sl.mu.Unlock()
			continue
		}
		sl.scene.Status = generation.SceneFailed
		sl.scene.Error = reason
		sl.scene.UpdatedAt = time.Now()
		sc := sl.scene
		sl.mu.Unlock()
		if err := c.svc.repo.UpdateScene(context.WithoutCancel(c.run.ctx), &sc); err != nil {
			c.svc.logger.Warn("failed to force scene terminal", "generation_id", c.run.id, "scene_id", sc.SceneID, "error", err)
		}
	}
}
