package orchestrator

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/heimdex/heimdex-scenegen/internal/events"
	"github.com/heimdex/heimdex-scenegen/internal/generation"
)

// Reporter is told about every generation that reaches a terminal state.
type Reporter interface {
	ReportGeneration(ctx context.Context, g *generation.Generation) error
}

const reportTimeout = 30 * time.Second

func (s *Service) publishPhaseChange(id string, stage generation.Stage, progress int) {
	s.bus.Publish(events.Event{
		Kind:         events.KindPhaseChange,
		GenerationID: id,
		Status:       stage.Status(),
		Phase:        stage.Phase(),
		Stage:        stage,
		Progress:     progress,
	})
}

func (s *Service) publishProgress(id string, stage generation.Stage, progress int) {
	s.bus.Publish(events.Event{
		Kind:         events.KindProgress,
		GenerationID: id,
		Status:       stage.Status(),
		Phase:        stage.Phase(),
		Stage:        stage,
		Progress:     progress,
	})
}

func (s *Service) publishSceneComplete(id, sceneID, sceneURL string) {
	s.bus.Publish(events.Event{
		Kind:         events.KindSceneComplete,
		GenerationID: id,
		SceneID:      sceneID,
		SceneURL:     sceneURL,
	})
}

func (s *Service) publishSceneError(id, sceneID, reason string) {
	s.bus.Publish(events.Event{
		Kind:         events.KindError,
		GenerationID: id,
		SceneID:      sceneID,
		Error:        fmt.Sprintf("scene %s: %s", sceneID, reason),
	})
}

// publishTerminal announces the end of a generation. phase is the phase it
// stopped in.
func (s *Service) publishTerminal(id string, stage generation.Stage, phase generation.Phase, progress int, resultURL, errMsg string) {
	ev := events.Event{
		GenerationID: id,
		Status:       stage.Status(),
		Phase:        phase,
		Stage:        stage,
		Progress:     progress,
	}
	if stage == generation.StageCompleted {
		ev.Kind = events.KindGenerationComplete
		ev.ResultURL = resultURL
	} else {
		ev.Kind = events.KindError
		ev.Error = errMsg
	}
	s.bus.Publish(ev)
}

// report hands the final record to the reporter without blocking the caller.
func (s *Service) report(id string) {
	if s.reporter == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
		defer cancel()
		g, err := s.repo.GetGeneration(ctx, id)
		if err != nil || g == nil {
			s.logger.Warn("cannot load generation for report", "generation_id", id, "error", err)
			return
		}
		if err := s.reporter.ReportGeneration(ctx, g); err != nil {
			s.logger.Warn("generation report failed", "generation_id", id, "error", err)
		}
	}()
}

func (s *Service) resultURL(id string) string {
	return s.link("generations", id, "result")
}

func (s *Service) sceneURL(id, sceneID string) string {
	return s.link("generations", id, "scenes", sceneID, "asset")
}

func (s *Service) link(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return strings.TrimRight(s.opts.PublicBaseURL, "/") + "/" + strings.Join(escaped, "/")
}
