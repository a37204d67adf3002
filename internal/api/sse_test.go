package api

import (
	"testing"

	"github.com/heimdex/heimdex-scenegen/internal/events"
	"github.com/heimdex/heimdex-scenegen/internal/generation"
)

func TestTerminalEvent(t *testing.T) {
	tests := []struct {
		name      string
		g         generation.Generation
		wantKind  events.Kind
		wantError string
		wantPhase generation.Phase
	}{
		{
			name:      "completed",
			g:         generation.Generation{ID: "g1", Stage: generation.StageCompleted, LastPhase: generation.PhaseComposition, Progress: 100, ResultURL: "http://host/generations/g1/result"},
			wantKind:  events.KindGenerationComplete,
			wantPhase: generation.PhaseComposition,
		},
		{
			name:      "cancelled",
			g:         generation.Generation{ID: "g1", Stage: generation.StageCancelled, LastPhase: generation.PhaseScenario, Progress: 25},
			wantKind:  events.KindError,
			wantError: "cancelled",
			wantPhase: generation.PhaseScenario,
		},
		{
			name:      "failed",
			g:         generation.Generation{ID: "g1", Stage: generation.StageFailed, LastPhase: generation.PhaseScenes, Error: "scene pipelines failed: render failure: scene s2: boom"},
			wantKind:  events.KindError,
			wantError: "scene pipelines failed: render failure: scene s2: boom",
			wantPhase: generation.PhaseScenes,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := terminalEvent(&tt.g)
			if ev.Kind != tt.wantKind || ev.Error != tt.wantError || ev.Phase != tt.wantPhase {
				t.Errorf("terminalEvent() = kind %s, error %q, phase %q; want %s, %q, %q",
					ev.Kind, ev.Error, ev.Phase, tt.wantKind, tt.wantError, tt.wantPhase)
			}
			if tt.wantKind == events.KindGenerationComplete && ev.ResultURL != tt.g.ResultURL {
				t.Errorf("ResultURL = %q", ev.ResultURL)
			}
			if ev.Status != tt.g.Status() || ev.Stage != tt.g.Stage {
				t.Errorf("status/stage = %s/%s", ev.Status, ev.Stage)
			}
		})
	}
}
