package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/heimdex/heimdex-scenegen/internal/api"
	"github.com/heimdex/heimdex-scenegen/internal/client"
)

type fakeActions struct {
	continued []string
	cancelled []string
}

func (f *fakeActions) Continue(ctx context.Context, id string) (*api.GenerationSummary, error) {
	f.continued = append(f.continued, id)
	return &api.GenerationSummary{ID: id}, nil
}

func (f *fakeActions) Cancel(ctx context.Context, id string) (*api.GenerationSummary, error) {
	f.cancelled = append(f.cancelled, id)
	return nil, errors.New("already terminal")
}

func snapshot(stage, status string, progress int) *api.GenerationResponse {
	return &api.GenerationResponse{
		GenerationSummary: api.GenerationSummary{
			ID:              "g1",
			Stage:           stage,
			Status:          status,
			Progress:        progress,
			PausedForReview: strings.HasPrefix(stage, "review_"),
		},
	}
}

func key(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestStatusLine(t *testing.T) {
	g := snapshot("phase3", "processing", 54)
	g.Scenes = []api.SceneResponse{
		{SceneID: "intro", Status: "completed"},
		{SceneID: "body", Status: "processing"},
		{SceneID: "outro", Status: "failed"},
	}
	if got, want := statusLine(g), "g1 phase3 54% scenes 2/3"; got != want {
		t.Errorf("statusLine() = %q, want %q", got, want)
	}

	paused := snapshot("review_scenario", "processing", 25)
	if got := statusLine(paused); !strings.HasSuffix(got, "(waiting for review)") {
		t.Errorf("statusLine(paused) = %q", got)
	}
}

func TestModel_ContinueOnlyWhenPaused(t *testing.T) {
	fa := &fakeActions{}
	m := newModel(fa, "g1")

	next, _ := m.Update(snapshotMsg{snapshot("phase1", "processing", 10)})
	if _, cmd := next.Update(key("c")); cmd != nil {
		t.Fatal("continue should be ignored while not paused")
	}

	next, _ = next.Update(snapshotMsg{snapshot("review_scenario", "processing", 25)})
	_, cmd := next.Update(key("c"))
	if cmd == nil {
		t.Fatal("continue should issue a command at a review gate")
	}
	msg := cmd()
	if am, ok := msg.(actionMsg); !ok || am.err != nil || am.verb != "continue" {
		t.Fatalf("action result = %#v", msg)
	}
	if len(fa.continued) != 1 || fa.continued[0] != "g1" {
		t.Errorf("continued = %v", fa.continued)
	}
}

func TestModel_ActionFailureShownAsNotice(t *testing.T) {
	m := newModel(&fakeActions{}, "g1")
	next, _ := m.Update(snapshotMsg{snapshot("phase3", "processing", 50)})
	_, cmd := next.Update(key("x"))
	if cmd == nil {
		t.Fatal("cancel should issue a command while running")
	}
	next, _ = next.Update(cmd())
	if view := next.View(); !strings.Contains(view, "cancel failed: already terminal") {
		t.Errorf("view missing failure notice:\n%s", view)
	}
}

func TestModel_FinishedQuits(t *testing.T) {
	m := newModel(&fakeActions{}, "g1")
	final := snapshot("completed", "completed", 100)
	final.ResultURL = "http://127.0.0.1:8787/generations/g1/result"

	next, cmd := m.Update(finishedMsg{final: final})
	if cmd == nil {
		t.Fatal("finished should quit")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("finished command is not tea.Quit")
	}
	view := next.View()
	if !strings.Contains(view, "completed") || !strings.Contains(view, final.ResultURL) {
		t.Errorf("view:\n%s", view)
	}
}

func TestFollowPlain_PrintsResult(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/generations/g1" {
			http.NotFound(w, r)
			return
		}
		g := snapshot("phase3", "processing", 60)
		if polls.Add(1) > 2 {
			g = snapshot("completed", "completed", 100)
			g.ResultURL = "http://example.test/generations/g1/result"
		}
		api.WriteJSON(w, http.StatusOK, g)
	}))
	defer srv.Close()

	var buf bytes.Buffer
	err := followPlain(context.Background(), client.New(srv.URL, "", nil), "g1", 5*time.Millisecond, &buf)
	if err != nil {
		t.Fatalf("followPlain() error = %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	want := []string{"g1 phase3 60%", "g1 completed 100%", "http://example.test/generations/g1/result"}
	if len(lines) != len(want) {
		t.Fatalf("output = %q, want %q", lines, want)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}
}

func TestFollowPlain_FailedGenerationIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/generations/g1" {
			http.NotFound(w, r)
			return
		}
		g := snapshot("failed", "failed", 42)
		g.Error = "scene rendering failed: 1 of 3 scenes failed"
		api.WriteJSON(w, http.StatusOK, g)
	}))
	defer srv.Close()

	var buf bytes.Buffer
	err := followPlain(context.Background(), client.New(srv.URL, "", nil), "g1", time.Millisecond, &buf)
	if err == nil || !strings.Contains(err.Error(), "failed") {
		t.Fatalf("followPlain() error = %v, want failure", err)
	}
}
