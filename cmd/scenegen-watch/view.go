package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/heimdex/heimdex-scenegen/internal/api"
	"github.com/heimdex/heimdex-scenegen/internal/generation"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	stageStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#CCCCCC"))
	gateStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801")).Bold(true)
	doneStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	failStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
)

const (
	sceneWidth   = 12
	requestLimit = 30 * time.Second
)

type actions interface {
	Continue(ctx context.Context, id string) (*api.GenerationSummary, error)
	Cancel(ctx context.Context, id string) (*api.GenerationSummary, error)
}

type snapshotMsg struct{ g *api.GenerationResponse }

type finishedMsg struct {
	final *api.GenerationResponse
	err   error
}

type actionMsg struct {
	verb string
	err  error
}

type model struct {
	actions  actions
	id       string
	gen      *api.GenerationResponse
	spinner  spinner.Model
	bar      progress.Model
	notice   string
	err      error
	finished bool
}

func newModel(a actions, id string) model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	return model{
		actions: a,
		id:      id,
		spinner: sp,
		bar:     progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
	}
}

func (m model) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "c":
			if m.gen != nil && m.gen.PausedForReview {
				return m, m.run("continue", m.actions.Continue)
			}
		case "x":
			if m.gen != nil && !generation.Status(m.gen.Status).Terminal() {
				return m, m.run("cancel", m.actions.Cancel)
			}
		}
	case snapshotMsg:
		m.gen = msg.g
	case finishedMsg:
		m.finished = true
		if msg.final != nil {
			m.gen = msg.final
		}
		m.err = msg.err
		return m, tea.Quit
	case actionMsg:
		if msg.err != nil {
			m.notice = fmt.Sprintf("%s failed: %v", msg.verb, msg.err)
		} else {
			m.notice = msg.verb + " sent"
		}
	case tea.WindowSizeMsg:
		m.bar.Width = max(10, min(60, msg.Width-20))
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m model) run(verb string, fn func(context.Context, string) (*api.GenerationSummary, error)) tea.Cmd {
	id := m.id
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestLimit)
		defer cancel()
		_, err := fn(ctx, id)
		return actionMsg{verb: verb, err: err}
	}
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Generation "+m.id) + "\n\n")

	if m.gen == nil {
		b.WriteString(m.spinner.View() + " waiting for first status...\n")
		return b.String()
	}
	g := m.gen

	status := generation.Status(g.Status)
	switch {
	case status == generation.StatusCompleted:
		b.WriteString(doneStyle.Render("completed") + "\n")
	case status.Terminal():
		line := g.Status
		if g.Error != "" {
			line += ": " + g.Error
		}
		b.WriteString(failStyle.Render(line) + "\n")
	case g.PausedForReview:
		b.WriteString(gateStyle.Render("waiting for review: "+g.Stage) + "\n")
	default:
		b.WriteString(m.spinner.View() + " " + stageStyle.Render(stageLabel(g)) + "\n")
	}

	b.WriteString(m.bar.ViewAs(float64(g.Progress)/100) + "\n\n")

	for _, sc := range g.Scenes {
		b.WriteString(sceneLine(sc) + "\n")
	}
	if len(g.Scenes) > 0 {
		b.WriteString("\n")
	}
	if g.ResultURL != "" {
		b.WriteString("result: " + g.ResultURL + "\n")
	}
	if t, err := time.Parse(time.RFC3339, g.UpdatedAt); err == nil {
		b.WriteString(dimStyle.Render("updated "+humanize.Time(t)) + "\n")
	}
	if m.notice != "" {
		b.WriteString(m.notice + "\n")
	}

	hints := []string{"q quit"}
	if g.PausedForReview {
		hints = append(hints, "c continue")
	}
	if !status.Terminal() {
		hints = append(hints, "x cancel")
	}
	b.WriteString(dimStyle.Render(strings.Join(hints, " · ")) + "\n")
	return b.String()
}

func stageLabel(g *api.GenerationResponse) string {
	if g.Phase == "" {
		return g.Stage
	}
	return fmt.Sprintf("%s (%s)", generation.Phase(g.Phase).Label(), g.Phase)
}

func sceneLine(sc api.SceneResponse) string {
	mark := dimStyle.Render("·")
	switch generation.SceneStatus(sc.Status) {
	case generation.SceneCompleted:
		mark = doneStyle.Render("✓")
	case generation.SceneFailed:
		mark = failStyle.Render("✗")
	case generation.SceneProcessing:
		mark = stageStyle.Render("▸")
	}
	line := fmt.Sprintf("%s %-*s %3d%%", mark, sceneWidth, sc.SceneID, sc.Progress)
	if sc.Error != "" {
		line += " " + dimStyle.Render(sc.Error)
	}
	return line
}

// statusLine is the plain-output rendering of a snapshot.
func statusLine(g *api.GenerationResponse) string {
	done := 0
	for _, sc := range g.Scenes {
		if generation.SceneStatus(sc.Status).Terminal() {
			done++
		}
	}
	line := fmt.Sprintf("%s %s %d%%", g.ID, g.Stage, g.Progress)
	if len(g.Scenes) > 0 {
		line += fmt.Sprintf(" scenes %d/%d", done, len(g.Scenes))
	}
	if g.PausedForReview {
		line += " (waiting for review)"
	}
	if g.Error != "" {
		line += " error: " + g.Error
	}
	return line
}
