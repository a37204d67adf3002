package ui

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "embed"

	"github.com/dustin/go-humanize"
	"github.com/getlantern/systray"

	"github.com/heimdex/heimdex-scenegen/internal/generation"
)

//go:embed icon.png
var iconBytes []byte

const refreshInterval = 3 * time.Second

// Generations is the part of the orchestrator the tray reads and controls.
type Generations interface {
	ActiveCount() int
	ListGenerations(ctx context.Context, limit int) ([]*generation.Generation, error)
	CancelAll(ctx context.Context) int
}

type Tray struct {
	service Generations
	logger  *slog.Logger

	statusItem *systray.MenuItem
	lastItem   *systray.MenuItem
	cancelItem *systray.MenuItem

	mu   sync.Mutex
	stop chan struct{}

	onQuit func()
}

type TrayConfig struct {
	Service Generations
	Logger  *slog.Logger
	OnQuit  func()
}

func NewTray(cfg TrayConfig) *Tray {
	return &Tray{
		service: cfg.Service,
		logger:  cfg.Logger,
		onQuit:  cfg.OnQuit,
		stop:    make(chan struct{}),
	}
}

func (t *Tray) Run() {
	systray.Run(t.onReady, t.onExit)
}

func (t *Tray) onReady() {
	systray.SetIcon(iconBytes)
	systray.SetTitle("Scenegen")
	systray.SetTooltip("Heimdex Scene Generator")

	t.statusItem = systray.AddMenuItem("Status: Idle", "Active generations")
	t.statusItem.Disable()

	t.lastItem = systray.AddMenuItem("Last: none", "Most recent finished generation")
	t.lastItem.Disable()

	systray.AddSeparator()

	t.cancelItem = systray.AddMenuItem("Cancel all generations", "Cancel every running generation")

	systray.AddSeparator()

	quitItem := systray.AddMenuItem("Quit", "Quit Heimdex Scene Generator")

	go t.refreshLoop()

	go func() {
		for {
			select {
			case <-t.cancelItem.ClickedCh:
				go t.cancelAll()
			case <-quitItem.ClickedCh:
				t.logger.Info("quit requested from tray")
				if t.onQuit != nil {
					t.onQuit()
				}
				systray.Quit()
				return
			}
		}
	}()

	t.logger.Info("system tray ready")
}

func (t *Tray) onExit() {
	close(t.stop)
	t.logger.Info("system tray exiting")
}

func (t *Tray) refreshLoop() {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		t.refresh()
		select {
		case <-t.stop:
			return
		case <-ticker.C:
		}
	}
}

func (t *Tray) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), refreshInterval)
	defer cancel()

	recent, err := t.service.ListGenerations(ctx, 20)
	if err != nil {
		t.logger.Debug("tray refresh failed", "error", err)
		return
	}
	status, last := summarize(t.service.ActiveCount(), recent, time.Now())

	t.mu.Lock()
	defer t.mu.Unlock()
	t.statusItem.SetTitle(status)
	t.lastItem.SetTitle(last)
	if t.service.ActiveCount() > 0 {
		t.cancelItem.Enable()
	} else {
		t.cancelItem.Disable()
	}
}

func (t *Tray) cancelAll() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	n := t.service.CancelAll(ctx)
	t.logger.Info("cancel all requested from tray", "cancelled", n)
	t.refresh()
}

// summarize renders the two informational menu lines. recent is newest first.
func summarize(active int, recent []*generation.Generation, now time.Time) (status, last string) {
	switch active {
	case 0:
		status = "Status: Idle"
	case 1:
		status = "Status: 1 generation running"
	default:
		status = fmt.Sprintf("Status: %d generations running", active)
	}

	last = "Last: none"
	for _, g := range recent {
		if !g.Status().Terminal() {
			continue
		}
		at := g.UpdatedAt
		if g.CompletedAt != nil {
			at = *g.CompletedAt
		}
		last = fmt.Sprintf("Last: %s %s", g.Status(), humanize.RelTime(at, now, "ago", "from now"))
		break
	}
	return status, last
}

func (t *Tray) Quit() {
	systray.Quit()
}
