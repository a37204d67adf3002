// scenegen-watch follows one generation on a running scenegen server. It
// shows a live view on a terminal and prints one line per change otherwise.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/term"

	"github.com/heimdex/heimdex-scenegen/internal/api"
	"github.com/heimdex/heimdex-scenegen/internal/client"
	"github.com/heimdex/heimdex-scenegen/internal/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		baseURL  = flag.String("url", envOr("HEIMDEX_URL", "http://127.0.0.1:8787"), "scenegen server URL")
		token    = flag.String("token", os.Getenv("HEIMDEX_TOKEN"), "API bearer token")
		interval = flag.Duration("interval", client.DefaultPollInterval, "status poll interval")
		prompt   = flag.String("prompt", "", "start a new generation with this prompt instead of following an id")
		review   = flag.Bool("review", false, "with -prompt: pause for scenario and scene review")
		plain    = flag.Bool("plain", false, "print one line per update even on a terminal")
	)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: scenegen-watch [flags] <generation-id>\n       scenegen-watch [flags] -prompt \"...\"\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	logger := logging.New("warn", os.Stderr)
	c := client.New(*baseURL, *token, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	id := flag.Arg(0)
	if *prompt != "" {
		created, err := c.Generate(ctx, api.GenerateRequest{
			Prompt:         *prompt,
			ReviewScenario: *review,
			ReviewScenes:   *review,
		})
		if err != nil {
			return fmt.Errorf("start generation: %w", err)
		}
		id = created.ID
		fmt.Fprintf(os.Stderr, "started generation %s\n", id)
	}
	if id == "" {
		flag.Usage()
		return fmt.Errorf("a generation id or -prompt is required")
	}

	if *plain || !term.IsTerminal(int(os.Stdout.Fd())) {
		return followPlain(ctx, c, id, *interval, os.Stdout)
	}
	return followTUI(ctx, c, id, *interval)
}

func followPlain(ctx context.Context, c *client.Client, id string, interval time.Duration, w io.Writer) error {
	var prev string
	final, err := c.Follow(ctx, id, interval, func(g *api.GenerationResponse) {
		line := statusLine(g)
		if line != prev {
			fmt.Fprintln(w, line)
			prev = line
		}
	})
	if err != nil {
		return err
	}
	if final.Status != "completed" {
		return fmt.Errorf("generation %s %s", final.Status, final.Error)
	}
	fmt.Fprintln(w, final.ResultURL)
	return nil
}

func followTUI(ctx context.Context, c *client.Client, id string, interval time.Duration) error {
	p := tea.NewProgram(newModel(c, id), tea.WithContext(ctx))

	go func() {
		final, err := c.Follow(ctx, id, interval, func(g *api.GenerationResponse) {
			p.Send(snapshotMsg{g})
		})
		p.Send(finishedMsg{final: final, err: err})
	}()

	res, err := p.Run()
	if err != nil {
		return err
	}
	if m, ok := res.(model); ok && m.err != nil {
		return m.err
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
