// Package cloud reports finished generations back to the product that
// requested them.
package cloud

import (
	"context"
	"log/slog"

	"github.com/heimdex/heimdex-scenegen/internal/generation"
)

// Client receives every generation that reaches a terminal state.
type Client interface {
	ReportGeneration(ctx context.Context, g *generation.Generation) error
}

// StubClient only logs. It is used when no callback URL is configured.
type StubClient struct {
	logger *slog.Logger
}

func NewStubClient(logger *slog.Logger) *StubClient {
	return &StubClient{logger: logger}
}

func (c *StubClient) ReportGeneration(ctx context.Context, g *generation.Generation) error {
	c.logger.Info("cloud stub: generation report requested",
		"generation_id", g.ID,
		"status", g.Status(),
		"task_id", g.Request.TaskID,
	)
	return nil
}
