package pipelines

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const defaultCacheTTL = 5 * time.Minute

// DoctorRunner is the part of Runner the doctor cache needs.
type DoctorRunner interface {
	RunDoctor(ctx context.Context) (*Capabilities, error)
}

// CachedDoctor holds the last worker capability probe. /status reads it with
// Peek; the probe itself only runs from Refresh, Get on expiry, or Watch.
type CachedDoctor struct {
	runner DoctorRunner
	ttl    time.Duration
	logger *slog.Logger

	mu      sync.RWMutex
	cached  *Capabilities
	lastErr error
}

func NewCachedDoctor(runner DoctorRunner, logger *slog.Logger) *CachedDoctor {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedDoctor{
		runner: runner,
		ttl:    defaultCacheTTL,
		logger: logger,
	}
}

// Get returns the capabilities, probing when the cached copy is older than
// the TTL.
func (d *CachedDoctor) Get(ctx context.Context) (*Capabilities, error) {
	d.mu.RLock()
	caps := d.cached
	d.mu.RUnlock()
	if caps != nil && time.Since(caps.ProbedAt) < d.ttl {
		return caps, nil
	}
	return d.Refresh(ctx)
}

func (d *CachedDoctor) Peek() *Capabilities {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cached
}

// LastError is the error of the most recent probe, nil once a probe succeeds.
func (d *CachedDoctor) LastError() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastErr
}

// Refresh probes the workers now. When the probe fails and an earlier result
// exists, the earlier result is returned without error.
func (d *CachedDoctor) Refresh(ctx context.Context) (*Capabilities, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	caps, err := d.runner.RunDoctor(ctx)
	d.lastErr = err
	if err != nil {
		d.logger.Warn("worker capability probe failed", "error", err)
		if d.cached != nil {
			return d.cached, nil
		}
		return nil, err
	}
	if d.cached == nil || d.cached.CanRender != caps.CanRender || d.cached.CanCompose != caps.CanCompose {
		d.logger.Info("worker capabilities changed",
			"can_render", caps.CanRender,
			"can_compose", caps.CanCompose,
			"deps_available", caps.Summary.Available,
			"deps_total", caps.Summary.Total,
		)
	}
	d.cached = caps
	return caps, nil
}

// Watch re-probes every interval until ctx is done. A non-positive interval
// uses the cache TTL.
func (d *CachedDoctor) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = d.ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, interval)
			d.Refresh(pctx)
			cancel()
		}
	}
}
