package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/heimdex/heimdex-scenegen/internal/generation"
)

const defaultMaxAttempts = 3

// ReportError represents a non-2xx answer from the callback endpoint.
type ReportError struct {
	StatusCode int
	Body       string
}

func (e *ReportError) Error() string {
	return fmt.Sprintf("generation report failed: HTTP %d: %s", e.StatusCode, e.Body)
}

// IsRetryable returns true for server errors (5xx) and rate limiting.
// Other client errors (4xx) are considered permanent.
func (e *ReportError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// HTTPClient posts generation reports to a callback URL.
type HTTPClient struct {
	callbackURL string
	token       string
	httpClient  *http.Client
	logger      *slog.Logger

	maxAttempts int
	backoff     func(attempt int) time.Duration
}

func NewHTTPClient(callbackURL, token string, logger *slog.Logger) *HTTPClient {
	return &HTTPClient{
		callbackURL: callbackURL,
		token:       token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:      logger,
		maxAttempts: defaultMaxAttempts,
		backoff:     exponentialBackoff,
	}
}

// exponentialBackoff waits 2^attempt seconds after the given failed attempt.
func exponentialBackoff(attempt int) time.Duration {
	return time.Duration(math.Pow(2, float64(attempt))) * time.Second
}

// ReportGeneration posts the report, retrying retryable failures with
// exponential backoff up to maxAttempts.
func (c *HTTPClient) ReportGeneration(ctx context.Context, g *generation.Generation) error {
	body, err := json.Marshal(NewGenerationReport(g))
	if err != nil {
		return fmt.Errorf("marshal generation report: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		lastErr = c.post(ctx, g.ID, body)
		if lastErr == nil {
			c.logger.Info("generation report delivered", "generation_id", g.ID, "attempt", attempt)
			return nil
		}
		var reportErr *ReportError
		if errors.As(lastErr, &reportErr) && !reportErr.IsRetryable() {
			return lastErr
		}
		if attempt == c.maxAttempts {
			break
		}
		wait := c.backoff(attempt)
		c.logger.Warn("generation report failed, retrying",
			"generation_id", g.ID,
			"attempt", attempt,
			"retry_in", wait,
			"error", lastErr,
		)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("generation report gave up after %d attempts: %w", c.maxAttempts, lastErr)
}

func (c *HTTPClient) post(ctx context.Context, generationID string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.callbackURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("X-Heimdex-Request-Id", uuid.NewString())
	req.Header.Set("X-Heimdex-Generation-Id", generationID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &ReportError{StatusCode: resp.StatusCode, Body: string(respBody)}
}
