// Package client talks to a running scenegen server. Follow implements the
// consumer side of the progress contract: pushed events trigger an immediate
// refresh, and the generation is polled on an interval regardless, because
// event delivery is best-effort.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/heimdex/heimdex-scenegen/internal/api"
	"github.com/heimdex/heimdex-scenegen/internal/events"
	"github.com/heimdex/heimdex-scenegen/internal/generation"
)

// DefaultPollInterval is how often Follow re-reads a non-terminal generation.
const DefaultPollInterval = 5 * time.Second

// APIError is a non-2xx answer from the server.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("HTTP %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// Permanent reports whether retrying the same request cannot succeed.
func (e *APIError) Permanent() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != http.StatusTooManyRequests
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	// streamClient has no timeout; event streams last as long as the generation.
	streamClient *http.Client
	logger       *slog.Logger
}

func New(baseURL, token string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		token:        token,
		httpClient:   &http.Client{Timeout: 15 * time.Second},
		streamClient: &http.Client{},
		logger:       logger,
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = strings.NewReader(string(b))
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	var er api.ErrorResponse
	if json.Unmarshal(data, &er) == nil && er.Error != "" {
		apiErr.Message = er.Error
		apiErr.Code = er.Code
	}
	return apiErr
}

func (c *Client) Generate(ctx context.Context, req api.GenerateRequest) (*api.GenerationSummary, error) {
	var out api.GenerationSummary
	if err := c.do(ctx, http.MethodPost, "/generations", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetStatus(ctx context.Context, id string) (*api.GenerationResponse, error) {
	var out api.GenerationResponse
	if err := c.do(ctx, http.MethodGet, "/generations/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Continue(ctx context.Context, id string) (*api.GenerationSummary, error) {
	var out api.GenerationSummary
	if err := c.do(ctx, http.MethodPost, "/generations/"+url.PathEscape(id)+"/continue", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Cancel(ctx context.Context, id string) (*api.GenerationSummary, error) {
	var out api.GenerationSummary
	if err := c.do(ctx, http.MethodPost, "/generations/"+url.PathEscape(id)+"/cancel", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Events reads the generation's event stream and calls fn for each event
// until the server closes the stream or ctx ends.
func (c *Client) Events(ctx context.Context, id string, fn func(events.Event)) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/generations/"+url.PathEscape(id)+"/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.streamClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				var ev events.Event
				if err := json.Unmarshal([]byte(data.String()), &ev); err != nil {
					c.logger.Debug("skipping malformed event", "error", err)
				} else {
					fn(ev)
				}
				data.Reset()
			}
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// Follow calls fn with the generation snapshot until it reaches a terminal
// status, and returns that final snapshot. It polls every interval and also
// refreshes whenever an event arrives. A missing or broken event stream only
// means falling back to polling.
func (c *Client) Follow(ctx context.Context, id string, interval time.Duration, fn func(*api.GenerationResponse)) (*api.GenerationResponse, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pushed := make(chan struct{}, 1)
	go func() {
		err := c.Events(ctx, id, func(events.Event) {
			select {
			case pushed <- struct{}{}:
			default:
			}
		})
		if err != nil && ctx.Err() == nil {
			c.logger.Debug("event stream unavailable, polling only", "generation_id", id, "error", err)
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		g, err := c.GetStatus(ctx, id)
		var apiErr *APIError
		switch {
		case err == nil:
			if fn != nil {
				fn(g)
			}
			if generation.Status(g.Status).Terminal() {
				return g, nil
			}
		case errors.As(err, &apiErr) && apiErr.Permanent():
			return nil, err
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			c.logger.Warn("status poll failed, will retry", "generation_id", id, "error", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		case <-pushed:
		}
	}
}
