// Package transport provides the HTTP layer used to talk to model
// providers: a retrying POST for request/response calls and a
// persistent Server-Sent Events reader for streamed generations.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// ErrRetriesExhausted is returned by Post when every attempt failed.
// The last underlying failure is wrapped and reachable via errors.Is/As.
var ErrRetriesExhausted = errors.New("retries exhausted")

const (
	defaultMaxRetries   = 3
	defaultInitialDelay = 500 * time.Millisecond
	defaultBackoff      = 2.0
	defaultMaxDelay     = 30 * time.Second
)

// Option configures a Client.
type Option func(*Client)

// Client issues provider requests with bounded retries and capped
// exponential backoff. The zero value is not usable; construct with New.
type Client struct {
	httpClient   *http.Client
	maxRetries   int
	initialDelay time.Duration
	backoff      float64
	maxDelay     time.Duration
}

// WithHTTPClient supplies a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Client) {
		t.httpClient = c
	}
}

// WithMaxRetries sets how many times a failed request is retried after
// the first attempt. Zero disables retries.
func WithMaxRetries(n int) Option {
	return func(t *Client) {
		t.maxRetries = n
	}
}

// WithBackoff sets the initial retry delay and the multiplication
// factor applied after each failed attempt.
func WithBackoff(initial time.Duration, factor float64) Option {
	return func(t *Client) {
		if initial > 0 {
			t.initialDelay = initial
		}
		if factor >= 1 {
			t.backoff = factor
		}
	}
}

// WithMaxDelay caps the backoff delay between attempts.
func WithMaxDelay(d time.Duration) Option {
	return func(t *Client) {
		if d > 0 {
			t.maxDelay = d
		}
	}
}

// New creates a Client with the given options.
func New(opts ...Option) *Client {
	c := &Client{
		httpClient:   &http.Client{Timeout: 0}, // no timeout for streams
		maxRetries:   defaultMaxRetries,
		initialDelay: defaultInitialDelay,
		backoff:      defaultBackoff,
		maxDelay:     defaultMaxDelay,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 0}
	}
	return c
}

// Response is the outcome of a successful Post.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Post sends body to url, retrying throttled (429), server-error (5xx),
// and network failures with exponential backoff. A Retry-After header,
// when present and sane, overrides the computed delay. Exhausting all
// attempts returns ErrRetriesExhausted wrapping the last failure; there
// is no silent data loss and no unbounded retry.
func (c *Client) Post(ctx context.Context, url string, header http.Header, body []byte) (*Response, error) {
	delay := c.initialDelay
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, delay); err != nil {
				return nil, err
			}
			delay = time.Duration(float64(delay) * c.backoff)
			if delay > c.maxDelay {
				delay = c.maxDelay
			}
		}

		resp, err := c.do(ctx, url, header, body)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}

		payload, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = fmt.Errorf("read response: %w", readErr)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("status %s: %s", resp.Status, truncateBody(payload))
			if hint, ok := retryAfter(resp.Header); ok {
				delay = hint
			}
			continue
		}
		if resp.StatusCode >= 400 {
			// Client errors are not retryable; surface immediately.
			return nil, fmt.Errorf("status %s: %s", resp.Status, truncateBody(payload))
		}

		return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: payload}, nil
	}

	return nil, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, c.maxRetries+1, lastErr)
}

func (c *Client) do(ctx context.Context, url string, header http.Header, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.httpClient.Do(req)
}

// retryAfter parses a Retry-After header given in seconds. HTTP-date
// values are ignored; the computed backoff applies instead.
func retryAfter(h http.Header) (time.Duration, bool) {
	v := h.Get("Retry-After")
	if v == "" {
		return 0, false
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func truncateBody(b []byte) string {
	const max = 512
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "..."
}
