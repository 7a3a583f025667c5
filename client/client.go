// Package client is the Go front-end library for a sandbox control plane.
// Requests that hit a still-provisioning sandbox are retried transparently
// within a fixed time budget.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"sandboxd/internal/sberrors"
	"sandboxd/internal/sse"
)

// provisioningSignature marks the 503 a platform returns while the container
// behind a sandbox URL is cold-starting. Only this exact signature triggers
// a retry; every other status is returned immediately.
const provisioningSignature = "There is no Container instance available"

// Cold-start retry policy.
const (
	retryBudget      = 60 * time.Second
	minRemaining     = 10 * time.Second
	retryBaseDelayMs = 2000
	retryMaxDelayMs  = 16000
)

// Client talks to one sandbox instance.
type Client struct {
	baseURL   string
	http      *http.Client
	sessionID string
	log       *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger attaches a logger; by default the client is silent.
func WithLogger(log *zap.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithSession pins every request to a named session instead of the default.
func WithSession(id string) Option {
	return func(c *Client) { c.sessionID = id }
}

// New builds a client for the sandbox at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 5 * time.Minute},
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// backoffDelay is the wait before retry attempt n (0-based).
func backoffDelay(attempt int) time.Duration {
	ms := retryBaseDelayMs << attempt
	if ms > retryMaxDelayMs || ms <= 0 {
		ms = retryMaxDelayMs
	}
	return time.Duration(ms) * time.Millisecond
}

// send issues one request with cold-start retry and returns the raw response.
// The caller owns the response body.
func (c *Client) send(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
	}

	start := time.Now()
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.sessionID != "" {
			req.Header.Set("X-Session-Id", c.sessionID)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode != http.StatusServiceUnavailable {
			return resp, nil
		}
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		if err != nil || !strings.Contains(string(raw), provisioningSignature) {
			return nil, decodeAPIError(resp.StatusCode, raw)
		}

		delay := backoffDelay(attempt)
		if retryBudget-time.Since(start)-delay < minRemaining {
			return nil, sberrors.E(sberrors.ContainerNotReady,
				"sandbox did not come up within %s", retryBudget)
		}
		c.log.Debug("sandbox provisioning, retrying",
			zap.Int("attempt", attempt+1), zap.Duration("delay", delay))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// call issues a request and decodes the success envelope into out (which may
// be nil). API errors come back as taxonomy errors.
func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return decodeAPIError(resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return sberrors.Wrap(sberrors.InvalidJSONResponse, err, "decode response: %v", err)
	}
	return nil
}

// stream issues a request expecting an SSE response and returns its scanner.
// Closing the scanner releases the connection.
func (c *Client) stream(ctx context.Context, method, path string, body any) (*sse.Scanner, error) {
	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, decodeAPIError(resp.StatusCode, raw)
	}
	return sse.NewScanner(ctx, resp.Body), nil
}

// decodeAPIError maps an error envelope to a taxonomy error, extracting the
// embedded hints when present.
func decodeAPIError(status int, raw []byte) error {
	var envelope struct {
		Error   string         `json:"error"`
		Code    string         `json:"code"`
		Details map[string]any `json:"details"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil || envelope.Code == "" {
		msg := strings.TrimSpace(string(raw))
		if msg == "" {
			msg = http.StatusText(status)
		}
		return sberrors.E(sberrors.InternalError, "http %d: %s", status, msg)
	}
	e := sberrors.E(sberrors.Code(envelope.Code), "%s", envelope.Error)
	for k, v := range envelope.Details {
		e = e.WithDetail(k, v)
	}
	return e
}
