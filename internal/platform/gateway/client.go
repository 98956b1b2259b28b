package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// DefaultTimeout bounds a call when the caller's context has no deadline
	// of its own.
	DefaultTimeout = 30 * time.Second

	requestIDHeader = "X-Request-ID"
	maxErrorBody    = 64 << 10
)

// Client calls the backend over HTTP: POST <baseURL>/invoke/<command>.
type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
	logger  zerolog.Logger
}

// NewClient returns a Client for baseURL. A zero timeout selects
// DefaultTimeout.
func NewClient(baseURL string, timeout time.Duration, logger zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		timeout: timeout,
		logger:  logger.With().Str("component", "gateway").Logger(),
	}
}

// WithHTTPClient replaces the underlying http.Client, e.g. with an
// httptest server's client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.http = hc
	return c
}

func (c *Client) Call(ctx context.Context, command string, payload, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body := []byte("{}")
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Transport(command, fmt.Errorf("encode payload: %w", err))
		}
		body = b
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/invoke/"+command, bytes.NewReader(body))
	if err != nil {
		return Transport(command, fmt.Errorf("build request: %w", err))
	}
	rid := uuid.New().String()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(requestIDHeader, rid)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("no response within %s: %w", c.timeout, context.DeadlineExceeded)
		}
		c.logger.Warn().Err(err).Str("command", command).Str("request_id", rid).Msg("call failed")
		return Transport(command, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Transport(command, fmt.Errorf("read response: %w", err))
	}

	c.logger.Debug().
		Str("command", command).
		Str("request_id", rid).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("call")

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return Decode(command, data, out)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return Rejection(command, errorMessage(resp.StatusCode, data))
	default:
		return Transport(command, fmt.Errorf("backend status %d: %s", resp.StatusCode, errorMessage(resp.StatusCode, data)))
	}
}

// errorMessage extracts {"error": "..."} or falls back to the raw body.
func errorMessage(status int, data []byte) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &payload) == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	if len(data) > maxErrorBody {
		data = data[:maxErrorBody]
	}
	if s := strings.TrimSpace(string(data)); s != "" {
		return s
	}
	return http.StatusText(status)
}
