// Package transport is the thin REST wrapper the channel adapters use to
// reach their platform APIs. It injects platform auth, templates endpoints
// onto a base URL, and surfaces platform-reported errors in logs while still
// handing the parsed body back to the caller.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Sender is the outbound call contract the adapters depend on.
type Sender interface {
	Send(ctx context.Context, endpoint, method string, body any) (json.RawMessage, error)
}

// Config describes one platform's REST surface.
type Config struct {
	Platform   string // log prefix, e.g. "viber"
	BaseURL    string // e.g. https://graph.facebook.com/v17.0
	AuthHeader string // e.g. "Authorization" or "X-Viber-Auth-Token"
	AuthValue  string // e.g. "Bearer <token>" or the raw token
	// ErrorCheck inspects a response body for a platform-reported error and
	// returns a diagnostic string, or "" when the body is not an error.
	ErrorCheck func(body []byte) string
	HTTPClient *http.Client
}

// Client implements Sender over net/http.
type Client struct {
	cfg  Config
	http *http.Client
}

// NewClient builds a transport client for one platform.
func NewClient(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{cfg: cfg, http: httpClient}
}

// Send performs one platform API call. A platform-reported error in the
// response body is logged but the body is still returned, so callers inspect
// the body rather than rely on a non-nil error. The error return covers
// request construction and network failures only.
func (c *Client) Send(ctx context.Context, endpoint, method string, body any) (json.RawMessage, error) {
	if method == "" {
		method = http.MethodPost
	}
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%s: marshal request: %w", c.cfg.Platform, err)
		}
		reader = bytes.NewReader(raw)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", c.cfg.Platform, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.AuthHeader != "" {
		req.Header.Set(c.cfg.AuthHeader, c.cfg.AuthValue)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		slog.Error("transport: request failed", "platform", c.cfg.Platform, "endpoint", endpoint, "err", err)
		return nil, fmt.Errorf("%s: %s %s: %w", c.cfg.Platform, method, endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		slog.Error("transport: read response", "platform", c.cfg.Platform, "endpoint", endpoint, "err", err)
		return nil, fmt.Errorf("%s: read response: %w", c.cfg.Platform, err)
	}

	if c.cfg.ErrorCheck != nil {
		if diag := c.cfg.ErrorCheck(data); diag != "" {
			slog.Error("transport: platform error", "platform", c.cfg.Platform, "endpoint", endpoint, "detail", diag)
		}
	}
	return json.RawMessage(data), nil
}
