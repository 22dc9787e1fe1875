// Package dashboard talks to the dashboard REST API for message maintenance:
// finding an already-delivered message by its platform message ID and
// patching its text when the platform reports it unsent or edited.
package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client queries and patches messages on the dashboard server.
type Client struct {
	baseURL    string
	adminToken string
	http       *http.Client
}

// NewClient builds a dashboard client. baseURL is scheme://host:port.
func NewClient(baseURL, adminToken string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		adminToken: adminToken,
		http:       &http.Client{Timeout: 15 * time.Second},
	}
}

type message struct {
	ID string `json:"id"`
}

// PatchMessage looks up the message whose metadata carries the given
// platform message ID and rewrites its text, marking it unsent or edited.
func (c *Client) PatchMessage(ctx context.Context, mid, text string) error {
	if text == "" {
		text = "unsent message"
	}
	endpoint := c.baseURL + "/rest/v1/messages?access_token=" + url.QueryEscape(c.adminToken)

	filter, err := json.Marshal(map[string]any{
		"where": map[string]string{"metadata.mid": mid},
	})
	if err != nil {
		return fmt.Errorf("dashboard: marshal filter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"&filter="+url.QueryEscape(string(filter)), nil)
	if err != nil {
		return fmt.Errorf("dashboard: build query: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("dashboard: query message: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		Data []message `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("dashboard: decode query response: %w", err)
	}
	if len(result.Data) == 0 {
		return fmt.Errorf("dashboard: message with mid %q not found", mid)
	}

	body, err := json.Marshal(map[string]string{
		"id":   result.Data[0].ID,
		"text": text,
	})
	if err != nil {
		return fmt.Errorf("dashboard: marshal patch: %w", err)
	}
	patch, err := http.NewRequestWithContext(ctx, http.MethodPatch, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("dashboard: build patch: %w", err)
	}
	patch.Header.Set("Content-Type", "application/json")
	patchResp, err := c.http.Do(patch)
	if err != nil {
		return fmt.Errorf("dashboard: patch message: %w", err)
	}
	patchResp.Body.Close()
	if patchResp.StatusCode >= 300 {
		return fmt.Errorf("dashboard: patch status %d", patchResp.StatusCode)
	}
	return nil
}
