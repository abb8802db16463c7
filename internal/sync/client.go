package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"tally/internal/event"
)

// Wire statuses and rejection reasons, mirroring the server contract.
const (
	StatusAccepted  = "accepted"
	StatusDuplicate = "duplicate"
	StatusRejected  = "rejected"

	ReasonPermissionDenied = "permission_denied"
)

// PushResult is the server's per-event outcome for a push.
type PushResult struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// PullPage is one page of the remote stream plus the next pull cursor.
type PullPage struct {
	Events     []event.Event `json:"events"`
	NextCursor time.Time     `json:"next_cursor"`
	ServerTime time.Time     `json:"server_time"`
}

// Client is the HTTP half of the wire contract: push events up, pull
// events down. Transport failures come back as plain errors so the engine
// can leave the queue untouched and retry on the next trigger.
type Client struct {
	baseURL  string
	token    string
	deviceID string
	http     *http.Client
}

func NewClient(baseURL, token, deviceID string) *Client {
	return &Client{
		baseURL:  baseURL,
		token:    token,
		deviceID: deviceID,
		http:     &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) PushEvents(ctx context.Context, events []event.Event) ([]PushResult, error) {
	body, err := json.Marshal(map[string]any{"events": events})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sync/events", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	var response struct {
		Results []PushResult `json:"results"`
	}
	if err := c.do(req, &response); err != nil {
		return nil, err
	}
	return response.Results, nil
}

func (c *Client) PullEvents(ctx context.Context, since time.Time) (PullPage, error) {
	endpoint := c.baseURL + "/sync/events"
	if !since.IsZero() {
		endpoint += "?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339Nano))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return PullPage{}, err
	}
	var page PullPage
	if err := c.do(req, &page); err != nil {
		return PullPage{}, err
	}
	return page, nil
}

func (c *Client) do(req *http.Request, dest any) error {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	if c.deviceID != "" {
		req.Header.Set("X-Device-ID", c.deviceID)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var payload struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&payload)
		if payload.Error != "" {
			return fmt.Errorf("server: %s (status %d)", payload.Error, resp.StatusCode)
		}
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(dest)
}
