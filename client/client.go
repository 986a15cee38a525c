package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/starspacegroup/trill-sync/internal"
)

var (
	HTTP401 error = fmt.Errorf("HTTP 401")
	HTTP404 error = fmt.Errorf("HTTP 404")
)

// Member is one entry in a session's live member list.
type Member struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
}

// Snapshot is the server's view of a session at a point in time.
type Snapshot struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	State        internal.StateMap `json:"state"`
	StateVersion int64             `json:"stateVersion"`
	Members      []Member          `json:"members"`
}

// MergeResponse is the result of an accepted partial state write.
type MergeResponse struct {
	StateVersion int64             `json:"stateVersion"`
	State        internal.StateMap `json:"state"`
}

// Client is the wire interface the Engine drives. One client can be shared among many
// engines.
type Client interface {
	// GetState fetches the session snapshot. Returns the HTTP status code alongside the
	// response or error.
	GetState(ctx context.Context, sessionID string) (*Snapshot, int, error)
	// PutState merges the partial state into the session and returns the new version
	// and merged blob.
	PutState(ctx context.Context, sessionID string, partial internal.StateMap) (*MergeResponse, int, error)
	// Heartbeat refreshes the caller's presence row.
	Heartbeat(ctx context.Context, sessionID string) (int, error)
	// RemovePresence deletes the caller's presence row, rather than waiting for the
	// server-side timeout.
	RemovePresence(ctx context.Context, sessionID string) (int, error)
}

// HTTPClient talks to a trillsync server over HTTP.
type HTTPClient struct {
	Client      *http.Client
	BaseURL     string
	AccessToken string
}

func (c *HTTPClient) GetState(ctx context.Context, sessionID string) (*Snapshot, int, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.BaseURL+"/sessions/"+sessionID+"/state", nil)
	if err != nil {
		return nil, 0, fmt.Errorf("GetState: NewRequest failed: %w", err)
	}
	c.auth(req)
	res, err := c.Client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("GetState: request failed: %w", err)
	}
	defer res.Body.Close()
	switch res.StatusCode {
	case 200:
		var snapshot Snapshot
		if err := json.NewDecoder(res.Body).Decode(&snapshot); err != nil {
			return nil, 0, fmt.Errorf("GetState: response body decode JSON failed: %w", err)
		}
		return &snapshot, 200, nil
	case 404:
		return nil, 404, HTTP404
	default:
		return nil, res.StatusCode, fmt.Errorf("GetState: response returned %s", res.Status)
	}
}

func (c *HTTPClient) PutState(ctx context.Context, sessionID string, partial internal.StateMap) (*MergeResponse, int, error) {
	body, err := json.Marshal(struct {
		State internal.StateMap `json:"state"`
	}{partial})
	if err != nil {
		return nil, 0, fmt.Errorf("PutState: marshal failed: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, "PUT", c.BaseURL+"/sessions/"+sessionID+"/state", bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("PutState: NewRequest failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.auth(req)
	res, err := c.Client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("PutState: request failed: %w", err)
	}
	defer res.Body.Close()
	switch res.StatusCode {
	case 200:
		var merge MergeResponse
		if err := json.NewDecoder(res.Body).Decode(&merge); err != nil {
			return nil, 0, fmt.Errorf("PutState: response body decode JSON failed: %w", err)
		}
		return &merge, 200, nil
	case 401:
		return nil, 401, HTTP401
	case 404:
		return nil, 404, HTTP404
	default:
		return nil, res.StatusCode, fmt.Errorf("PutState: response returned %s", res.Status)
	}
}

func (c *HTTPClient) Heartbeat(ctx context.Context, sessionID string) (int, error) {
	return c.doPresence(ctx, "POST", sessionID)
}

func (c *HTTPClient) RemovePresence(ctx context.Context, sessionID string) (int, error) {
	return c.doPresence(ctx, "DELETE", sessionID)
}

func (c *HTTPClient) doPresence(ctx context.Context, method, sessionID string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+"/sessions/"+sessionID+"/heartbeat", nil)
	if err != nil {
		return 0, fmt.Errorf("heartbeat: NewRequest failed: %w", err)
	}
	c.auth(req)
	res, err := c.Client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("heartbeat: request failed: %w", err)
	}
	defer res.Body.Close()
	switch res.StatusCode {
	case 200, 204:
		return res.StatusCode, nil
	case 401:
		return 401, HTTP401
	default:
		return res.StatusCode, fmt.Errorf("heartbeat: response returned %s", res.Status)
	}
}

func (c *HTTPClient) auth(req *http.Request) {
	if c.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.AccessToken)
	}
}
