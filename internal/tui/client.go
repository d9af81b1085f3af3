// Package tui is the terminal control surface for agentroom sessions.
package tui

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/ashureev/agentroom/internal/domain"
	"github.com/ashureev/agentroom/internal/identity"
)

// Session commands accepted by the API.
const (
	CommandConnect    = "connect"
	CommandDisconnect = "disconnect"
	CommandRetry      = "retry"
	CommandMic        = "mic"
	CommandInvite     = "invite"
)

// SessionView is a session snapshot as served by the API.
type SessionView struct {
	domain.Session
	Status   domain.Status `json:"status"`
	CanRetry bool          `json:"can_retry"`
	RelayURL string        `json:"relay_url,omitempty"`
}

// APIError is a non-2xx answer from the API.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("status %d", e.Code)
	}
	return fmt.Sprintf("status %d: %s", e.Code, e.Message)
}

// Client talks to the agentroom HTTP API. The owner cookie issued on the
// first request is kept for the life of the client.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates an API client for baseURL.
func NewClient(baseURL string, timeout time.Duration) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Jar: jar, Timeout: timeout},
	}, nil
}

// CreateSession starts a session for meetingID, or for a new room when
// meetingID is empty.
func (c *Client) CreateSession(ctx context.Context, meetingID string) (*SessionView, error) {
	var body any
	if meetingID != "" {
		body = map[string]string{"meeting_id": meetingID}
	}
	var s SessionView
	if err := c.do(ctx, http.MethodPost, "/api/sessions", body, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// GetSession returns the current snapshot of a session.
func (c *Client) GetSession(ctx context.Context, id string) (*SessionView, error) {
	var s SessionView
	if err := c.do(ctx, http.MethodGet, "/api/sessions/"+id, nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Command sends a session command and returns the snapshot at acceptance.
func (c *Client) Command(ctx context.Context, id, command string) (*SessionView, error) {
	var s SessionView
	if err := c.do(ctx, http.MethodPost, "/api/sessions/"+id+"/"+command, nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// RelayLink returns the relay page URL for a session. The link carries the
// client's owner id so the browser acts as the same owner.
func (c *Client) RelayLink(sessionID string) string {
	link := c.baseURL + "/?session=" + url.QueryEscape(sessionID)
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return link
	}
	for _, ck := range c.http.Jar.Cookies(u) {
		if ck.Name == identity.OwnerCookieName {
			return link + "&" + identity.OwnerParam + "=" + url.QueryEscape(ck.Value)
		}
	}
	return link
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&e)
		return &APIError{Code: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
