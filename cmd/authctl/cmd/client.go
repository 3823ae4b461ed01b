package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/valinor-ai/authguard/internal/authstate"
	"github.com/valinor-ai/authguard/internal/diagnostics"
)

// DaemonClient provides HTTP client access to the authguard daemon API.
type DaemonClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewDaemonClient creates a new client for the daemon API.
func NewDaemonClient(baseURL string, timeout time.Duration) *DaemonClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &DaemonClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Status fetches the auth state, or the admin state when admin is set.
// wait blocks on the daemon until the engine has an answer.
func (c *DaemonClient) Status(ctx context.Context, admin, wait bool) (authstate.StatusResponse, error) {
	path := "/api/v1/authstate"
	if admin {
		path += "/admin"
	}
	if wait {
		path += "?wait=true"
	}
	var resp authstate.StatusResponse
	err := c.do(ctx, http.MethodGet, path, http.StatusOK, &resp)
	return resp, err
}

// History fetches the recent State transitions of the auth cache.
func (c *DaemonClient) History(ctx context.Context) ([]authstate.State, error) {
	var resp []authstate.State
	err := c.do(ctx, http.MethodGet, "/api/v1/authstate/history", http.StatusOK, &resp)
	return resp, err
}

// Diagnostics fetches the diagnostics export. limit <= 0 returns every
// retained record.
func (c *DaemonClient) Diagnostics(ctx context.Context, limit int) (diagnostics.Export, error) {
	path := "/api/v1/diagnostics"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp diagnostics.Export
	err := c.do(ctx, http.MethodGet, path, http.StatusOK, &resp)
	return resp, err
}

// Login records a completed login.
func (c *DaemonClient) Login(ctx context.Context) (authstate.StatusResponse, error) {
	var resp authstate.StatusResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/authstate/login", http.StatusOK, &resp)
	return resp, err
}

// Logout resets the daemon's authorization state.
func (c *DaemonClient) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/v1/authstate/logout", http.StatusNoContent, nil)
}

// Watch streams State transitions of the named cache ("" for auth) to fn
// until ctx ends, the daemon closes the stream, or fn returns an error.
func (c *DaemonClient) Watch(ctx context.Context, cache string, fn func(authstate.StreamMessage) error) error {
	u, err := url.Parse(c.baseURL + "/api/v1/authstate/stream")
	if err != nil {
		return fmt.Errorf("invalid daemon address: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	if cache != "" {
		u.RawQuery = url.Values{"cache": {cache}}.Encode()
	}

	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect to state stream: %w", err)
	}
	defer func() { _ = conn.CloseNow() }()

	for {
		var msg authstate.StreamMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("reading state stream: %w", err)
		}
		if err := fn(msg); err != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return err
		}
	}
}

func (c *DaemonClient) do(ctx context.Context, method, path string, want int, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to daemon: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != want {
		var errResp struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
			return fmt.Errorf("daemon returned %d: %s", resp.StatusCode, errResp.Error)
		}
		return fmt.Errorf("daemon returned %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
