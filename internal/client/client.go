// Package client implements the CLI side of the daemon control API:
// discovery via the persisted state file, authenticated requests, and a
// backoff-driven startup poll.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"syscall"
	"time"

	"github.com/wardenlabs/warden/internal/backoff"
	"github.com/wardenlabs/warden/internal/config"
	"github.com/wardenlabs/warden/internal/control"
	"github.com/wardenlabs/warden/internal/eventlog"
	"github.com/wardenlabs/warden/internal/executil"
	"github.com/wardenlabs/warden/internal/state"
)

// ErrUnauthorized indicates a rejected auth token.
var ErrUnauthorized = errors.New("daemon rejected auth token (try restarting the daemon)")

// ErrRateLimited indicates the control API's request window is exhausted.
var ErrRateLimited = errors.New("daemon rate limit exceeded, retry shortly")

// ErrNotRunning indicates no live daemon could be found.
var ErrNotRunning = errors.New("daemon is not running (start it with 'warden daemon start')")

// Client talks to a running wardend over loopback HTTP.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New builds a client from the persisted daemon state. It fails with
// ErrNotRunning when there is no fresh state file to discover the daemon by.
func New(cfg *config.Config) (*Client, error) {
	mgr := state.NewManager(cfg.Daemon.StateDir)
	st, err := mgr.Load()
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, ErrNotRunning
	}
	if !st.Fresh(cfg.Daemon.StaleAfter) {
		// Stale heartbeat: the CLI owns cleanup of dead daemon state.
		mgr.Remove()
		return nil, ErrNotRunning
	}

	token, err := mgr.Token()
	if err != nil {
		return nil, err
	}
	return &Client{
		baseURL: fmt.Sprintf("http://127.0.0.1:%d", st.HTTPPort),
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(control.TokenHeader, c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusForbidden:
		return ErrUnauthorized
	case http.StatusTooManyRequests:
		return ErrRateLimited
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusConflict {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("daemon error (%d): %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("daemon error: status %d", resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("parse daemon response: %w", err)
		}
	}
	return nil
}

// Health fetches /health.
func (c *Client) Health(ctx context.Context) (*control.HealthResponse, error) {
	var hr control.HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, &hr); err != nil {
		return nil, err
	}
	return &hr, nil
}

// List fetches tracked sessions with a known session id.
func (c *Client) List(ctx context.Context) ([]control.Session, error) {
	var sessions []control.Session
	if err := c.do(ctx, http.MethodPost, "/list", struct{}{}, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// SpawnReply is the result of Spawn.
type SpawnReply struct {
	SessionID            string `json:"sessionId"`
	RequiresUserApproval bool   `json:"requiresUserApproval"`
	Directory            string `json:"directory"`
}

// Spawn asks the daemon to launch an agent session in directory.
func (c *Client) Spawn(ctx context.Context, directory, sessionID string) (*SpawnReply, error) {
	var reply SpawnReply
	body := map[string]string{"directory": directory}
	if sessionID != "" {
		body["sessionId"] = sessionID
	}
	if err := c.do(ctx, http.MethodPost, "/spawn-session", body, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// StopSession asks the daemon to stop a session. Returns false when the
// session was unknown or already stopped.
func (c *Client) StopSession(ctx context.Context, sessionID string) (bool, error) {
	var reply struct {
		Success bool `json:"success"`
	}
	if err := c.do(ctx, http.MethodPost, "/stop-session", map[string]string{"sessionId": sessionID}, &reply); err != nil {
		return false, err
	}
	return reply.Success, nil
}

// StopDaemon schedules daemon shutdown.
func (c *Client) StopDaemon(ctx context.Context) error {
	var reply struct {
		Status string `json:"status"`
	}
	return c.do(ctx, http.MethodPost, "/stop", struct{}{}, &reply)
}

// Events fetches recent lifecycle events, optionally filtered by session.
func (c *Client) Events(ctx context.Context, sessionID string, limit int) ([]eventlog.Event, error) {
	var events []eventlog.Event
	body := map[string]any{"limit": limit}
	if sessionID != "" {
		body["sessionId"] = sessionID
	}
	if err := c.do(ctx, http.MethodPost, "/events", body, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// EnsureRunning returns a client for a live daemon, spawning one when
// needed and polling /health until it answers.
func EnsureRunning(ctx context.Context, cfg *config.Config) (*Client, error) {
	if c, err := New(cfg); err == nil {
		if _, herr := c.Health(ctx); herr == nil {
			return c, nil
		}
	}

	if err := spawnDaemon(); err != nil {
		return nil, fmt.Errorf("start daemon: %w", err)
	}

	c, err := backoff.RetryValue(ctx, func() (*Client, error) {
		c, err := New(cfg)
		if err != nil {
			return nil, err
		}
		if _, err := c.Health(ctx); err != nil {
			return nil, err
		}
		return c, nil
	}, backoff.Options{
		MinDelay:    cfg.Retry.MinDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
		MaxFailures: cfg.Retry.MaxFailures,
		MaxElapsed:  cfg.Retry.MaxElapsed,
	})
	if err != nil {
		var exhausted *backoff.ExhaustedError
		var timedOut *backoff.TimeoutError
		if errors.As(err, &exhausted) || errors.As(err, &timedOut) {
			return nil, fmt.Errorf("%w: daemon did not become healthy: %v", ErrNotRunning, err)
		}
		return nil, err
	}
	return c, nil
}

// spawnDaemon launches wardend detached from the CLI process.
func spawnDaemon() error {
	cmd, err := executil.Command("wardend")
	if err != nil {
		return err
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return err
	}
	// Detached: the daemon reparents to init; releasing avoids a zombie.
	return cmd.Process.Release()
}
