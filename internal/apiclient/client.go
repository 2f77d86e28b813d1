// Package apiclient is the HTTP client the operator commands use to talk to
// a running server.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hochfrequenz/fishqueue/internal/controller"
	"github.com/hochfrequenz/fishqueue/internal/domain"
	"github.com/hochfrequenz/fishqueue/internal/httpapi"
	"github.com/hochfrequenz/fishqueue/internal/runstore"
)

// Error is a non-2xx reply from the server
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Client talks to the fishqueue HTTP API
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a client for the server at baseURL
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(data, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(data))
		}
		return &Error{StatusCode: resp.StatusCode, Message: e.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// SubmitRun queues a run and returns its id
func (c *Client) SubmitRun(ctx context.Context, cfg domain.RunConfig) (string, error) {
	var resp httpapi.SubmitRunResponse
	if err := c.do(ctx, http.MethodPost, "/api/runs", cfg, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// ListRuns lists runs in scheduling order
func (c *Client) ListRuns(ctx context.Context, opts runstore.ListOptions) ([]*controller.RunView, error) {
	q := url.Values{}
	if opts.Status != "" {
		q.Set("status", string(opts.Status))
	}
	if opts.Username != "" {
		q.Set("username", opts.Username)
	}
	if opts.Unfinished {
		q.Set("unfinished", "true")
	}
	path := "/api/runs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var views []*controller.RunView
	err := c.do(ctx, http.MethodGet, path, nil, &views)
	return views, err
}

// GetRun returns one run
func (c *Client) GetRun(ctx context.Context, id string) (*controller.RunView, error) {
	var view controller.RunView
	if err := c.do(ctx, http.MethodGet, "/api/runs/"+url.PathEscape(id), nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// StopRun stops a run
func (c *Client) StopRun(ctx context.Context, id, reason string) (*controller.RunView, error) {
	var view controller.RunView
	err := c.do(ctx, http.MethodPost, "/api/runs/"+url.PathEscape(id)+"/stop", httpapi.StopRequest{Reason: reason}, &view)
	if err != nil {
		return nil, err
	}
	return &view, nil
}

// AdjustGames changes a run's game budget
func (c *Client) AdjustGames(ctx context.Context, id string, numGames int) (*controller.RunView, error) {
	var view controller.RunView
	err := c.do(ctx, http.MethodPost, "/api/runs/"+url.PathEscape(id)+"/games", httpapi.AdjustRequest{NumGames: numGames}, &view)
	if err != nil {
		return nil, err
	}
	return &view, nil
}

// SetPriority changes a run's priority
func (c *Client) SetPriority(ctx context.Context, id string, priority int) (*controller.RunView, error) {
	var view controller.RunView
	err := c.do(ctx, http.MethodPost, "/api/runs/"+url.PathEscape(id)+"/priority", httpapi.PriorityRequest{Priority: priority}, &view)
	if err != nil {
		return nil, err
	}
	return &view, nil
}

// Status returns the queue summary
func (c *Client) Status(ctx context.Context) (*httpapi.StatusResponse, error) {
	var status httpapi.StatusResponse
	if err := c.do(ctx, http.MethodGet, "/api/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}
