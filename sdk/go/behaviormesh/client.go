// Package behaviormesh provides a lightweight Go client for the
// BehaviorMesh REST API.
package behaviormesh

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the BehaviorMesh REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// RunSubmission represents the payload required to create a new run.
type RunSubmission struct {
	ID        string                    `json:"id,omitempty"`
	Behavior  string                    `json:"behavior"`
	AgentID   string                    `json:"agent_id,omitempty"`
	Overrides map[string]map[string]any `json:"overrides,omitempty"`
}

// ExecutionResult mirrors the terminal outcome recorded for a run.
type ExecutionResult struct {
	FinalState string `json:"final_state"`
	Ticks      int    `json:"ticks"`
	ElapsedMS  int64  `json:"elapsed_ms"`
	Detail     string `json:"detail,omitempty"`
}

// Run contains the server side view of a submitted run.
type Run struct {
	ID         string                    `json:"id"`
	Behavior   string                    `json:"behavior"`
	AgentID    string                    `json:"agent_id"`
	Overrides  map[string]map[string]any `json:"overrides,omitempty"`
	Status     string                    `json:"status"`
	Attempts   int                       `json:"attempts"`
	MaxRetries int                       `json:"max_retries"`
	LastError  string                    `json:"last_error,omitempty"`
	ErrorCode  string                    `json:"error_code,omitempty"`
	Result     *ExecutionResult          `json:"result,omitempty"`
	CreatedAt  int64                     `json:"created_at"`
	UpdatedAt  int64                     `json:"updated_at"`
}

// RunStats aggregates run counts by status.
type RunStats struct {
	Total           int64 `json:"total"`
	Pending         int64 `json:"pending"`
	Running         int64 `json:"running"`
	Succeeded       int64 `json:"succeeded"`
	Failed          int64 `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at"`
	NewestUpdatedAt int64 `json:"newest_updated_at"`
}

// ListQuery narrows down the runs returned by ListRuns.
type ListQuery struct {
	Limit    int
	Offset   int
	Statuses []string
	Behavior string
	AgentID  string
	Ascend   bool
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("behaviormesh api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("behaviormesh api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the BehaviorMesh API. When httpClient
// is nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SubmitRun enqueues a new behavior run.
func (c *Client) SubmitRun(ctx context.Context, submission RunSubmission) (Run, error) {
	var created Run
	if err := c.post(ctx, "/api/v1/runs", submission, &created); err != nil {
		return Run{}, err
	}
	return created, nil
}

// GetRun fetches run details by identifier.
func (c *Client) GetRun(ctx context.Context, runID string) (Run, error) {
	// newRequest places the endpoint into url.URL.Path, which holds the
	// decoded form; escaping happens once during serialization, so the ID
	// must not be pre-escaped here.
	var found Run
	if err := c.get(ctx, "/api/v1/runs/"+runID, &found); err != nil {
		return Run{}, err
	}
	return found, nil
}

// ListRuns returns runs matching the query.
func (c *Client) ListRuns(ctx context.Context, query ListQuery) ([]Run, error) {
	endpoint := "/api/v1/runs"
	if encoded := query.encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var runs []Run
	if err := c.get(ctx, endpoint, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// Stats returns aggregated run counts.
func (c *Client) Stats(ctx context.Context, query ListQuery) (RunStats, error) {
	endpoint := "/api/v1/runs/stats"
	if encoded := query.encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var stats RunStats
	if err := c.get(ctx, endpoint, &stats); err != nil {
		return RunStats{}, err
	}
	return stats, nil
}

// Behaviors returns the names of the registered behavior templates.
func (c *Client) Behaviors(ctx context.Context) ([]string, error) {
	var payload struct {
		Behaviors []string `json:"behaviors"`
	}
	if err := c.get(ctx, "/api/v1/behaviors", &payload); err != nil {
		return nil, err
	}
	return payload.Behaviors, nil
}

// WaitUntilCompleted polls the run until it reaches a terminal status or the
// context is cancelled.
func (c *Client) WaitUntilCompleted(ctx context.Context, runID string, interval time.Duration) (Run, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		found, err := c.GetRun(ctx, runID)
		if err != nil {
			return Run{}, err
		}
		if found.Status == "succeeded" || found.Status == "failed" {
			return found, nil
		}
		select {
		case <-ctx.Done():
			return Run{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (q ListQuery) encode() string {
	values := url.Values{}
	if q.Limit > 0 {
		values.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		values.Set("offset", strconv.Itoa(q.Offset))
	}
	if len(q.Statuses) > 0 {
		values.Set("status", strings.Join(q.Statuses, ","))
	}
	if q.Behavior != "" {
		values.Set("behavior", q.Behavior)
	}
	if q.AgentID != "" {
		values.Set("agent_id", q.AgentID)
	}
	if q.Ascend {
		values.Set("order", "asc")
	}
	return values.Encode()
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	parts := strings.SplitN(endpoint, "?", 2)
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parts[0])}
	if len(parts) == 2 {
		rel.RawQuery = parts[1]
	}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
