package draftlinesdk

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
)

// Client is a minimal Draftline HTTP API client.
type Client struct {
	BaseURL     string
	ActorID     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Task represents the API task model.
type Task struct {
	ID              string            `json:"id"`
	Topic           string            `json:"topic"`
	Style           string            `json:"style,omitempty"`
	Tone            string            `json:"tone,omitempty"`
	TargetWordCount int               `json:"target_word_count"`
	Status          string            `json:"status"`
	Stage           *string           `json:"stage,omitempty"`
	DraftContent    *string           `json:"draft_content,omitempty"`
	QualityScore    *float64          `json:"quality_score,omitempty"`
	RefinementCount int               `json:"refinement_count"`
	ModelOverrides  map[string]string `json:"model_overrides,omitempty"`
	Metadata        map[string]any    `json:"metadata,omitempty"`
	CreatedAt       string            `json:"created_at"`
	UpdatedAt       string            `json:"updated_at"`
	CompletedAt     *string           `json:"completed_at,omitempty"`
}

// HistoryEntry represents one status audit record.
type HistoryEntry struct {
	ID             int64          `json:"id"`
	TaskID         string         `json:"task_id"`
	PreviousStatus string         `json:"previous_status"`
	NewStatus      string         `json:"new_status"`
	Actor          string         `json:"actor"`
	Reason         string         `json:"reason,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Timestamp      string         `json:"timestamp"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateTaskOptions names the optional fields of CreateTask.
type CreateTaskOptions struct {
	Style           string
	Tone            string
	TargetWordCount int
	ModelOverrides  map[string]string
}

// CreateTask creates a content task.
func (c *Client) CreateTask(ctx context.Context, topic string, opts CreateTaskOptions) (Task, error) {
	body := map[string]any{
		"topic": topic,
	}
	if opts.Style != "" {
		body["style"] = opts.Style
	}
	if opts.Tone != "" {
		body["tone"] = opts.Tone
	}
	if opts.TargetWordCount > 0 {
		body["target_word_count"] = opts.TargetWordCount
	}
	if len(opts.ModelOverrides) > 0 {
		body["model_overrides"] = opts.ModelOverrides
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, "v0/tasks", body, &resp)
	return resp, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "v0/tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListTasks lists tasks, optionally filtered by status.
func (c *Client) ListTasks(ctx context.Context, statusFilter string, limit int) ([]Task, error) {
	endpoint := "v0/tasks"
	q := url.Values{}
	if statusFilter != "" {
		q.Set("status", statusFilter)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Task
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// UpdateStatus requests a status transition.
func (c *Client) UpdateStatus(ctx context.Context, id, newStatus, reason string) (Task, error) {
	body := map[string]any{
		"new_status": newStatus,
	}
	if reason != "" {
		body["reason"] = reason
	}
	var resp Task
	endpoint := fmt.Sprintf("v0/tasks/%s/status", url.PathEscape(id))
	err := c.do(ctx, http.MethodPatch, endpoint, body, &resp)
	return resp, err
}

// Approve publishes an awaiting_approval task.
func (c *Client) Approve(ctx context.Context, id, reason string) (Task, error) {
	body := map[string]any{}
	if reason != "" {
		body["reason"] = reason
	}
	var resp Task
	endpoint := fmt.Sprintf("v0/tasks/%s/approve", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Reject declines an awaiting_approval task.
func (c *Client) Reject(ctx context.Context, id, reason string) (Task, error) {
	body := map[string]any{}
	if reason != "" {
		body["reason"] = reason
	}
	var resp Task
	endpoint := fmt.Sprintf("v0/tasks/%s/reject", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// History returns a task's status audit trail, oldest first.
func (c *Client) History(ctx context.Context, id string) ([]HistoryEntry, error) {
	var resp []HistoryEntry
	endpoint := fmt.Sprintf("v0/tasks/%s/history", url.PathEscape(id))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Failures returns recent validation and execution failures.
func (c *Client) Failures(ctx context.Context, taskID string, limit int) ([]HistoryEntry, error) {
	endpoint := "v0/history/failures"
	q := url.Values{}
	if taskID != "" {
		q.Set("task_id", taskID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []HistoryEntry
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
