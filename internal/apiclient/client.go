// Package apiclient is a typed HTTP client for the hub's REST surface. The
// sync core uses it for history refetches and job control; the probe binary
// uses it end to end.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"signoff/hub/internal/jobs"
	"signoff/hub/internal/protocol"
	"signoff/hub/internal/store"
)

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// APIError is a non-2xx response decoded from the hub's error envelope.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("hub returned %d %s: %s", e.Status, e.Code, e.Message)
}

// Task is the board view of one workflow task.
type Task struct {
	ID                int64     `json:"id"`
	WorkflowID        int64     `json:"workflowId"`
	Title             string    `json:"title"`
	Status            string    `json:"status"`
	RequiredRoleLevel int       `json:"requiredRoleLevel"`
	AssigneeID        *int64    `json:"assigneeId"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// Job mirrors the hub's job JSON.
type Job struct {
	ID         string          `json:"id"`
	JobKey     string          `json:"jobKey"`
	DocumentID int64           `json:"documentId"`
	Version    int             `json:"version"`
	Status     string          `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// Actor identifies who performs a task transition.
type Actor struct {
	UserID    int64  `json:"userId"`
	UserName  string `json:"userName"`
	RoleLevel int    `json:"roleLevel"`
}

// ChannelHistory fetches the most recent messages of a channel in send order.
func (c *Client) ChannelHistory(ctx context.Context, channelID int64, limit int) ([]protocol.ChatMessage, error) {
	path := fmt.Sprintf("/api/channels/%d/messages", channelID)
	if limit > 0 {
		path = fmt.Sprintf("%s?limit=%d", path, limit)
	}
	var out struct {
		Messages []protocol.ChatMessage `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// WorkflowTasks fetches the tasks of one workflow.
func (c *Client) WorkflowTasks(ctx context.Context, workflowID int64) ([]Task, error) {
	var out struct {
		Tasks []Task `json:"tasks"`
	}
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/workflows/%d/tasks", workflowID), nil, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

// TransitionTask asks the hub to move a task to a new status.
func (c *Client) TransitionTask(ctx context.Context, taskID int64, actor Actor, to string) (Task, error) {
	body := map[string]any{"actor": actor, "to": to}
	var out struct {
		Task Task `json:"task"`
	}
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/tasks/%d/transitions", taskID), body, &out); err != nil {
		return Task{}, err
	}
	return out.Task, nil
}

// StartAnalysis queues an AI analysis run for a document version.
func (c *Client) StartAnalysis(ctx context.Context, documentID int64, version int) (Job, error) {
	path := fmt.Sprintf("/api/documents/%d/versions/%d/analysis", documentID, version)
	var out struct {
		Job Job `json:"job"`
	}
	if err := c.do(ctx, http.MethodPost, path, nil, &out); err != nil {
		return Job{}, err
	}
	return out.Job, nil
}

// JobStatus fetches the current state of one analysis job.
func (c *Client) JobStatus(ctx context.Context, jobID string) (Job, error) {
	var out struct {
		Job Job `json:"job"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/jobs/"+jobID, nil, &out); err != nil {
		return Job{}, err
	}
	return out.Job, nil
}

// FetchJobStatus adapts JobStatus into the poller's fetch shape, mapping the
// stored status onto the client-side job states.
func (c *Client) FetchJobStatus(jobID string) jobs.FetchFunc {
	return func(ctx context.Context) (jobs.Outcome, error) {
		job, err := c.JobStatus(ctx, jobID)
		if err != nil {
			return jobs.Outcome{}, err
		}
		switch job.Status {
		case store.JobSucceeded:
			return jobs.Outcome{State: jobs.StateSuccess, Result: job.Result}, nil
		case store.JobFailed:
			return jobs.Outcome{State: jobs.StateError, Reason: job.Reason}, nil
		case store.JobCancelled:
			return jobs.Outcome{State: jobs.StateCancelled, Reason: job.Reason}, nil
		default:
			return jobs.Outcome{State: jobs.StateRunning}, nil
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, target any) error {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		var envelope struct {
			Code  string `json:"code"`
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err == nil {
			apiErr.Code = envelope.Code
			apiErr.Message = envelope.Error
		}
		return apiErr
	}

	if target == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
