// Package client talks to the board HTTP API. Client implements
// reorder.Persister so an Engine can run against a remote board.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"pov-board/domain"
)

// Client wraps http.Client with the board API routes.
type Client struct {
	BaseURL string
	Bearer  string
	HTTP    *http.Client
}

// New creates a new Client. A zero timeout leaves requests bounded only by
// their context.
func New(baseURL, bearer string, timeout time.Duration) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Bearer:  bearer,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("board api: %d %s", e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("board api: %d %s", e.Code, e.Message)
}

// Is lets callers match API failures against the domain sentinels.
func (e *StatusError) Is(target error) bool {
	switch target {
	case domain.ErrNotFound:
		return e.Code == http.StatusNotFound
	case domain.ErrConcurrencyConflict:
		return e.Code == http.StatusConflict
	}
	return false
}

// TaskInput describes a task to create.
type TaskInput struct {
	Title       string           `json:"title"`
	Description string           `json:"description,omitempty"`
	Priority    domain.Priority  `json:"priority,omitempty"`
	Assignee    *domain.Assignee `json:"assignee,omitempty"`
	DueDate     *time.Time       `json:"dueDate,omitempty"`
}

// FetchStages returns the ordered board of a phase.
func (c *Client) FetchStages(ctx context.Context, phaseID string) ([]domain.Stage, error) {
	var resp struct {
		Stages []domain.Stage `json:"stages"`
	}
	if err := c.do(ctx, http.MethodGet, phasePath(phaseID, "stages"), nil, &resp); err != nil {
		return nil, err
	}
	if resp.Stages == nil {
		resp.Stages = []domain.Stage{}
	}
	return resp.Stages, nil
}

// ReorderStages stores the full stage order of a phase.
func (c *Client) ReorderStages(ctx context.Context, phaseID string, stageIDs []string) error {
	body := struct {
		StageIDs []string `json:"stageIds"`
	}{StageIDs: stageIDs}
	return c.do(ctx, http.MethodPut, phasePath(phaseID, "stages", "order"), body, nil)
}

// MoveTask places a task at destOrder of destStageID.
func (c *Client) MoveTask(ctx context.Context, phaseID, taskID, destStageID string, destOrder int) error {
	body := struct {
		StageID string `json:"stageId"`
		Order   int    `json:"order"`
	}{StageID: destStageID, Order: destOrder}
	return c.do(ctx, http.MethodPost, phasePath(phaseID, "tasks", taskID, "move"), body, nil)
}

// CreateStage appends a stage to the phase board.
func (c *Client) CreateStage(ctx context.Context, phaseID, name, description string, status domain.StageStatus) (domain.Stage, error) {
	body := struct {
		Name        string             `json:"name"`
		Description string             `json:"description,omitempty"`
		Status      domain.StageStatus `json:"status,omitempty"`
	}{Name: name, Description: description, Status: status}
	var out domain.Stage
	err := c.do(ctx, http.MethodPost, phasePath(phaseID, "stages"), body, &out)
	return out, err
}

// CreateTask appends a task to a stage.
func (c *Client) CreateTask(ctx context.Context, phaseID, stageID string, in TaskInput) (domain.Task, error) {
	var out domain.Task
	err := c.do(ctx, http.MethodPost, phasePath(phaseID, "stages", stageID, "tasks"), in, &out)
	return out, err
}

func phasePath(phaseID string, parts ...string) string {
	var b strings.Builder
	b.WriteString("/api/phases/")
	b.WriteString(url.PathEscape(phaseID))
	for _, p := range parts {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(p))
	}
	return b.String()
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := sonic.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method != http.MethodGet {
		req.Header.Set("Idempotency-Key", uuid.NewString())
	}
	if c.Bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.Bearer)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if sonic.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		return &StatusError{Code: resp.StatusCode, Message: msg}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return sonic.Unmarshal(data, out)
}
