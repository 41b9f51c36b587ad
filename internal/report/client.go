// Package report provides the client for the CI API surface the agent
// consumes. All calls are additive and duplicate-tolerant on the server
// side; the client wraps each call in the default retry policy.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/narvanalabs/build-agent/internal/metrics"
	"github.com/narvanalabs/build-agent/internal/models"
	"github.com/narvanalabs/build-agent/internal/retry"
)

// Reporter is the event sink consumed by the task runner.
type Reporter interface {
	// UpdateBuild appends build progress events for a task.
	UpdateBuild(ctx context.Context, taskID string, events []models.BuildEvent) error
	// WriteLog appends raw build stderr bytes to the task's log.
	WriteLog(ctx context.Context, taskID, token string, data []byte) error
	// GetActivePushCaches returns the identifiers of the caches to push to.
	GetActivePushCaches(ctx context.Context) ([]string, error)
	// ReportTaskStatus reports the single terminal status of a task.
	ReportTaskStatus(ctx context.Context, taskID string, status models.TaskStatus) error
}

// Client is an HTTP Reporter against the CI API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	policy     retry.Policy
	logger     *slog.Logger
}

// NewClient creates an API client. baseURL has no trailing slash; token is
// the agent's bearer token.
func NewClient(baseURL, token string, policy retry.Policy, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		policy: policy,
		logger: logger.With("component", "report"),
	}
}

func decodeJSON(r io.Reader, out any) error {
	return json.NewDecoder(r).Decode(out)
}

// statusError reports a non-2xx API response.
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("api responded %d: %s", e.status, e.body)
}

// do performs one API call under the retry policy. Transport errors and 5xx
// responses are retried; 4xx responses are permanent.
func (c *Client) do(ctx context.Context, operation, method, path string, body []byte, contentType string, out any) error {
	return retry.Do(ctx, c.policy, operation, func() error {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return retry.MarkPermanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("%s: %w", operation, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return &statusError{status: resp.StatusCode, body: string(b)}
		}
		if resp.StatusCode >= 400 {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return retry.MarkPermanent(&statusError{status: resp.StatusCode, body: string(b)})
		}

		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("decoding %s response: %w", operation, err)
			}
		}
		return nil
	}, func(attempt int, err error) {
		metrics.APIRetriesTotal.WithLabelValues(operation).Inc()
		c.logger.Warn("retrying api call",
			"operation", operation,
			"attempt", attempt,
			"error", err,
		)
	})
}

// UpdateBuild appends build events; the server tolerates duplicates.
func (c *Client) UpdateBuild(ctx context.Context, taskID string, events []models.BuildEvent) error {
	body, err := json.Marshal(map[string]any{"events": events})
	if err != nil {
		return fmt.Errorf("encoding build events: %w", err)
	}
	return c.do(ctx, "update_build", http.MethodPost,
		"/api/v1/tasks/"+taskID+"/events", body, "application/json", nil)
}

// WriteLog appends raw build stderr bytes.
func (c *Client) WriteLog(ctx context.Context, taskID, token string, data []byte) error {
	path := "/api/v1/tasks/" + taskID + "/log?token=" + token
	return c.do(ctx, "write_log", http.MethodPost, path, data, "application/octet-stream", nil)
}

// GetActivePushCaches returns the active push cache identifiers.
func (c *Client) GetActivePushCaches(ctx context.Context) ([]string, error) {
	var out struct {
		Caches []string `json:"caches"`
	}
	if err := c.do(ctx, "get_push_caches", http.MethodGet, "/api/v1/push-caches", nil, "", &out); err != nil {
		return nil, err
	}
	return out.Caches, nil
}

// ReportTaskStatus reports the terminal status for a task.
func (c *Client) ReportTaskStatus(ctx context.Context, taskID string, status models.TaskStatus) error {
	body, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("encoding task status: %w", err)
	}
	return c.do(ctx, "report_task_status", http.MethodPost,
		"/api/v1/tasks/"+taskID+"/status", body, "application/json", nil)
}
