package report

import (
	"context"
	"errors"
	"net/http"

	"github.com/narvanalabs/build-agent/internal/agent"
	"github.com/narvanalabs/build-agent/internal/models"
)

// TaskSource adapts the CI API's task queue endpoints to agent.TaskSource.
type TaskSource struct {
	client *Client
}

// NewTaskSource creates a task source backed by the API client.
func NewTaskSource(client *Client) *TaskSource {
	return &TaskSource{client: client}
}

// Next claims the next build task. Claims are not retried: an unclaimed task
// stays queued, and retrying a claim could double-deliver.
func (s *TaskSource) Next(ctx context.Context) (*models.BuildTask, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.client.baseURL+"/api/v1/tasks/claim", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.client.token)

	resp, err := s.client.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return nil, agent.ErrNoTasks
	case resp.StatusCode >= 400:
		return nil, errors.New("claiming task: " + resp.Status)
	}

	var task models.BuildTask
	if err := decodeJSON(resp.Body, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// Ack marks the task as fully processed.
func (s *TaskSource) Ack(ctx context.Context, taskID string) error {
	return s.client.do(ctx, "ack_task", http.MethodPost, "/api/v1/tasks/"+taskID+"/ack", nil, "", nil)
}

// Nack returns the task for redelivery.
func (s *TaskSource) Nack(ctx context.Context, taskID string) error {
	return s.client.do(ctx, "nack_task", http.MethodPost, "/api/v1/tasks/"+taskID+"/nack", nil, "", nil)
}
