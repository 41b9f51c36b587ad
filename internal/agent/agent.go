// Package agent runs the build task consumption loop.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/narvanalabs/build-agent/internal/models"
)

// ErrNoTasks is returned by a TaskSource when no work is available.
var ErrNoTasks = errors.New("no tasks available")

// TaskSource hands out build tasks. The CI API front-end implements it; the
// agent only consumes.
type TaskSource interface {
	// Next returns the next task, or ErrNoTasks.
	Next(ctx context.Context) (*models.BuildTask, error)
	// Ack marks a task as fully processed (its terminal status reported).
	Ack(ctx context.Context, taskID string) error
	// Nack returns a task for redelivery after a processing failure.
	Nack(ctx context.Context, taskID string) error
}

// TaskRunner drives one task to its terminal status. runner.Runner is the
// production implementation.
type TaskRunner interface {
	Run(ctx context.Context, task *models.BuildTask) (models.TaskStatus, error)
}

// Agent consumes build tasks with bounded concurrency.
type Agent struct {
	source      TaskSource
	runner      TaskRunner
	logger      *slog.Logger
	concurrency int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates an agent. A non-positive concurrency selects 1.
func New(source TaskSource, r TaskRunner, concurrency int, logger *slog.Logger) *Agent {
	if concurrency <= 0 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		source:      source,
		runner:      r,
		logger:      logger.With("component", "agent"),
		concurrency: concurrency,
		stopCh:      make(chan struct{}),
	}
}

// Start begins processing tasks. It spawns one loop goroutine per unit of
// concurrency and returns immediately.
func (a *Agent) Start(ctx context.Context) {
	a.logger.Info("starting agent", "concurrency", a.concurrency)
	for i := 0; i < a.concurrency; i++ {
		a.wg.Add(1)
		go a.loop(ctx, i)
	}
}

// Stop signals the loops to exit and waits for in-flight tasks to finish.
func (a *Agent) Stop() {
	a.logger.Info("stopping agent")
	close(a.stopCh)
	a.wg.Wait()
	a.logger.Info("agent stopped")
}

// Name implements shutdown.Component.
func (a *Agent) Name() string { return "agent" }

// Shutdown implements shutdown.Component.
func (a *Agent) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.Stop()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Agent) loop(ctx context.Context, id int) {
	defer a.wg.Done()

	logger := a.logger.With("loop_id", id)
	logger.Debug("loop started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopCh:
			return
		default:
			task, err := a.source.Next(ctx)
			if err != nil {
				if errors.Is(err, ErrNoTasks) {
					time.Sleep(1 * time.Second)
					continue
				}
				logger.Error("fetching next task", "error", err)
				time.Sleep(5 * time.Second)
				continue
			}

			a.process(ctx, task, logger)
		}
	}
}

func (a *Agent) process(ctx context.Context, task *models.BuildTask, logger *slog.Logger) {
	status, err := a.runner.Run(ctx, task)
	if err != nil {
		logger.Error("reporting terminal status", "task_id", task.ID, "error", err)
		if nackErr := a.source.Nack(ctx, task.ID); nackErr != nil {
			logger.Error("nacking task", "task_id", task.ID, "error", nackErr)
		}
		return
	}

	if status.State != models.TaskStateSuccessful {
		reason := status.Message
		if reason == "" {
			reason = "build failed"
		}
		fmt.Fprintf(os.Stderr, "build-agent: %s\n", reason)
	}

	if err := a.source.Ack(ctx, task.ID); err != nil {
		logger.Error("acking task", "task_id", task.ID, "error", err)
	}
}
