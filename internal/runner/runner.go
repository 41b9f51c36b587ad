// Package runner drives one build task through its state machine: spawn a
// worker, await the build result, then query outputs, push caches, and
// report completion.
package runner

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/narvanalabs/build-agent/internal/logbus"
	"github.com/narvanalabs/build-agent/internal/metrics"
	"github.com/narvanalabs/build-agent/internal/models"
	"github.com/narvanalabs/build-agent/internal/protocol"
	"github.com/narvanalabs/build-agent/internal/report"
	"github.com/narvanalabs/build-agent/internal/worker"

	"github.com/google/uuid"
)

// Supervisor runs one worker subprocess to completion.
type Supervisor interface {
	Run(ctx context.Context, cmd *protocol.BuildCommand, stderrLine func(string)) (*worker.RunResult, error)
}

// Inspector resolves derivation outputs and their metadata.
type Inspector interface {
	DeclaredOutputs(ctx context.Context, drvPath string) (map[string]string, error)
	QueryOutputs(ctx context.Context, drvPath string, outputs map[string]string) (map[string]models.OutputInfo, error)
	Realise(ctx context.Context, drvPath string, wallTimeout, maxSilent time.Duration) error
}

// CachePusher pushes a path set to one cache, reporting full success.
type CachePusher interface {
	Push(ctx context.Context, cache string, paths []string) bool
}

// LogStreamer drains a logger bus to the remote log service.
type LogStreamer interface {
	Run(ctx context.Context) error
}

// Config holds per-agent runner configuration.
type Config struct {
	// LogPath is the endpoint path for the remote log socket.
	LogPath string
	// BusCapacity bounds the per-task logger bus.
	BusCapacity int
	// WallTimeout and SilenceTimeout bound the realise fallback; the worker
	// supervisor carries its own copies.
	WallTimeout    time.Duration
	SilenceTimeout time.Duration
	// WorkerConfigured selects the worker path; when false the runner
	// realises the derivation directly with nix-store.
	WorkerConfigured bool
}

// Deps are the runner's collaborators. NewSupervisor and NewStreamer are
// factories because the logger bus is created per task.
type Deps struct {
	NewSupervisor func(bus *logbus.Bus) Supervisor
	NewStreamer   func(host, token string, bus *logbus.Bus) LogStreamer
	Inspector     Inspector
	Pusher        CachePusher
	Reporter      report.Reporter
	Logger        *slog.Logger
}

// Runner executes build tasks.
type Runner struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
}

// New creates a runner.
func New(cfg Config, deps Deps) *Runner {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With("component", "runner"),
	}
}

// Run drives one task to its single terminal status. The returned status has
// already been reported to the CI API; the error is non-nil only when that
// final report failed.
func (r *Runner) Run(ctx context.Context, task *models.BuildTask) (models.TaskStatus, error) {
	logger := r.logger.With("task_id", task.ID, "drv", task.DerivationPath)
	logger.Info("starting build task")
	metrics.TasksStartedTotal.Inc()
	start := time.Now()

	status := r.execute(ctx, task, logger)

	metrics.TasksCompletedTotal.WithLabelValues(string(status.State)).Inc()
	metrics.BuildDurationSeconds.Observe(time.Since(start).Seconds())
	logger.Info("build task finished", "state", status.State, "message", status.Message)

	// The terminal status is reported exactly once, whatever the outcome.
	if err := r.deps.Reporter.ReportTaskStatus(ctx, task.ID, status); err != nil {
		return status, err
	}
	return status, nil
}

// execute runs the task up to (but not including) the terminal status
// report. Every step returns either a continuation or a terminal status; no
// step panics its way out.
func (r *Runner) execute(ctx context.Context, task *models.BuildTask, logger *slog.Logger) models.TaskStatus {
	if !r.cfg.WorkerConfigured {
		return r.realiseDirect(ctx, task, logger)
	}

	bus := logbus.New(r.cfg.BusCapacity)
	streamer := r.deps.NewStreamer(task.LogHost, task.LogToken, bus)
	streamDone := make(chan struct{})
	go func() {
		defer close(streamDone)
		if err := streamer.Run(ctx); err != nil {
			logger.Warn("log streamer exited with error", "error", err)
		}
	}()

	supervisor := r.deps.NewSupervisor(bus)
	cmd := &protocol.BuildCommand{
		DrvPath:    task.DerivationPath,
		InputPaths: task.InputPaths,
		LogSettings: protocol.LogSettings{
			Token: task.LogToken,
			Path:  r.cfg.LogPath,
			Host:  task.LogHost,
		},
	}

	relay := newLogRelay(ctx, task, r.deps.Reporter, logger)
	res, runErr := supervisor.Run(ctx, cmd, relay.Line)
	relay.Close()

	// The worker is gone; release the shipper once its queue drains.
	bus.Close()
	<-streamDone
	metrics.LogEntriesDroppedTotal.Add(float64(bus.Dropped()))

	outcome := classify(res, runErr)
	if outcome.State != models.TaskStateSuccessful {
		r.emitDone(ctx, task, false, logger)
		return outcome
	}

	return r.postprocess(ctx, task, logger)
}

// classify maps a supervised run onto a provisional terminal state.
// TaskStateSuccessful here means only that the build itself succeeded;
// post-processing may still downgrade the task.
func classify(res *worker.RunResult, runErr error) models.TaskStatus {
	if runErr != nil {
		return models.Exceptional(runErr.Error())
	}
	if res.Exception != "" {
		return models.Exceptional(res.Exception)
	}
	if res.TimedOut {
		return models.Exceptional("Build timed out")
	}
	if res.Success == nil {
		return models.Exceptional("Build did not complete")
	}
	if !*res.Success || res.ExitCode != 0 {
		return models.Terminated()
	}
	return models.Successful()
}

// realiseDirect is the fallback path: build with nix-store --realise and
// post-process on success.
func (r *Runner) realiseDirect(ctx context.Context, task *models.BuildTask, logger *slog.Logger) models.TaskStatus {
	if err := r.deps.Inspector.Realise(ctx, task.DerivationPath, r.cfg.WallTimeout, r.cfg.SilenceTimeout); err != nil {
		logger.Error("realise failed", "error", err)
		r.emitDone(ctx, task, false, logger)
		return models.Terminated()
	}
	return r.postprocess(ctx, task, logger)
}

// postprocess queries outputs, reports them, pushes caches, and emits the
// final Done event. Its steps are strictly sequenced; Done is always the
// last event emitted for the task.
func (r *Runner) postprocess(ctx context.Context, task *models.BuildTask, logger *slog.Logger) models.TaskStatus {
	declared, err := r.deps.Inspector.DeclaredOutputs(ctx, task.DerivationPath)
	if err != nil {
		logger.Error("querying declared outputs", "error", err)
		r.emitDone(ctx, task, false, logger)
		return models.Exceptional(err.Error())
	}

	infos, err := r.deps.Inspector.QueryOutputs(ctx, task.DerivationPath, declared)
	if err != nil {
		logger.Error("querying output metadata", "error", err)
		r.emitDone(ctx, task, false, logger)
		return models.Exceptional(err.Error())
	}

	events := make([]models.BuildEvent, 0, len(infos))
	paths := make([]string, 0, len(infos))
	names := make([]string, 0, len(infos))
	for name := range infos {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		info := infos[name]
		events = append(events, models.BuildEvent{
			ID:     uuid.New().String(),
			Type:   models.BuildEventOutputInfo,
			Output: &info,
		})
		paths = append(paths, info.Path)
	}
	if err := r.deps.Reporter.UpdateBuild(ctx, task.ID, events); err != nil {
		// Events are additive and duplicate-tolerant; exhausted retries
		// here do not change the build outcome.
		logger.Error("reporting output info", "error", err)
	}

	caches, err := r.deps.Reporter.GetActivePushCaches(ctx)
	if err != nil {
		logger.Error("fetching push caches, skipping distribution", "error", err)
		caches = nil
	}

	for _, cache := range caches {
		if r.deps.Pusher.Push(ctx, cache, paths) {
			r.emitEvent(ctx, task, models.BuildEvent{
				ID:    uuid.New().String(),
				Type:  models.BuildEventPushed,
				Cache: cache,
			}, logger)
		} else {
			logger.Warn("cache push incomplete", "cache", cache)
		}
	}

	r.emitDone(ctx, task, true, logger)
	return models.Successful()
}

func (r *Runner) emitDone(ctx context.Context, task *models.BuildTask, success bool, logger *slog.Logger) {
	r.emitEvent(ctx, task, models.BuildEvent{
		ID:   uuid.New().String(),
		Type: models.BuildEventDone,
		Done: &success,
	}, logger)
}

func (r *Runner) emitEvent(ctx context.Context, task *models.BuildTask, event models.BuildEvent, logger *slog.Logger) {
	if err := r.deps.Reporter.UpdateBuild(ctx, task.ID, []models.BuildEvent{event}); err != nil {
		logger.Error("reporting build event", "type", event.Type, "error", err)
	}
}
