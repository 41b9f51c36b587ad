// Package worker supervises the isolated build worker subprocess and pumps
// framed commands and events over its standard pipes.
package worker

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/narvanalabs/build-agent/internal/logbus"
	"github.com/narvanalabs/build-agent/internal/protocol"
)

// Default timeouts for a supervised build.
const (
	DefaultWallTimeout    = 10 * time.Hour
	DefaultSilenceTimeout = 30 * time.Minute
	DefaultKillGrace      = 10 * time.Second
)

// Config holds configuration for the worker supervisor.
type Config struct {
	// WorkerPath is the worker executable. Empty selects the runner's
	// realise fallback instead of a worker subprocess.
	WorkerPath      string
	ExtraNixOptions []string

	WallTimeout    time.Duration
	SilenceTimeout time.Duration
	KillGrace      time.Duration
	MaxFrameSize   uint64
}

// DefaultConfig returns a Config with the standard timeouts.
func DefaultConfig(workerPath string) *Config {
	return &Config{
		WorkerPath:     workerPath,
		WallTimeout:    DefaultWallTimeout,
		SilenceTimeout: DefaultSilenceTimeout,
		KillGrace:      DefaultKillGrace,
		MaxFrameSize:   protocol.DefaultMaxFrameSize,
	}
}

// RunResult is the outcome of one supervised worker run.
type RunResult struct {
	// Success is the BuildResult reported by the worker, or nil when the
	// worker exited without reporting one.
	Success *bool
	// Exception carries the worker's fatal error message, if any.
	Exception string
	// ExitCode is the worker's exit code (128+signal when killed).
	ExitCode int
	// TimedOut is set when the supervisor killed the worker after the wall
	// or silence timeout expired.
	TimedOut bool
}

// Supervisor spawns worker subprocesses and manages their framed IPC.
type Supervisor struct {
	cfg    *Config
	bus    *logbus.Bus
	logger *slog.Logger
}

// New creates a supervisor that forwards log-bearing events to bus.
func New(cfg *Config, bus *logbus.Bus, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		cfg:    cfg,
		bus:    bus,
		logger: logger.With("component", "worker"),
	}
}

// Run spawns a worker, sends it the single build command, pumps events until
// the worker exits, and reaps it. stderrLine receives each line of the
// worker's stderr for operator diagnostics. Cancelling ctx terminates the
// worker with SIGTERM, then SIGKILL after the grace period.
func (s *Supervisor) Run(ctx context.Context, cmd *protocol.BuildCommand, stderrLine func(string)) (*RunResult, error) {
	p, err := startWorkerProcess(s.cfg.WorkerPath, s.cfg.ExtraNixOptions)
	if err != nil {
		return nil, err
	}
	return s.supervise(ctx, p, cmd, stderrLine)
}

// supervise drives one spawned worker. Split from Run so tests can inject a
// fake process.
func (s *Supervisor) supervise(ctx context.Context, p proc, cmd *protocol.BuildCommand, stderrLine func(string)) (*RunResult, error) {
	result := &RunResult{}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu       sync.Mutex
		lastByte atomic.Int64
		pumpErr  error
		wg       sync.WaitGroup
	)
	lastByte.Store(time.Now().UnixNano())
	touch := func() { lastByte.Store(time.Now().UnixNano()) }

	commands := make(chan *protocol.BuildCommand, 1)
	commands <- cmd
	close(commands)

	// Command pump: frame commands onto worker stdin, closing stdin when the
	// channel is exhausted.
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer p.Stdin().Close()
		for c := range commands {
			if err := protocol.WriteFrame(p.Stdin(), c.Encode()); err != nil {
				s.logger.Error("writing command to worker", "error", err)
				return
			}
		}
	}()

	// Event pump: decode frames from worker stdout. Log-bearing events go to
	// the bus; structural events update the result.
	wg.Add(1)
	go func() {
		defer wg.Done()
		stdout := bufio.NewReader(p.Stdout())
		for {
			payload, err := protocol.ReadFrame(stdout, s.cfg.MaxFrameSize)
			if err != nil {
				if !errors.Is(err, io.EOF) {
					mu.Lock()
					if pumpErr == nil {
						pumpErr = err
					}
					mu.Unlock()
					cancel()
				}
				return
			}
			touch()

			ev, err := protocol.DecodeEvent(payload)
			if err != nil {
				mu.Lock()
				if pumpErr == nil {
					pumpErr = err
				}
				mu.Unlock()
				cancel()
				return
			}

			switch ev.Kind {
			case protocol.EventLog:
				s.bus.Push(ev.Entry)
			case protocol.EventBuildResult:
				mu.Lock()
				if result.Success != nil {
					s.logger.Warn("ignoring structural event after build result")
				} else {
					success := ev.Success
					result.Success = &success
				}
				mu.Unlock()
			case protocol.EventException:
				mu.Lock()
				if result.Success != nil {
					// The build result is terminal for structural events.
					s.logger.Warn("ignoring structural event after build result")
					mu.Unlock()
					continue
				}
				if result.Exception == "" {
					result.Exception = ev.Message
				}
				mu.Unlock()
				// A worker exception is fatal: stop pumping and terminate.
				cancel()
				return
			}
		}
	}()

	// Stderr pump: forward diagnostic lines to the operator handler.
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(p.Stderr())
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			touch()
			if stderrLine != nil {
				stderrLine(scanner.Text())
			}
		}
	}()

	// Watchdog: enforce the wall and silence timeouts, and translate
	// cancellation into SIGTERM / SIGKILL.
	watchdogDone := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(watchdogDone)
		deadline := time.NewTimer(s.cfg.WallTimeout)
		defer deadline.Stop()
		interval := time.Second
		if s.cfg.SilenceTimeout < 4*time.Second {
			interval = s.cfg.SilenceTimeout / 4
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		terminate := func(timedOut bool) {
			mu.Lock()
			result.TimedOut = result.TimedOut || timedOut
			mu.Unlock()
			s.terminate(p, exited)
		}

		for {
			select {
			case <-exited:
				return
			case <-runCtx.Done():
				terminate(false)
				return
			case <-deadline.C:
				s.logger.Warn("build exceeded wall timeout", "timeout", s.cfg.WallTimeout)
				terminate(true)
				return
			case <-ticker.C:
				silent := time.Since(time.Unix(0, lastByte.Load()))
				if silent >= s.cfg.SilenceTimeout {
					s.logger.Warn("build silent for too long", "silence", silent)
					terminate(true)
					return
				}
			}
		}
	}()

	// The pumps own the pipes: they must observe EOF before the process is
	// reaped, or output could be lost when Wait closes the pipe ends.
	wg.Wait()
	exitCode, waitErr := p.Wait()
	close(exited)
	<-watchdogDone

	if waitErr != nil {
		return nil, waitErr
	}

	mu.Lock()
	defer mu.Unlock()
	result.ExitCode = exitCode
	if pumpErr != nil {
		return result, pumpErr
	}
	return result, nil
}

// terminate sends SIGTERM, waits for the grace period, then SIGKILLs.
// exited is closed once the process has been reaped.
func (s *Supervisor) terminate(p proc, exited <-chan struct{}) {
	if err := p.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return
		}
		s.logger.Warn("sending SIGTERM to worker", "error", err)
	}

	select {
	case <-exited:
		return
	case <-time.After(s.cfg.KillGrace):
	}

	if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger.Error("sending SIGKILL to worker", "error", err)
	}
}
