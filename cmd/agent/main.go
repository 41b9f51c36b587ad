// Package main provides the entry point for the build agent.
package main

import (
	"context"
	"os"
	"time"

	"github.com/narvanalabs/build-agent/internal/agent"
	"github.com/narvanalabs/build-agent/internal/cachepush"
	"github.com/narvanalabs/build-agent/internal/health"
	"github.com/narvanalabs/build-agent/internal/logbus"
	"github.com/narvanalabs/build-agent/internal/logship"
	"github.com/narvanalabs/build-agent/internal/nixstore"
	"github.com/narvanalabs/build-agent/internal/report"
	"github.com/narvanalabs/build-agent/internal/retry"
	"github.com/narvanalabs/build-agent/internal/runner"
	"github.com/narvanalabs/build-agent/internal/shutdown"
	"github.com/narvanalabs/build-agent/internal/worker"
	"github.com/narvanalabs/build-agent/pkg/config"
	"github.com/narvanalabs/build-agent/pkg/logger"
)

func main() {
	log := logger.Default()

	cfg, err := config.Load()
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	if exp, ok := cfg.TokenExpiry(); ok && time.Until(exp) < 7*24*time.Hour {
		log.Warn("agent token expires soon", "expiry", exp)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	policy := retry.DefaultPolicy()
	client := report.NewClient(cfg.APIBaseURL, cfg.APIToken, policy, log.Logger)
	inspector := nixstore.NewInspector(nil, log.Logger)
	pusher := cachepush.New(cachepush.NewAtticBackend(nil), policy, cfg.PushParallelism, log.Logger)

	workerCfg := &worker.Config{
		WorkerPath:      cfg.Worker.Path,
		ExtraNixOptions: cfg.Worker.ExtraNixOptions,
		WallTimeout:     cfg.Worker.WallTimeout,
		SilenceTimeout:  cfg.Worker.SilenceTimeout,
		KillGrace:       cfg.Worker.KillGrace,
		MaxFrameSize:    16 << 20,
	}

	run := runner.New(runner.Config{
		LogPath:          cfg.LogSocketPath,
		BusCapacity:      cfg.BusCapacity,
		WallTimeout:      cfg.Worker.WallTimeout,
		SilenceTimeout:   cfg.Worker.SilenceTimeout,
		WorkerConfigured: cfg.Worker.Path != "",
	}, runner.Deps{
		NewSupervisor: func(bus *logbus.Bus) runner.Supervisor {
			return worker.New(workerCfg, bus, log.Logger)
		},
		NewStreamer: func(host, token string, bus *logbus.Bus) runner.LogStreamer {
			return logship.New(logship.DefaultConfig(host, cfg.LogSocketPath, token), bus, log.Logger)
		},
		Inspector: inspector,
		Pusher:    pusher,
		Reporter:  client,
		Logger:    log.Logger,
	})

	source := report.NewTaskSource(client)
	ag := agent.New(source, run, cfg.Concurrency, log.Logger)

	statusServer := health.NewServer(cfg.StatusAddr, log.Logger)
	statusServer.Start()

	coordinator := shutdown.NewCoordinator(
		shutdown.WithTimeout(cfg.ShutdownTimeout),
		shutdown.WithLogger(log.Logger),
	)
	coordinator.Register(shutdown.NewHTTPServerComponent("status", statusServer.HTTPServer()))
	coordinator.Register(shutdown.NewFuncComponent("drain-flag", func(ctx context.Context) error {
		statusServer.SetDraining()
		return nil
	}))
	coordinator.Register(ag)

	ag.Start(ctx)

	coordinator.WaitForSignal()
	coordinator.Wait()
	cancel()
	os.Exit(coordinator.ExitCode())
}
