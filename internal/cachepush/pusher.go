// Package cachepush uploads realised store paths to binary caches with
// bounded per-cache parallelism.
package cachepush

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/narvanalabs/build-agent/internal/metrics"
	"github.com/narvanalabs/build-agent/internal/nixstore"
	"github.com/narvanalabs/build-agent/internal/retry"
)

// DefaultParallelism bounds concurrent uploads per cache.
const DefaultParallelism = 4

// Backend uploads a single store path to a named cache. Backends are
// expected to skip paths the cache already holds.
type Backend interface {
	PushPath(ctx context.Context, cache, path string) error
}

// AtticBackend pushes through the attic CLI.
type AtticBackend struct {
	runner nixstore.CommandRunner
}

// NewAtticBackend creates a Backend backed by the attic CLI. A nil runner
// selects the real command runner.
func NewAtticBackend(runner nixstore.CommandRunner) *AtticBackend {
	if runner == nil {
		runner = nixstore.ExecRunner{}
	}
	return &AtticBackend{runner: runner}
}

// PushPath uploads one store path with attic.
func (b *AtticBackend) PushPath(ctx context.Context, cache, path string) error {
	if !nixstore.IsValidStorePath(path) {
		return retry.MarkPermanent(fmt.Errorf("invalid store path: %s", path))
	}
	if _, err := b.runner.Run(ctx, "attic", "push", cache, path); err != nil {
		return fmt.Errorf("pushing %s to %s: %w", path, cache, err)
	}
	return nil
}

// Pusher pushes path sets to caches.
type Pusher struct {
	backend     Backend
	policy      retry.Policy
	parallelism int
	logger      *slog.Logger
}

// New creates a pusher. A non-positive parallelism selects
// DefaultParallelism.
func New(backend Backend, policy retry.Policy, parallelism int, logger *slog.Logger) *Pusher {
	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pusher{
		backend:     backend,
		policy:      policy,
		parallelism: parallelism,
		logger:      logger.With("component", "cachepush"),
	}
}

// Push uploads all paths to the cache. It returns true only when every path
// was pushed; failed paths are logged and retried per the policy first. Push
// failures never fail the task: local realisation is authoritative.
func (p *Pusher) Push(ctx context.Context, cache string, paths []string) bool {
	sem := make(chan struct{}, p.parallelism)
	var wg sync.WaitGroup
	var mu sync.Mutex
	allPushed := true

	for _, path := range paths {
		wg.Add(1)
		sem <- struct{}{}
		go func(path string) {
			defer wg.Done()
			defer func() { <-sem }()

			err := retry.Do(ctx, p.policy, "cache push", func() error {
				return p.backend.PushPath(ctx, cache, path)
			}, func(attempt int, err error) {
				p.logger.Debug("retrying cache push",
					"cache", cache,
					"path", path,
					"attempt", attempt,
					"error", err,
				)
			})

			if err != nil {
				p.logger.Error("cache push exhausted retries",
					"cache", cache,
					"path", path,
					"error", err,
				)
				metrics.CachePushesTotal.WithLabelValues(cache, "failure").Inc()
				mu.Lock()
				allPushed = false
				mu.Unlock()
				return
			}
			metrics.CachePushesTotal.WithLabelValues(cache, "success").Inc()
		}(path)
	}

	wg.Wait()
	return allPushed
}
