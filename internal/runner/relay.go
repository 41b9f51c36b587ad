package runner

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/narvanalabs/build-agent/internal/models"
	"github.com/narvanalabs/build-agent/internal/report"
)

const (
	relayFlushBytes    = 4096
	relayFlushInterval = 2 * time.Second
)

// logRelay forwards worker stderr lines to the operator log and, batched, to
// the CI API's build log.
type logRelay struct {
	ctx      context.Context
	task     *models.BuildTask
	reporter report.Reporter
	logger   *slog.Logger

	mu     sync.Mutex
	buf    []byte
	closed bool
	ticker *time.Ticker
	done   chan struct{}
}

func newLogRelay(ctx context.Context, task *models.BuildTask, reporter report.Reporter, logger *slog.Logger) *logRelay {
	r := &logRelay{
		ctx:      ctx,
		task:     task,
		reporter: reporter,
		logger:   logger,
		ticker:   time.NewTicker(relayFlushInterval),
		done:     make(chan struct{}),
	}
	go func() {
		for {
			select {
			case <-r.done:
				return
			case <-r.ticker.C:
				r.flush()
			}
		}
	}()
	return r
}

// Line accepts one worker stderr line.
func (r *logRelay) Line(line string) {
	r.logger.Debug("worker stderr", "line", line)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.buf = append(r.buf, line...)
	r.buf = append(r.buf, '\n')
	full := len(r.buf) >= relayFlushBytes
	r.mu.Unlock()

	if full {
		r.flush()
	}
}

func (r *logRelay) flush() {
	r.mu.Lock()
	if len(r.buf) == 0 {
		r.mu.Unlock()
		return
	}
	data := r.buf
	r.buf = nil
	r.mu.Unlock()

	if err := r.reporter.WriteLog(r.ctx, r.task.ID, r.task.LogToken, data); err != nil {
		r.logger.Warn("appending build log", "error", err)
	}
}

// Close flushes the remaining buffer and stops the flush loop.
func (r *logRelay) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.ticker.Stop()
	close(r.done)
	r.flush()
}
