// Package logship streams logger-bus entries to the remote log service over
// a persistent authenticated WebSocket connection.
package logship

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/narvanalabs/build-agent/internal/logbus"
	"github.com/narvanalabs/build-agent/internal/metrics"
	"github.com/narvanalabs/build-agent/internal/models"
	"github.com/narvanalabs/build-agent/internal/protocol"
)

// Config holds configuration for the log shipper.
type Config struct {
	Host  string // remote log service host
	Path  string // endpoint path, e.g. "/api/v1/logs/build/socket"
	Token string // bearer token from the task's log settings

	Scheme         string // "wss" unless overridden for tests
	BatchSize      int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	WriteTimeout   time.Duration
	DrainTimeout   time.Duration
}

// DefaultConfig returns a Config with sensible defaults for the given
// endpoint.
func DefaultConfig(host, path, token string) *Config {
	return &Config{
		Host:           host,
		Path:           path,
		Token:          token,
		Scheme:         "wss",
		BatchSize:      100,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		WriteTimeout:   30 * time.Second,
		DrainTimeout:   10 * time.Second,
	}
}

// Shipper drains the logger bus and delivers batches to the remote socket,
// reconnecting with capped exponential backoff and jitter. Batches are not
// de-duplicated across reconnects; the server accepts idempotent activity
// records.
type Shipper struct {
	cfg    *Config
	bus    *logbus.Bus
	logger *slog.Logger

	dialer *websocket.Dialer
	conn   *websocket.Conn
}

// New creates a shipper for the given bus.
func New(cfg *Config, bus *logbus.Bus, logger *slog.Logger) *Shipper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Shipper{
		cfg:    cfg,
		bus:    bus,
		logger: logger.With("component", "logship"),
		dialer: websocket.DefaultDialer,
	}
}

// Run consumes the bus until it is closed and drained, then closes the
// connection and returns. Cancelling ctx bounds the remaining work by the
// drain timeout.
func (s *Shipper) Run(ctx context.Context) error {
	defer s.disconnect()

	for {
		entries := s.bus.PopMany(s.cfg.BatchSize)
		if len(entries) == 0 {
			// Bus closed and fully drained. Close with a handshake so the
			// server has read every batch before Run returns.
			if s.conn != nil {
				deadline := time.Now().Add(s.cfg.DrainTimeout)
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
				if err := s.conn.WriteControl(websocket.CloseMessage, msg, deadline); err == nil {
					s.conn.SetReadDeadline(deadline)
					for {
						if _, _, err := s.conn.ReadMessage(); err != nil {
							break
						}
					}
				}
			}
			return nil
		}

		sendCtx := ctx
		if ctx.Err() != nil {
			// Already cancelled: bound the drain instead of giving up.
			var cancel context.CancelFunc
			sendCtx, cancel = context.WithTimeout(context.Background(), s.cfg.DrainTimeout)
			err := s.sendBatch(sendCtx, entries)
			cancel()
			if err != nil {
				s.logger.Warn("dropping log batch during drain", "entries", len(entries), "error", err)
			}
			continue
		}

		if err := s.sendBatch(sendCtx, entries); err != nil {
			s.logger.Warn("dropping log batch", "entries", len(entries), "error", err)
		}
	}
}

// sendBatch delivers one batch, reconnecting until it succeeds or ctx ends.
func (s *Shipper) sendBatch(ctx context.Context, entries []*models.LogEntry) error {
	payload := EncodeBatch(entries)
	backoff := s.cfg.InitialBackoff

	for {
		err := s.writeOnce(ctx, payload)
		if err == nil {
			return nil
		}
		s.disconnect()
		s.logger.Warn("log socket write failed", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered(backoff)):
		}

		backoff *= 2
		if backoff > s.cfg.MaxBackoff {
			backoff = s.cfg.MaxBackoff
		}
	}
}

func (s *Shipper) writeOnce(ctx context.Context, payload []byte) error {
	if s.conn == nil {
		if err := s.connect(ctx); err != nil {
			return err
		}
	}

	deadline := time.Now().Add(s.cfg.WriteTimeout)
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.BinaryMessage, payload)
}

func (s *Shipper) connect(ctx context.Context) error {
	u := url.URL{Scheme: s.cfg.Scheme, Host: s.cfg.Host, Path: s.cfg.Path}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.cfg.Token)

	conn, resp, err := s.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dialing log socket: %w (status %s)", err, resp.Status)
		}
		return fmt.Errorf("dialing log socket: %w", err)
	}

	s.conn = conn
	metrics.LogShipperReconnectsTotal.Inc()
	s.logger.Debug("connected to log socket", "host", s.cfg.Host, "path", s.cfg.Path)
	return nil
}

func (s *Shipper) disconnect() {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

// jittered returns d scaled by a random factor in [0.5, 1.5).
func jittered(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.5 + rand.Float64()))
}

// EncodeBatch serialises a batch of entries in the remote log wire format:
// a u32_le count followed by the tagged encoding of each entry.
func EncodeBatch(entries []*models.LogEntry) []byte {
	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(entries)))
	buf := header[:]
	for _, e := range entries {
		buf = append(buf, protocol.EncodeLogEntry(e)...)
	}
	return buf
}
