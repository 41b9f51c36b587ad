package logship

import (
	"context"
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/narvanalabs/build-agent/internal/logbus"
	"github.com/narvanalabs/build-agent/internal/models"
	"github.com/narvanalabs/build-agent/internal/protocol"
)

// logSink is a WebSocket server collecting delivered batches.
type logSink struct {
	mu       sync.Mutex
	batches  [][]byte
	auth     []string
	upgrader websocket.Upgrader

	// dropNext makes the server close the next connection after its first
	// message, forcing the shipper to reconnect.
	dropNext bool
}

func (s *logSink) handler(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.auth = append(s.auth, r.Header.Get("Authorization"))
	drop := s.dropNext
	s.dropNext = false
	s.mu.Unlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.batches = append(s.batches, data)
		s.mu.Unlock()
		if drop {
			return
		}
	}
}

func (s *logSink) batchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func testShipper(t *testing.T, sink *logSink, bus *logbus.Bus) (*Shipper, func()) {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(sink.handler))

	host := strings.TrimPrefix(server.URL, "http://")
	cfg := DefaultConfig(host, "/api/v1/logs/build/socket", "log-token")
	cfg.Scheme = "ws"
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 10 * time.Millisecond
	cfg.DrainTimeout = time.Second

	return New(cfg, bus, nil), server.Close
}

func entry(ms uint64, text string) *models.LogEntry {
	return &models.LogEntry{Kind: models.LogKindMsg, Level: 3, Ms: ms, Text: text}
}

func TestShipperDeliversBatches(t *testing.T) {
	sink := &logSink{}
	bus := logbus.New(100)
	shipper, stop := testShipper(t, sink, bus)
	defer stop()

	bus.Push(entry(1, "one"))
	bus.Push(entry(2, "two"))

	done := make(chan error, 1)
	go func() { done <- shipper.Run(context.Background()) }()

	// Let the shipper drain, then release it.
	waitFor(t, func() bool { return sink.batchCount() >= 1 && bus.Len() == 0 })
	bus.Close()

	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.auth) == 0 || sink.auth[0] != "Bearer log-token" {
		t.Errorf("auth headers = %v", sink.auth)
	}

	total := 0
	for _, batch := range sink.batches {
		count := binary.LittleEndian.Uint32(batch[:4])
		total += int(count)
	}
	if total != 2 {
		t.Errorf("delivered %d entries, want 2", total)
	}
}

func TestShipperReconnectsAndResends(t *testing.T) {
	sink := &logSink{dropNext: true}
	bus := logbus.New(100)
	shipper, stop := testShipper(t, sink, bus)
	defer stop()

	done := make(chan error, 1)
	go func() { done <- shipper.Run(context.Background()) }()

	bus.Push(entry(1, "first"))
	waitFor(t, func() bool { return sink.batchCount() >= 1 })

	// The server dropped the first connection; the next batch must arrive
	// over a fresh one.
	bus.Push(entry(2, "second"))
	waitFor(t, func() bool { return sink.batchCount() >= 2 })

	bus.Close()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.auth) < 2 {
		t.Errorf("connections = %d, want at least 2", len(sink.auth))
	}
}

func TestShipperDrainsOnClose(t *testing.T) {
	sink := &logSink{}
	bus := logbus.New(100)
	shipper, stop := testShipper(t, sink, bus)
	defer stop()

	for i := 0; i < 10; i++ {
		bus.Push(entry(uint64(i), "line"))
	}
	bus.Close()

	if err := shipper.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	total := 0
	sink.mu.Lock()
	for _, batch := range sink.batches {
		total += int(binary.LittleEndian.Uint32(batch[:4]))
	}
	sink.mu.Unlock()
	if total != 10 {
		t.Errorf("delivered %d entries, want 10", total)
	}
}

func TestEncodeBatchFormat(t *testing.T) {
	entries := []*models.LogEntry{entry(7, "hello"), entry(9, "world")}
	batch := EncodeBatch(entries)

	if count := binary.LittleEndian.Uint32(batch[:4]); count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}

	want := append([]byte{}, protocol.EncodeLogEntry(entries[0])...)
	want = append(want, protocol.EncodeLogEntry(entries[1])...)
	if string(batch[4:]) != string(want) {
		t.Error("batch body does not match concatenated entry encodings")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
