// Package logbus provides the in-process queue of structured build log
// entries. Producers are the worker event pump and the agent's own build
// logger; the single consumer is the log shipper.
package logbus

import (
	"sync"
	"time"

	"github.com/narvanalabs/build-agent/internal/models"
)

// DefaultCapacity bounds the queue before low-importance entries are dropped.
const DefaultCapacity = 1000

// Logger is the capability set offered to code that produces build log
// entries. The bus implements it with its own monotonic clock.
type Logger interface {
	Msg(level int, text string)
	StartActivity(act uint64, level int, typ uint64, text string, fields []models.Field, parent uint64)
	StopActivity(act uint64)
	Result(act uint64, typ uint64, fields []models.Field)
}

// Bus is a bounded FIFO of log entries. Push never blocks: when the queue is
// full the oldest, least important Msg entry is discarded instead. Activity
// records are never dropped, so the queue may exceed its capacity when only
// activity records remain.
type Bus struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	queue    []*models.LogEntry
	capacity int
	closed   bool
	dropped  uint64
	start    time.Time
	lastMs   uint64
}

// New creates a bus with the given capacity. A non-positive capacity selects
// DefaultCapacity.
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	b := &Bus{
		capacity: capacity,
		start:    time.Now(),
	}
	b.notEmpty = sync.NewCond(&b.mu)
	return b
}

// Push enqueues one entry without blocking. Entries pushed after Close are
// discarded.
func (b *Bus) Push(entry *models.LogEntry) {
	if entry == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	if len(b.queue) >= b.capacity {
		if !b.evictLocked() {
			// Only activity records remain; keep the new entry anyway if it
			// is itself an activity record, otherwise count it as dropped.
			if entry.Kind == models.LogKindMsg {
				b.dropped++
				return
			}
		}
	}

	b.queue = append(b.queue, entry)
	b.notEmpty.Signal()
}

// evictLocked removes the oldest Msg entry with the least important level.
// Nix verbosity grows with chattiness, so the highest level is dropped
// first. Returns false when the queue holds no Msg entry at all.
func (b *Bus) evictLocked() bool {
	victim := -1
	victimLevel := -1
	for i, e := range b.queue {
		if e.Kind != models.LogKindMsg {
			continue
		}
		if e.Level > victimLevel {
			victim = i
			victimLevel = e.Level
		}
	}
	if victim == -1 {
		return false
	}
	b.queue = append(b.queue[:victim], b.queue[victim+1:]...)
	b.dropped++
	return true
}

// PopMany drains up to max entries, blocking until at least one entry is
// available or the bus is closed. It returns an empty slice only after
// Close, once the queue has been fully drained.
func (b *Bus) PopMany(max int) []*models.LogEntry {
	if max <= 0 {
		max = 1
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for len(b.queue) == 0 && !b.closed {
		b.notEmpty.Wait()
	}

	n := len(b.queue)
	if n > max {
		n = max
	}
	out := make([]*models.LogEntry, n)
	copy(out, b.queue[:n])
	b.queue = b.queue[n:]
	return out
}

// Close marks the bus as closed and wakes all waiters. It is idempotent.
// Entries already queued remain available to PopMany.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	b.notEmpty.Broadcast()
}

// Dropped reports how many entries were discarded due to a full queue.
func (b *Bus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Len reports the number of queued entries.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// ms returns milliseconds since bus creation, clamped to be non-decreasing.
func (b *Bus) ms() uint64 {
	now := uint64(time.Since(b.start).Milliseconds())
	if now < b.lastMs {
		return b.lastMs
	}
	b.lastMs = now
	return now
}

// Msg records a plain log line.
func (b *Bus) Msg(level int, text string) {
	b.mu.Lock()
	ms := b.ms()
	b.mu.Unlock()
	b.Push(&models.LogEntry{Kind: models.LogKindMsg, Level: level, Ms: ms, Text: text})
}

// StartActivity records the start of a nested activity.
func (b *Bus) StartActivity(act uint64, level int, typ uint64, text string, fields []models.Field, parent uint64) {
	b.mu.Lock()
	ms := b.ms()
	b.mu.Unlock()
	b.Push(&models.LogEntry{
		Kind:       models.LogKindStartActivity,
		ActivityID: act,
		Level:      level,
		Ms:         ms,
		Type:       typ,
		Text:       text,
		Fields:     fields,
		Parent:     parent,
	})
}

// StopActivity records the end of an activity.
func (b *Bus) StopActivity(act uint64) {
	b.mu.Lock()
	ms := b.ms()
	b.mu.Unlock()
	b.Push(&models.LogEntry{Kind: models.LogKindStopActivity, ActivityID: act, Ms: ms})
}

// Result records an intermediate result for an activity.
func (b *Bus) Result(act uint64, typ uint64, fields []models.Field) {
	b.mu.Lock()
	ms := b.ms()
	b.mu.Unlock()
	b.Push(&models.LogEntry{Kind: models.LogKindResult, ActivityID: act, Ms: ms, Type: typ, Fields: fields})
}
