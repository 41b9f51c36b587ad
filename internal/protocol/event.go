package protocol

import "github.com/narvanalabs/build-agent/internal/models"

// EventKind discriminates the events received from the worker.
type EventKind uint8

const (
	// EventBuildResult is the final build outcome.
	EventBuildResult EventKind = iota
	// EventException is a fatal worker-side error.
	EventException
	// EventLog carries one structured log entry for the remote build log.
	EventLog
)

// Event is one decoded message from the worker's stdout stream.
type Event struct {
	Kind    EventKind
	Success bool             // EventBuildResult
	Message string           // EventException
	Entry   *models.LogEntry // EventLog
}

// EncodeEvent serialises an event into a frame payload. The worker side uses
// this; the agent uses it in tests to check the codec round-trips.
func EncodeEvent(ev *Event) []byte {
	switch ev.Kind {
	case EventBuildResult:
		b := byte(0)
		if ev.Success {
			b = 1
		}
		return []byte{tagBuildResult, b}
	case EventException:
		buf := []byte{tagException}
		return appendString(buf, ev.Message)
	case EventLog:
		return EncodeLogEntry(ev.Entry)
	}
	return nil
}

// EncodeLogEntry serialises one log entry in the tagged wire encoding shared
// by the worker event stream and the remote log batch format.
func EncodeLogEntry(e *models.LogEntry) []byte {
	switch e.Kind {
	case models.LogKindMsg:
		buf := []byte{tagLogMsg}
		buf = appendU64(buf, uint64(e.Level))
		buf = appendU64(buf, e.Ms)
		return appendString(buf, e.Text)
	case models.LogKindStartActivity:
		buf := []byte{tagLogStartActivity}
		buf = appendU64(buf, e.ActivityID)
		buf = appendU64(buf, uint64(e.Level))
		buf = appendU64(buf, e.Ms)
		buf = appendU64(buf, e.Type)
		buf = appendU64(buf, e.Parent)
		buf = appendString(buf, e.Text)
		return appendFields(buf, e.Fields)
	case models.LogKindStopActivity:
		buf := []byte{tagLogStopActivity}
		buf = appendU64(buf, e.ActivityID)
		return appendU64(buf, e.Ms)
	case models.LogKindResult:
		buf := []byte{tagLogResult}
		buf = appendU64(buf, e.ActivityID)
		buf = appendU64(buf, e.Ms)
		buf = appendU64(buf, e.Type)
		return appendFields(buf, e.Fields)
	}
	return nil
}

// DecodeEvent parses an event frame payload. Unknown tags are a
// ProtocolError.
func DecodeEvent(payload []byte) (*Event, error) {
	r := newPayloadReader(payload)

	tag, err := r.u8()
	if err != nil {
		return nil, err
	}

	switch tag {
	case tagBuildResult:
		b, err := r.u8()
		if err != nil {
			return nil, err
		}
		if b > 1 {
			return nil, protocolErrorf("build result byte %#x is not a bool", b)
		}
		return &Event{Kind: EventBuildResult, Success: b == 1}, nil

	case tagException:
		msg, err := r.str()
		if err != nil {
			return nil, err
		}
		return &Event{Kind: EventException, Message: msg}, nil

	case tagLogMsg:
		entry := &models.LogEntry{Kind: models.LogKindMsg}
		level, err := r.u64()
		if err != nil {
			return nil, err
		}
		entry.Level = int(level)
		if entry.Ms, err = r.u64(); err != nil {
			return nil, err
		}
		if entry.Text, err = r.str(); err != nil {
			return nil, err
		}
		return &Event{Kind: EventLog, Entry: entry}, nil

	case tagLogStartActivity:
		entry := &models.LogEntry{Kind: models.LogKindStartActivity}
		if entry.ActivityID, err = r.u64(); err != nil {
			return nil, err
		}
		level, err := r.u64()
		if err != nil {
			return nil, err
		}
		entry.Level = int(level)
		if entry.Ms, err = r.u64(); err != nil {
			return nil, err
		}
		if entry.Type, err = r.u64(); err != nil {
			return nil, err
		}
		if entry.Parent, err = r.u64(); err != nil {
			return nil, err
		}
		if entry.Text, err = r.str(); err != nil {
			return nil, err
		}
		if entry.Fields, err = r.fields(); err != nil {
			return nil, err
		}
		return &Event{Kind: EventLog, Entry: entry}, nil

	case tagLogStopActivity:
		entry := &models.LogEntry{Kind: models.LogKindStopActivity}
		if entry.ActivityID, err = r.u64(); err != nil {
			return nil, err
		}
		if entry.Ms, err = r.u64(); err != nil {
			return nil, err
		}
		return &Event{Kind: EventLog, Entry: entry}, nil

	case tagLogResult:
		entry := &models.LogEntry{Kind: models.LogKindResult}
		if entry.ActivityID, err = r.u64(); err != nil {
			return nil, err
		}
		if entry.Ms, err = r.u64(); err != nil {
			return nil, err
		}
		if entry.Type, err = r.u64(); err != nil {
			return nil, err
		}
		if entry.Fields, err = r.fields(); err != nil {
			return nil, err
		}
		return &Event{Kind: EventLog, Entry: entry}, nil

	default:
		return nil, protocolErrorf("unknown event tag %#x", tag)
	}
}
