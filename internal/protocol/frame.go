// Package protocol implements the framed IPC spoken between the agent and a
// build worker subprocess. Frames are a little-endian u64 length prefix
// followed by an opaque payload; payloads are tagged-variant records.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// DefaultMaxFrameSize is the ceiling for a single frame payload.
const DefaultMaxFrameSize = 16 << 20 // 16 MiB

// ProtocolError reports a malformed frame or payload. It is fatal for the
// current task.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Reason
}

func protocolErrorf(format string, args ...any) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// WriteFrame writes one length-prefixed frame to w.
func WriteFrame(w io.Writer, payload []byte) error {
	var header [8]byte
	binary.LittleEndian.PutUint64(header[:], uint64(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("writing frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("writing frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r. It returns io.EOF when
// the stream ends cleanly on a frame boundary, and a ProtocolError when the
// header announces more than max bytes or the payload is truncated.
func ReadFrame(r io.Reader, max uint64) ([]byte, error) {
	var header [8]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, protocolErrorf("short read of frame header: %v", err)
	}

	length := binary.LittleEndian.Uint64(header[:])
	if length > max {
		return nil, protocolErrorf("frame of %d bytes exceeds ceiling of %d", length, max)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, protocolErrorf("short read of frame payload: %v", err)
	}

	return payload, nil
}
