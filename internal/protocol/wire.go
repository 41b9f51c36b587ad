package protocol

import (
	"bytes"
	"encoding/binary"

	"github.com/narvanalabs/build-agent/internal/models"
)

// Payload encoding helpers. Integers are little-endian; strings are a u32
// length prefix followed by UTF-8 bytes.

func appendU64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

func appendU32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func appendString(buf []byte, s string) []byte {
	buf = appendU32(buf, uint32(len(s)))
	return append(buf, s...)
}

func appendStringList(buf []byte, list []string) []byte {
	buf = appendU32(buf, uint32(len(list)))
	for _, s := range list {
		buf = appendString(buf, s)
	}
	return buf
}

func appendFields(buf []byte, fields []models.Field) []byte {
	buf = appendU32(buf, uint32(len(fields)))
	for _, f := range fields {
		buf = append(buf, byte(f.Type))
		switch f.Type {
		case models.FieldInt:
			buf = appendU64(buf, f.Int)
		case models.FieldString:
			buf = appendString(buf, f.Str)
		}
	}
	return buf
}

// payloadReader consumes a payload sequentially, failing with ProtocolError
// on truncation.
type payloadReader struct {
	buf *bytes.Reader
}

func newPayloadReader(payload []byte) *payloadReader {
	return &payloadReader{buf: bytes.NewReader(payload)}
}

func (r *payloadReader) u8() (byte, error) {
	b, err := r.buf.ReadByte()
	if err != nil {
		return 0, protocolErrorf("truncated payload: expected byte")
	}
	return b, nil
}

func (r *payloadReader) u32() (uint32, error) {
	var b [4]byte
	n, err := r.buf.Read(b[:])
	if err != nil || n != 4 {
		return 0, protocolErrorf("truncated payload: expected u32")
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func (r *payloadReader) u64() (uint64, error) {
	var b [8]byte
	n, err := r.buf.Read(b[:])
	if err != nil || n != 8 {
		return 0, protocolErrorf("truncated payload: expected u64")
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func (r *payloadReader) str() (string, error) {
	length, err := r.u32()
	if err != nil {
		return "", err
	}
	if uint64(length) > uint64(r.buf.Len()) {
		return "", protocolErrorf("truncated payload: string of %d bytes", length)
	}
	if length == 0 {
		// bytes.Reader.Read reports io.EOF at the end of the payload even
		// for an empty buffer, so an empty trailing string is handled here.
		return "", nil
	}
	b := make([]byte, length)
	if _, err := r.buf.Read(b); err != nil {
		return "", protocolErrorf("truncated payload: string body")
	}
	return string(b), nil
}

func (r *payloadReader) stringList() ([]string, error) {
	count, err := r.u32()
	if err != nil {
		return nil, err
	}
	list := make([]string, 0, count)
	for i := uint32(0); i < count; i++ {
		s, err := r.str()
		if err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, nil
}

func (r *payloadReader) fields() ([]models.Field, error) {
	count, err := r.u32()
	if err != nil {
		return nil, err
	}
	fields := make([]models.Field, 0, count)
	for i := uint32(0); i < count; i++ {
		t, err := r.u8()
		if err != nil {
			return nil, err
		}
		switch models.FieldType(t) {
		case models.FieldInt:
			v, err := r.u64()
			if err != nil {
				return nil, err
			}
			fields = append(fields, models.IntField(v))
		case models.FieldString:
			s, err := r.str()
			if err != nil {
				return nil, err
			}
			fields = append(fields, models.StringField(s))
		default:
			return nil, protocolErrorf("unknown field type %#x", t)
		}
	}
	return fields, nil
}

func (r *payloadReader) remaining() int {
	return r.buf.Len()
}
