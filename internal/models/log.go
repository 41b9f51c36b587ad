package models

// LogKind discriminates the variants of a LogEntry.
type LogKind uint8

const (
	LogKindMsg LogKind = iota
	LogKindStartActivity
	LogKindStopActivity
	LogKindResult
)

// FieldType discriminates the typed values carried by activity fields.
type FieldType uint8

const (
	FieldInt FieldType = iota
	FieldString
)

// Field is one typed value attached to an activity or result.
type Field struct {
	Type FieldType
	Int  uint64
	Str  string
}

// IntField returns an integer field.
func IntField(v uint64) Field { return Field{Type: FieldInt, Int: v} }

// StringField returns a string field.
func StringField(s string) Field { return Field{Type: FieldString, Str: s} }

// LogEntry is a structured record produced by the in-process build logger.
// Ms is milliseconds since logger start and is non-decreasing in enqueue
// order per producer; entries from different producers are not ordered by Ms.
// ActivityID and Parent form a forest of nested activities.
type LogEntry struct {
	Kind       LogKind
	Level      int
	Ms         uint64
	Text       string
	ActivityID uint64
	Type       uint64
	Parent     uint64
	Fields     []Field
}
