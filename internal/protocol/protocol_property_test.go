package protocol

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/narvanalabs/build-agent/internal/models"
)

// genStorePath generates plausible store path strings.
func genStorePath() gopter.Gen {
	return gen.Identifier().Map(func(s string) string {
		return "/nix/store/" + s
	})
}

func genLogSettings() gopter.Gen {
	return gopter.CombineGens(
		gen.AnyString(),
		gen.AnyString(),
		gen.AnyString(),
	).Map(func(vals []interface{}) LogSettings {
		return LogSettings{
			Token: vals[0].(string),
			Path:  vals[1].(string),
			Host:  vals[2].(string),
		}
	})
}

func genBuildCommand() gopter.Gen {
	return gopter.CombineGens(
		genStorePath(),
		gen.SliceOf(genStorePath()),
		genLogSettings(),
	).Map(func(vals []interface{}) *BuildCommand {
		return &BuildCommand{
			DrvPath:     vals[0].(string),
			InputPaths:  vals[1].([]string),
			LogSettings: vals[2].(LogSettings),
		}
	})
}

func genField() gopter.Gen {
	return gopter.CombineGens(
		gen.Bool(),
		gen.UInt64(),
		gen.AnyString(),
	).Map(func(vals []interface{}) models.Field {
		if vals[0].(bool) {
			return models.IntField(vals[1].(uint64))
		}
		return models.StringField(vals[2].(string))
	})
}

func genLogEntry() gopter.Gen {
	return gopter.CombineGens(
		gen.IntRange(0, 3),
		gen.IntRange(0, 7),
		gen.UInt64(),
		gen.AnyString(),
		gen.UInt64(),
		gen.UInt64(),
		gen.UInt64(),
		gen.SliceOf(genField()),
	).Map(func(vals []interface{}) *models.LogEntry {
		kind := models.LogKind(vals[0].(int))
		entry := &models.LogEntry{Kind: kind}
		switch kind {
		case models.LogKindMsg:
			entry.Level = vals[1].(int)
			entry.Ms = vals[2].(uint64)
			entry.Text = vals[3].(string)
		case models.LogKindStartActivity:
			entry.ActivityID = vals[4].(uint64)
			entry.Level = vals[1].(int)
			entry.Ms = vals[2].(uint64)
			entry.Type = vals[5].(uint64)
			entry.Parent = vals[6].(uint64)
			entry.Text = vals[3].(string)
			entry.Fields = vals[7].([]models.Field)
		case models.LogKindStopActivity:
			entry.ActivityID = vals[4].(uint64)
			entry.Ms = vals[2].(uint64)
		case models.LogKindResult:
			entry.ActivityID = vals[4].(uint64)
			entry.Ms = vals[2].(uint64)
			entry.Type = vals[5].(uint64)
			entry.Fields = vals[7].([]models.Field)
		}
		return entry
	})
}

func genEvent() gopter.Gen {
	return gopter.CombineGens(
		gen.IntRange(0, 2),
		gen.Bool(),
		gen.AnyString(),
		genLogEntry(),
	).Map(func(vals []interface{}) *Event {
		switch vals[0].(int) {
		case 0:
			return &Event{Kind: EventBuildResult, Success: vals[1].(bool)}
		case 1:
			return &Event{Kind: EventException, Message: vals[2].(string)}
		default:
			return &Event{Kind: EventLog, Entry: vals[3].(*models.LogEntry)}
		}
	})
}

func fieldsEqual(a, b []models.Field) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func entriesEqual(a, b *models.LogEntry) bool {
	return a.Kind == b.Kind &&
		a.Level == b.Level &&
		a.Ms == b.Ms &&
		a.Text == b.Text &&
		a.ActivityID == b.ActivityID &&
		a.Type == b.Type &&
		a.Parent == b.Parent &&
		fieldsEqual(a.Fields, b.Fields)
}

// TestCommandRoundTrip checks that encoding and decoding a build command is
// the identity.
func TestCommandRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("decode(encode(cmd)) == cmd", prop.ForAll(
		func(cmd *BuildCommand) bool {
			decoded, err := DecodeCommand(cmd.Encode())
			if err != nil {
				return false
			}
			if decoded.DrvPath != cmd.DrvPath || decoded.LogSettings != cmd.LogSettings {
				return false
			}
			if len(decoded.InputPaths) != len(cmd.InputPaths) {
				return false
			}
			for i := range cmd.InputPaths {
				if decoded.InputPaths[i] != cmd.InputPaths[i] {
					return false
				}
			}
			return true
		},
		genBuildCommand(),
	))

	properties.TestingRun(t)
}

// TestEventRoundTrip checks that encoding and decoding events is the
// identity for all variants.
func TestEventRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("decode(encode(ev)) == ev", prop.ForAll(
		func(ev *Event) bool {
			decoded, err := DecodeEvent(EncodeEvent(ev))
			if err != nil {
				return false
			}
			if decoded.Kind != ev.Kind {
				return false
			}
			switch ev.Kind {
			case EventBuildResult:
				return decoded.Success == ev.Success
			case EventException:
				return decoded.Message == ev.Message
			case EventLog:
				return entriesEqual(decoded.Entry, ev.Entry)
			}
			return false
		},
		genEvent(),
	))

	properties.TestingRun(t)
}
