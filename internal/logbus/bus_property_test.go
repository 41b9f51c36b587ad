package logbus

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/narvanalabs/build-agent/internal/models"
)

// TestBusMsMonotonic checks that entries produced through the bus's logger
// capability carry non-decreasing timestamps in enqueue order.
func TestBusMsMonotonic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("ms non-decreasing in enqueue order", prop.ForAll(
		func(texts []string) bool {
			bus := New(len(texts) + 1)
			for i, text := range texts {
				switch i % 3 {
				case 0:
					bus.Msg(3, text)
				case 1:
					bus.StartActivity(uint64(i), 3, 100, text, nil, 0)
				case 2:
					bus.StopActivity(uint64(i))
				}
			}
			bus.Close()

			var last uint64
			for {
				entries := bus.PopMany(16)
				if len(entries) == 0 {
					return true
				}
				for _, e := range entries {
					if e.Ms < last {
						return false
					}
					last = e.Ms
				}
			}
		},
		gen.SliceOf(gen.AnyString()),
	))

	properties.TestingRun(t)
}

// TestBusNeverDropsActivityRecords checks the drop policy over arbitrary
// push sequences: activity records always survive.
func TestBusNeverDropsActivityRecords(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	type push struct {
		activity bool
		level    int
	}

	genPush := gopter.CombineGens(gen.Bool(), gen.IntRange(0, 7)).
		Map(func(vals []interface{}) push {
			return push{activity: vals[0].(bool), level: vals[1].(int)}
		})

	properties.Property("activity records survive any push sequence", prop.ForAll(
		func(pushes []push) bool {
			bus := New(4)
			activities := 0
			for i, p := range pushes {
				if p.activity {
					bus.Push(&models.LogEntry{Kind: models.LogKindStartActivity, ActivityID: uint64(i)})
					activities++
				} else {
					bus.Push(&models.LogEntry{Kind: models.LogKindMsg, Level: p.level})
				}
			}
			bus.Close()

			survived := 0
			for {
				entries := bus.PopMany(16)
				if len(entries) == 0 {
					break
				}
				for _, e := range entries {
					if e.Kind == models.LogKindStartActivity {
						survived++
					}
				}
			}
			return survived == activities
		},
		gen.SliceOf(genPush),
	))

	properties.TestingRun(t)
}
