package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/lofisync/internal/ir"
)

// Snapshot is the golden form of a scenario run: the trace and the final
// log and rows of every node. Digests and materializer counters are left
// out so snapshots stay readable and stable across internal changes.
type Snapshot struct {
	ScenarioName string
	Trace        []TraceEvent
	State        map[string]NodeState
}

// Canonical renders the snapshot as RFC 8785 canonical JSON.
func (s Snapshot) Canonical() ([]byte, error) {
	trace := make(ir.Array, len(s.Trace))
	for i, ev := range s.Trace {
		obj := ir.Object{
			"seq":  ir.Int(ev.Seq),
			"node": ir.String(ev.Node),
			"op":   ir.String(ev.Op),
		}
		if ev.ActionID != "" {
			obj["action_id"] = ir.String(ev.ActionID)
		}
		if ev.Error != "" {
			obj["error"] = ir.String(ev.Error)
		}
		if ev.Round != nil {
			obj["fetched"] = ir.Int(ev.Round.Fetched)
			obj["uploaded"] = ir.Int(ev.Round.Uploaded)
			obj["high_water"] = ir.Int(int64(ev.Round.HighWater))
		}
		if ev.Op == "compact" {
			obj["compacted"] = ir.Int(ev.Compacted)
		}
		trace[i] = obj
	}

	nodes := make(ir.Object, len(s.State))
	for name, ns := range s.State {
		log := make(ir.Array, len(ns.Log))
		for i, id := range ns.Log {
			log[i] = ir.String(id)
		}
		rows := make(ir.Array, len(ns.Rows))
		for i, r := range ns.Rows {
			rows[i] = ir.Object{
				"table":    ir.String(r.Table),
				"row_id":   ir.String(r.RowID),
				"audience": ir.String(r.AudienceKey),
				"data":     r.Data,
			}
		}
		nodes[name] = ir.Object{"log": log, "rows": rows}
	}

	return ir.MarshalCanonical(ir.Object{
		"scenario": ir.String(s.ScenarioName),
		"trace":    trace,
		"nodes":    nodes,
	})
}

// RunWithGolden executes a scenario and compares its snapshot against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns the result so callers can check Pass; a snapshot mismatch fails
// the test through goldie.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	return result, AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares an existing result against its golden file without
// re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := Snapshot{
		ScenarioName: scenarioName,
		Trace:        result.Trace,
		State:        result.State,
	}.Canonical()
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}
