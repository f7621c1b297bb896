package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/secsync/internal/ir"
)

// goldenDir holds one <scenario>.golden file per traced scenario.
const goldenDir = "testdata/golden"

// traceValue renders one event as an ir.Object. Empty snapshot ids, nil
// clocks and empty details are left out.
func traceValue(ev TraceEvent) ir.Object {
	obj := ir.Object{
		"seq":    ir.Int(ev.Seq),
		"client": ir.String(ev.Client),
		"type":   ir.String(ev.Type),
	}
	if ev.SnapshotID != "" {
		obj["snapshot_id"] = ir.String(ev.SnapshotID)
	}
	if ev.Clock != nil {
		obj["clock"] = ir.Int(*ev.Clock)
	}
	if ev.Detail != "" {
		obj["detail"] = ir.String(ev.Detail)
	}
	return obj
}

// CanonicalTrace encodes the trace of result as canonical JSON. Two runs of
// a scenario produce byte-identical output, which is what golden files hold.
func CanonicalTrace(scenarioName string, result *Result) ([]byte, error) {
	events := make(ir.Array, len(result.Trace))
	for i, ev := range result.Trace {
		events[i] = traceValue(ev)
	}
	return ir.MarshalCanonical(ir.Object{
		"scenario_name": ir.String(scenarioName),
		"trace":         events,
	})
}

// RunWithGolden runs scenario and compares its trace with
// testdata/golden/<name>.golden. Regenerate with
//
//	go test ./internal/harness -update
//
// A trace mismatch fails t. The error is for scenarios that could not run.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result with its golden file.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	trace, err := CanonicalTrace(scenarioName, result)
	if err != nil {
		return err
	}
	goldie.New(t,
		goldie.WithFixtureDir(goldenDir),
		goldie.WithNameSuffix(".golden"),
	).Assert(t, scenarioName, trace)
	return nil
}
