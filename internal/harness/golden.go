package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"
)

// TraceSnapshot captures the complete trace of a scenario run.
type TraceSnapshot struct {
	ScenarioName string
	SessionID    string
	Trace        []TraceEvent
}

// toCanonicalMap converts the snapshot to plain maps for MarshalCanonical.
// Unreachable values are rendered as "inf".
func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	trace := make([]any, len(s.Trace))
	for i, ev := range s.Trace {
		outputs := make([]any, len(ev.Output))
		for j, out := range ev.Output {
			m := map[string]any{"kind": out.Kind}
			if out.Kind == OutputError {
				m["error"] = out.Error
			} else {
				values := make([]any, len(out.Values))
				for k, v := range out.Values {
					values[k] = traceValue(v)
				}
				neighbors := make([]any, len(out.Neighbors))
				for k, ns := range out.Neighbors {
					ids := make([]any, len(ns))
					for l, id := range ns {
						ids[l] = id
					}
					neighbors[k] = ids
				}
				m["values"] = values
				m["neighbors"] = neighbors
			}
			outputs[j] = m
		}
		trace[i] = map[string]any{
			"seq":    ev.Seq,
			"line":   ev.Line,
			"output": outputs,
		}
	}

	result := map[string]any{
		"scenario_name": s.ScenarioName,
		"trace":         trace,
	}
	if s.SessionID != "" {
		result["session_id"] = s.SessionID
	}
	return result
}

// CanonicalTrace serializes a result's trace for golden comparison.
func CanonicalTrace(scenarioName, sessionID string, result *Result) ([]byte, error) {
	snapshot := TraceSnapshot{
		ScenarioName: scenarioName,
		SessionID:    sessionID,
		Trace:        result.Trace,
	}
	return MarshalCanonical(snapshot.toCanonicalMap())
}

// RunWithGolden executes a scenario and compares its trace against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, scenario.SessionID, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result's trace against a golden file.
func AssertGolden(t *testing.T, scenarioName, sessionID string, result *Result) error {
	t.Helper()

	traceJSON, err := CanonicalTrace(scenarioName, sessionID, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, traceJSON)
	return nil
}
