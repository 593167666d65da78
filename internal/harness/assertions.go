package harness

import (
	"fmt"
	"math"
	"slices"
	"strings"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s -> %d output(s)\n", ev.Seq, ev.Line, len(ev.Output))
		}
	}
	return buf.String()
}

// EvaluateAssertions runs every assertion and returns the failure messages.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var failures []string
	for _, a := range assertions {
		var err error
		switch a.Type {
		case AssertFinalValues:
			err = assertFinalValues(result, a)
		case AssertFinalNeighbors:
			err = assertFinalNeighbors(result, a)
		case AssertReachableCount:
			err = assertReachableCount(result, a)
		case AssertPushCount:
			err = assertCount(result, a, "state pushes", len(result.States()))
		case AssertErrorCount:
			err = assertCount(result, a, "errors", len(result.ErrorOutputs()))
		case AssertErrorContains:
			err = assertErrorContains(result, a)
		case AssertConverged:
			err = assertConverged(result)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			failures = append(failures, err.Error())
		}
	}
	return failures
}

func finalState(result *Result, typ string) (Output, error) {
	final, ok := result.FinalState()
	if !ok {
		return Output{}, &AssertionError{
			Type:     typ,
			Expected: "at least one state push",
			Actual:   "no state was pushed",
			Trace:    result.Trace,
		}
	}
	return final, nil
}

func assertFinalValues(result *Result, a Assertion) error {
	final, err := finalState(result, AssertFinalValues)
	if err != nil {
		return err
	}
	if msg := compareValues(a.Values, final.Values, a.Tolerance); msg != "" {
		return &AssertionError{
			Type:     AssertFinalValues,
			Expected: formatValues(toFloats(a.Values)),
			Actual:   fmt.Sprintf("%s (%s)", formatValues(final.Values), msg),
			Trace:    result.Trace,
		}
	}
	return nil
}

func assertFinalNeighbors(result *Result, a Assertion) error {
	final, err := finalState(result, AssertFinalNeighbors)
	if err != nil {
		return err
	}
	if a.Node >= len(final.Neighbors) {
		return &AssertionError{
			Type:     AssertFinalNeighbors,
			Expected: fmt.Sprintf("node %d", a.Node),
			Actual:   fmt.Sprintf("state has %d nodes", len(final.Neighbors)),
			Trace:    result.Trace,
		}
	}
	if got := final.Neighbors[a.Node]; !slices.Equal(a.Neighbors, got) {
		return &AssertionError{
			Type:     AssertFinalNeighbors,
			Expected: fmt.Sprintf("node %d neighbors %v", a.Node, a.Neighbors),
			Actual:   fmt.Sprintf("%v", got),
			Trace:    result.Trace,
		}
	}
	return nil
}

func assertReachableCount(result *Result, a Assertion) error {
	final, err := finalState(result, AssertReachableCount)
	if err != nil {
		return err
	}
	reachable := 0
	for _, v := range final.Values {
		if !math.IsInf(v, 1) {
			reachable++
		}
	}
	if reachable != a.Count {
		return &AssertionError{
			Type:     AssertReachableCount,
			Expected: fmt.Sprintf("%d reachable nodes", a.Count),
			Actual:   fmt.Sprintf("%d reachable nodes", reachable),
			Trace:    result.Trace,
		}
	}
	return nil
}

func assertCount(result *Result, a Assertion, what string, got int) error {
	if got != a.Count {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%d %s", a.Count, what),
			Actual:   fmt.Sprintf("%d %s", got, what),
			Trace:    result.Trace,
		}
	}
	return nil
}

func assertErrorContains(result *Result, a Assertion) error {
	errs := result.ErrorOutputs()
	for _, out := range errs {
		if strings.Contains(out.Error, a.Text) {
			return nil
		}
	}
	seen := make([]string, len(errs))
	for i, out := range errs {
		seen[i] = out.Error
	}
	return &AssertionError{
		Type:     AssertErrorContains,
		Expected: fmt.Sprintf("an error containing %q", a.Text),
		Actual:   fmt.Sprintf("errors %q", seen),
		Trace:    result.Trace,
	}
}

func assertConverged(result *Result) error {
	states := result.States()
	if len(states) < 2 {
		return &AssertionError{
			Type:     AssertConverged,
			Expected: "at least two state pushes",
			Actual:   fmt.Sprintf("%d state push(es)", len(states)),
			Trace:    result.Trace,
		}
	}
	prev, last := states[len(states)-2], states[len(states)-1]
	if !sameValues(prev.Values, last.Values) || compareNeighbors(prev.Neighbors, last.Neighbors) != "" {
		return &AssertionError{
			Type:     AssertConverged,
			Expected: fmt.Sprintf("last two states equal, previous %s", formatValues(prev.Values)),
			Actual:   formatValues(last.Values),
			Trace:    result.Trace,
		}
	}
	return nil
}

func sameValues(a, b []float64) bool {
	return slices.EqualFunc(a, b, func(x, y float64) bool {
		return x == y
	})
}

func toFloats(vs []Value) []float64 {
	out := make([]float64, len(vs))
	for i, v := range vs {
		out[i] = float64(v)
	}
	return out
}

func formatValues(vs []float64) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = fmt.Sprint(traceValue(v))
	}
	return "[" + strings.Join(parts, " ") + "]"
}
