package harness

import (
	"math"

	"github.com/roach88/gradsim/internal/engine"
)

// Output kinds.
const (
	OutputState = "state"
	OutputError = "error"
)

// Output is one line the session sent back in response to a step.
type Output struct {
	Kind string `json:"kind"`

	// Values holds node values for state outputs, with +Inf kept as +Inf.
	Values []float64 `json:"values,omitempty"`

	// Neighbors holds neighbor lists for state outputs, in node id order.
	Neighbors [][]int `json:"neighbors,omitempty"`

	// Error is the error text for error outputs.
	Error string `json:"error,omitempty"`
}

// TraceEvent records one scenario step and everything it produced.
type TraceEvent struct {
	Seq    int64    `json:"seq"`
	Line   string   `json:"line"`
	Output []Output `json:"output"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace holds one event per step, in order.
	Trace []TraceEvent `json:"trace"`

	// Errors holds expectation and assertion failures. Empty if Pass.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError records a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// States returns every state output in trace order.
func (r *Result) States() []Output {
	var states []Output
	for _, ev := range r.Trace {
		for _, out := range ev.Output {
			if out.Kind == OutputState {
				states = append(states, out)
			}
		}
	}
	return states
}

// ErrorOutputs returns every error output in trace order.
func (r *Result) ErrorOutputs() []Output {
	var errs []Output
	for _, ev := range r.Trace {
		for _, out := range ev.Output {
			if out.Kind == OutputError {
				errs = append(errs, out)
			}
		}
	}
	return errs
}

// FinalState returns the last pushed state, or false if none was pushed.
func (r *Result) FinalState() (Output, bool) {
	states := r.States()
	if len(states) == 0 {
		return Output{}, false
	}
	return states[len(states)-1], true
}

func stateOutput(s engine.State) Output {
	out := Output{
		Kind:      OutputState,
		Values:    make([]float64, len(s.Nodes)),
		Neighbors: make([][]int, len(s.Nodes)),
	}
	for i, n := range s.Nodes {
		out.Values[i] = n.Value
		out.Neighbors[i] = n.Neighbors
		if out.Neighbors[i] == nil {
			out.Neighbors[i] = []int{}
		}
	}
	return out
}

// traceValue renders a node value for traces and messages: finite values as
// numbers, +Inf as the string "inf".
func traceValue(v float64) any {
	if math.IsInf(v, 1) {
		return "inf"
	}
	return v
}
