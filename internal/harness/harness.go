package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"slices"
	"strings"
	"sync"

	"github.com/roach88/gradsim/internal/registry"
	"github.com/roach88/gradsim/internal/remote"
)

const defaultTolerance = 1e-9

// Harness drives one scenario through a real remote session.
//
// Lines go through the session's inbox and are handled one at a time with
// Poll, so each step's output is attributed to exactly that step.
type Harness struct {
	reg       *registry.Registry
	session   *remote.Session
	transport *captureTransport
	logger    *slog.Logger
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against a fresh registry. Execution flow:
//  1. Create the registry and a session over an in-memory transport
//  2. Feed each step's line and collect what the session sent back
//  3. Check each step's expect clause
//  4. Evaluate the scenario's assertions against the full trace
func Run(scenario *Scenario) (*Result, error) {
	return RunContext(context.Background(), scenario)
}

// RunContext is Run with a context that can abort a long scenario.
func RunContext(ctx context.Context, scenario *Scenario) (*Result, error) {
	h := newHarness(scenario)
	defer h.close()

	result := NewResult()
	for i, step := range scenario.Steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ev, err := h.execute(ctx, int64(i+1), step)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		result.Trace = append(result.Trace, ev)

		if step.Expect != nil {
			for _, msg := range checkExpect(step.Expect, ev) {
				result.AddError(fmt.Sprintf("steps[%d] (%s): %s", i, ev.Line, msg))
			}
		}
		h.logger.Debug("scenario step", "seq", ev.Seq, "line", ev.Line, "outputs", len(ev.Output))
	}

	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func newHarness(scenario *Scenario) *Harness {
	cfg := remote.DefaultConfig()
	if scenario.Session.MaxStepCount > 0 {
		cfg.MaxStepCount = scenario.Session.MaxStepCount
	}
	id := scenario.SessionID
	if id == "" {
		id = DefaultSessionID
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New()
	tr := &captureTransport{}
	return &Harness{
		reg:       reg,
		session:   remote.NewSession(id, tr, reg, cfg, remote.WithLogger(logger)),
		transport: tr,
		logger:    logger,
	}
}

func (h *Harness) close() {
	_ = h.session.Close()
	h.reg.Close()
}

func (h *Harness) execute(ctx context.Context, seq int64, step Step) (TraceEvent, error) {
	line, err := step.line()
	if err != nil {
		return TraceEvent{}, err
	}
	if !h.session.Inbox().Enqueue(ctx, line) {
		return TraceEvent{}, fmt.Errorf("session inbox closed")
	}
	h.session.Poll(1)

	ev := TraceEvent{Seq: seq, Line: string(line), Output: []Output{}}
	for _, raw := range h.transport.take() {
		msg, err := remote.ParseServerMessage(raw)
		if err != nil {
			return TraceEvent{}, fmt.Errorf("session sent %q: %w", raw, err)
		}
		if msg.Error != nil {
			ev.Output = append(ev.Output, Output{Kind: OutputError, Error: *msg.Error})
			continue
		}
		ev.Output = append(ev.Output, stateOutput(remote.StateMessage{Values: *msg.Values}.State()))
	}
	return ev, nil
}

// line renders the step as one protocol line.
func (s Step) line() ([]byte, error) {
	if s.Raw != "" {
		return []byte(s.Raw), nil
	}
	env := remote.Envelope{Op: s.Op}
	if s.Data != nil {
		data, err := json.Marshal(s.Data)
		if err != nil {
			return nil, fmt.Errorf("encode data: %w", err)
		}
		env.Data = data
	}
	return json.Marshal(env)
}

func checkExpect(e *Expect, ev TraceEvent) []string {
	var failures []string
	if e.Silent {
		if len(ev.Output) != 0 {
			failures = append(failures, fmt.Sprintf("expected no output, got %d line(s)", len(ev.Output)))
		}
		return failures
	}
	if len(ev.Output) != 1 {
		return append(failures, fmt.Sprintf("expected exactly one output, got %d", len(ev.Output)))
	}
	out := ev.Output[0]

	if e.Error != "" {
		if out.Kind != OutputError {
			return append(failures, fmt.Sprintf("expected error containing %q, got state", e.Error))
		}
		if !strings.Contains(out.Error, e.Error) {
			failures = append(failures, fmt.Sprintf("expected error containing %q, got %q", e.Error, out.Error))
		}
		return failures
	}

	if e.Values == nil && e.Neighbors == nil {
		return failures
	}
	if out.Kind != OutputState {
		return append(failures, fmt.Sprintf("expected state, got error %q", out.Error))
	}
	if e.Values != nil {
		if msg := compareValues(e.Values, out.Values, e.Tolerance); msg != "" {
			failures = append(failures, msg)
		}
	}
	if e.Neighbors != nil {
		if msg := compareNeighbors(e.Neighbors, out.Neighbors); msg != "" {
			failures = append(failures, msg)
		}
	}
	return failures
}

// compareValues returns "" when actual matches want within tolerance.
// +Inf only matches +Inf.
func compareValues(want []Value, actual []float64, tolerance float64) string {
	if tolerance <= 0 {
		tolerance = defaultTolerance
	}
	if len(want) != len(actual) {
		return fmt.Sprintf("expected %d values, got %d", len(want), len(actual))
	}
	for i, w := range want {
		wf, af := float64(w), actual[i]
		if math.IsInf(wf, 1) || math.IsInf(af, 1) {
			if math.IsInf(wf, 1) != math.IsInf(af, 1) {
				return fmt.Sprintf("node %d: expected %v, got %v", i, traceValue(wf), traceValue(af))
			}
			continue
		}
		if math.Abs(wf-af) > tolerance {
			return fmt.Sprintf("node %d: expected %v, got %v", i, wf, af)
		}
	}
	return ""
}

func compareNeighbors(want, actual [][]int) string {
	if len(want) != len(actual) {
		return fmt.Sprintf("expected %d neighbor lists, got %d", len(want), len(actual))
	}
	for i := range want {
		if !slices.Equal(want[i], actual[i]) {
			return fmt.Sprintf("node %d: expected neighbors %v, got %v", i, want[i], actual[i])
		}
	}
	return ""
}

// captureTransport collects what the session writes. The harness feeds the
// inbox directly, so nothing is ever read from it.
type captureTransport struct {
	mu    sync.Mutex
	lines [][]byte
}

func (t *captureTransport) ReadLine() ([]byte, error) {
	return nil, io.EOF
}

func (t *captureTransport) WriteLine(line []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, append([]byte(nil), line...))
	return nil
}

func (t *captureTransport) Close() error { return nil }

func (t *captureTransport) RemoteAddr() string { return "harness" }

func (t *captureTransport) take() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	lines := t.lines
	t.lines = nil
	return lines
}
