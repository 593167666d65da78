package engine

import (
	"math"

	"github.com/roach88/gradsim/internal/telemetry"
)

// Unreachable is the value of a node with no path to any source.
var Unreachable = math.Inf(1)

// NodeState is one node's entry in a snapshot.
type NodeState struct {
	Value     float64
	Neighbors []int
}

// State is a full read of all node values and neighbor sets at one instant,
// in node id order.
type State struct {
	Nodes []NodeState
}

// Engine computes the gradient over a NodeSpace in synchronous rounds.
//
// Thread-safety model:
//   - Engine is NOT safe for concurrent use
//   - exactly one logical thread mutates it at a time (the remote session
//     loop, or the ABI caller holding the registry entry lock)
//   - Round() may be read from any goroutine
//
// INVARIANTS:
//   - node count never changes after New
//   - values only change inside Step, never mid-round from a caller's view
//   - every source node holds exactly 0 when Step returns
type Engine struct {
	space  *NodeSpace
	values []float64
	next   []float64
	clock  *RoundClock

	sink      telemetry.Sink
	timeClock telemetry.Clock
	measurer  *telemetry.Measurer

	// graph is the adjacency used by the last round (or the last snapshot).
	// It is reused by Snapshot/Neighborhood while positions are unchanged so
	// that values and neighbor lists always come from one position state.
	graph        *Graph
	graphVersion uint64
}

// Option configures an Engine.
type Option func(*Engine)

// WithSink records a "step.compute" sample for every Step call.
func WithSink(s telemetry.Sink) Option {
	return func(e *Engine) {
		e.sink = s
	}
}

// WithTimeClock overrides the time source used for timing samples.
// Use a deterministic clock in tests.
func WithTimeClock(c telemetry.Clock) Option {
	return func(e *Engine) {
		e.timeClock = c
	}
}

// WithRoundClock starts the engine at a pre-configured round count.
// Used when resuming from a recorded snapshot.
func WithRoundClock(c *RoundClock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// MaxNodeCount is the largest node count the int32 state layout can carry.
const MaxNodeCount = math.MaxInt32

// New creates an engine of nodeCount nodes connected within maxDistance.
// All nodes start at the origin, non-source, with value +Inf.
//
// Returns an INVALID_ARGUMENT error when nodeCount is negative or maxDistance
// is negative, NaN or infinite, and an ALLOCATION_FAILURE error when nodeCount
// does not fit the int32 node count of the state layout.
func New(nodeCount int, maxDistance float64, opts ...Option) (*Engine, error) {
	if nodeCount < 0 {
		return nil, NewInvalidArgumentError("node count must be non-negative, got %d", nodeCount)
	}
	if nodeCount > MaxNodeCount {
		return nil, NewAllocationError("node count %d exceeds %d", nodeCount, MaxNodeCount)
	}
	if math.IsNaN(maxDistance) || math.IsInf(maxDistance, 0) || maxDistance < 0 {
		return nil, NewInvalidArgumentError("max distance must be finite and non-negative, got %v", maxDistance)
	}

	e := &Engine{
		space:  NewNodeSpace(nodeCount, maxDistance),
		values: make([]float64, nodeCount),
		next:   make([]float64, nodeCount),
		clock:  NewRoundClock(),
	}
	for i := range e.values {
		e.values[i] = Unreachable
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.sink != nil {
		e.measurer = telemetry.NewMeasurer(e.sink, e.timeClock)
	}

	return e, nil
}

// NodeCount returns the fixed number of nodes.
func (e *Engine) NodeCount() int {
	return e.space.Len()
}

// MaxDistance returns the connection threshold.
func (e *Engine) MaxDistance() float64 {
	return e.space.MaxDistance()
}

// Round returns the number of completed rounds.
func (e *Engine) Round() int64 {
	return e.clock.Current()
}

// Space exposes the engine's NodeSpace for read-only queries.
func (e *Engine) Space() *NodeSpace {
	return e.space
}

// UpdatePosition moves node id. The graph is not recomputed until the next
// round or snapshot.
func (e *Engine) UpdatePosition(id int, p Position) error {
	return e.space.UpdatePosition(id, p)
}

// SetSource toggles the source flag of node id. The node's value changes at
// the next Step.
func (e *Engine) SetSource(id int, isSource bool) error {
	return e.space.SetSource(id, isSource)
}

// ClearSources unmarks every node.
func (e *Engine) ClearSources() {
	e.space.ClearSources()
}

// Step executes rounds rounds sequentially, each completing before the next
// begins. rounds <= 0 runs no relaxation but still pins current sources to 0.
func (e *Engine) Step(rounds int) {
	if e.measurer != nil {
		e.measurer.Start(telemetry.EventStepCompute)
		defer e.measurer.Stop(telemetry.EventStepCompute)
	}

	if rounds <= 0 {
		e.pinSources()
		return
	}
	for r := 0; r < rounds; r++ {
		e.stepOnce()
	}
}

// StepOnce executes a single round.
func (e *Engine) StepOnce() {
	e.Step(1)
}

// stepOnce runs one synchronous round.
//
// Every read goes to e.values (the previous round) and every write to e.next,
// so the result does not depend on node visitation order. The buffers are
// swapped once all nodes are computed.
//
// Sources are pinned to 0 in the previous-round buffer before the sweep, so a
// node marked between two Step calls already feeds its neighbors in the next
// round.
func (e *Engine) stepOnce() {
	e.pinSources()
	g := e.space.Graph()
	e.graph = g
	e.graphVersion = e.space.version

	for id := range e.values {
		if e.space.sources[id] {
			e.next[id] = 0
			continue
		}
		best := Unreachable
		here := e.space.positions[id]
		for _, n := range g.Neighbors(id) {
			prev := e.values[n]
			if math.IsInf(prev, 1) {
				continue
			}
			if candidate := prev + Distance(here, e.space.positions[n]); candidate < best {
				best = candidate
			}
		}
		e.next[id] = best
	}

	e.values, e.next = e.next, e.values
	e.clock.Advance()
}

func (e *Engine) pinSources() {
	for id, src := range e.space.sources {
		if src {
			e.values[id] = 0
		}
	}
}

// Value returns the current value of node id.
func (e *Engine) Value(id int) (float64, error) {
	if err := e.space.checkID(id); err != nil {
		return Unreachable, err
	}
	return e.values[id], nil
}

// Values returns a copy of all node values in id order.
func (e *Engine) Values() []float64 {
	out := make([]float64, len(e.values))
	copy(out, e.values)
	return out
}

// currentGraph returns the cached graph if positions have not changed since
// it was derived, otherwise derives (and caches) a fresh one.
func (e *Engine) currentGraph() *Graph {
	if e.graph == nil || e.graphVersion != e.space.version {
		e.graph = e.space.Graph()
		e.graphVersion = e.space.version
	}
	return e.graph
}

// Neighborhood returns the neighbor ids of node id, consistent with the
// adjacency Snapshot would report.
func (e *Engine) Neighborhood(id int) ([]int, error) {
	if err := e.space.checkID(id); err != nil {
		return nil, err
	}
	src := e.currentGraph().Neighbors(id)
	out := make([]int, len(src))
	copy(out, src)
	return out, nil
}

// Snapshot reads every node's value and neighbor list. Values and adjacency
// come from a single position state: the last round's graph when no node has
// moved since, otherwise one fresh derivation.
func (e *Engine) Snapshot() State {
	g := e.currentGraph()
	nodes := make([]NodeState, len(e.values))
	for id, v := range e.values {
		src := g.Neighbors(id)
		neighbors := make([]int, len(src))
		copy(neighbors, src)
		nodes[id] = NodeState{Value: v, Neighbors: neighbors}
	}
	return State{Nodes: nodes}
}
