// Package telemetry records named timing events.
//
// A Sink receives one sample per measured event: an id such as
// "step.compute" plus the start and end instants. The engine and the ABI shim
// only ever see the Sink interface; where samples end up (a CSV file, the
// SQLite store, nowhere) is decided by the hosting process.
package telemetry

import (
	"sync"
	"time"
)

// Event ids recorded by the simulation.
const (
	// EventStepCompute covers the relaxation rounds of one step call.
	EventStepCompute = "step.compute"

	// EventStepService covers a full step-and-snapshot service call,
	// including encoding.
	EventStepService = "step.service"
)

// Sink consumes timing samples.
// Implementations must be safe for concurrent use.
type Sink interface {
	Record(id string, start, end time.Time)
}

// Clock supplies the current instant.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock (monotonic reading included).
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time {
	return time.Now()
}

// Nop discards every sample.
type Nop struct{}

// Record does nothing.
func (Nop) Record(string, time.Time, time.Time) {}

// Multi fans a sample out to several sinks in order.
type Multi []Sink

// Record forwards the sample to every sink.
func (m Multi) Record(id string, start, end time.Time) {
	for _, s := range m {
		s.Record(id, start, end)
	}
}

// Measurer pairs Start/Stop calls by id and forwards completed measurements
// to a Sink. A Stop without a matching Start is ignored. Callers measuring the
// same id from several goroutines use Begin or Time instead.
//
// Thread-safety: Measurer is safe for concurrent use via internal mutex.
type Measurer struct {
	mu      sync.Mutex
	sink    Sink
	clock   Clock
	pending map[string]time.Time
}

// NewMeasurer creates a measurer writing to sink. A nil clock uses SystemClock.
func NewMeasurer(sink Sink, clock Clock) *Measurer {
	if sink == nil {
		sink = Nop{}
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &Measurer{
		sink:    sink,
		clock:   clock,
		pending: make(map[string]time.Time),
	}
}

// Start marks the beginning of event id. A second Start for the same id
// restarts the measurement.
func (m *Measurer) Start(id string) {
	now := m.clock.Now()
	m.mu.Lock()
	m.pending[id] = now
	m.mu.Unlock()
}

// Stop completes event id and records it.
func (m *Measurer) Stop(id string) {
	now := m.clock.Now()
	m.mu.Lock()
	start, ok := m.pending[id]
	delete(m.pending, id)
	m.mu.Unlock()
	if !ok {
		return
	}
	m.sink.Record(id, start, now)
}

// Begin starts a measurement of event id and returns the function that
// ends and records it. Unlike Start/Stop, each Begin keeps its own start
// time, so concurrent measurements of one id never pair up wrongly.
func (m *Measurer) Begin(id string) (end func()) {
	start := m.clock.Now()
	return func() { m.sink.Record(id, start, m.clock.Now()) }
}

// Time runs fn and records it as event id. Safe for concurrent use with
// the same id.
func (m *Measurer) Time(id string, fn func()) {
	defer m.Begin(id)()
	fn()
}
