// Package abi is the handle-based call surface exported to foreign callers.
//
// Every function first resolves its handle through the registry. Failures
// never escape as panics or error values: unknown handles and out-of-range
// node ids degrade to a neutral sentinel.
//
//	value reads     -> +Inf
//	buffer reads    -> nil (zero length)
//	mutators        -> silent no-op
//	create          -> handle 0
//
// The cgo layer in cmd/libgradient only converts types and copies buffers
// into C memory; all semantics live here so they can be tested without cgo.
package abi

import (
	"log/slog"
	"math"

	"github.com/roach88/gradsim/internal/codec"
	"github.com/roach88/gradsim/internal/engine"
	"github.com/roach88/gradsim/internal/registry"
	"github.com/roach88/gradsim/internal/telemetry"
)

// Shim implements the ABI over one registry.
//
// Thread-safety: Shim is safe for concurrent use; per-engine calls are
// serialized by the registry.
type Shim struct {
	reg          *registry.Registry
	measurer     *telemetry.Measurer
	ledger       *Ledger
	maxNodeCount int32
}

// Option configures a Shim.
type Option func(*Shim)

// WithMeasurer records step.service / step.compute samples for
// StepAndGetState calls.
func WithMeasurer(m *telemetry.Measurer) Option {
	return func(s *Shim) {
		s.measurer = m
	}
}

// WithMaxNodeCount makes Create fail for node counts above n. Zero or a
// negative n leaves only the engine's own limits.
func WithMaxNodeCount(n int32) Option {
	return func(s *Shim) {
		s.maxNodeCount = n
	}
}

// New creates a shim over reg. The registry is owned by the hosting process
// and passed in explicitly.
func New(reg *registry.Registry, opts ...Option) *Shim {
	s := &Shim{
		reg:    reg,
		ledger: NewLedger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.measurer == nil {
		s.measurer = telemetry.NewMeasurer(telemetry.Nop{}, nil)
	}
	return s
}

// Ledger returns the shim's outstanding-buffer ledger.
func (s *Shim) Ledger() *Ledger {
	return s.ledger
}

// recovered logs a boundary error at debug level. The error kind is kept in
// the log so sentinel returns can still be diagnosed.
func recovered(op string, h registry.Handle, err error) {
	slog.Debug("abi call degraded to sentinel",
		"op", op,
		"handle", int32(h),
		"code", string(engine.CodeOf(err)),
		"error", err,
	)
}

// Create returns a new handle, or 0 when the engine cannot be created.
func (s *Shim) Create(nodeCount int32, maxDistance float64) int32 {
	if s.maxNodeCount > 0 && nodeCount > s.maxNodeCount {
		recovered("create", registry.Invalid,
			engine.NewInvalidArgumentError("node count %d exceeds limit %d", nodeCount, s.maxNodeCount))
		return int32(registry.Invalid)
	}
	h, err := s.reg.Create(int(nodeCount), maxDistance)
	if err != nil {
		recovered("create", h, err)
		return int32(registry.Invalid)
	}
	return int32(h)
}

// Destroy frees the engine behind handle. Unknown handles are a no-op.
func (s *Shim) Destroy(handle int32) {
	s.reg.Destroy(registry.Handle(handle))
}

func (s *Shim) mutate(op string, handle int32, fn func(*engine.Engine) error) {
	h := registry.Handle(handle)
	if err := s.reg.Do(h, fn); err != nil {
		recovered(op, h, err)
	}
}

// SetSource toggles the source flag of nodeID.
func (s *Shim) SetSource(handle, nodeID int32, isSource bool) {
	s.mutate("set_source", handle, func(e *engine.Engine) error {
		return e.SetSource(int(nodeID), isSource)
	})
}

// ClearSources unmarks every node.
func (s *Shim) ClearSources(handle int32) {
	s.mutate("clear_sources", handle, func(e *engine.Engine) error {
		e.ClearSources()
		return nil
	})
}

// Step runs rounds rounds.
func (s *Shim) Step(handle, rounds int32) {
	s.mutate("step", handle, func(e *engine.Engine) error {
		s.measurer.Time(telemetry.EventStepCompute, func() { e.Step(int(rounds)) })
		return nil
	})
}

// UpdatePosition moves nodeID to (x, y, z).
func (s *Shim) UpdatePosition(handle, nodeID int32, x, y, z float64) {
	s.mutate("update_position", handle, func(e *engine.Engine) error {
		return e.UpdatePosition(int(nodeID), engine.Position{X: x, Y: y, Z: z})
	})
}

// GetValue returns the value of nodeID, or +Inf on any failure.
func (s *Shim) GetValue(handle, nodeID int32) float64 {
	value := math.Inf(1)
	h := registry.Handle(handle)
	err := s.reg.Do(h, func(e *engine.Engine) error {
		v, err := e.Value(int(nodeID))
		if err != nil {
			return err
		}
		value = v
		return nil
	})
	if err != nil {
		recovered("get_value", h, err)
		return math.Inf(1)
	}
	return value
}

// GetNeighborhood returns the neighbor ids of nodeID, or nil on any failure.
// An empty neighborhood is also returned as nil with zero length.
func (s *Shim) GetNeighborhood(handle, nodeID int32) []int32 {
	var out []int32
	h := registry.Handle(handle)
	err := s.reg.Do(h, func(e *engine.Engine) error {
		ids, err := e.Neighborhood(int(nodeID))
		if err != nil {
			return err
		}
		if len(ids) > 0 {
			out = codec.EncodeNeighbors(ids)
		}
		return nil
	})
	if err != nil {
		recovered("get_neighborhood", h, err)
		return nil
	}
	return out
}

// StepAndGetState runs rounds rounds and returns an owned snapshot buffer.
//
// Returns nil on an unknown handle or when encoding fails; a partially
// written buffer is never returned. The caller must Release the buffer
// exactly once.
func (s *Shim) StepAndGetState(handle, rounds int32) *codec.Buffer {
	var buf *codec.Buffer
	h := registry.Handle(handle)

	endService := s.measurer.Begin(telemetry.EventStepService)
	defer endService()
	err := s.reg.Do(h, func(e *engine.Engine) error {
		s.measurer.Time(telemetry.EventStepCompute, func() { e.Step(int(rounds)) })
		b, err := codec.NewBuffer(e.Snapshot())
		if err != nil {
			return err
		}
		buf = b
		return nil
	})
	if err != nil {
		recovered("step_and_get_state", h, err)
		return nil
	}
	return buf
}
