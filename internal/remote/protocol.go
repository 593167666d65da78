package remote

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/roach88/gradsim/internal/engine"
)

// Operation names carried in the envelope's "op" field.
const (
	OpCreateSim   = "createSim"
	OpSetSource   = "setSource"
	OpStep        = "step"
	OpNewPosition = "newPosition"
)

// Envelope is one inbound protocol line: {"op": ..., "data": {...}}.
type Envelope struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Command is the closed set of operations a session accepts.
// Implemented only by CreateSim, SetSource, Step and NewPosition.
type Command interface {
	// Op returns the wire name of the operation.
	Op() string
	command()
}

// CreateSim replaces the session's engine with a new one.
type CreateSim struct {
	NodeCount   int     `json:"nodeCount"`
	MaxDistance float64 `json:"maxDistance"`
}

// SetSource marks one node as a source.
type SetSource struct {
	NodeID int `json:"nodeId"`
}

// Step runs StepCount rounds and pushes the resulting state.
type Step struct {
	StepCount int `json:"stepCount"`
}

// NewPosition moves one node.
type NewPosition struct {
	NodeID int     `json:"nodeId"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Z      float64 `json:"z"`
}

func (CreateSim) Op() string   { return OpCreateSim }
func (SetSource) Op() string   { return OpSetSource }
func (Step) Op() string        { return OpStep }
func (NewPosition) Op() string { return OpNewPosition }

func (CreateSim) command()   {}
func (SetSource) command()   {}
func (Step) command()        {}
func (NewPosition) command() {}

// Wire shapes with pointer fields so missing required fields are detected.
type createSimWire struct {
	NodeCount   *int     `json:"nodeCount"`
	MaxDistance *float64 `json:"maxDistance"`
}

type setSourceWire struct {
	NodeID *int `json:"nodeId"`
}

type stepWire struct {
	StepCount *int `json:"stepCount"`
}

type newPositionWire struct {
	NodeID *int     `json:"nodeId"`
	X      *float64 `json:"x"`
	Y      *float64 `json:"y"`
	Z      *float64 `json:"z"`
}

var errMissingData = errors.New("missing data object")

// decodeData unmarshals the envelope's data object. A missing or null data
// field is reported as errMissingData.
func decodeData(raw json.RawMessage, v any) error {
	if len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return errMissingData
	}
	return json.Unmarshal(raw, v)
}

// ParseCommand decodes one inbound line into a typed Command.
//
// Every failure is a MALFORMED_MESSAGE error: invalid JSON, unknown op,
// missing data or missing required fields. "step" without data or without
// stepCount defaults to one round.
func ParseCommand(line []byte) (Command, error) {
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, engine.NewMalformedMessageError(err, "invalid JSON")
	}
	if env.Op == "" {
		return nil, engine.NewMalformedMessageError(nil, "missing op")
	}

	switch env.Op {
	case OpCreateSim:
		var w createSimWire
		if err := decodeData(env.Data, &w); err != nil {
			return nil, engine.NewMalformedMessageError(err, "%s: invalid data", env.Op)
		}
		if w.NodeCount == nil || w.MaxDistance == nil {
			return nil, engine.NewMalformedMessageError(nil, "%s: nodeCount and maxDistance are required", env.Op)
		}
		return CreateSim{NodeCount: *w.NodeCount, MaxDistance: *w.MaxDistance}, nil

	case OpSetSource:
		var w setSourceWire
		if err := decodeData(env.Data, &w); err != nil {
			return nil, engine.NewMalformedMessageError(err, "%s: invalid data", env.Op)
		}
		if w.NodeID == nil {
			return nil, engine.NewMalformedMessageError(nil, "%s: nodeId is required", env.Op)
		}
		return SetSource{NodeID: *w.NodeID}, nil

	case OpStep:
		var w stepWire
		if err := decodeData(env.Data, &w); err != nil && !errors.Is(err, errMissingData) {
			return nil, engine.NewMalformedMessageError(err, "%s: invalid data", env.Op)
		}
		if w.StepCount == nil {
			return Step{StepCount: 1}, nil
		}
		return Step{StepCount: *w.StepCount}, nil

	case OpNewPosition:
		var w newPositionWire
		if err := decodeData(env.Data, &w); err != nil {
			return nil, engine.NewMalformedMessageError(err, "%s: invalid data", env.Op)
		}
		if w.NodeID == nil || w.X == nil || w.Y == nil || w.Z == nil {
			return nil, engine.NewMalformedMessageError(nil, "%s: nodeId, x, y and z are required", env.Op)
		}
		return NewPosition{NodeID: *w.NodeID, X: *w.X, Y: *w.Y, Z: *w.Z}, nil

	default:
		return nil, engine.NewMalformedMessageError(nil, "unknown op %q", env.Op)
	}
}

// EncodeCommand produces the envelope line (without trailing newline) for cmd.
func EncodeCommand(cmd Command) ([]byte, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", cmd.Op(), err)
	}
	return json.Marshal(Envelope{Op: cmd.Op(), Data: data})
}

// NodeStateMessage is one entry of an outbound state push.
// Value is nil (JSON null) for unreachable nodes: JSON has no infinity.
type NodeStateMessage struct {
	Value     *float64 `json:"value"`
	Neighbors []int    `json:"neighbors"`
}

// StateMessage is the outbound state push, in node id order.
type StateMessage struct {
	Values []NodeStateMessage `json:"values"`
}

// ErrorMessage reports a failed or malformed inbound line.
type ErrorMessage struct {
	Error string `json:"error"`
}

// NewStateMessage converts an engine snapshot to its wire form.
func NewStateMessage(s engine.State) StateMessage {
	values := make([]NodeStateMessage, len(s.Nodes))
	for i, n := range s.Nodes {
		msg := NodeStateMessage{Neighbors: n.Neighbors}
		if msg.Neighbors == nil {
			msg.Neighbors = []int{}
		}
		if !math.IsInf(n.Value, 1) {
			v := n.Value
			msg.Value = &v
		}
		values[i] = msg
	}
	return StateMessage{Values: values}
}

// State converts the wire form back to an engine snapshot (null -> +Inf).
func (m StateMessage) State() engine.State {
	nodes := make([]engine.NodeState, len(m.Values))
	for i, v := range m.Values {
		value := engine.Unreachable
		if v.Value != nil {
			value = *v.Value
		}
		nodes[i] = engine.NodeState{Value: value, Neighbors: v.Neighbors}
	}
	return engine.State{Nodes: nodes}
}

// ServerMessage is an outbound line as seen by a client: exactly one of
// Values or Error is set.
type ServerMessage struct {
	Values *[]NodeStateMessage `json:"values"`
	Error  *string             `json:"error"`
}

// ParseServerMessage decodes one outbound line.
func ParseServerMessage(line []byte) (ServerMessage, error) {
	var msg ServerMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return ServerMessage{}, engine.NewMalformedMessageError(err, "invalid JSON from server")
	}
	if msg.Values == nil && msg.Error == nil {
		return ServerMessage{}, engine.NewMalformedMessageError(nil, "unknown message from server")
	}
	return msg, nil
}
