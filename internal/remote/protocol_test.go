package remote

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/gradsim/internal/engine"
)

func TestParseCommand_Valid(t *testing.T) {
	tests := []struct {
		name string
		line string
		want Command
	}{
		{"createSim", `{"op":"createSim","data":{"nodeCount":2,"maxDistance":5}}`, CreateSim{NodeCount: 2, MaxDistance: 5}},
		{"setSource", `{"op":"setSource","data":{"nodeId":1}}`, SetSource{NodeID: 1}},
		{"step", `{"op":"step","data":{"stepCount":3}}`, Step{StepCount: 3}},
		{"step without data", `{"op":"step"}`, Step{StepCount: 1}},
		{"step with empty data", `{"op":"step","data":{}}`, Step{StepCount: 1}},
		{"step with null data", `{"op":"step","data":null}`, Step{StepCount: 1}},
		{"newPosition", `{"op":"newPosition","data":{"nodeId":0,"x":1.5,"y":-2,"z":0}}`, NewPosition{NodeID: 0, X: 1.5, Y: -2}},
		{"unknown data fields ignored", `{"op":"setSource","data":{"nodeId":4,"extra":true}}`, SetSource{NodeID: 4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := ParseCommand([]byte(tt.line))
			require.NoError(t, err)
			assert.Equal(t, tt.want, cmd)
		})
	}
}

func TestParseCommand_Malformed(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		message string
	}{
		{"not json", `hello`, "invalid JSON"},
		{"truncated", `{"op":"step"`, "invalid JSON"},
		{"array", `[1,2]`, "invalid JSON"},
		{"missing op", `{"data":{}}`, "missing op"},
		{"unknown op", `{"op":"explode","data":{}}`, `unknown op "explode"`},
		{"createSim without data", `{"op":"createSim"}`, "createSim: invalid data"},
		{"createSim missing field", `{"op":"createSim","data":{"nodeCount":2}}`, "nodeCount and maxDistance are required"},
		{"fractional node count", `{"op":"createSim","data":{"nodeCount":2.5,"maxDistance":1}}`, "createSim: invalid data"},
		{"setSource missing id", `{"op":"setSource","data":{}}`, "nodeId is required"},
		{"setSource string id", `{"op":"setSource","data":{"nodeId":"zero"}}`, "setSource: invalid data"},
		{"step wrong type", `{"op":"step","data":{"stepCount":"many"}}`, "step: invalid data"},
		{"newPosition missing z", `{"op":"newPosition","data":{"nodeId":0,"x":1,"y":2}}`, "nodeId, x, y and z are required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCommand([]byte(tt.line))
			require.Error(t, err)
			assert.Equal(t, engine.ErrCodeMalformedMessage, engine.CodeOf(err))
			assert.Contains(t, err.Error(), tt.message)
		})
	}
}

func TestEncodeCommand_ParsesBack(t *testing.T) {
	cmd := NewPosition{NodeID: 3, X: 1, Y: 2.25, Z: -4}
	line, err := EncodeCommand(cmd)
	require.NoError(t, err)
	assert.JSONEq(t, `{"op":"newPosition","data":{"nodeId":3,"x":1,"y":2.25,"z":-4}}`, string(line))

	back, err := ParseCommand(line)
	require.NoError(t, err)
	assert.Equal(t, cmd, back)
}

func TestNewStateMessage_UnreachableIsNull(t *testing.T) {
	state := engine.State{Nodes: []engine.NodeState{
		{Value: 0, Neighbors: []int{1}},
		{Value: math.Inf(1), Neighbors: nil},
	}}

	data, err := json.Marshal(NewStateMessage(state))
	require.NoError(t, err)
	assert.Equal(t, `{"values":[{"value":0,"neighbors":[1]},{"value":null,"neighbors":[]}]}`, string(data))
}

func TestStateMessage_StateRestoresInfinity(t *testing.T) {
	msg, err := ParseServerMessage([]byte(`{"values":[{"value":2.5,"neighbors":[1]},{"value":null,"neighbors":[]}]}`))
	require.NoError(t, err)
	require.NotNil(t, msg.Values)

	state := StateMessage{Values: *msg.Values}.State()
	require.Len(t, state.Nodes, 2)
	assert.Equal(t, 2.5, state.Nodes[0].Value)
	assert.True(t, math.IsInf(state.Nodes[1].Value, 1))
}

func TestParseServerMessage(t *testing.T) {
	msg, err := ParseServerMessage([]byte(`{"error":"boom"}`))
	require.NoError(t, err)
	require.NotNil(t, msg.Error)
	assert.Equal(t, "boom", *msg.Error)
	assert.Nil(t, msg.Values)

	_, err = ParseServerMessage([]byte(`{"status":"ok"}`))
	assert.True(t, engine.IsMalformed(err))

	_, err = ParseServerMessage([]byte(`nope`))
	assert.True(t, engine.IsMalformed(err))
}
