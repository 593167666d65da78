package store

import (
	"fmt"

	"github.com/roach88/gradsim/internal/codec"
	"github.com/roach88/gradsim/internal/engine"
)

// marshalState converts a snapshot to the BLOB stored in snapshots.state.
// Uses the codec wire layout so recorded rows match what ABI callers see.
func marshalState(state engine.State) ([]byte, error) {
	data, err := codec.Encode(state)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	return data, nil
}

// unmarshalState parses a snapshots.state BLOB.
func unmarshalState(data []byte) (engine.State, error) {
	state, err := codec.Decode(data)
	if err != nil {
		return engine.State{}, fmt.Errorf("unmarshal state: %w", err)
	}
	return state, nil
}
