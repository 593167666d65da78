package store

import (
	"path/filepath"
	"testing"

	"github.com/roach88/gradsim/internal/engine"
)

// createTestStore creates a new store in a temp dir for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestRun creates a run with minimal required fields.
func createTestRun(id string, nodeCount int) Run {
	return Run{
		ID:          id,
		SessionID:   "session-" + id,
		NodeCount:   nodeCount,
		MaxDistance: 3.5,
	}
}

// lineState builds a snapshot of a 3-node line at the given values.
func lineState(values ...float64) engine.State {
	neighbors := [][]int{{1}, {0, 2}, {1}}
	nodes := make([]engine.NodeState, len(values))
	for i, v := range values {
		nodes[i] = engine.NodeState{Value: v, Neighbors: neighbors[i%3]}
	}
	return engine.State{Nodes: nodes}
}
