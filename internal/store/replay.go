package store

import (
	"context"
	"fmt"
	"math"
	"slices"
)

// RunHistory summarizes how a recorded run evolved from snapshot to snapshot.
type RunHistory struct {
	Run   Run
	Steps []HistoryStep

	// ConvergedAt is the first recorded round whose values equal the previous
	// snapshot's, or -1 if values were still changing at the last snapshot.
	ConvergedAt int64
}

// HistoryStep compares one snapshot with the one before it.
type HistoryStep struct {
	Round int64

	// Changed lists node ids whose value differs from the previous snapshot.
	// For the first snapshot every node counts as changed.
	Changed []int

	// Reachable is the number of nodes with a finite value.
	Reachable int

	// TopologyChanged is true if any neighbor list differs from the previous
	// snapshot (a node moved between the two recordings).
	TopologyChanged bool
}

// ReplayRun loads every snapshot of run runID and diffs consecutive states.
// Returns sql.ErrNoRows (wrapped) if the run was never recorded.
func (s *Store) ReplayRun(ctx context.Context, runID string) (RunHistory, error) {
	run, err := s.ReadRun(ctx, runID)
	if err != nil {
		return RunHistory{}, fmt.Errorf("replay run %s: %w", runID, err)
	}
	snapshots, err := s.ReadSnapshots(ctx, runID)
	if err != nil {
		return RunHistory{}, fmt.Errorf("replay run %s: %w", runID, err)
	}

	history := RunHistory{
		Run:         run,
		Steps:       make([]HistoryStep, 0, len(snapshots)),
		ConvergedAt: -1,
	}
	for i, snap := range snapshots {
		step := HistoryStep{Round: snap.Round, Changed: []int{}}
		for id, n := range snap.State.Nodes {
			if !math.IsInf(n.Value, 1) {
				step.Reachable++
			}
			if i == 0 {
				step.Changed = append(step.Changed, id)
				continue
			}
			prev := snapshots[i-1].State.Nodes
			if id >= len(prev) || prev[id].Value != n.Value {
				step.Changed = append(step.Changed, id)
			}
			if id >= len(prev) || !slices.Equal(prev[id].Neighbors, n.Neighbors) {
				step.TopologyChanged = true
			}
		}

		switch {
		case i == 0:
		case len(step.Changed) == 0 && history.ConvergedAt < 0:
			history.ConvergedAt = snap.Round
		case len(step.Changed) > 0:
			history.ConvergedAt = -1
		}
		history.Steps = append(history.Steps, step)
	}
	return history, nil
}
