package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/gradsim/internal/engine"
)

// Run describes one simulation created on a remote session.
type Run struct {
	// ID is unique per run ("<session id>/<n>" for remote sessions).
	ID string

	// SessionID groups the runs of one connection.
	SessionID string

	NodeCount   int
	MaxDistance float64

	// Seq is the logical creation order, assigned by the store.
	Seq int64

	// Snapshots is the number of recorded snapshots (filled by reads only).
	Snapshots int
}

// WriteRun inserts a run record.
// Uses ON CONFLICT(id) DO NOTHING for idempotency - duplicate IDs are silently ignored.
func (s *Store) WriteRun(ctx context.Context, run Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, session_id, node_count, max_distance)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		run.ID,
		run.SessionID,
		run.NodeCount,
		run.MaxDistance,
	)
	if err != nil {
		return fmt.Errorf("write run: %w", err)
	}
	return nil
}

// WriteSnapshot records the state of run runID after round rounds.
//
// Stepping by zero rounds pushes the same round again; the latest state for
// a (run, round) pair replaces the earlier one.
//
// Note: The run must exist (foreign key constraint).
func (s *Store) WriteSnapshot(ctx context.Context, runID string, round int64, state engine.State) error {
	blob, err := marshalState(state)
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (run_id, round, state)
		VALUES (?, ?, ?)
		ON CONFLICT(run_id, round) DO UPDATE SET state = excluded.state
	`, runID, round, blob)
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// Record stores one timing sample. Implements telemetry.Sink.
//
// t_ns is the absolute end instant in Unix nanoseconds. Sink errors cannot
// be returned to the measured code, so failures are logged and dropped.
func (s *Store) Record(id string, start, end time.Time) {
	_, err := s.db.Exec(`
		INSERT INTO timing_samples (t_ns, event, duration_ns)
		VALUES (?, ?, ?)
	`, end.UnixNano(), id, end.Sub(start).Nanoseconds())
	if err != nil {
		slog.Warn("timing sample dropped", "event", id, "error", err)
	}
}
