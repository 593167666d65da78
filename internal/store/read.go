package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/gradsim/internal/engine"
)

// Snapshot is one recorded state of a run.
type Snapshot struct {
	RunID string
	Round int64
	State engine.State
}

// Sample is one recorded timing measurement.
type Sample struct {
	Seq      int64
	TNs      int64
	Event    string
	Duration time.Duration
}

// ReadRun retrieves a single run by ID.
// Returns sql.ErrNoRows if not found.
func (s *Store) ReadRun(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT r.seq, r.id, r.session_id, r.node_count, r.max_distance,
		       (SELECT COUNT(*) FROM snapshots sn WHERE sn.run_id = r.id)
		FROM runs r
		WHERE r.id = ?
	`, id)

	var run Run
	if err := row.Scan(&run.Seq, &run.ID, &run.SessionID, &run.NodeCount, &run.MaxDistance, &run.Snapshots); err != nil {
		return Run{}, err
	}
	return run, nil
}

// ListRuns returns every recorded run in creation order.
//
// Returns an empty slice (not nil) if nothing was recorded.
func (s *Store) ListRuns(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.seq, r.id, r.session_id, r.node_count, r.max_distance,
		       (SELECT COUNT(*) FROM snapshots sn WHERE sn.run_id = r.id)
		FROM runs r
		ORDER BY r.seq ASC, r.id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		var run Run
		if err := rows.Scan(&run.Seq, &run.ID, &run.SessionID, &run.NodeCount, &run.MaxDistance, &run.Snapshots); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// ReadSnapshots returns every recorded state of run runID, ordered by round.
//
// Returns an empty slice (not nil) if the run has no snapshots.
func (s *Store) ReadSnapshots(ctx context.Context, runID string) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, round, state
		FROM snapshots
		WHERE run_id = ?
		ORDER BY round ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	snapshots := []Snapshot{}
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return snapshots, nil
}

// ReadLatestSnapshot returns the highest-round snapshot of run runID.
// Returns sql.ErrNoRows if the run has no snapshots.
func (s *Store) ReadLatestSnapshot(ctx context.Context, runID string) (Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, round, state
		FROM snapshots
		WHERE run_id = ?
		ORDER BY round DESC
		LIMIT 1
	`, runID)
	return scanSnapshot(row)
}

// ReadSamples returns timing samples in recording order. An empty event
// returns samples of every event.
func (s *Store) ReadSamples(ctx context.Context, event string) ([]Sample, error) {
	query := `
		SELECT seq, t_ns, event, duration_ns
		FROM timing_samples
		ORDER BY seq ASC
	`
	args := []any{}
	if event != "" {
		query = `
		SELECT seq, t_ns, event, duration_ns
		FROM timing_samples
		WHERE event = ?
		ORDER BY seq ASC
	`
		args = append(args, event)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query samples: %w", err)
	}
	defer rows.Close()

	samples := []Sample{}
	for rows.Next() {
		var (
			sample Sample
			ns     int64
		)
		if err := rows.Scan(&sample.Seq, &sample.TNs, &sample.Event, &ns); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		sample.Duration = time.Duration(ns)
		samples = append(samples, sample)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate samples: %w", err)
	}
	return samples, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row scanner) (Snapshot, error) {
	var (
		snap Snapshot
		blob []byte
	)
	if err := row.Scan(&snap.RunID, &snap.Round, &blob); err != nil {
		if err == sql.ErrNoRows {
			return Snapshot{}, err
		}
		return Snapshot{}, fmt.Errorf("scan snapshot: %w", err)
	}
	state, err := unmarshalState(blob)
	if err != nil {
		return Snapshot{}, fmt.Errorf("run %s round %d: %w", snap.RunID, snap.Round, err)
	}
	snap.State = state
	return snap, nil
}
