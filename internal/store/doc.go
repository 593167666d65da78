// Package store records simulation runs in SQLite.
//
// Three append-mostly tables:
//   - runs: one row per created simulation (session id, node count, max distance)
//   - snapshots: the state pushed after each step, as codec bytes keyed by round
//   - timing_samples: "step.compute" / "step.service" durations (telemetry.Sink)
//
// # Ordering
//
// Every table carries an AUTOINCREMENT seq. All queries order by seq (or by
// round within a run), never by timestamps, so listings are identical
// across reads of the same file.
//
// # Snapshot Encoding
//
// States are stored in the little-endian layout of package codec, the same
// bytes an ABI caller receives from step_and_get_state. A row that fails to
// decode is reported as a MALFORMED_BUFFER error.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Snapshots must belong to a recorded run
package store
