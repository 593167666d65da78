package engine

import "sync/atomic"

// RoundClock counts completed relaxation rounds.
//
// The count is a logical clock: it is advanced exactly once per finished
// round, never by wall time, so recorded snapshots and replays line up by
// round number regardless of how fast the hosting loop ticks.
//
// Thread-safety: RoundClock is safe for concurrent reads (atomic operations).
// Only the goroutine that steps the engine calls Advance.
type RoundClock struct {
	round atomic.Int64
}

// NewRoundClock creates a clock at round 0.
func NewRoundClock() *RoundClock {
	return &RoundClock{}
}

// NewRoundClockAt creates a clock starting at a specific round.
// Used when resuming from a recorded snapshot.
func NewRoundClockAt(start int64) *RoundClock {
	c := &RoundClock{}
	c.round.Store(start)
	return c
}

// Advance records one completed round and returns the new count.
func (c *RoundClock) Advance() int64 {
	return c.round.Add(1)
}

// Current returns the number of completed rounds.
func (c *RoundClock) Current() int64 {
	return c.round.Load()
}
