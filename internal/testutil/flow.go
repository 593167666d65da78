package testutil

// FixedSessionGenerator returns the same session id every time.
//
// Scenario runs open one session per scenario; a fixed id keeps run ids
// ("<session>/<n>") and golden traces stable across runs.
//
// Unlike engine.FixedGenerator, which returns ids in sequence and panics once
// exhausted, this generator never runs out.
//
// Thread-safety: FixedSessionGenerator is stateless and safe for concurrent use.
type FixedSessionGenerator struct {
	id string
}

// NewFixedSessionGenerator creates a generator that always returns id.
// If id is empty, Generate returns "test-session".
func NewFixedSessionGenerator(id string) *FixedSessionGenerator {
	if id == "" {
		id = "test-session"
	}
	return &FixedSessionGenerator{id: id}
}

// Generate returns the fixed id.
//
// Implements engine.SessionIDGenerator.
func (g *FixedSessionGenerator) Generate() string {
	return g.id
}
