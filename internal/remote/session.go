package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/roach88/gradsim/internal/engine"
	"github.com/roach88/gradsim/internal/registry"
	"github.com/roach88/gradsim/internal/store"
	"github.com/roach88/gradsim/internal/telemetry"
)

// DefaultMaxNodeCount bounds the size of a simulation a peer may create.
const DefaultMaxNodeCount = 10000

// Config bounds the work a session accepts and performs.
type Config struct {
	// InboxSize is the number of received-but-unprocessed lines a session
	// buffers before the receiver stops reading from the socket.
	InboxSize int

	// MaxMessagesPerPoll caps the lines handled per loop tick.
	MaxMessagesPerPoll int

	// TickInterval paces the session loop when no input wakes it.
	TickInterval time.Duration

	// MaxStepCount rejects step commands asking for more rounds.
	MaxStepCount int

	// MaxNodeCount rejects createSim commands asking for more nodes. Each
	// round costs time quadratic in the node count.
	MaxNodeCount int
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		InboxSize:          DefaultInboxSize,
		MaxMessagesPerPoll: 64,
		TickInterval:       10 * time.Millisecond,
		MaxStepCount:       10000,
		MaxNodeCount:       DefaultMaxNodeCount,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.InboxSize <= 0 {
		c.InboxSize = d.InboxSize
	}
	if c.MaxMessagesPerPoll <= 0 {
		c.MaxMessagesPerPoll = d.MaxMessagesPerPoll
	}
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.MaxStepCount <= 0 {
		c.MaxStepCount = d.MaxStepCount
	}
	if c.MaxNodeCount <= 0 {
		c.MaxNodeCount = d.MaxNodeCount
	}
	return c
}

// Recorder persists what a session computes. Implemented by store.Store.
type Recorder interface {
	WriteRun(ctx context.Context, run store.Run) error
	WriteSnapshot(ctx context.Context, runID string, round int64, state engine.State) error
}

// Session binds one client connection to at most one engine.
//
// Two goroutines touch a session: the receiver (Receive), which only reads
// lines into the inbox, and the session loop (Run or explicit Poll calls),
// which parses, applies and answers them in arrival order. Outbound writes
// go through send, which holds the writer lock.
type Session struct {
	id        string
	transport Transport
	inbox     *Inbox
	reg       *registry.Registry
	cfg       Config
	metrics   *Metrics
	recorder  Recorder
	measurer  *telemetry.Measurer
	logger    *slog.Logger

	// Owned by the session loop.
	handle registry.Handle
	runID  string
	runs   int

	txMu sync.Mutex
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithMetrics records session activity in m.
func WithMetrics(m *Metrics) SessionOption {
	return func(s *Session) { s.metrics = m }
}

// WithRecorder persists runs and pushed states.
func WithRecorder(r Recorder) SessionOption {
	return func(s *Session) { s.recorder = r }
}

// WithTiming records every step command as a "step.service" sample in sink.
// Each session measures independently.
func WithTiming(sink telemetry.Sink, clock telemetry.Clock) SessionOption {
	return func(s *Session) { s.measurer = telemetry.NewMeasurer(sink, clock) }
}

// WithLogger sets the base logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) SessionOption {
	return func(s *Session) { s.logger = l }
}

// NewSession creates a session for transport. Engines are created in reg.
func NewSession(id string, t Transport, reg *registry.Registry, cfg Config, opts ...SessionOption) *Session {
	cfg = cfg.withDefaults()
	s := &Session{
		id:        id,
		transport: t,
		inbox:     NewInbox(cfg.InboxSize),
		reg:       reg,
		cfg:       cfg,
		measurer:  telemetry.NewMeasurer(nil, nil),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("session", id, "peer", t.RemoteAddr())
	return s
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// Handle returns the handle of the session's engine, or registry.Invalid.
func (s *Session) Handle() registry.Handle {
	return s.handle
}

// Inbox exposes the session's pending lines.
func (s *Session) Inbox() *Inbox {
	return s.inbox
}

// Receive reads lines from the transport into the inbox until the peer
// closes, the transport fails, or ctx is done. It always closes the inbox
// before returning. A clean end of stream returns nil.
func (s *Session) Receive(ctx context.Context) error {
	defer s.inbox.Close()
	for {
		line, err := s.transport.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read from %s: %w", s.transport.RemoteAddr(), err)
		}
		if len(line) == 0 {
			continue
		}
		if !s.inbox.Enqueue(ctx, line) {
			return nil
		}
		s.metrics.received()
	}
}

// Poll handles up to max queued lines and returns how many it handled.
// It never blocks waiting for input.
func (s *Session) Poll(max int) int {
	n := 0
	for n < max {
		line, ok := s.inbox.TryDequeue()
		if !ok {
			break
		}
		s.metrics.processed()
		s.handleLine(line)
		n++
	}
	return n
}

// Run is the session loop: it polls the inbox on every wake-up or tick until
// input ends and is drained, or ctx is done.
func (s *Session) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.inbox.Wait():
		case <-ticker.C:
		}

		s.Poll(s.cfg.MaxMessagesPerPoll)
		if s.inbox.Drained() {
			return nil
		}
	}
}

// Close destroys the session's engine and closes the transport.
func (s *Session) Close() error {
	if s.handle != registry.Invalid {
		s.reg.Destroy(s.handle)
		s.handle = registry.Invalid
	}
	s.metrics.discarded(s.inbox.Len())
	return s.transport.Close()
}

func (s *Session) handleLine(line []byte) {
	cmd, err := ParseCommand(line)
	if err != nil {
		s.reportError(err)
		return
	}
	s.metrics.command(cmd.Op())
	if err := s.Apply(cmd); err != nil {
		s.reportError(err)
	}
}

// Apply executes one command against the session's engine.
// A successful Step pushes the resulting state to the client.
func (s *Session) Apply(cmd Command) error {
	switch c := cmd.(type) {
	case CreateSim:
		return s.createSim(c)
	case SetSource:
		return s.withEngine(c.Op(), func(e *engine.Engine) error {
			return e.SetSource(c.NodeID, true)
		})
	case NewPosition:
		return s.withEngine(c.Op(), func(e *engine.Engine) error {
			return e.UpdatePosition(c.NodeID, engine.Position{X: c.X, Y: c.Y, Z: c.Z})
		})
	case Step:
		return s.step(c)
	default:
		return engine.NewMalformedMessageError(nil, "unsupported command %T", cmd)
	}
}

func (s *Session) createSim(c CreateSim) error {
	if c.NodeCount > s.cfg.MaxNodeCount {
		return engine.NewInvalidArgumentError("nodeCount %d exceeds limit %d", c.NodeCount, s.cfg.MaxNodeCount)
	}
	h, err := s.reg.Create(c.NodeCount, c.MaxDistance)
	if err != nil {
		return err
	}
	if s.handle != registry.Invalid {
		s.reg.Destroy(s.handle)
	}
	s.handle = h
	s.runs++
	s.runID = fmt.Sprintf("%s/%d", s.id, s.runs)

	s.logger.Info("simulation created",
		"run", s.runID,
		"handle", int32(h),
		"nodes", c.NodeCount,
		"max_distance", c.MaxDistance,
	)

	if s.recorder != nil {
		run := store.Run{ID: s.runID, SessionID: s.id, NodeCount: c.NodeCount, MaxDistance: c.MaxDistance}
		if err := s.recorder.WriteRun(context.Background(), run); err != nil {
			s.logger.Warn("record run failed", "run", s.runID, "error", err)
		}
	}
	return nil
}

func (s *Session) withEngine(op string, fn func(*engine.Engine) error) error {
	if s.handle == registry.Invalid {
		err := engine.NewUnknownHandleError(0)
		err.Message = op + " before createSim"
		return err
	}
	return s.reg.Do(s.handle, fn)
}

func (s *Session) step(c Step) error {
	if c.StepCount < 0 {
		return engine.NewInvalidArgumentError("stepCount must be non-negative, got %d", c.StepCount)
	}
	if c.StepCount > s.cfg.MaxStepCount {
		return engine.NewInvalidArgumentError("stepCount %d exceeds limit %d", c.StepCount, s.cfg.MaxStepCount)
	}

	started := time.Now()
	s.measurer.Start(telemetry.EventStepService)

	var (
		state engine.State
		round int64
	)
	err := s.withEngine(c.Op(), func(e *engine.Engine) error {
		e.Step(c.StepCount)
		state = e.Snapshot()
		round = e.Round()
		return nil
	})
	if err != nil {
		s.measurer.Stop(telemetry.EventStepService)
		return err
	}

	sendErr := s.sendJSON(NewStateMessage(state))
	s.measurer.Stop(telemetry.EventStepService)
	s.metrics.stepped(time.Since(started).Seconds())

	if s.recorder != nil {
		if err := s.recorder.WriteSnapshot(context.Background(), s.runID, round, state); err != nil {
			s.logger.Warn("record snapshot failed", "run", s.runID, "round", round, "error", err)
		}
	}
	return sendErr
}

func (s *Session) reportError(err error) {
	s.metrics.failure(string(engine.CodeOf(err)))
	s.logger.Debug("command rejected", "error", err)
	if sendErr := s.sendJSON(ErrorMessage{Error: err.Error()}); sendErr != nil {
		s.logger.Debug("error reply not delivered", "error", sendErr)
	}
}

// sendJSON writes one outbound message under the writer lock.
func (s *Session) sendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode outbound message: %w", err)
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return s.transport.WriteLine(data)
}
