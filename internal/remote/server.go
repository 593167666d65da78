package remote

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/roach88/gradsim/internal/engine"
	"github.com/roach88/gradsim/internal/registry"
	"github.com/roach88/gradsim/internal/telemetry"
)

// Server accepts remote sessions over TCP and websocket connections.
//
// Each connection gets its own Session with its own engine; sessions share
// only the registry, metrics, recorder and timing sink.
type Server struct {
	reg      *registry.Registry
	cfg      Config
	ids      engine.SessionIDGenerator
	metrics  *Metrics
	recorder Recorder
	sink     telemetry.Sink
	clock    telemetry.Clock

	upgrader websocket.Upgrader
	wg       sync.WaitGroup
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithSessionIDs overrides the session id generator (UUIDv7 by default).
func WithSessionIDs(g engine.SessionIDGenerator) ServerOption {
	return func(s *Server) { s.ids = g }
}

// WithServerMetrics records activity of every session in m.
func WithServerMetrics(m *Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// WithServerRecorder persists the runs and states of every session.
func WithServerRecorder(r Recorder) ServerOption {
	return func(s *Server) { s.recorder = r }
}

// WithServerTiming records "step.service" samples of every session in sink.
func WithServerTiming(sink telemetry.Sink, clock telemetry.Clock) ServerOption {
	return func(s *Server) {
		s.sink = sink
		s.clock = clock
	}
}

// NewServer creates a server whose sessions allocate engines in reg.
func NewServer(reg *registry.Registry, cfg Config, opts ...ServerOption) *Server {
	s := &Server{
		reg: reg,
		cfg: cfg.withDefaults(),
		ids: engine.UUIDv7Generator{},
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve accepts TCP connections on ln until ctx is done, then closes ln and
// waits for every open session to finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	slog.Info("remote server listening", "addr", ln.Addr().String())

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	var acceptErr error
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				acceptErr = err
			}
			break
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.ServeTransport(ctx, NewStreamTransport(conn)); err != nil {
				slog.Warn("session ended with error", "peer", conn.RemoteAddr().String(), "error", err)
			}
		}()
	}

	s.wg.Wait()
	slog.Info("remote server stopped", "addr", ln.Addr().String())
	return acceptErr
}

// WebSocketHandler upgrades HTTP requests to websocket sessions. Sessions end
// when the peer disconnects or ctx is done.
func (s *Server) WebSocketHandler(ctx context.Context) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Debug("websocket upgrade failed", "peer", r.RemoteAddr, "error", err)
			return
		}
		s.wg.Add(1)
		defer s.wg.Done()
		if err := s.ServeTransport(ctx, NewWebSocketTransport(conn)); err != nil {
			slog.Warn("session ended with error", "peer", r.RemoteAddr, "error", err)
		}
	})
}

// Wait blocks until every session started by Serve or the websocket handler
// has finished.
func (s *Server) Wait() {
	s.wg.Wait()
}

// NewSession creates a session for t configured like every server session.
// The caller drives it with Receive/Poll (or Run) and must Close it.
func (s *Server) NewSession(t Transport) *Session {
	opts := []SessionOption{WithMetrics(s.metrics)}
	if s.recorder != nil {
		opts = append(opts, WithRecorder(s.recorder))
	}
	if s.sink != nil {
		opts = append(opts, WithTiming(s.sink, s.clock))
	}
	return NewSession(s.ids.Generate(), t, s.reg, s.cfg, opts...)
}

// ServeTransport runs one session over t until the peer closes or ctx is done.
// The session's engine is destroyed and t is closed before it returns.
func (s *Server) ServeTransport(ctx context.Context, t Transport) error {
	sess := s.NewSession(t)
	s.metrics.sessionOpened()
	defer s.metrics.sessionClosed()
	sess.logger.Info("session opened")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	recvDone := make(chan error, 1)
	go func() { recvDone <- sess.Receive(ctx) }()

	runErr := sess.Run(ctx)
	cancel()
	_ = sess.Close()
	recvErr := <-recvDone

	sess.logger.Info("session closed")
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return recvErr
}
