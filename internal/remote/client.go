package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/roach88/gradsim/internal/engine"
)

// Client drives a remote engine from a host simulation.
//
// Commands are sent immediately. Server replies are read by a background
// receiver into a bounded inbox and dispatched to OnState/OnError only when
// the host calls Poll or Await, so callbacks always run on the host's own
// goroutine.
type Client struct {
	transport Transport
	inbox     *Inbox

	// OnState receives every pushed state. May be nil.
	OnState func(engine.State)

	// OnError receives every error reply. May be nil.
	OnError func(string)

	txMu      sync.Mutex
	cancel    context.CancelFunc
	done      chan error
	closeOnce sync.Once
	closeErr  error
}

// Dial connects to addr. Addresses starting with ws:// or wss:// use the
// websocket transport; anything else is a TCP host:port.
func Dial(ctx context.Context, addr string, inboxSize int) (*Client, error) {
	var (
		t   Transport
		err error
	)
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		t, err = DialWebSocket(ctx, addr)
	} else {
		t, err = DialTCP(ctx, addr)
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return NewClient(t, inboxSize), nil
}

// NewClient starts receiving server messages on t.
func NewClient(t Transport, inboxSize int) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		transport: t,
		inbox:     NewInbox(inboxSize),
		cancel:    cancel,
		done:      make(chan error, 1),
	}
	go c.receive(ctx)
	return c
}

func (c *Client) receive(ctx context.Context) {
	defer c.inbox.Close()
	for {
		line, err := c.transport.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				c.done <- nil
			} else {
				c.done <- err
			}
			return
		}
		if len(line) == 0 {
			continue
		}
		if !c.inbox.Enqueue(ctx, line) {
			c.done <- nil
			return
		}
	}
}

// Create asks the server for a new simulation, replacing any previous one.
func (c *Client) Create(nodeCount int, maxDistance float64) error {
	return c.Send(CreateSim{NodeCount: nodeCount, MaxDistance: maxDistance})
}

// SetSource marks node id as a source.
func (c *Client) SetSource(id int) error {
	return c.Send(SetSource{NodeID: id})
}

// Step asks for rounds rounds; the server answers with a state push.
func (c *Client) Step(rounds int) error {
	return c.Send(Step{StepCount: rounds})
}

// NewPosition moves node id to p.
func (c *Client) NewPosition(id int, p engine.Position) error {
	return c.Send(NewPosition{NodeID: id, X: p.X, Y: p.Y, Z: p.Z})
}

// Send writes one command line.
func (c *Client) Send(cmd Command) error {
	line, err := EncodeCommand(cmd)
	if err != nil {
		return err
	}
	c.txMu.Lock()
	defer c.txMu.Unlock()
	return c.transport.WriteLine(line)
}

// Poll dispatches up to max received messages and returns how many it
// dispatched. It never blocks.
func (c *Client) Poll(max int) int {
	n := 0
	for n < max {
		line, ok := c.inbox.TryDequeue()
		if !ok {
			break
		}
		c.dispatch(line)
		n++
	}
	return n
}

// Await blocks until one message is dispatched, the connection ends, or ctx
// is done. Returns io.EOF once the connection has ended and nothing is left.
func (c *Client) Await(ctx context.Context) error {
	for {
		if c.Poll(1) == 1 {
			return nil
		}
		if c.inbox.Drained() {
			return io.EOF
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.inbox.Wait():
		}
	}
}

func (c *Client) dispatch(line []byte) {
	msg, err := ParseServerMessage(line)
	if err != nil {
		slog.Debug("unusable server message", "error", err)
		return
	}
	switch {
	case msg.Error != nil:
		if c.OnError != nil {
			c.OnError(*msg.Error)
		}
	case msg.Values != nil:
		if c.OnState != nil {
			c.OnState(StateMessage{Values: *msg.Values}.State())
		}
	}
}

// Close ends the connection and waits for the receiver to stop.
// Returns the receiver's error, if it failed before Close. Safe to call more
// than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		err := c.transport.Close()
		if recvErr := <-c.done; recvErr != nil {
			err = recvErr
		}
		c.closeErr = err
	})
	return c.closeErr
}
