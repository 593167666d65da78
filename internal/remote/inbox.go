package remote

import (
	"context"
	"sync"
)

// DefaultInboxSize bounds the number of unprocessed lines per session.
const DefaultInboxSize = 256

// Inbox is a bounded, thread-safe FIFO of raw inbound lines.
//
// One receiver goroutine enqueues what it reads from the transport; the
// session loop drains it with TryDequeue on its own schedule. Enqueue blocks
// while the inbox is full, so a flooding peer is throttled at the socket
// instead of growing memory.
//
// Two buffered (size 1) channels carry wake-ups: signal for "lines may be
// available" and space for "room may be available". Close closes signal so
// a waiting consumer wakes and sees the closed state.
type Inbox struct {
	mu       sync.Mutex
	lines    [][]byte
	capacity int
	closed   bool
	signal   chan struct{}
	space    chan struct{}
}

// NewInbox creates an empty inbox holding at most capacity lines.
// capacity <= 0 selects DefaultInboxSize.
func NewInbox(capacity int) *Inbox {
	if capacity <= 0 {
		capacity = DefaultInboxSize
	}
	return &Inbox{
		lines:    make([][]byte, 0, capacity),
		capacity: capacity,
		signal:   make(chan struct{}, 1),
		space:    make(chan struct{}, 1),
	}
}

// Enqueue appends line, blocking while the inbox is full.
// Returns false if the inbox is closed or ctx is done before there is room.
func (in *Inbox) Enqueue(ctx context.Context, line []byte) bool {
	for {
		in.mu.Lock()
		if in.closed {
			in.mu.Unlock()
			return false
		}
		if len(in.lines) < in.capacity {
			in.lines = append(in.lines, line)
			select {
			case in.signal <- struct{}{}:
			default:
			}
			in.mu.Unlock()
			return true
		}
		in.mu.Unlock()

		select {
		case <-ctx.Done():
			return false
		case <-in.space:
		}
	}
}

// TryDequeue removes the oldest line without blocking.
// Returns (nil, false) if the inbox is empty.
func (in *Inbox) TryDequeue() ([]byte, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if len(in.lines) == 0 {
		return nil, false
	}
	line := in.lines[0]
	in.lines[0] = nil
	if len(in.lines) == 1 {
		in.lines = in.lines[:0]
	} else {
		in.lines = in.lines[1:]
	}

	select {
	case in.space <- struct{}{}:
	default:
	}
	return line, true
}

// Wait returns a channel that fires when lines may be available, and stays
// readable forever once the inbox is closed.
//
//	select {
//	case <-ctx.Done():
//	    return ctx.Err()
//	case <-in.Wait():
//	    // drain with TryDequeue
//	}
func (in *Inbox) Wait() <-chan struct{} {
	return in.signal
}

// Len returns the number of queued lines.
func (in *Inbox) Len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.lines)
}

// Cap returns the inbox bound.
func (in *Inbox) Cap() int {
	return in.capacity
}

// Drained reports whether the inbox is closed and empty: nothing more will
// ever be dequeued.
func (in *Inbox) Drained() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.closed && len(in.lines) == 0
}

// Close marks the end of input. Lines already queued stay available to
// TryDequeue. Safe to call more than once.
func (in *Inbox) Close() {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.closed {
		return
	}
	in.closed = true
	close(in.signal)
}
