package codec

import (
	"errors"
	"sync/atomic"

	"github.com/roach88/gradsim/internal/engine"
)

// ErrAlreadyReleased is returned by a second Release of the same Buffer.
var ErrAlreadyReleased = errors.New("codec: buffer already released")

// Buffer owns one encoded snapshot.
//
// Ownership contract: the producer allocates the Buffer and hands it to a
// consumer, which must call Release exactly once. Release is the only
// operation that ends ownership; after it, Bytes returns nil and further
// Release calls report ErrAlreadyReleased without touching memory.
//
// Thread-safety: Bytes, Len, Released and Release may be called
// concurrently; exactly one Release wins. The encoded bytes are never
// written after NewBuffer, so a Bytes result obtained before a racing
// Release stays readable but is no longer owned.
type Buffer struct {
	data     []byte
	released atomic.Bool
	onFree   func()
}

// NewBuffer encodes s into a new Buffer.
// Returns nil and the encoding error on failure, never a partially written
// buffer.
func NewBuffer(s engine.State) (*Buffer, error) {
	data, err := Encode(s)
	if err != nil {
		return nil, err
	}
	return &Buffer{data: data}, nil
}

// OnRelease registers fn to run once when the buffer is released.
// Used by the ABI shim to account for outstanding buffers.
func (b *Buffer) OnRelease(fn func()) {
	b.onFree = fn
}

// Bytes returns the encoded snapshot, or nil once released.
func (b *Buffer) Bytes() []byte {
	if b == nil || b.released.Load() {
		return nil
	}
	return b.data
}

// Len returns the encoded length, or 0 once released.
func (b *Buffer) Len() int {
	return len(b.Bytes())
}

// Released reports whether Release has been called.
func (b *Buffer) Released() bool {
	return b != nil && b.released.Load()
}

// Release ends ownership of the buffer. Releasing a nil Buffer is a no-op.
func (b *Buffer) Release() error {
	if b == nil {
		return nil
	}
	if !b.released.CompareAndSwap(false, true) {
		return ErrAlreadyReleased
	}
	if b.onFree != nil {
		b.onFree()
	}
	return nil
}
