package abi

import "sync"

// Ledger tracks buffers handed to foreign callers by address.
//
// The C ABI cannot hand a Go *codec.Buffer across the boundary, so the cgo
// layer copies the bytes into C memory and records the address here. The
// matching free call releases through the ledger: Release reports true only
// for an address that is currently outstanding, so frees of addresses never
// handed out, or already released and not handed out again, are refused.
// Addresses are not generations: once malloc reuses an address, a stale free
// of the old buffer is indistinguishable from a free of the new one.
//
// Thread-safety: Ledger is safe for concurrent use via internal mutex.
type Ledger struct {
	mu          sync.Mutex
	outstanding map[uintptr]int
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{outstanding: make(map[uintptr]int)}
}

// Track records a newly handed-out buffer of size bytes at addr.
// Address 0 is ignored.
func (l *Ledger) Track(addr uintptr, size int) {
	if addr == 0 {
		return
	}
	l.mu.Lock()
	l.outstanding[addr] = size
	l.mu.Unlock()
}

// Release forgets addr and reports whether it was outstanding. Callers free
// the underlying memory only when Release returns true.
func (l *Ledger) Release(addr uintptr) bool {
	if addr == 0 {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.outstanding[addr]; !ok {
		return false
	}
	delete(l.outstanding, addr)
	return true
}

// Outstanding returns the number of buffers not yet released.
func (l *Ledger) Outstanding() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.outstanding)
}

// OutstandingBytes returns the total size of buffers not yet released.
func (l *Ledger) OutstandingBytes() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := 0
	for _, n := range l.outstanding {
		total += n
	}
	return total
}
