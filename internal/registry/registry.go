// Package registry maps small integer handles to live engine instances.
//
// The registry is the only way a foreign caller reaches an engine: the C ABI
// shim and the remote server both create engines through it and look them up
// by handle on every call.
//
// Handles are positive int32 values assigned from a monotonic counter that
// starts at 1. A handle is never reissued for the lifetime of the registry,
// so a stale handle held by a foreign caller can only ever miss, never alias
// a newer engine.
package registry

import (
	"log/slog"
	"math"
	"sort"
	"sync"

	"github.com/roach88/gradsim/internal/engine"
)

// Handle identifies one live engine across the ABI. The zero value is never
// issued and doubles as the "no engine" sentinel.
type Handle int32

// Invalid is returned by Create on failure.
const Invalid Handle = 0

// entry owns one engine and serializes access to it.
type entry struct {
	mu  sync.Mutex
	eng *engine.Engine
}

// Registry holds the live engines.
//
// Thread-safety: all methods are safe for concurrent use. The registry lock
// guards only the handle table; each engine has its own lock held by Do, so
// slow rounds on one engine never block lookups for another.
type Registry struct {
	mu      sync.RWMutex
	engines map[Handle]*entry
	next    Handle
	opts    []engine.Option
}

// New creates an empty registry. opts are applied to every engine it creates
// (for example engine.WithSink to time every step).
func New(opts ...engine.Option) *Registry {
	return &Registry{
		engines: make(map[Handle]*entry),
		opts:    opts,
	}
}

// Create allocates a new engine and returns its handle.
//
// Returns INVALID_ARGUMENT for parameters engine.New rejects, and
// ALLOCATION_FAILURE once the int32 handle space is exhausted.
func (r *Registry) Create(nodeCount int, maxDistance float64) (Handle, error) {
	eng, err := engine.New(nodeCount, maxDistance, r.opts...)
	if err != nil {
		return Invalid, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.next == math.MaxInt32 {
		return Invalid, engine.NewAllocationError("handle space exhausted")
	}
	r.next++
	h := r.next
	r.engines[h] = &entry{eng: eng}

	slog.Debug("engine created",
		"handle", int32(h),
		"nodes", nodeCount,
		"max_distance", maxDistance,
		"live", len(r.engines),
	)
	return h, nil
}

// Destroy removes and frees the engine behind h. Unknown or already destroyed
// handles are a no-op. Returns true if an engine was removed.
//
// Destroy waits for any in-flight Do on the same handle to finish.
func (r *Registry) Destroy(h Handle) bool {
	r.mu.Lock()
	e, ok := r.engines[h]
	if ok {
		delete(r.engines, h)
	}
	live := len(r.engines)
	r.mu.Unlock()

	if !ok {
		return false
	}

	e.mu.Lock()
	e.eng = nil
	e.mu.Unlock()

	slog.Debug("engine destroyed", "handle", int32(h), "live", live)
	return true
}

func (r *Registry) get(h Handle) (*entry, error) {
	r.mu.RLock()
	e, ok := r.engines[h]
	r.mu.RUnlock()
	if !ok {
		return nil, engine.NewUnknownHandleError(int32(h))
	}
	return e, nil
}

// Lookup returns the engine behind h, or an UNKNOWN_HANDLE error.
//
// The returned engine is not locked. Callers that may race with other users
// of the same handle must use Do instead.
func (r *Registry) Lookup(h Handle) (*engine.Engine, error) {
	e, err := r.get(h)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	eng := e.eng
	e.mu.Unlock()
	if eng == nil {
		return nil, engine.NewUnknownHandleError(int32(h))
	}
	return eng, nil
}

// Do runs fn against the engine behind h while holding that engine's lock.
// Returns UNKNOWN_HANDLE without calling fn when h is not live, including when
// h is destroyed between lookup and lock.
func (r *Registry) Do(h Handle, fn func(*engine.Engine) error) error {
	e, err := r.get(h)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.eng == nil {
		return engine.NewUnknownHandleError(int32(h))
	}
	return fn(e.eng)
}

// Len returns the number of live engines.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.engines)
}

// Handles returns the live handles in ascending order.
func (r *Registry) Handles() []Handle {
	r.mu.RLock()
	out := make([]Handle, 0, len(r.engines))
	for h := range r.engines {
		out = append(out, h)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Close destroys every live engine. Handles stay retired: Create after Close
// continues from the previous counter.
func (r *Registry) Close() {
	for _, h := range r.Handles() {
		r.Destroy(h)
	}
}
