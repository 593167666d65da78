// Command libgradient builds the gradient engine as a C shared library:
//
//	go build -buildmode=c-shared -o libgradient.so ./cmd/libgradient
//
// Buffers returned by get_neighborhood_with_distance and
// step_and_get_state_with_distance are allocated with malloc and must be
// released exactly once with the matching free function. Freeing an address
// this library never returned, or one it does not currently consider
// outstanding, is ignored. A stale pointer freed after malloc reused its
// address for a newer buffer cannot be told apart from that buffer.
//
// GRADSIM_LOG_LEVEL sets the stderr log level, GRADSIM_TIMING_CSV enables
// step timing samples and GRADSIM_MAX_NODE_COUNT caps the size of created
// simulations. Samples are flushed whenever the last live simulation is
// destroyed.
package main

/*
#include <stdbool.h>
#include <stdint.h>
#include <stdlib.h>
*/
import "C"

import (
	"log/slog"
	"os"
	"strconv"
	"unsafe"

	"github.com/roach88/gradsim/internal/abi"
	"github.com/roach88/gradsim/internal/logging"
	"github.com/roach88/gradsim/internal/registry"
	"github.com/roach88/gradsim/internal/telemetry"
)

var (
	reg    *registry.Registry
	shim   *abi.Shim
	timing *telemetry.CSVSink
)

func init() {
	level := os.Getenv("GRADSIM_LOG_LEVEL")
	if level == "" {
		level = "info"
	}
	logging.Setup(level, "text", os.Stderr)

	reg = registry.New()
	var opts []abi.Option
	if path := os.Getenv("GRADSIM_TIMING_CSV"); path != "" {
		sink, err := telemetry.OpenCSVSink(path)
		if err != nil {
			slog.Warn("timing disabled", "path", path, "error", err)
		} else {
			timing = sink
			opts = append(opts, abi.WithMeasurer(telemetry.NewMeasurer(sink, telemetry.SystemClock{})))
		}
	}
	if v := os.Getenv("GRADSIM_MAX_NODE_COUNT"); v != "" {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			slog.Warn("ignoring GRADSIM_MAX_NODE_COUNT", "value", v, "error", err)
		} else {
			opts = append(opts, abi.WithMaxNodeCount(int32(n)))
		}
	}
	shim = abi.New(reg, opts...)
}

//export create_with_distance
func create_with_distance(nodeCount C.int, maxDistance C.double) C.int {
	return C.int(shim.Create(int32(nodeCount), float64(maxDistance)))
}

//export destroy_with_distance
func destroy_with_distance(handle C.int) {
	shim.Destroy(int32(handle))
	if timing != nil && reg.Len() == 0 {
		if err := timing.Flush(); err != nil {
			slog.Warn("timing flush failed", "error", err)
		}
	}
}

//export set_source_with_distance
func set_source_with_distance(handle, nodeID C.int, isSource C.bool) {
	shim.SetSource(int32(handle), int32(nodeID), bool(isSource))
}

//export clear_sources_with_distance
func clear_sources_with_distance(handle C.int) {
	shim.ClearSources(int32(handle))
}

//export step_with_distance
func step_with_distance(handle, rounds C.int) {
	shim.Step(int32(handle), int32(rounds))
}

//export get_value_with_distance
func get_value_with_distance(handle, nodeID C.int) C.double {
	return C.double(shim.GetValue(int32(handle), int32(nodeID)))
}

//export get_neighborhood_with_distance
func get_neighborhood_with_distance(handle, nodeID C.int, size *C.int) *C.int32_t {
	ids := shim.GetNeighborhood(int32(handle), int32(nodeID))
	if size != nil {
		*size = C.int(len(ids))
	}
	if len(ids) == 0 {
		return nil
	}

	n := len(ids) * int(unsafe.Sizeof(int32(0)))
	p := C.malloc(C.size_t(n))
	copy(unsafe.Slice((*int32)(p), len(ids)), ids)
	shim.Ledger().Track(uintptr(p), n)
	return (*C.int32_t)(p)
}

//export free_neighborhood_with_distance
func free_neighborhood_with_distance(p *C.int32_t) {
	release(unsafe.Pointer(p))
}

//export update_position
func update_position(handle, nodeID C.int, x, y, z C.double) {
	shim.UpdatePosition(int32(handle), int32(nodeID), float64(x), float64(y), float64(z))
}

//export step_and_get_state_with_distance
func step_and_get_state_with_distance(handle, rounds C.int, outSize *C.int) unsafe.Pointer {
	if outSize != nil {
		*outSize = 0
	}
	buf := shim.StepAndGetState(int32(handle), int32(rounds))
	if buf == nil {
		return nil
	}
	defer func() { _ = buf.Release() }()

	data := buf.Bytes()
	p := C.CBytes(data)
	shim.Ledger().Track(uintptr(p), len(data))
	if outSize != nil {
		*outSize = C.int(len(data))
	}
	return p
}

//export free_state_buffer
func free_state_buffer(p unsafe.Pointer) {
	release(p)
}

func release(p unsafe.Pointer) {
	if shim.Ledger().Release(uintptr(p)) {
		C.free(p)
		return
	}
	if p != nil {
		slog.Debug("ignored free of unknown buffer", "addr", uintptr(p))
	}
}

func main() {}
