// Package codec serializes engine snapshots to the flat binary layout used
// across the C ABI.
//
// Layout (all little-endian):
//
//	int32   node_count
//	repeat node_count times:
//	  float64 value
//	  int32   neighbor_count
//	  repeat neighbor_count times: int32 neighbor_id
//
// Unreachable nodes carry the IEEE-754 +Inf bit pattern as their value.
package codec

import (
	"encoding/binary"
	"math"

	"github.com/roach88/gradsim/internal/engine"
)

const (
	int32Size   = 4
	float64Size = 8
)

// EncodedSize returns the exact number of bytes Encode produces for s.
func EncodedSize(s engine.State) int {
	size := int32Size
	for _, n := range s.Nodes {
		size += float64Size + int32Size + int32Size*len(n.Neighbors)
	}
	return size
}

// Encode serializes s. The buffer is sized once from EncodedSize and filled
// front to back; no partial buffer is ever returned.
//
// Returns an ALLOCATION_FAILURE error when a count or id does not fit in an
// int32.
func Encode(s engine.State) ([]byte, error) {
	if len(s.Nodes) > math.MaxInt32 {
		return nil, engine.NewAllocationError("node count %d exceeds int32", len(s.Nodes))
	}
	buf := make([]byte, 0, EncodedSize(s))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(int32(len(s.Nodes))))
	for i, n := range s.Nodes {
		if len(n.Neighbors) > math.MaxInt32 {
			return nil, engine.NewAllocationError("node %d neighbor count exceeds int32", i)
		}
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(n.Value))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(int32(len(n.Neighbors))))
		for _, id := range n.Neighbors {
			if id < math.MinInt32 || id > math.MaxInt32 {
				return nil, engine.NewAllocationError("node %d neighbor id %d exceeds int32", i, id)
			}
			buf = binary.LittleEndian.AppendUint32(buf, uint32(int32(id)))
		}
	}
	return buf, nil
}

// reader walks a buffer and reports truncation as MALFORMED_BUFFER.
type reader struct {
	buf []byte
	off int
}

func (r *reader) int32(field string) (int32, error) {
	if len(r.buf)-r.off < int32Size {
		return 0, engine.NewMalformedBufferError("truncated %s at offset %d", field, r.off)
	}
	v := int32(binary.LittleEndian.Uint32(r.buf[r.off:]))
	r.off += int32Size
	return v, nil
}

func (r *reader) float64(field string) (float64, error) {
	if len(r.buf)-r.off < float64Size {
		return 0, engine.NewMalformedBufferError("truncated %s at offset %d", field, r.off)
	}
	v := math.Float64frombits(binary.LittleEndian.Uint64(r.buf[r.off:]))
	r.off += float64Size
	return v, nil
}

// remaining reports whether n more int32 values could still fit, so a corrupt
// count cannot trigger a huge allocation.
func (r *reader) fits(n int32, each int) bool {
	return int64(n)*int64(each) <= int64(len(r.buf)-r.off)
}

// Decode is the exact inverse of Encode.
//
// Returns a MALFORMED_BUFFER error for truncated input, negative counts, or
// trailing bytes after the last node.
func Decode(buf []byte) (engine.State, error) {
	r := &reader{buf: buf}

	count, err := r.int32("node_count")
	if err != nil {
		return engine.State{}, err
	}
	if count < 0 {
		return engine.State{}, engine.NewMalformedBufferError("negative node_count %d", count)
	}
	if !r.fits(count, float64Size+int32Size) {
		return engine.State{}, engine.NewMalformedBufferError("node_count %d exceeds buffer length %d", count, len(buf))
	}

	nodes := make([]engine.NodeState, count)
	for i := range nodes {
		value, err := r.float64("value")
		if err != nil {
			return engine.State{}, err
		}
		nc, err := r.int32("neighbor_count")
		if err != nil {
			return engine.State{}, err
		}
		if nc < 0 {
			return engine.State{}, engine.NewMalformedBufferError("node %d: negative neighbor_count %d", i, nc)
		}
		if !r.fits(nc, int32Size) {
			return engine.State{}, engine.NewMalformedBufferError("node %d: truncated neighbor list", i)
		}
		neighbors := make([]int, nc)
		for j := range neighbors {
			id, err := r.int32("neighbor_id")
			if err != nil {
				return engine.State{}, err
			}
			neighbors[j] = int(id)
		}
		nodes[i] = engine.NodeState{Value: value, Neighbors: neighbors}
	}

	if r.off != len(buf) {
		return engine.State{}, engine.NewMalformedBufferError("%d trailing bytes after node %d", len(buf)-r.off, count)
	}
	return engine.State{Nodes: nodes}, nil
}

// EncodeNeighbors converts a neighbor list to the int32 array handed across
// the ABI by get_neighborhood.
func EncodeNeighbors(ids []int) []int32 {
	out := make([]int32, len(ids))
	for i, id := range ids {
		out[i] = int32(id)
	}
	return out
}
