package engine

import "math"

// Position is a point in 3-D space.
type Position struct {
	X, Y, Z float64
}

// Distance returns the Euclidean distance between a and b.
func Distance(a, b Position) float64 {
	dx := a.X - b.X
	dy := a.Y - b.Y
	dz := a.Z - b.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// Graph is a proximity graph derived from one position state.
//
// INVARIANTS:
//   - symmetric: j in Neighbors(i) iff i in Neighbors(j)
//   - irreflexive: i never appears in Neighbors(i)
//   - each neighbor list is in ascending id order
type Graph struct {
	adj [][]int
}

// Neighbors returns the neighbor ids of node id. The slice is shared with the
// graph and must not be modified.
func (g *Graph) Neighbors(id int) []int {
	return g.adj[id]
}

// Len returns the number of nodes in the graph.
func (g *Graph) Len() int {
	return len(g.adj)
}

// NodeSpace owns node positions and source flags and derives the proximity
// graph on demand. Nothing is recomputed eagerly: a position update only marks
// the space as changed.
//
// Thread-safety: NodeSpace is not safe for concurrent use. The engine that
// owns it is mutated by one logical thread at a time.
type NodeSpace struct {
	positions   []Position
	sources     []bool
	maxDistance float64

	// version increments on every position change so that a cached Graph
	// can be checked for staleness.
	version uint64
}

// NewNodeSpace creates a space of nodeCount nodes, all at the origin and none
// marked as source.
func NewNodeSpace(nodeCount int, maxDistance float64) *NodeSpace {
	return &NodeSpace{
		positions:   make([]Position, nodeCount),
		sources:     make([]bool, nodeCount),
		maxDistance: maxDistance,
	}
}

// Len returns the fixed node count.
func (s *NodeSpace) Len() int {
	return len(s.positions)
}

// MaxDistance returns the connection threshold.
func (s *NodeSpace) MaxDistance() float64 {
	return s.maxDistance
}

func (s *NodeSpace) checkID(id int) error {
	if id < 0 || id >= len(s.positions) {
		return NewOutOfRangeError(id, len(s.positions))
	}
	return nil
}

// UpdatePosition replaces the position of node id.
func (s *NodeSpace) UpdatePosition(id int, p Position) error {
	if err := s.checkID(id); err != nil {
		return err
	}
	s.positions[id] = p
	s.version++
	return nil
}

// Position returns the current position of node id.
func (s *NodeSpace) Position(id int) (Position, error) {
	if err := s.checkID(id); err != nil {
		return Position{}, err
	}
	return s.positions[id], nil
}

// SetSource toggles the source flag of node id.
func (s *NodeSpace) SetSource(id int, isSource bool) error {
	if err := s.checkID(id); err != nil {
		return err
	}
	s.sources[id] = isSource
	return nil
}

// ClearSources unmarks every node.
func (s *NodeSpace) ClearSources() {
	for i := range s.sources {
		s.sources[i] = false
	}
}

// IsSource reports whether node id is a source.
func (s *NodeSpace) IsSource(id int) (bool, error) {
	if err := s.checkID(id); err != nil {
		return false, err
	}
	return s.sources[id], nil
}

// NeighborsOf returns every other node within MaxDistance of node id
// (inclusive boundary), in ascending id order.
//
// Cost is linear in node count. No spatial index is kept: the target scale is
// tens to low hundreds of nodes and a plain scan stays deterministic.
func (s *NodeSpace) NeighborsOf(id int) ([]int, error) {
	if err := s.checkID(id); err != nil {
		return nil, err
	}
	return s.scan(id), nil
}

func (s *NodeSpace) scan(id int) []int {
	neighbors := []int{}
	origin := s.positions[id]
	for j, p := range s.positions {
		if j == id {
			continue
		}
		if Distance(origin, p) <= s.maxDistance {
			neighbors = append(neighbors, j)
		}
	}
	return neighbors
}

// Graph derives the full proximity graph from the current positions.
// Cost is quadratic in node count.
func (s *NodeSpace) Graph() *Graph {
	adj := make([][]int, len(s.positions))
	for i := range s.positions {
		adj[i] = s.scan(i)
	}
	return &Graph{adj: adj}
}
