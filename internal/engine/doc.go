// Package engine implements the gradient simulation core.
//
// A set of point nodes lives in 3-D space. Two nodes are neighbors when their
// Euclidean distance is at most the engine's max distance. Some nodes are
// sources. Every round each node's value becomes
//
//	0                                          if the node is a source
//	min over neighbors n of value[n] + dist    otherwise (+Inf if none reachable)
//
// which is one Bellman-Ford relaxation sweep over a graph that may change
// between rounds because nodes move.
//
// ARCHITECTURE:
//
// Synchronous rounds:
// A round reads only the previous round's values and writes into a second
// buffer; the buffers swap at the round boundary. The result is independent
// of node visitation order, and on a static connected topology every node
// reaches its true shortest-path distance within node_count-1 rounds.
//
// Lazy graph:
// NodeSpace never recomputes adjacency on a position update. The graph is
// derived once per round from the positions current at that moment, and
// snapshots reuse that derivation until a node moves again.
//
// Single writer:
// Engine has no internal locking. Callers that share an engine between
// goroutines (the handle registry) serialize access themselves.
package engine
