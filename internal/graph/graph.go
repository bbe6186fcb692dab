// Package graph provides weighted adjacency structures over named
// observations, plus the geometric builders (k-nearest-neighbor, Delaunay,
// distance threshold) used for expression and spatial networks.
package graph

import (
	"fmt"
	"math"
	"sort"
)

// Point is a 2-or-3-dimensional spatial position.
type Point struct {
	X, Y, Z float64
}

// Dist returns the Euclidean distance between two points.
func (p Point) Dist(q Point) float64 {
	dx := p.X - q.X
	dy := p.Y - q.Y
	dz := p.Z - q.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// Edge is a weighted connection between two node indices.
type Edge struct {
	From   int
	To     int
	Weight float64
}

// Graph is a weighted graph over a fixed, ordered node set. Edges are kept
// in deterministic (From, To) order so that repeated construction with the
// same inputs yields an identical edge set.
type Graph struct {
	nodes []string
	index map[string]int
	adj   [][]Edge
	nEdge int
}

// New creates an empty graph over the given node IDs.
func New(nodes []string) *Graph {
	idx := make(map[string]int, len(nodes))
	for i, n := range nodes {
		idx[n] = i
	}
	return &Graph{
		nodes: append([]string(nil), nodes...),
		index: idx,
		adj:   make([][]Edge, len(nodes)),
	}
}

// NumNodes returns the node count.
func (g *Graph) NumNodes() int { return len(g.nodes) }

// NumEdges returns the directed edge count.
func (g *Graph) NumEdges() int { return g.nEdge }

// Nodes returns the ordered node IDs.
func (g *Graph) Nodes() []string { return g.nodes }

// NodeIndex returns the index of a node ID.
func (g *Graph) NodeIndex(id string) (int, bool) {
	i, ok := g.index[id]
	return i, ok
}

// AddEdge adds a directed edge. Self loops are ignored.
func (g *Graph) AddEdge(from, to int, weight float64) {
	if from == to || from < 0 || to < 0 || from >= len(g.nodes) || to >= len(g.nodes) {
		return
	}
	g.adj[from] = append(g.adj[from], Edge{From: from, To: to, Weight: weight})
	g.nEdge++
}

// AddUndirected adds the edge in both directions.
func (g *Graph) AddUndirected(a, b int, weight float64) {
	g.AddEdge(a, b, weight)
	g.AddEdge(b, a, weight)
}

// Neighbors returns the out-edges of a node.
func (g *Graph) Neighbors(i int) []Edge {
	if i < 0 || i >= len(g.adj) {
		return nil
	}
	return g.adj[i]
}

// OutDegree returns the out-degree of a node.
func (g *Graph) OutDegree(i int) int { return len(g.Neighbors(i)) }

// HasEdge reports whether a directed edge from a to b exists.
func (g *Graph) HasEdge(a, b int) bool {
	for _, e := range g.Neighbors(a) {
		if e.To == b {
			return true
		}
	}
	return false
}

// Edges returns all directed edges in deterministic (From, To) order.
func (g *Graph) Edges() []Edge {
	out := make([]Edge, 0, g.nEdge)
	for i := range g.adj {
		es := append([]Edge(nil), g.adj[i]...)
		sort.Slice(es, func(a, b int) bool { return es[a].To < es[b].To })
		out = append(out, es...)
	}
	return out
}

// UndirectedEdges returns each undirected edge once, as (min, max) pairs in
// deterministic order. For asymmetric graphs (kNN), an edge is reported if
// it exists in either direction; the weight is taken from the first
// direction found.
func (g *Graph) UndirectedEdges() []Edge {
	seen := make(map[[2]int]float64)
	for i := range g.adj {
		for _, e := range g.adj[i] {
			a, b := e.From, e.To
			if a > b {
				a, b = b, a
			}
			if _, ok := seen[[2]int{a, b}]; !ok {
				seen[[2]int{a, b}] = e.Weight
			}
		}
	}
	keys := make([][2]int, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i][0] != keys[j][0] {
			return keys[i][0] < keys[j][0]
		}
		return keys[i][1] < keys[j][1]
	})
	out := make([]Edge, len(keys))
	for i, k := range keys {
		out[i] = Edge{From: k[0], To: k[1], Weight: seen[k]}
	}
	return out
}

// Subgraph returns the graph induced by the given node IDs. Unknown IDs
// produce an error.
func (g *Graph) Subgraph(keep []string) (*Graph, error) {
	for _, id := range keep {
		if _, ok := g.index[id]; !ok {
			return nil, fmt.Errorf("node %q not in graph", id)
		}
	}
	keepSet := make(map[int]bool, len(keep))
	for _, id := range keep {
		keepSet[g.index[id]] = true
	}
	sub := New(keep)
	for i := range g.adj {
		if !keepSet[i] {
			continue
		}
		from, _ := sub.NodeIndex(g.nodes[i])
		for _, e := range g.adj[i] {
			if !keepSet[e.To] {
				continue
			}
			to, _ := sub.NodeIndex(g.nodes[e.To])
			sub.AddEdge(from, to, e.Weight)
		}
	}
	return sub, nil
}
