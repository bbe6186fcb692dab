package graph

import (
	"fmt"
	"math"
	"sort"
)

// KNN builds a directed k-nearest-neighbor graph over points. Each node gets
// exactly k out-edges (or n-1 when fewer neighbors exist). Ties are broken
// by distance first, then by node order, so construction is deterministic.
// Edge weights are 1/(1+d) so closer neighbors weigh more.
func KNN(nodes []string, pts []Point, k int) (*Graph, error) {
	if len(nodes) != len(pts) {
		return nil, fmt.Errorf("node/point count mismatch: %d vs %d", len(nodes), len(pts))
	}
	if k < 1 {
		return nil, fmt.Errorf("k must be >= 1, got %d", k)
	}

	g := New(nodes)
	n := len(pts)

	type cand struct {
		idx  int
		dist float64
	}
	cands := make([]cand, 0, n-1)

	for i := 0; i < n; i++ {
		cands = cands[:0]
		for j := 0; j < n; j++ {
			if j == i {
				continue
			}
			cands = append(cands, cand{idx: j, dist: pts[i].Dist(pts[j])})
		}
		sort.Slice(cands, func(a, b int) bool {
			if cands[a].dist != cands[b].dist {
				return cands[a].dist < cands[b].dist
			}
			return cands[a].idx < cands[b].idx
		})
		kk := k
		if kk > len(cands) {
			kk = len(cands)
		}
		for _, c := range cands[:kk] {
			g.AddEdge(i, c.idx, 1.0/(1.0+c.dist))
		}
	}
	return g, nil
}

// KNNVectors builds a kNN graph over arbitrary-dimension vectors, used for
// the expression nearest-neighbor network in embedding space.
func KNNVectors(nodes []string, vecs [][]float64, k int) (*Graph, error) {
	if len(nodes) != len(vecs) {
		return nil, fmt.Errorf("node/vector count mismatch: %d vs %d", len(nodes), len(vecs))
	}
	if k < 1 {
		return nil, fmt.Errorf("k must be >= 1, got %d", k)
	}

	g := New(nodes)
	n := len(vecs)

	type cand struct {
		idx  int
		dist float64
	}
	cands := make([]cand, 0, n-1)

	for i := 0; i < n; i++ {
		cands = cands[:0]
		for j := 0; j < n; j++ {
			if j == i {
				continue
			}
			cands = append(cands, cand{idx: j, dist: euclidean(vecs[i], vecs[j])})
		}
		sort.Slice(cands, func(a, b int) bool {
			if cands[a].dist != cands[b].dist {
				return cands[a].dist < cands[b].dist
			}
			return cands[a].idx < cands[b].idx
		})
		kk := k
		if kk > len(cands) {
			kk = len(cands)
		}
		for _, c := range cands[:kk] {
			g.AddEdge(i, c.idx, 1.0/(1.0+c.dist))
		}
	}
	return g, nil
}

// DistanceThreshold connects every pair of points closer than radius.
func DistanceThreshold(nodes []string, pts []Point, radius float64) (*Graph, error) {
	if len(nodes) != len(pts) {
		return nil, fmt.Errorf("node/point count mismatch: %d vs %d", len(nodes), len(pts))
	}
	if radius <= 0 {
		return nil, fmt.Errorf("radius must be > 0, got %g", radius)
	}
	g := New(nodes)
	for i := 0; i < len(pts); i++ {
		for j := i + 1; j < len(pts); j++ {
			d := pts[i].Dist(pts[j])
			if d <= radius {
				g.AddUndirected(i, j, 1.0/(1.0+d))
			}
		}
	}
	return g, nil
}

func euclidean(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	s := 0.0
	for i := 0; i < n; i++ {
		d := a[i] - b[i]
		s += d * d
	}
	return math.Sqrt(s)
}
