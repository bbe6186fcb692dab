// Package cluster builds similarity graphs over embeddings and partitions
// them into discrete groups.
package cluster

import (
	"fmt"

	"github.com/spatx/spatx/internal/dataset"
	"github.com/spatx/spatx/internal/graph"
)

// NNParams controls the expression nearest-neighbor network.
type NNParams struct {
	Embedding string // source embedding, normally "pca"
	Dims      int    // leading embedding dimensions to use; 0 = all
	K         int
	SharedNN  bool   // reweight edges by shared-neighbor overlap
	MinShared int    // drop edges sharing fewer neighbors (SharedNN only)
	GraphName string // defaults to "nn"
}

// NearestNeighborGraph builds the kNN graph over an embedding and attaches
// it to the dataset. With SharedNN, edge weights become the Jaccard overlap
// of the two nodes' neighbor sets and weak edges are dropped.
func NearestNeighborGraph(d *dataset.Dataset, p NNParams) error {
	emb, err := d.Embedding(p.Embedding)
	if err != nil {
		return err
	}
	if p.K < 1 {
		return fmt.Errorf("k must be >= 1, got %d", p.K)
	}

	vecs := emb.Coords
	if p.Dims > 0 {
		vecs = make([][]float64, len(emb.Coords))
		for i, row := range emb.Coords {
			dims := p.Dims
			if dims > len(row) {
				dims = len(row)
			}
			vecs[i] = row[:dims]
		}
	}

	g, err := graph.KNNVectors(d.ObsIDs(), vecs, p.K)
	if err != nil {
		return err
	}

	if p.SharedNN {
		g = sharedNN(g, p.MinShared)
	}

	name := p.GraphName
	if name == "" {
		name = "nn"
	}
	return d.SetGraph(name, dataset.GraphExpression, g)
}

// sharedNN reweights a kNN graph by neighbor-set overlap (Jaccard index),
// dropping edges with fewer than minShared common neighbors.
func sharedNN(g *graph.Graph, minShared int) *graph.Graph {
	n := g.NumNodes()
	neighborSets := make([]map[int]bool, n)
	for i := 0; i < n; i++ {
		s := make(map[int]bool)
		for _, e := range g.Neighbors(i) {
			s[e.To] = true
		}
		neighborSets[i] = s
	}

	out := graph.New(g.Nodes())
	for i := 0; i < n; i++ {
		for _, e := range g.Neighbors(i) {
			shared := 0
			for nb := range neighborSets[i] {
				if neighborSets[e.To][nb] {
					shared++
				}
			}
			if shared < minShared {
				continue
			}
			union := len(neighborSets[i]) + len(neighborSets[e.To]) - shared
			w := 0.0
			if union > 0 {
				w = float64(shared) / float64(union)
			}
			out.AddEdge(i, e.To, w)
		}
	}
	return out
}
