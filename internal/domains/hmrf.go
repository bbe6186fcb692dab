// Package domains infers spatially coherent tissue domains with a hidden
// Markov random field: Gaussian class models per domain and a Potts
// smoothing prior over the spatial network, fit by iterated conditional
// modes from a seeded k-means start.
package domains

import (
	"fmt"
	"math"
	"strconv"

	"github.com/spatx/spatx/internal/cluster"
	"github.com/spatx/spatx/internal/dataset"
)

// HMRFParams controls domain inference.
type HMRFParams struct {
	Layer     string   // expression layer, normally "scaled"
	GraphName string   // spatial network for the smoothing prior
	Features  []string // features to model; nil selects via FeatureColumn
	// FeatureColumn selects "yes"-flagged features when Features is nil.
	FeatureColumn  string
	K              int     // number of domains
	Beta           float64 // Potts smoothing strength; 0 reduces to k-means refinement
	MaxIter        int
	Seed           int64
	MetadataColumn string // observation metadata column ("hmrf_domain" default)
}

// HMRF assigns every observation to one of K spatial domains and writes the
// labels into observation metadata. With a fixed seed the assignment is
// deterministic.
func HMRF(d *dataset.Dataset, p HMRFParams) error {
	layer := p.Layer
	if layer == "" {
		layer = dataset.LayerScaled
	}
	m, err := d.Layer(layer)
	if err != nil {
		return err
	}
	g, err := d.SpatialGraph(p.GraphName)
	if err != nil {
		return err
	}
	if p.K < 2 {
		return fmt.Errorf("domain count must be >= 2, got %d", p.K)
	}
	maxIter := p.MaxIter
	if maxIter <= 0 {
		maxIter = 50
	}

	feats := p.Features
	if feats == nil {
		feats = flaggedFeatures(d, p.FeatureColumn)
	}
	if len(feats) == 0 {
		return fmt.Errorf("no features selected for domain inference")
	}

	no := m.NObs()
	vecs := make([][]float64, no)
	for j := 0; j < no; j++ {
		vecs[j] = make([]float64, len(feats))
	}
	for fi, f := range feats {
		row, err := m.FeatureRow(f)
		if err != nil {
			return err
		}
		for j := 0; j < no; j++ {
			vecs[j][fi] = row[j]
		}
	}

	assign, err := cluster.KMeans(vecs, p.K, 100, p.Seed)
	if err != nil {
		return err
	}

	dims := len(feats)
	means := make([][]float64, p.K)
	vars := make([][]float64, p.K)

	for iter := 0; iter < maxIter; iter++ {
		estimateGaussians(vecs, assign, p.K, means, vars)

		changed := 0
		for j := 0; j < no; j++ {
			// Potts prior: count neighbors per domain.
			neighborCount := make([]float64, p.K)
			for _, e := range g.Neighbors(j) {
				neighborCount[assign[e.To]]++
			}

			best, bestE := assign[j], math.Inf(1)
			for k := 0; k < p.K; k++ {
				e := 0.0
				for dim := 0; dim < dims; dim++ {
					v := vars[k][dim]
					if v < 1e-6 {
						v = 1e-6
					}
					diff := vecs[j][dim] - means[k][dim]
					e += diff*diff/(2*v) + 0.5*math.Log(2*math.Pi*v)
				}
				e -= p.Beta * neighborCount[k]
				if e < bestE {
					bestE = e
					best = k
				}
			}
			if best != assign[j] {
				assign[j] = best
				changed++
			}
		}
		if changed == 0 {
			break
		}
	}

	// Relabel by first appearance in observation order.
	labels := make([]string, no)
	remap := make(map[int]int)
	next := 0
	for j, a := range assign {
		c, ok := remap[a]
		if !ok {
			c = next
			remap[a] = c
			next++
		}
		labels[j] = strconv.Itoa(c)
	}

	col := p.MetadataColumn
	if col == "" {
		col = "hmrf_domain"
	}
	return d.ObsMeta().SetStrings(col, labels)
}

// estimateGaussians refits per-domain diagonal Gaussian models.
func estimateGaussians(vecs [][]float64, assign []int, k int, means, vars [][]float64) {
	dims := len(vecs[0])
	counts := make([]int, k)
	for c := 0; c < k; c++ {
		if means[c] == nil {
			means[c] = make([]float64, dims)
			vars[c] = make([]float64, dims)
		}
		for dim := range means[c] {
			means[c][dim] = 0
			vars[c][dim] = 0
		}
	}
	for j, a := range assign {
		counts[a]++
		for dim := 0; dim < dims; dim++ {
			means[a][dim] += vecs[j][dim]
		}
	}
	for c := 0; c < k; c++ {
		if counts[c] == 0 {
			continue
		}
		for dim := 0; dim < dims; dim++ {
			means[c][dim] /= float64(counts[c])
		}
	}
	for j, a := range assign {
		for dim := 0; dim < dims; dim++ {
			diff := vecs[j][dim] - means[a][dim]
			vars[a][dim] += diff * diff
		}
	}
	for c := 0; c < k; c++ {
		if counts[c] < 2 {
			for dim := 0; dim < dims; dim++ {
				vars[c][dim] = 1
			}
			continue
		}
		for dim := 0; dim < dims; dim++ {
			vars[c][dim] /= float64(counts[c] - 1)
		}
	}
}

func flaggedFeatures(d *dataset.Dataset, column string) []string {
	flags, err := d.FeatMeta().Strings(column)
	if err != nil {
		return d.FeatureIDs()
	}
	var out []string
	for i, id := range d.FeatureIDs() {
		if flags[i] == "yes" {
			out = append(out, id)
		}
	}
	if len(out) == 0 {
		return d.FeatureIDs()
	}
	return out
}
