package spatgenes

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/spatx/spatx/internal/cluster"
	"github.com/spatx/spatx/internal/dataset"
	"github.com/spatx/spatx/internal/graph"
)

// BinSpectParams controls binary spatial enrichment scoring.
type BinSpectParams struct {
	Layer        string // expression layer, normally "normalized"
	GraphName    string // spatial network to use
	Permutations int    // label permutations for the null; 0 disables p-values
	Workers      int    // parallel feature workers; <=0 means 1
	Seed         int64
	ResultName   string // defaults to "binspect"
}

// BinSpectResult scores the spatial coherence of one binarized feature.
type BinSpectResult struct {
	Feature   string
	HighCount int     // observations in the high state
	EdgeScore float64 // observed high-high neighbor edges
	OddsRatio float64 // observed vs expected high-high edges
	PValue    float64 // permutation p-value (1.0 when permutations == 0)
}

// BinSpect binarizes each feature with 1-D k-means and scores how often
// high observations neighbor other high observations in the spatial
// network, against a label-permutation null. Features are scored in
// parallel with a bounded worker pool; a fixed seed gives identical scores.
func BinSpect(d *dataset.Dataset, p BinSpectParams) ([]BinSpectResult, error) {
	layer := p.Layer
	if layer == "" {
		layer = dataset.LayerNormalized
	}
	m, err := d.Layer(layer)
	if err != nil {
		return nil, err
	}
	g, err := d.SpatialGraph(p.GraphName)
	if err != nil {
		return nil, err
	}

	edges := g.UndirectedEdges()
	if len(edges) == 0 {
		return nil, fmt.Errorf("spatial network %q has no edges", p.GraphName)
	}
	no := m.NObs()

	workers := p.Workers
	if workers <= 0 {
		workers = 1
	}

	nf := m.NFeatures()
	results := make([]BinSpectResult, nf)
	var wg sync.WaitGroup
	sem := make(chan struct{}, workers)

	for fi := 0; fi < nf; fi++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(fi int) {
			defer wg.Done()
			defer func() { <-sem }()
			results[fi] = scoreFeature(m, fi, edges, no, p.Permutations, p.Seed+int64(fi))
		}(fi)
	}
	wg.Wait()

	sort.Slice(results, func(a, b int) bool {
		if results[a].PValue != results[b].PValue {
			return results[a].PValue < results[b].PValue
		}
		if results[a].OddsRatio != results[b].OddsRatio {
			return results[a].OddsRatio > results[b].OddsRatio
		}
		return results[a].Feature < results[b].Feature
	})

	name := p.ResultName
	if name == "" {
		name = "binspect"
	}
	table := &dataset.Table{
		Name:    name,
		Columns: []string{"feature", "high_count", "edge_score", "odds_ratio", "p_value"},
	}
	for _, r := range results {
		table.AddRow(r.Feature, r.HighCount, r.EdgeScore, r.OddsRatio, r.PValue)
	}
	if err := d.SetResult(table); err != nil {
		return nil, err
	}
	return results, nil
}

func scoreFeature(m *dataset.Matrix, fi int, edges []graph.Edge, no, permutations int, seed int64) BinSpectResult {
	row := m.Row(fi)

	high := binarize(row, seed)
	nHigh := 0
	for _, h := range high {
		if h {
			nHigh++
		}
	}

	observed := countHighEdges(edges, high)
	expected := expectedHighEdges(len(edges), nHigh, no)
	odds := math.Inf(1)
	if expected > 0 {
		odds = float64(observed) / expected
	}

	pv := 1.0
	if permutations > 0 && nHigh > 0 && nHigh < no {
		rng := rand.New(rand.NewSource(seed))
		perm := make([]bool, no)
		exceed := 0
		for it := 0; it < permutations; it++ {
			copy(perm, high)
			rng.Shuffle(no, func(i, j int) { perm[i], perm[j] = perm[j], perm[i] })
			if countHighEdges(edges, perm) >= observed {
				exceed++
			}
		}
		pv = (float64(exceed) + 1) / (float64(permutations) + 1)
	}

	return BinSpectResult{
		Feature:   m.FeatureIDs()[fi],
		HighCount: nHigh,
		EdgeScore: float64(observed),
		OddsRatio: odds,
		PValue:    pv,
	}
}

// binarize splits values into low/high with 1-D k-means; the cluster with
// the larger mean is the high state. Constant features are all-low.
func binarize(vals []float64, seed int64) []bool {
	minV, maxV := vals[0], vals[0]
	for _, v := range vals {
		minV = math.Min(minV, v)
		maxV = math.Max(maxV, v)
	}
	high := make([]bool, len(vals))
	if minV == maxV {
		return high
	}

	assign, err := cluster.KMeans1D(vals, 2, 50, seed)
	if err != nil {
		return high
	}
	sums := [2]float64{}
	counts := [2]int{}
	for i, c := range assign {
		sums[c] += vals[i]
		counts[c]++
	}
	highCluster := 0
	if counts[1] > 0 && (counts[0] == 0 || sums[1]/float64(counts[1]) > sums[0]/float64(counts[0])) {
		highCluster = 1
	}
	for i, c := range assign {
		high[i] = c == highCluster
	}
	return high
}

func countHighEdges(edges []graph.Edge, high []bool) int {
	n := 0
	for _, e := range edges {
		if high[e.From] && high[e.To] {
			n++
		}
	}
	return n
}

// expectedHighEdges is the expected high-high edge count under random
// labeling: E = |E| * k(k-1) / (n(n-1)).
func expectedHighEdges(nEdges, nHigh, n int) float64 {
	if n < 2 {
		return 0
	}
	return float64(nEdges) * float64(nHigh) * float64(nHigh-1) / (float64(n) * float64(n-1))
}
