// Package spatgenes scores features for spatial autocorrelation over a
// spatial network, with analytic (Moran, Geary) and permutation-based
// (binary enrichment) methods.
package spatgenes

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/spatx/spatx/internal/dataset"
	"github.com/spatx/spatx/internal/graph"
)

// AutocorrMethod selects the autocorrelation statistic.
type AutocorrMethod string

const (
	MethodMoran AutocorrMethod = "moran"
	MethodGeary AutocorrMethod = "geary"
)

// AutocorrParams controls spatial autocorrelation scoring.
type AutocorrParams struct {
	Layer      string // expression layer, normally "normalized"
	GraphName  string // spatial network to use
	Method     AutocorrMethod
	ResultName string // defaults to "spatial_<method>"
}

// AutocorrResult is the autocorrelation score for one feature.
type AutocorrResult struct {
	Feature string
	Stat    float64 // Moran's I or Geary's C
	ZScore  float64
	PValue  float64
}

// Autocorrelation computes the chosen statistic per feature over the named
// spatial network, writes per-feature scores into feature metadata and
// attaches a ranked result table.
func Autocorrelation(d *dataset.Dataset, p AutocorrParams) ([]AutocorrResult, error) {
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

	w := symmetricWeights(g)
	s0 := 0.0
	for i := range w {
		for _, e := range w[i] {
			s0 += e.w
		}
	}
	if s0 == 0 {
		return nil, fmt.Errorf("spatial network %q has no edges", p.GraphName)
	}

	results := make([]AutocorrResult, 0, m.NFeatures())
	scores := make([]float64, m.NFeatures())
	norm := distuv.Normal{Mu: 0, Sigma: 1}

	for fi, feat := range m.FeatureIDs() {
		row := m.Row(fi)

		var stat, z float64
		switch p.Method {
		case MethodGeary:
			stat, z = gearyC(row, w, s0)
		case MethodMoran, "":
			stat, z = moranI(row, w, s0)
		default:
			return nil, fmt.Errorf("unknown autocorrelation method: %q", p.Method)
		}

		pv := 1.0
		if !math.IsNaN(z) {
			pv = 1 - norm.CDF(z) // one-sided: positive spatial structure
		}
		scores[fi] = stat
		results = append(results, AutocorrResult{Feature: feat, Stat: stat, ZScore: z, PValue: pv})
	}

	method := p.Method
	if method == "" {
		method = MethodMoran
	}
	if err := d.FeatMeta().SetFloats(string(method)+"_stat", scores); err != nil {
		return nil, err
	}

	sort.Slice(results, func(a, b int) bool {
		if results[a].ZScore != results[b].ZScore {
			return results[a].ZScore > results[b].ZScore
		}
		return results[a].Feature < results[b].Feature
	})

	name := p.ResultName
	if name == "" {
		name = "spatial_" + string(method)
	}
	table := &dataset.Table{
		Name:    name,
		Columns: []string{"feature", "stat", "z_score", "p_value"},
	}
	for _, r := range results {
		table.AddRow(r.Feature, r.Stat, r.ZScore, r.PValue)
	}
	if err := d.SetResult(table); err != nil {
		return nil, err
	}
	return results, nil
}

type swEdge struct {
	to int
	w  float64
}

// symmetricWeights converts any spatial graph into symmetric neighbor
// weight lists so directed kNN networks behave like undirected ones.
func symmetricWeights(g *graph.Graph) [][]swEdge {
	n := g.NumNodes()
	seen := make([]map[int]float64, n)
	for i := range seen {
		seen[i] = make(map[int]float64)
	}
	for _, e := range g.UndirectedEdges() {
		seen[e.From][e.To] = e.Weight
		seen[e.To][e.From] = e.Weight
	}
	out := make([][]swEdge, n)
	for i := range seen {
		tos := make([]int, 0, len(seen[i]))
		for to := range seen[i] {
			tos = append(tos, to)
		}
		sort.Ints(tos)
		for _, to := range tos {
			out[i] = append(out[i], swEdge{to: to, w: seen[i][to]})
		}
	}
	return out
}

// moranI computes Moran's I and its z-score under the normality assumption.
func moranI(x []float64, w [][]swEdge, s0 float64) (float64, float64) {
	n := float64(len(x))
	mean := 0.0
	for _, v := range x {
		mean += v
	}
	mean /= n

	num, denom := 0.0, 0.0
	for i, v := range x {
		di := v - mean
		denom += di * di
		for _, e := range w[i] {
			num += e.w * di * (x[e.to] - mean)
		}
	}
	if denom == 0 {
		return 0, math.NaN()
	}
	i := n / s0 * num / denom

	// Moments under normality.
	s1, s2 := 0.0, 0.0
	for a := range w {
		rowSum := 0.0
		for _, e := range w[a] {
			s1 += (e.w + e.w) * (e.w + e.w) // w_ij == w_ji here
			rowSum += e.w
		}
		// Column sum equals row sum for symmetric weights.
		s2 += (rowSum + rowSum) * (rowSum + rowSum)
	}
	s1 /= 2

	ei := -1 / (n - 1)
	varI := (n*n*s1 - n*s2 + 3*s0*s0) / ((n*n - 1) * s0 * s0)
	varI -= ei * ei
	if varI <= 0 {
		return i, math.NaN()
	}
	return i, (i - ei) / math.Sqrt(varI)
}

// gearyC computes Geary's C; the z-score is oriented so that positive
// values mean positive spatial autocorrelation (C < 1).
func gearyC(x []float64, w [][]swEdge, s0 float64) (float64, float64) {
	n := float64(len(x))
	mean := 0.0
	for _, v := range x {
		mean += v
	}
	mean /= n

	num, denom := 0.0, 0.0
	for i, v := range x {
		di := v - mean
		denom += di * di
		for _, e := range w[i] {
			dv := v - x[e.to]
			num += e.w * dv * dv
		}
	}
	if denom == 0 {
		return 1, math.NaN()
	}
	c := (n - 1) / (2 * s0) * num / denom

	s1, s2 := 0.0, 0.0
	for a := range w {
		rowSum := 0.0
		for _, e := range w[a] {
			s1 += (e.w + e.w) * (e.w + e.w)
			rowSum += e.w
		}
		s2 += (rowSum + rowSum) * (rowSum + rowSum)
	}
	s1 /= 2

	varC := ((2*s1 + s2) * (n - 1) - 4*s0*s0) / (2 * (n + 1) * s0 * s0)
	if varC <= 0 {
		return c, math.NaN()
	}
	return c, (1 - c) / math.Sqrt(varC)
}
