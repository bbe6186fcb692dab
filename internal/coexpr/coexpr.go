// Package coexpr groups spatially coherent features into co-expression
// modules and derives per-module metagene scores.
package coexpr

import (
	"fmt"
	"math"
	"sort"
	"strconv"

	"gonum.org/v1/gonum/stat"

	"github.com/spatx/spatx/internal/dataset"
)

// Params controls spatial co-expression module detection.
type Params struct {
	Layer      string   // expression layer, normally "normalized"
	GraphName  string   // spatial network used for smoothing
	Features   []string // features to cluster; nil selects via FeatureColumn
	// FeatureColumn selects features whose metadata value is "yes" (e.g. a
	// spatial-gene flag) when Features is nil.
	FeatureColumn string
	NModules      int
	ResultName    string // defaults to "coexpression"
	// MetagenePrefix is the observation metadata column prefix for module
	// scores; defaults to "metagene_".
	MetagenePrefix string
}

// Module is one spatial co-expression module.
type Module struct {
	ID       int
	Features []string
}

// Modules smooths each feature over the spatial network, computes the
// feature-feature Spearman correlation of the smoothed profiles, clusters
// features into modules by average-linkage on correlation distance, and
// writes per-observation metagene scores (mean z-scored expression of the
// module's features) plus a module assignment table.
func Modules(d *dataset.Dataset, p Params) ([]Module, error) {
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
	if p.NModules < 1 {
		return nil, fmt.Errorf("module count must be >= 1, got %d", p.NModules)
	}

	feats := p.Features
	if feats == nil {
		feats = flaggedFeatures(d, p.FeatureColumn)
	}
	if len(feats) < p.NModules {
		return nil, fmt.Errorf("only %d features for %d modules", len(feats), p.NModules)
	}

	no := m.NObs()

	// Neighbor-averaged (smoothed) profiles.
	smoothed := make([][]float64, len(feats))
	for i, f := range feats {
		row, err := m.FeatureRow(f)
		if err != nil {
			return nil, err
		}
		sm := make([]float64, no)
		for j := 0; j < no; j++ {
			sum := row[j]
			n := 1.0
			for _, e := range g.Neighbors(j) {
				sum += row[e.To]
				n++
			}
			sm[j] = sum / n
		}
		smoothed[i] = sm
	}

	// Spearman correlation distance matrix.
	ranks := make([][]float64, len(feats))
	for i := range smoothed {
		ranks[i] = rankVector(smoothed[i])
	}
	dist := make([][]float64, len(feats))
	for i := range dist {
		dist[i] = make([]float64, len(feats))
	}
	for i := 0; i < len(feats); i++ {
		for j := i + 1; j < len(feats); j++ {
			rho := stat.Correlation(ranks[i], ranks[j], nil)
			if math.IsNaN(rho) {
				rho = 0
			}
			dd := 1 - rho
			dist[i][j] = dd
			dist[j][i] = dd
		}
	}

	assign := averageLinkage(dist, p.NModules)

	// Deterministic module numbering by first feature occurrence.
	remap := make(map[int]int)
	next := 0
	for _, a := range assign {
		if _, ok := remap[a]; !ok {
			remap[a] = next
			next++
		}
	}

	modules := make([]Module, next)
	for i := range modules {
		modules[i].ID = i
	}
	for fi, a := range assign {
		id := remap[a]
		modules[id].Features = append(modules[id].Features, feats[fi])
	}
	for i := range modules {
		sort.Strings(modules[i].Features)
	}

	// Metagene scores: mean z-scored expression per module.
	prefix := p.MetagenePrefix
	if prefix == "" {
		prefix = "metagene_"
	}
	for _, mod := range modules {
		score := make([]float64, no)
		for _, f := range mod.Features {
			row, _ := m.FeatureRow(f)
			mean, sd := meanStd(row)
			for j := 0; j < no; j++ {
				if sd > 0 {
					score[j] += (row[j] - mean) / sd
				}
			}
		}
		for j := range score {
			score[j] /= float64(len(mod.Features))
		}
		col := prefix + strconv.Itoa(mod.ID)
		if err := d.ObsMeta().SetFloats(col, score); err != nil {
			return nil, err
		}
	}

	name := p.ResultName
	if name == "" {
		name = "coexpression"
	}
	table := &dataset.Table{Name: name, Columns: []string{"feature", "module"}}
	for _, mod := range modules {
		for _, f := range mod.Features {
			table.AddRow(f, mod.ID)
		}
	}
	if err := d.SetResult(table); err != nil {
		return nil, err
	}
	return modules, nil
}

// averageLinkage merges clusters by smallest average pairwise distance
// until k clusters remain; returns a cluster index per item.
func averageLinkage(dist [][]float64, k int) []int {
	n := len(dist)
	assign := make([]int, n)
	members := make(map[int][]int, n)
	for i := 0; i < n; i++ {
		assign[i] = i
		members[i] = []int{i}
	}

	active := make([]int, n)
	for i := range active {
		active[i] = i
	}

	for len(active) > k {
		bestA, bestB := -1, -1
		bestD := math.Inf(1)
		for ai := 0; ai < len(active); ai++ {
			for bi := ai + 1; bi < len(active); bi++ {
				a, b := active[ai], active[bi]
				dd := avgDist(dist, members[a], members[b])
				if dd < bestD || (dd == bestD && (bestA == -1 || a < bestA || (a == bestA && b < bestB))) {
					bestD = dd
					bestA, bestB = a, b
				}
			}
		}
		members[bestA] = append(members[bestA], members[bestB]...)
		delete(members, bestB)
		for i, c := range active {
			if c == bestB {
				active = append(active[:i], active[i+1:]...)
				break
			}
		}
	}

	for cid, ms := range members {
		for _, i := range ms {
			assign[i] = cid
		}
	}
	return assign
}

func avgDist(dist [][]float64, a, b []int) float64 {
	s := 0.0
	for _, i := range a {
		for _, j := range b {
			s += dist[i][j]
		}
	}
	return s / float64(len(a)*len(b))
}

// rankVector returns average ranks (ties averaged) for Spearman.
func rankVector(vals []float64) []float64 {
	n := len(vals)
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return vals[idx[a]] < vals[idx[b]] })

	ranks := make([]float64, n)
	i := 0
	for i < n {
		j := i
		for j < n && vals[idx[j]] == vals[idx[i]] {
			j++
		}
		avg := float64(i+j+1) / 2
		for k := i; k < j; k++ {
			ranks[idx[k]] = avg
		}
		i = j
	}
	return ranks
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

func meanStd(xs []float64) (mean, sd float64) {
	n := float64(len(xs))
	if n == 0 {
		return 0, 0
	}
	for _, v := range xs {
		mean += v
	}
	mean /= n
	if len(xs) < 2 {
		return mean, 0
	}
	ss := 0.0
	for _, v := range xs {
		dv := v - mean
		ss += dv * dv
	}
	return mean, math.Sqrt(ss / (n - 1))
}
