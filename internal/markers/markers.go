// Package markers ranks features by specificity to each cluster using
// one-vs-rest fold change, Welch t-test, rank-sum and Gini scoring.
package markers

import (
	"fmt"
	"math"
	"sort"

	"github.com/spatx/spatx/internal/dataset"
)

// Params controls marker detection.
type Params struct {
	Layer         string  // expression layer, normally "normalized"
	ClusterColumn string  // observation metadata column with group labels
	MinPct        float64 // feature must be detected in this fraction of the group
	MinLog2FC     float64 // minimum |log2 fold change| to report
	ResultName    string  // defaults to "markers"
}

// Result is one scored feature-cluster pair.
type Result struct {
	Feature    string
	Cluster    string
	MeanIn     float64
	MeanOut    float64
	PctIn      float64
	PctOut     float64
	Log2FC     float64
	PTtest     float64
	FDRTtest   float64
	PRanksum   float64
	FDRRanksum float64
	Gini       float64
}

// FindMarkers scores every feature against every cluster (one vs rest) and
// attaches the ranked result table to the dataset. FDR correction is
// applied per cluster across features.
func FindMarkers(d *dataset.Dataset, p Params) ([]Result, error) {
	layer := p.Layer
	if layer == "" {
		layer = dataset.LayerNormalized
	}
	m, err := d.Layer(layer)
	if err != nil {
		return nil, err
	}
	labels, err := d.ObsMeta().Strings(p.ClusterColumn)
	if err != nil {
		return nil, fmt.Errorf("cluster column %q: %w", p.ClusterColumn, err)
	}

	groups := make(map[string][]int)
	for j, lab := range labels {
		groups[lab] = append(groups[lab], j)
	}
	clusterNames := make([]string, 0, len(groups))
	for name := range groups {
		clusterNames = append(clusterNames, name)
	}
	sort.Strings(clusterNames)

	no := m.NObs()
	var all []Result
	for _, cl := range clusterNames {
		inIdx := groups[cl]
		inSet := make([]bool, no)
		for _, j := range inIdx {
			inSet[j] = true
		}
		n1 := len(inIdx)
		n2 := no - n1
		if n1 == 0 || n2 == 0 {
			continue
		}

		clResults := make([]Result, 0, m.NFeatures())
		pT := make([]float64, 0, m.NFeatures())
		pR := make([]float64, 0, m.NFeatures())

		for i, feat := range m.FeatureIDs() {
			row := m.Row(i)
			var in, out []float64
			for j, v := range row {
				if inSet[j] {
					in = append(in, v)
				} else {
					out = append(out, v)
				}
			}

			mean1, var1, pct1 := summarize(in)
			mean2, var2, pct2 := summarize(out)
			if pct1 < p.MinPct {
				continue
			}

			eps := 1e-9
			log2fc := 0.0
			if mean1 > eps || mean2 > eps {
				log2fc = math.Log2((mean1 + eps) / (mean2 + eps))
			}
			if math.Abs(log2fc) < p.MinLog2FC {
				continue
			}

			r := Result{
				Feature:  feat,
				Cluster:  cl,
				MeanIn:   mean1,
				MeanOut:  mean2,
				PctIn:    pct1,
				PctOut:   pct2,
				Log2FC:   log2fc,
				PTtest:   welchTTest(mean1, var1, n1, mean2, var2, n2),
				PRanksum: mannWhitneyU(nonzero(in), n1, nonzero(out), n2),
				Gini:     giniForCluster(row, inSet),
			}
			clResults = append(clResults, r)
			pT = append(pT, r.PTtest)
			pR = append(pR, r.PRanksum)
		}

		fdrT := benjaminiHochberg(pT)
		fdrR := benjaminiHochberg(pR)
		for i := range clResults {
			clResults[i].FDRTtest = fdrT[i]
			clResults[i].FDRRanksum = fdrR[i]
		}
		sort.Slice(clResults, func(a, b int) bool {
			if clResults[a].FDRRanksum != clResults[b].FDRRanksum {
				return clResults[a].FDRRanksum < clResults[b].FDRRanksum
			}
			if clResults[a].Log2FC != clResults[b].Log2FC {
				return math.Abs(clResults[a].Log2FC) > math.Abs(clResults[b].Log2FC)
			}
			return clResults[a].Feature < clResults[b].Feature
		})
		all = append(all, clResults...)
	}

	name := p.ResultName
	if name == "" {
		name = "markers"
	}
	table := &dataset.Table{
		Name: name,
		Columns: []string{
			"feature", "cluster", "mean_in", "mean_out", "pct_in", "pct_out",
			"log2fc", "p_ttest", "fdr_ttest", "p_ranksum", "fdr_ranksum", "gini",
		},
	}
	for _, r := range all {
		table.AddRow(r.Feature, r.Cluster, r.MeanIn, r.MeanOut, r.PctIn, r.PctOut,
			r.Log2FC, r.PTtest, r.FDRTtest, r.PRanksum, r.FDRRanksum, r.Gini)
	}
	if err := d.SetResult(table); err != nil {
		return nil, err
	}
	return all, nil
}

// FindMarkersBetween scores every feature between two specific clusters
// instead of one cluster against the rest. Results are reported from the
// perspective of clusterA (positive log2fc means higher in A). The table
// defaults to "markers_<A>_vs_<B>".
func FindMarkersBetween(d *dataset.Dataset, p Params, clusterA, clusterB string) ([]Result, error) {
	layer := p.Layer
	if layer == "" {
		layer = dataset.LayerNormalized
	}
	m, err := d.Layer(layer)
	if err != nil {
		return nil, err
	}
	labels, err := d.ObsMeta().Strings(p.ClusterColumn)
	if err != nil {
		return nil, fmt.Errorf("cluster column %q: %w", p.ClusterColumn, err)
	}

	var aIdx, bIdx []int
	for j, lab := range labels {
		switch lab {
		case clusterA:
			aIdx = append(aIdx, j)
		case clusterB:
			bIdx = append(bIdx, j)
		}
	}
	if len(aIdx) == 0 {
		return nil, fmt.Errorf("cluster %q has no observations", clusterA)
	}
	if len(bIdx) == 0 {
		return nil, fmt.Errorf("cluster %q has no observations", clusterB)
	}
	n1, n2 := len(aIdx), len(bIdx)

	results := make([]Result, 0, m.NFeatures())
	pT := make([]float64, 0, m.NFeatures())
	pR := make([]float64, 0, m.NFeatures())
	for i, feat := range m.FeatureIDs() {
		row := m.Row(i)
		in := make([]float64, 0, n1)
		out := make([]float64, 0, n2)
		for _, j := range aIdx {
			in = append(in, row[j])
		}
		for _, j := range bIdx {
			out = append(out, row[j])
		}

		mean1, var1, pct1 := summarize(in)
		mean2, var2, pct2 := summarize(out)
		if pct1 < p.MinPct && pct2 < p.MinPct {
			continue
		}

		eps := 1e-9
		log2fc := 0.0
		if mean1 > eps || mean2 > eps {
			log2fc = math.Log2((mean1 + eps) / (mean2 + eps))
		}
		if math.Abs(log2fc) < p.MinLog2FC {
			continue
		}

		r := Result{
			Feature:  feat,
			Cluster:  clusterA,
			MeanIn:   mean1,
			MeanOut:  mean2,
			PctIn:    pct1,
			PctOut:   pct2,
			Log2FC:   log2fc,
			PTtest:   welchTTest(mean1, var1, n1, mean2, var2, n2),
			PRanksum: mannWhitneyU(nonzero(in), n1, nonzero(out), n2),
			Gini:     gini([]float64{mean1, mean2}),
		}
		results = append(results, r)
		pT = append(pT, r.PTtest)
		pR = append(pR, r.PRanksum)
	}

	fdrT := benjaminiHochberg(pT)
	fdrR := benjaminiHochberg(pR)
	for i := range results {
		results[i].FDRTtest = fdrT[i]
		results[i].FDRRanksum = fdrR[i]
	}
	sort.Slice(results, func(a, b int) bool {
		if results[a].FDRRanksum != results[b].FDRRanksum {
			return results[a].FDRRanksum < results[b].FDRRanksum
		}
		if results[a].Log2FC != results[b].Log2FC {
			return math.Abs(results[a].Log2FC) > math.Abs(results[b].Log2FC)
		}
		return results[a].Feature < results[b].Feature
	})

	name := p.ResultName
	if name == "" {
		name = fmt.Sprintf("markers_%s_vs_%s", clusterA, clusterB)
	}
	table := &dataset.Table{
		Name: name,
		Columns: []string{
			"feature", "cluster", "mean_in", "mean_out", "pct_in", "pct_out",
			"log2fc", "p_ttest", "fdr_ttest", "p_ranksum", "fdr_ranksum", "gini",
		},
	}
	for _, r := range results {
		table.AddRow(r.Feature, r.Cluster, r.MeanIn, r.MeanOut, r.PctIn, r.PctOut,
			r.Log2FC, r.PTtest, r.FDRTtest, r.PRanksum, r.FDRRanksum, r.Gini)
	}
	if err := d.SetResult(table); err != nil {
		return nil, err
	}
	return results, nil
}

func summarize(vals []float64) (mean, variance, pct float64) {
	n := len(vals)
	if n == 0 {
		return 0, 0, 0
	}
	nnz := 0
	sum, sumsq := 0.0, 0.0
	for _, v := range vals {
		sum += v
		sumsq += v * v
		if v > 0 {
			nnz++
		}
	}
	nf := float64(n)
	mean = sum / nf
	pct = float64(nnz) / nf
	if n > 1 {
		variance = (sumsq/nf - mean*mean) * nf / (nf - 1)
	}
	return mean, variance, pct
}

func nonzero(vals []float64) []float64 {
	var out []float64
	for _, v := range vals {
		if v != 0 {
			out = append(out, v)
		}
	}
	return out
}

// giniForCluster scores how concentrated a feature's expression is in the
// cluster: Gini of the per-group mean vector (in-group vs out-group).
func giniForCluster(row []float64, inSet []bool) float64 {
	var inSum, outSum float64
	var nIn, nOut int
	for j, v := range row {
		if inSet[j] {
			inSum += v
			nIn++
		} else {
			outSum += v
			nOut++
		}
	}
	vals := make([]float64, 0, 2)
	if nIn > 0 {
		vals = append(vals, inSum/float64(nIn))
	}
	if nOut > 0 {
		vals = append(vals, outSum/float64(nOut))
	}
	return gini(vals)
}
