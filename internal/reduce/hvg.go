// Package reduce implements feature selection, PCA and 2-D visualization
// embeddings over the expression layers.
package reduce

import (
	"fmt"
	"math"
	"sort"

	"github.com/montanaflynn/stats"

	"github.com/spatx/spatx/internal/dataset"
)

// HVGParams controls highly-variable feature selection.
type HVGParams struct {
	Layer          string  // expression layer to evaluate, normally "normalized"
	NBins          int     // expression-mean bins for the CoV comparison
	CovPercentile  float64 // per-bin CoV percentile above which a feature is variable (0-100)
	MinMeanExpr    float64 // features below this mean are never flagged
	MetadataColumn string  // feature metadata column to write ("hvf" when empty)
}

// HighlyVariable flags highly-variable features: features are binned by
// mean expression and, within each bin, those whose coefficient of
// variation exceeds the bin's percentile cutoff are marked in the feature
// metadata as "yes"/"no".
func HighlyVariable(d *dataset.Dataset, p HVGParams) error {
	layer := p.Layer
	if layer == "" {
		layer = dataset.LayerNormalized
	}
	m, err := d.Layer(layer)
	if err != nil {
		return err
	}
	if p.NBins < 1 {
		return fmt.Errorf("nbins must be >= 1, got %d", p.NBins)
	}
	if p.CovPercentile <= 0 || p.CovPercentile >= 100 {
		return fmt.Errorf("cov percentile must be in (0, 100), got %g", p.CovPercentile)
	}

	nf := m.NFeatures()
	means := make([]float64, nf)
	covs := make([]float64, nf)
	for i := 0; i < nf; i++ {
		mean, sd := meanStd(m.Row(i))
		means[i] = mean
		if mean > 0 {
			covs[i] = sd / mean
		}
	}

	// Rank features by mean and cut into equal-occupancy bins.
	order := make([]int, nf)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		if means[order[a]] != means[order[b]] {
			return means[order[a]] < means[order[b]]
		}
		return order[a] < order[b]
	})

	flags := make([]string, nf)
	for i := range flags {
		flags[i] = "no"
	}
	binSize := (nf + p.NBins - 1) / p.NBins
	for start := 0; start < nf; start += binSize {
		end := start + binSize
		if end > nf {
			end = nf
		}
		binCovs := make([]float64, 0, end-start)
		for _, fi := range order[start:end] {
			binCovs = append(binCovs, covs[fi])
		}
		cutoff, err := stats.Percentile(stats.Float64Data(binCovs), p.CovPercentile)
		if err != nil {
			continue // degenerate bin (single feature)
		}
		for _, fi := range order[start:end] {
			if covs[fi] > cutoff && means[fi] >= p.MinMeanExpr {
				flags[fi] = "yes"
			}
		}
	}

	col := p.MetadataColumn
	if col == "" {
		col = "hvf"
	}
	if err := d.FeatMeta().SetFloats(col+"_cov", covs); err != nil {
		return err
	}
	return d.FeatMeta().SetStrings(col, flags)
}

// selectedFeatures returns the features flagged "yes" in the given
// metadata column, or all features when the column does not exist.
func selectedFeatures(d *dataset.Dataset, column string) []string {
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
