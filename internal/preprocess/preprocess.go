// Package preprocess implements the filtering, normalization and summary
// statistics stages over the raw expression layer.
package preprocess

import (
	"fmt"
	"math"

	"github.com/spatx/spatx/internal/dataset"
)

// FilterParams controls low-signal filtering. A feature is detected in an
// observation when its raw value is >= DetectionThreshold.
type FilterParams struct {
	DetectionThreshold float64 // value at or above which a feature counts as detected
	MinObsPerFeature   int     // feature kept when detected in at least this many observations
	MinFeaturesPerObs  int     // observation kept when at least this many features are detected
}

// Filter narrows the dataset to features and observations passing the
// detection thresholds. Features are evaluated against the full observation
// set first, then observations against the retained features, matching the
// combined-filter semantics of the original workflow. Applying the same
// thresholds twice retains the same sets as applying them once only when
// evaluated jointly; Filter therefore iterates until the retained sets are
// stable, which also makes it idempotent.
func Filter(d *dataset.Dataset, p FilterParams) error {
	raw, err := d.Layer(dataset.LayerRaw)
	if err != nil {
		return err
	}

	keepFeats := raw.FeatureIDs()
	keepObs := raw.ObsIDs()

	for {
		sub, err := raw.Subset(keepFeats, keepObs)
		if err != nil {
			return err
		}

		var nextFeats []string
		for i, f := range sub.FeatureIDs() {
			n := 0
			for j := 0; j < sub.NObs(); j++ {
				if sub.At(i, j) >= p.DetectionThreshold {
					n++
				}
			}
			if n >= p.MinObsPerFeature {
				nextFeats = append(nextFeats, f)
			}
		}
		if len(nextFeats) == 0 {
			return fmt.Errorf("filter removed every feature (threshold=%g, min_obs=%d)", p.DetectionThreshold, p.MinObsPerFeature)
		}

		featRows := make([]int, len(nextFeats))
		for i, f := range nextFeats {
			ri, _ := sub.FeatureIndex(f)
			featRows[i] = ri
		}
		var nextObs []string
		for j, o := range sub.ObsIDs() {
			n := 0
			for _, ri := range featRows {
				if sub.At(ri, j) >= p.DetectionThreshold {
					n++
				}
			}
			if n >= p.MinFeaturesPerObs {
				nextObs = append(nextObs, o)
			}
		}
		if len(nextObs) == 0 {
			return fmt.Errorf("filter removed every observation (threshold=%g, min_features=%d)", p.DetectionThreshold, p.MinFeaturesPerObs)
		}

		if len(nextFeats) == len(keepFeats) && len(nextObs) == len(keepObs) {
			keepFeats, keepObs = nextFeats, nextObs
			break
		}
		keepFeats, keepObs = nextFeats, nextObs
	}

	if len(keepFeats) == d.NFeatures() && len(keepObs) == d.NObs() {
		return nil // nothing to remove
	}
	return d.ApplyFilter(keepFeats, keepObs)
}

// NormalizeParams controls library-size normalization.
type NormalizeParams struct {
	ScaleFactor float64 // per-observation totals scaled to this value
	LogBase     float64 // base for log(x+1); 0 disables the log step
	Scale       bool    // additionally produce a z-scored "scaled" layer
}

// Normalize computes the "normalized" layer from "raw": each observation
// column scaled to a common total, then log-transformed. With Scale set, a
// feature-wise z-scored "scaled" layer is derived from the normalized one.
func Normalize(d *dataset.Dataset, p NormalizeParams) error {
	raw, err := d.Layer(dataset.LayerRaw)
	if err != nil {
		return err
	}
	if p.ScaleFactor <= 0 {
		return fmt.Errorf("scale factor must be > 0, got %g", p.ScaleFactor)
	}

	nf, no := raw.NFeatures(), raw.NObs()
	values := make([]float64, nf*no)
	for j := 0; j < no; j++ {
		total := 0.0
		for i := 0; i < nf; i++ {
			total += raw.At(i, j)
		}
		scale := 0.0
		if total > 0 {
			scale = p.ScaleFactor / total
		}
		for i := 0; i < nf; i++ {
			v := raw.At(i, j) * scale
			if p.LogBase > 0 {
				v = math.Log(v+1) / math.Log(p.LogBase)
			}
			values[i*no+j] = v
		}
	}
	norm, err := dataset.NewMatrix(raw.FeatureIDs(), raw.ObsIDs(), values)
	if err != nil {
		return err
	}
	if err := d.SetLayer(dataset.LayerNormalized, norm); err != nil {
		return err
	}

	if p.Scale {
		scaled := zScoreRows(norm)
		if err := d.SetLayer(dataset.LayerScaled, scaled); err != nil {
			return err
		}
	}
	return nil
}

// zScoreRows performs feature-wise z-scoring; constant features become 0.
func zScoreRows(m *dataset.Matrix) *dataset.Matrix {
	nf, no := m.NFeatures(), m.NObs()
	values := make([]float64, nf*no)
	for i := 0; i < nf; i++ {
		mean, sd := meanStd(m.Row(i))
		for j := 0; j < no; j++ {
			if sd > 0 {
				values[i*no+j] = (m.At(i, j) - mean) / sd
			}
		}
	}
	out, _ := dataset.NewMatrix(m.FeatureIDs(), m.ObsIDs(), values)
	return out
}

// AddStatistics writes per-feature detection counts and means and
// per-observation totals into the metadata tables. It reads the normalized
// layer when present, the raw layer otherwise.
func AddStatistics(d *dataset.Dataset) error {
	layer := dataset.LayerNormalized
	if !d.HasLayer(layer) {
		layer = dataset.LayerRaw
	}
	m, err := d.Layer(layer)
	if err != nil {
		return err
	}

	nf, no := m.NFeatures(), m.NObs()
	detected := make([]int, nf)
	featMean := make([]float64, nf)
	for i := 0; i < nf; i++ {
		sum := 0.0
		n := 0
		for j := 0; j < no; j++ {
			v := m.At(i, j)
			sum += v
			if v > 0 {
				n++
			}
		}
		detected[i] = n
		featMean[i] = sum / float64(no)
	}
	if err := d.FeatMeta().SetInts("nr_obs_detected", detected); err != nil {
		return err
	}
	if err := d.FeatMeta().SetFloats("mean_expr", featMean); err != nil {
		return err
	}

	obsTotal := make([]float64, no)
	obsDetected := make([]int, no)
	for j := 0; j < no; j++ {
		for i := 0; i < nf; i++ {
			v := m.At(i, j)
			obsTotal[j] += v
			if v > 0 {
				obsDetected[j]++
			}
		}
	}
	if err := d.ObsMeta().SetFloats("total_expr", obsTotal); err != nil {
		return err
	}
	return d.ObsMeta().SetInts("nr_feats_detected", obsDetected)
}

// AdjustExpression removes a categorical covariate from the normalized
// layer by group-wise mean-centering (plus the global mean), writing the
// result to a new layer.
func AdjustExpression(d *dataset.Dataset, covariateColumn, outLayer string) error {
	m, err := d.Layer(dataset.LayerNormalized)
	if err != nil {
		return err
	}
	groups, err := d.ObsMeta().Strings(covariateColumn)
	if err != nil {
		return fmt.Errorf("covariate column %q: %w", covariateColumn, err)
	}

	nf, no := m.NFeatures(), m.NObs()
	values := make([]float64, nf*no)
	for i := 0; i < nf; i++ {
		row := m.Row(i)
		global, _ := meanStd(row)

		sums := make(map[string]float64)
		counts := make(map[string]int)
		for j, g := range groups {
			sums[g] += row[j]
			counts[g]++
		}
		for j, g := range groups {
			groupMean := sums[g] / float64(counts[g])
			values[i*no+j] = row[j] - groupMean + global
		}
	}
	adj, err := dataset.NewMatrix(m.FeatureIDs(), m.ObsIDs(), values)
	if err != nil {
		return err
	}
	return d.SetLayer(outLayer, adj)
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
