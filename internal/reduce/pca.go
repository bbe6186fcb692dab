package reduce

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/spatx/spatx/internal/dataset"
)

// PCAParams controls principal-component analysis.
type PCAParams struct {
	Layer         string // expression layer, normally "normalized"
	FeatureColumn string // feature metadata flag column selecting features ("hvf")
	NComponents   int
	Center        bool
	ScaleUnitVar  bool
	EmbeddingName string // defaults to "pca"
}

// PCA projects observations onto the top principal components of the
// selected features via thin SVD of the centered observation-by-feature
// matrix. The embedding stores per-component explained variance fractions.
func PCA(d *dataset.Dataset, p PCAParams) error {
	layer := p.Layer
	if layer == "" {
		layer = dataset.LayerNormalized
	}
	m, err := d.Layer(layer)
	if err != nil {
		return err
	}
	if p.NComponents < 1 {
		return fmt.Errorf("number of components must be >= 1, got %d", p.NComponents)
	}

	feats := selectedFeatures(d, p.FeatureColumn)
	sub, err := m.Subset(feats, nil)
	if err != nil {
		return err
	}

	no, nf := sub.NObs(), sub.NFeatures()
	ncomp := p.NComponents
	if max := minInt(no, nf); ncomp > max {
		ncomp = max
	}

	// Observation-by-feature matrix, centered (and optionally unit-scaled)
	// per feature.
	x := mat.NewDense(no, nf, nil)
	for i := 0; i < nf; i++ {
		row := sub.Row(i)
		mean, sd := 0.0, 1.0
		if p.Center || p.ScaleUnitVar {
			mean, sd = meanStd(row)
		}
		for j := 0; j < no; j++ {
			v := row[j]
			if p.Center {
				v -= mean
			}
			if p.ScaleUnitVar && sd > 0 {
				v /= sd
			}
			x.Set(j, i, v)
		}
	}

	var svd mat.SVD
	if ok := svd.Factorize(x, mat.SVDThin); !ok {
		return fmt.Errorf("svd failed to converge")
	}
	var u mat.Dense
	svd.UTo(&u)
	sv := svd.Values(nil)

	coords := make([][]float64, no)
	for j := 0; j < no; j++ {
		row := make([]float64, ncomp)
		for c := 0; c < ncomp; c++ {
			row[c] = u.At(j, c) * sv[c]
		}
		coords[j] = row
	}

	totalVar := 0.0
	for _, s := range sv {
		totalVar += s * s
	}
	explained := make([]float64, ncomp)
	for c := 0; c < ncomp; c++ {
		if totalVar > 0 {
			explained[c] = sv[c] * sv[c] / totalVar
		}
	}

	name := p.EmbeddingName
	if name == "" {
		name = "pca"
	}
	return d.SetEmbedding(name, &dataset.Embedding{
		Method:       "pca",
		Coords:       coords,
		VarExplained: explained,
	})
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
