package dataset

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Matrix is a dense feature-by-observation expression matrix with name
// indices on both axes. Rows are features, columns are observations.
type Matrix struct {
	data    *mat.Dense
	featIDs []string
	obsIDs  []string
	featIdx map[string]int
	obsIdx  map[string]int
}

// NewMatrix creates a matrix from row-major values (len = features*obs).
func NewMatrix(featIDs, obsIDs []string, values []float64) (*Matrix, error) {
	nf, no := len(featIDs), len(obsIDs)
	if nf == 0 || no == 0 {
		return nil, fmt.Errorf("empty matrix: %d features x %d observations", nf, no)
	}
	if len(values) != nf*no {
		return nil, fmt.Errorf("value count %d does not match %dx%d", len(values), nf, no)
	}
	m := &Matrix{
		data:    mat.NewDense(nf, no, values),
		featIDs: append([]string(nil), featIDs...),
		obsIDs:  append([]string(nil), obsIDs...),
		featIdx: make(map[string]int, nf),
		obsIdx:  make(map[string]int, no),
	}
	for i, f := range m.featIDs {
		if _, dup := m.featIdx[f]; dup {
			return nil, fmt.Errorf("duplicate feature ID: %s", f)
		}
		m.featIdx[f] = i
	}
	for j, o := range m.obsIDs {
		if _, dup := m.obsIdx[o]; dup {
			return nil, fmt.Errorf("duplicate observation ID: %s", o)
		}
		m.obsIdx[o] = j
	}
	return m, nil
}

// NFeatures returns the feature (row) count.
func (m *Matrix) NFeatures() int { return len(m.featIDs) }

// NObs returns the observation (column) count.
func (m *Matrix) NObs() int { return len(m.obsIDs) }

// FeatureIDs returns the ordered feature IDs.
func (m *Matrix) FeatureIDs() []string { return m.featIDs }

// ObsIDs returns the ordered observation IDs.
func (m *Matrix) ObsIDs() []string { return m.obsIDs }

// At returns the value at (feature row i, observation column j).
func (m *Matrix) At(i, j int) float64 { return m.data.At(i, j) }

// Set sets the value at (i, j).
func (m *Matrix) Set(i, j int, v float64) { m.data.Set(i, j, v) }

// FeatureIndex returns the row index of a feature ID.
func (m *Matrix) FeatureIndex(id string) (int, bool) {
	i, ok := m.featIdx[id]
	return i, ok
}

// ObsIndex returns the column index of an observation ID.
func (m *Matrix) ObsIndex(id string) (int, bool) {
	j, ok := m.obsIdx[id]
	return j, ok
}

// FeatureRow returns a copy of the row for a feature ID.
func (m *Matrix) FeatureRow(id string) ([]float64, error) {
	i, ok := m.featIdx[id]
	if !ok {
		return nil, fmt.Errorf("feature not found: %s", id)
	}
	out := make([]float64, m.NObs())
	mat.Row(out, i, m.data)
	return out, nil
}

// ObsColumn returns a copy of the column for an observation ID.
func (m *Matrix) ObsColumn(id string) ([]float64, error) {
	j, ok := m.obsIdx[id]
	if !ok {
		return nil, fmt.Errorf("observation not found: %s", id)
	}
	out := make([]float64, m.NFeatures())
	mat.Col(out, j, m.data)
	return out, nil
}

// Row returns a copy of row i.
func (m *Matrix) Row(i int) []float64 {
	out := make([]float64, m.NObs())
	mat.Row(out, i, m.data)
	return out
}

// Col returns a copy of column j.
func (m *Matrix) Col(j int) []float64 {
	out := make([]float64, m.NFeatures())
	mat.Col(out, j, m.data)
	return out
}

// Dense exposes the underlying gonum matrix (shared, not copied).
func (m *Matrix) Dense() *mat.Dense { return m.data }

// Clone returns a deep copy.
func (m *Matrix) Clone() *Matrix {
	c, _ := NewMatrix(m.featIDs, m.obsIDs, copyValues(m))
	return c
}

func copyValues(m *Matrix) []float64 {
	nf, no := m.NFeatures(), m.NObs()
	out := make([]float64, nf*no)
	for i := 0; i < nf; i++ {
		for j := 0; j < no; j++ {
			out[i*no+j] = m.data.At(i, j)
		}
	}
	return out
}

// Subset returns a new matrix restricted to the given feature and
// observation IDs, in the given order. Unknown IDs produce an error.
func (m *Matrix) Subset(featIDs, obsIDs []string) (*Matrix, error) {
	if featIDs == nil {
		featIDs = m.featIDs
	}
	if obsIDs == nil {
		obsIDs = m.obsIDs
	}
	values := make([]float64, 0, len(featIDs)*len(obsIDs))
	for _, f := range featIDs {
		fi, ok := m.featIdx[f]
		if !ok {
			return nil, fmt.Errorf("feature not found: %s", f)
		}
		for _, o := range obsIDs {
			oj, ok := m.obsIdx[o]
			if !ok {
				return nil, fmt.Errorf("observation not found: %s", o)
			}
			values = append(values, m.data.At(fi, oj))
		}
	}
	return NewMatrix(featIDs, obsIDs, values)
}

// Apply returns a new matrix with fn applied to every value.
func (m *Matrix) Apply(fn func(v float64) float64) *Matrix {
	nf, no := m.NFeatures(), m.NObs()
	values := make([]float64, nf*no)
	for i := 0; i < nf; i++ {
		for j := 0; j < no; j++ {
			values[i*no+j] = fn(m.data.At(i, j))
		}
	}
	out, _ := NewMatrix(m.featIDs, m.obsIDs, values)
	return out
}
