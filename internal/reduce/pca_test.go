package reduce

import (
	"fmt"
	"math"
	"reflect"
	"testing"

	"github.com/spatx/spatx/internal/dataset"
	"github.com/spatx/spatx/internal/graph"
)

// newCorrelatedDataset builds 3 perfectly correlated features over 6
// observations, so the centered matrix has rank 1.
func newCorrelatedDataset(t *testing.T) *dataset.Dataset {
	t.Helper()
	feats := []string{"f1", "f2", "f3"}
	obs := make([]string, 6)
	coords := make([]graph.Point, 6)
	vals := make([]float64, 0, 18)
	for j := range obs {
		obs[j] = fmt.Sprintf("o%d", j)
		coords[j] = graph.Point{X: float64(j), Y: 0}
	}
	for _, scale := range []float64{1, 2, -1} {
		for j := 0; j < len(obs); j++ {
			vals = append(vals, scale*float64(j+1))
		}
	}
	m, err := dataset.NewMatrix(feats, obs, vals)
	if err != nil {
		t.Fatalf("NewMatrix: %v", err)
	}
	d, err := dataset.New(m, coords, 2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := d.SetLayer(dataset.LayerNormalized, m.Clone()); err != nil {
		t.Fatalf("SetLayer: %v", err)
	}
	return d
}

func TestPCA_ShapeAndVariance(t *testing.T) {
	d := newCorrelatedDataset(t)
	err := PCA(d, PCAParams{NComponents: 2, Center: true})
	if err != nil {
		t.Fatalf("PCA: %v", err)
	}
	e, err := d.Embedding("pca")
	if err != nil {
		t.Fatalf("embedding: %v", err)
	}
	if len(e.Coords) != 6 {
		t.Fatalf("got %d coordinate rows, want 6", len(e.Coords))
	}
	for i, row := range e.Coords {
		if len(row) != 2 {
			t.Fatalf("row %d has %d components, want 2", i, len(row))
		}
	}
	if len(e.VarExplained) != 2 {
		t.Fatalf("got %d variance fractions, want 2", len(e.VarExplained))
	}
	// Rank-1 input: the first component carries essentially all variance.
	if e.VarExplained[0] < 0.999 {
		t.Fatalf("first component explains %g, want ~1", e.VarExplained[0])
	}
	if e.VarExplained[1] > 1e-6 {
		t.Fatalf("second component explains %g, want ~0", e.VarExplained[1])
	}
}

func TestPCA_ComponentsClampedToRank(t *testing.T) {
	d := newCorrelatedDataset(t)
	if err := PCA(d, PCAParams{NComponents: 10, Center: true}); err != nil {
		t.Fatalf("PCA: %v", err)
	}
	e, _ := d.Embedding("pca")
	if len(e.Coords[0]) != 3 {
		t.Fatalf("got %d components, want 3 (min of dims)", len(e.Coords[0]))
	}
}

func TestPCA_HonorsFeatureSelection(t *testing.T) {
	d := newCorrelatedDataset(t)
	if err := d.FeatMeta().SetStrings("hvf", []string{"yes", "no", "no"}); err != nil {
		t.Fatalf("SetStrings: %v", err)
	}
	err := PCA(d, PCAParams{FeatureColumn: "hvf", NComponents: 5, Center: true})
	if err != nil {
		t.Fatalf("PCA: %v", err)
	}
	e, _ := d.Embedding("pca")
	if len(e.Coords[0]) != 1 {
		t.Fatalf("got %d components, want 1 (single selected feature)", len(e.Coords[0]))
	}
}

func TestPCA_Deterministic(t *testing.T) {
	run := func() *dataset.Embedding {
		d := newCorrelatedDataset(t)
		if err := PCA(d, PCAParams{NComponents: 2, Center: true, ScaleUnitVar: true}); err != nil {
			t.Fatalf("PCA: %v", err)
		}
		e, _ := d.Embedding("pca")
		return e
	}
	a, b := run(), run()
	if !reflect.DeepEqual(a.Coords, b.Coords) {
		t.Fatal("repeated runs produced different projections")
	}
}

func TestPCA_ScaleUnitVar(t *testing.T) {
	d := newCorrelatedDataset(t)
	if err := PCA(d, PCAParams{NComponents: 1, Center: true, ScaleUnitVar: true}); err != nil {
		t.Fatalf("PCA: %v", err)
	}
	e, _ := d.Embedding("pca")
	// Unit-scaled rank-1 data: total variance is nf*(no-1), all on PC1.
	sum := 0.0
	for _, row := range e.Coords {
		sum += row[0] * row[0]
	}
	if want := 3.0 * 5.0; math.Abs(sum-want) > 1e-9 {
		t.Fatalf("PC1 sum of squares = %g, want %g", sum, want)
	}
}

func TestPCA_BadComponents(t *testing.T) {
	d := newCorrelatedDataset(t)
	if err := PCA(d, PCAParams{NComponents: 0}); err == nil {
		t.Fatal("expected error for zero components")
	}
}

func TestPCA_MissingLayerIsConfigError(t *testing.T) {
	feats := []string{"f1"}
	obs := []string{"o1", "o2"}
	m, _ := dataset.NewMatrix(feats, obs, []float64{1, 2})
	d, _ := dataset.New(m, []graph.Point{{}, {X: 1}}, 2)
	err := PCA(d, PCAParams{NComponents: 1})
	if err == nil {
		t.Fatal("expected error without normalized layer")
	}
}
