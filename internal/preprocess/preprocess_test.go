package preprocess

import (
	"fmt"
	"math"
	"reflect"
	"testing"

	"github.com/spatx/spatx/internal/dataset"
	"github.com/spatx/spatx/internal/graph"
)

// toyDataset builds a 10-feature x 20-observation matrix where filtering
// with threshold 1, min 3 observations per feature and min 2 features per
// observation retains exactly 8 features and 18 observations.
func toyDataset(t *testing.T) *dataset.Dataset {
	t.Helper()

	feats := make([]string, 10)
	for i := range feats {
		feats[i] = fmt.Sprintf("f%02d", i)
	}
	obs := make([]string, 20)
	pts := make([]graph.Point, 20)
	for j := range obs {
		obs[j] = fmt.Sprintf("o%02d", j)
		pts[j] = graph.Point{X: float64(j % 5), Y: float64(j / 5)}
	}

	values := make([]float64, 10*20)
	at := func(i, j int) *float64 { return &values[i*20+j] }
	// Features 0-7: detected in observations 0-17.
	for i := 0; i < 8; i++ {
		for j := 0; j < 18; j++ {
			*at(i, j) = 5
		}
	}
	// Observations 18 and 19 each detect a single feature.
	*at(0, 18) = 5
	*at(1, 19) = 5
	// Features 8 and 9: detected in only two observations.
	*at(8, 0) = 5
	*at(8, 1) = 5
	*at(9, 2) = 5
	*at(9, 3) = 5

	m, err := dataset.NewMatrix(feats, obs, values)
	if err != nil {
		t.Fatalf("failed to build matrix: %v", err)
	}
	d, err := dataset.New(m, pts, 2)
	if err != nil {
		t.Fatalf("failed to build dataset: %v", err)
	}
	return d
}

var toyFilter = FilterParams{
	DetectionThreshold: 1,
	MinObsPerFeature:   3,
	MinFeaturesPerObs:  2,
}

func TestFilter_ToyScenario(t *testing.T) {
	d := toyDataset(t)

	if err := Filter(d, toyFilter); err != nil {
		t.Fatalf("filter failed: %v", err)
	}
	if d.NFeatures() != 8 || d.NObs() != 18 {
		t.Fatalf("expected 8x18 after filter, got %dx%d", d.NFeatures(), d.NObs())
	}

	if err := Normalize(d, NormalizeParams{ScaleFactor: 6000, LogBase: 2}); err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	norm, err := d.Layer(dataset.LayerNormalized)
	if err != nil {
		t.Fatalf("normalized layer missing: %v", err)
	}
	if norm.NFeatures() != 8 || norm.NObs() != 18 {
		t.Fatalf("expected normalized layer 8x18, got %dx%d", norm.NFeatures(), norm.NObs())
	}
	if err := d.CheckIntegrity(); err != nil {
		t.Errorf("integrity check failed: %v", err)
	}
}

func TestFilter_Idempotent(t *testing.T) {
	d := toyDataset(t)

	if err := Filter(d, toyFilter); err != nil {
		t.Fatalf("first filter failed: %v", err)
	}
	feats := append([]string(nil), d.FeatureIDs()...)
	obs := append([]string(nil), d.ObsIDs()...)

	if err := Filter(d, toyFilter); err != nil {
		t.Fatalf("second filter failed: %v", err)
	}
	if !reflect.DeepEqual(feats, d.FeatureIDs()) {
		t.Errorf("feature set changed on refilter: %v vs %v", feats, d.FeatureIDs())
	}
	if !reflect.DeepEqual(obs, d.ObsIDs()) {
		t.Errorf("observation set changed on refilter: %v vs %v", obs, d.ObsIDs())
	}
}

func TestFilter_AllFeaturesRemoved(t *testing.T) {
	d := toyDataset(t)

	err := Filter(d, FilterParams{DetectionThreshold: 100, MinObsPerFeature: 1, MinFeaturesPerObs: 1})
	if err == nil {
		t.Fatal("expected error when every feature is removed")
	}
}

func TestNormalize_ColumnTotals(t *testing.T) {
	d := toyDataset(t)

	// Without the log step, each observation column must sum to the scale
	// factor.
	if err := Normalize(d, NormalizeParams{ScaleFactor: 100}); err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	norm, _ := d.Layer(dataset.LayerNormalized)
	for j := 0; j < norm.NObs(); j++ {
		total := 0.0
		for i := 0; i < norm.NFeatures(); i++ {
			total += norm.At(i, j)
		}
		if math.Abs(total-100) > 1e-9 {
			t.Fatalf("observation %d sums to %g, expected 100", j, total)
		}
	}
}

func TestNormalize_ScaledLayer(t *testing.T) {
	d := toyDataset(t)

	if err := Normalize(d, NormalizeParams{ScaleFactor: 100, LogBase: 2, Scale: true}); err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	scaled, err := d.Layer(dataset.LayerScaled)
	if err != nil {
		t.Fatalf("scaled layer missing: %v", err)
	}
	// Feature-wise z-scores have mean ~0.
	for i := 0; i < scaled.NFeatures(); i++ {
		mean := 0.0
		for j := 0; j < scaled.NObs(); j++ {
			mean += scaled.At(i, j)
		}
		mean /= float64(scaled.NObs())
		if math.Abs(mean) > 1e-9 {
			t.Fatalf("feature %d has z-score mean %g", i, mean)
		}
	}
}

func TestNormalize_BadScaleFactor(t *testing.T) {
	d := toyDataset(t)
	if err := Normalize(d, NormalizeParams{ScaleFactor: 0}); err == nil {
		t.Fatal("expected error for zero scale factor")
	}
}

func TestAddStatistics(t *testing.T) {
	d := toyDataset(t)

	if err := AddStatistics(d); err != nil {
		t.Fatalf("statistics failed: %v", err)
	}
	detected, err := d.FeatMeta().Ints("nr_obs_detected")
	if err != nil {
		t.Fatalf("feature column missing: %v", err)
	}
	// Feature 0 is detected in observations 0-17 plus 18.
	if detected[0] != 19 {
		t.Errorf("expected f00 detected in 19 observations, got %d", detected[0])
	}
	if detected[8] != 2 {
		t.Errorf("expected f08 detected in 2 observations, got %d", detected[8])
	}

	nFeats, err := d.ObsMeta().Ints("nr_feats_detected")
	if err != nil {
		t.Fatalf("observation column missing: %v", err)
	}
	if nFeats[18] != 1 {
		t.Errorf("expected o18 to detect 1 feature, got %d", nFeats[18])
	}
}

func TestAdjustExpression_RemovesGroupShift(t *testing.T) {
	feats := []string{"f1"}
	obs := []string{"o1", "o2", "o3", "o4"}
	m, err := dataset.NewMatrix(feats, obs, []float64{1, 2, 11, 12})
	if err != nil {
		t.Fatalf("failed to build matrix: %v", err)
	}
	pts := make([]graph.Point, 4)
	d, err := dataset.New(m, pts, 2)
	if err != nil {
		t.Fatalf("failed to build dataset: %v", err)
	}
	if err := d.SetLayer(dataset.LayerNormalized, m.Clone()); err != nil {
		t.Fatalf("failed to set layer: %v", err)
	}
	if err := d.ObsMeta().SetStrings("batch", []string{"a", "a", "b", "b"}); err != nil {
		t.Fatalf("failed to set covariate: %v", err)
	}

	if err := AdjustExpression(d, "batch", "adjusted"); err != nil {
		t.Fatalf("adjust failed: %v", err)
	}
	adj, _ := d.Layer("adjusted")
	// Group means (1.5 and 11.5) are replaced by the global mean 6.5, so
	// both groups center on the same value.
	if math.Abs(adj.At(0, 0)-6.0) > 1e-9 || math.Abs(adj.At(0, 2)-6.0) > 1e-9 {
		t.Fatalf("expected group shift removed, got %g and %g", adj.At(0, 0), adj.At(0, 2))
	}
}

func TestAdjustExpression_MissingCovariate(t *testing.T) {
	d := toyDataset(t)
	if err := Normalize(d, NormalizeParams{ScaleFactor: 100}); err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if err := AdjustExpression(d, "nope", "adjusted"); err == nil {
		t.Fatal("expected error for missing covariate column")
	}
}
