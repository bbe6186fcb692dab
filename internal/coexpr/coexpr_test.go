package coexpr

import (
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/spatx/spatx/internal/dataset"
	"github.com/spatx/spatx/internal/graph"
)

// newModuleDataset builds two anti-correlated feature pairs over a chain
// of six cells.
func newModuleDataset(t *testing.T, withNetwork bool) *dataset.Dataset {
	t.Helper()
	feats := []string{"a1", "a2", "b1", "b2"}
	obs := make([]string, 6)
	coords := make([]graph.Point, 6)
	for j := range obs {
		obs[j] = fmt.Sprintf("c%d", j)
		coords[j] = graph.Point{X: float64(j)}
	}
	vals := []float64{
		10, 10, 10, 0, 0, 0, // a1
		9, 9, 9, 1, 1, 1, // a2
		0, 0, 0, 10, 10, 10, // b1
		1, 1, 1, 9, 9, 9, // b2
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
	if withNetwork {
		g := graph.New(obs)
		for i := 0; i < 5; i++ {
			g.AddUndirected(i, i+1, 1)
		}
		if err := d.SetGraph("spatial", dataset.GraphSpatial, g); err != nil {
			t.Fatalf("SetGraph: %v", err)
		}
	}
	return d
}

func TestModules_GroupsCorrelatedFeatures(t *testing.T) {
	d := newModuleDataset(t, true)
	mods, err := Modules(d, Params{GraphName: "spatial", NModules: 2})
	if err != nil {
		t.Fatalf("Modules: %v", err)
	}
	if len(mods) != 2 {
		t.Fatalf("got %d modules, want 2", len(mods))
	}
	if !reflect.DeepEqual(mods[0].Features, []string{"a1", "a2"}) {
		t.Fatalf("module 0 = %v, want [a1 a2]", mods[0].Features)
	}
	if !reflect.DeepEqual(mods[1].Features, []string{"b1", "b2"}) {
		t.Fatalf("module 1 = %v, want [b1 b2]", mods[1].Features)
	}

	score, err := d.ObsMeta().Floats("metagene_0")
	if err != nil {
		t.Fatalf("metagene_0 column: %v", err)
	}
	if score[0] <= 0 || score[5] >= 0 {
		t.Fatalf("metagene_0 = %v, want high-then-low profile", score)
	}

	table, err := d.Result("coexpression")
	if err != nil {
		t.Fatalf("result table: %v", err)
	}
	if len(table.Rows) != 4 {
		t.Fatalf("table has %d rows, want 4", len(table.Rows))
	}
}

func TestModules_ExplicitFeatureList(t *testing.T) {
	d := newModuleDataset(t, true)
	mods, err := Modules(d, Params{GraphName: "spatial", NModules: 2, Features: []string{"a1", "b1"}})
	if err != nil {
		t.Fatalf("Modules: %v", err)
	}
	if len(mods) != 2 || len(mods[0].Features) != 1 || len(mods[1].Features) != 1 {
		t.Fatalf("modules = %+v, want two singletons", mods)
	}
}

func TestModules_FlaggedFeatureColumn(t *testing.T) {
	d := newModuleDataset(t, true)
	flags := []string{"yes", "no", "yes", "no"}
	if err := d.FeatMeta().SetStrings("spatgene", flags); err != nil {
		t.Fatalf("SetStrings: %v", err)
	}
	mods, err := Modules(d, Params{GraphName: "spatial", NModules: 2, FeatureColumn: "spatgene"})
	if err != nil {
		t.Fatalf("Modules: %v", err)
	}
	var got []string
	for _, mod := range mods {
		got = append(got, mod.Features...)
	}
	if !reflect.DeepEqual(got, []string{"a1", "b1"}) {
		t.Fatalf("clustered features = %v, want [a1 b1]", got)
	}
}

func TestModules_TooFewFeatures(t *testing.T) {
	d := newModuleDataset(t, true)
	if _, err := Modules(d, Params{GraphName: "spatial", NModules: 5}); err == nil {
		t.Fatal("expected error when modules exceed features")
	}
}

func TestModules_MissingNetworkIsConfigError(t *testing.T) {
	d := newModuleDataset(t, false)
	_, err := Modules(d, Params{GraphName: "spatial", NModules: 2})
	if !errors.Is(err, dataset.ErrMissingAttribute) {
		t.Fatalf("err = %v, want missing-attribute error", err)
	}
}

func TestRankVector(t *testing.T) {
	got := rankVector([]float64{3, 1, 1, 2})
	want := []float64{4, 1.5, 1.5, 3}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ranks = %v, want %v", got, want)
	}
}
