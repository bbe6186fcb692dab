package interact

import (
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/spatx/spatx/internal/dataset"
	"github.com/spatx/spatx/internal/graph"
)

// newTwoGroupChain builds twelve cells on a chain, the first six labeled A
// and the rest B, so same-group adjacency dominates.
func newTwoGroupChain(t *testing.T, withNetwork bool) *dataset.Dataset {
	t.Helper()
	obs := make([]string, 12)
	coords := make([]graph.Point, 12)
	labels := make([]string, 12)
	vals := make([]float64, 12)
	for j := range obs {
		obs[j] = fmt.Sprintf("c%d", j)
		coords[j] = graph.Point{X: float64(j)}
		if j < 6 {
			labels[j] = "A"
		} else {
			labels[j] = "B"
		}
	}
	m, err := dataset.NewMatrix([]string{"f1"}, obs, vals)
	if err != nil {
		t.Fatalf("NewMatrix: %v", err)
	}
	d, err := dataset.New(m, coords, 2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := d.ObsMeta().SetStrings("cell_types", labels); err != nil {
		t.Fatalf("SetStrings: %v", err)
	}
	if withNetwork {
		g := graph.New(obs)
		for i := 0; i < 11; i++ {
			g.AddUndirected(i, i+1, 1)
		}
		if err := d.SetGraph("spatial", dataset.GraphSpatial, g); err != nil {
			t.Fatalf("SetGraph: %v", err)
		}
	}
	return d
}

func TestCellProximityEnrichment(t *testing.T) {
	d := newTwoGroupChain(t, true)
	res, err := CellProximityEnrichment(d, ProximityParams{
		GraphName:     "spatial",
		ClusterColumn: "cell_types",
		Permutations:  200,
		Seed:          1234,
	})
	if err != nil {
		t.Fatalf("CellProximityEnrichment: %v", err)
	}

	byPair := make(map[[2]string]ProximityResult)
	for _, r := range res {
		byPair[[2]string{r.Group1, r.Group2}] = r
	}
	aa, ok := byPair[[2]string{"A", "A"}]
	if !ok {
		t.Fatalf("A-A pair missing from %v", res)
	}
	ab := byPair[[2]string{"A", "B"}]
	if aa.Observed != 5 || ab.Observed != 1 {
		t.Fatalf("observed A-A/A-B = %d/%d, want 5/1", aa.Observed, ab.Observed)
	}
	if aa.Enrichment <= ab.Enrichment {
		t.Fatalf("A-A enrichment %g not above A-B %g", aa.Enrichment, ab.Enrichment)
	}
	if ab.PLower > 0.2 {
		t.Fatalf("A-B depletion p = %g, want small", ab.PLower)
	}

	if _, err := d.Result("cell_proximity"); err != nil {
		t.Fatalf("result table: %v", err)
	}
}

func TestCellProximityEnrichment_WorkerCountInvariant(t *testing.T) {
	run := func(workers int) []ProximityResult {
		d := newTwoGroupChain(t, true)
		res, err := CellProximityEnrichment(d, ProximityParams{
			GraphName:     "spatial",
			ClusterColumn: "cell_types",
			Permutations:  100,
			Workers:       workers,
			Seed:          7,
		})
		if err != nil {
			t.Fatalf("CellProximityEnrichment: %v", err)
		}
		return res
	}
	if a, b := run(1), run(4); !reflect.DeepEqual(a, b) {
		t.Fatal("results depend on worker count")
	}
}

func TestCellProximityEnrichment_MissingNetworkIsConfigError(t *testing.T) {
	d := newTwoGroupChain(t, false)
	_, err := CellProximityEnrichment(d, ProximityParams{
		GraphName:     "spatial",
		ClusterColumn: "cell_types",
		Permutations:  10,
		Seed:          1,
	})
	if !errors.Is(err, dataset.ErrMissingAttribute) {
		t.Fatalf("err = %v, want missing-attribute error", err)
	}
}

func TestCellProximityEnrichment_BadPermutations(t *testing.T) {
	d := newTwoGroupChain(t, true)
	_, err := CellProximityEnrichment(d, ProximityParams{
		GraphName:     "spatial",
		ClusterColumn: "cell_types",
	})
	if err == nil {
		t.Fatal("expected error for zero permutations")
	}
}
