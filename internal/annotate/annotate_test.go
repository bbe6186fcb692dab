package annotate

import (
	"reflect"
	"strings"
	"testing"

	"github.com/spatx/spatx/internal/dataset"
	"github.com/spatx/spatx/internal/graph"
)

func newClusteredDataset(t *testing.T) *dataset.Dataset {
	t.Helper()
	obs := []string{"o1", "o2", "o3", "o4"}
	m, err := dataset.NewMatrix([]string{"f1"}, obs, []float64{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("NewMatrix: %v", err)
	}
	coords := []graph.Point{{}, {X: 1}, {X: 2}, {X: 3}}
	d, err := dataset.New(m, coords, 2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := d.ObsMeta().SetStrings("leiden_clus", []string{"0", "1", "0", "2"}); err != nil {
		t.Fatalf("SetStrings: %v", err)
	}
	return d
}

func TestClusters_MapsLabels(t *testing.T) {
	d := newClusteredDataset(t)
	err := Clusters(d, Params{
		ClusterColumn: "leiden_clus",
		Labels:        map[string]string{"0": "excitatory", "1": "astrocyte"},
		OutColumn:     "cell_types",
	})
	if err != nil {
		t.Fatalf("Clusters: %v", err)
	}
	got, err := d.ObsMeta().Strings("cell_types")
	if err != nil {
		t.Fatalf("cell_types column: %v", err)
	}
	// Unmapped cluster 2 keeps its numeric ID.
	want := []string{"excitatory", "astrocyte", "excitatory", "2"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("labels = %v, want %v", got, want)
	}
}

func TestClusters_UnknownClusterRejected(t *testing.T) {
	d := newClusteredDataset(t)
	err := Clusters(d, Params{
		ClusterColumn: "leiden_clus",
		Labels:        map[string]string{"9": "ghost"},
		OutColumn:     "cell_types",
	})
	if err == nil || !strings.Contains(err.Error(), "unknown cluster") {
		t.Fatalf("err = %v, want unknown-cluster error", err)
	}
}

func TestClusters_RequiresOutColumn(t *testing.T) {
	d := newClusteredDataset(t)
	if err := Clusters(d, Params{ClusterColumn: "leiden_clus"}); err == nil {
		t.Fatal("expected error for empty output column")
	}
}

func TestClusters_MissingSourceColumn(t *testing.T) {
	d := newClusteredDataset(t)
	err := Clusters(d, Params{ClusterColumn: "nope", OutColumn: "cell_types"})
	if err == nil {
		t.Fatal("expected error for missing cluster column")
	}
}
