package spatial

import (
	"fmt"
	"reflect"
	"testing"

	"github.com/spatx/spatx/internal/dataset"
	"github.com/spatx/spatx/internal/graph"
)

func newCoordDataset(t *testing.T, pts []graph.Point) *dataset.Dataset {
	t.Helper()
	obs := make([]string, len(pts))
	vals := make([]float64, len(pts))
	for j := range obs {
		obs[j] = fmt.Sprintf("c%d", j)
		vals[j] = float64(j)
	}
	m, err := dataset.NewMatrix([]string{"f1"}, obs, vals)
	if err != nil {
		t.Fatalf("NewMatrix: %v", err)
	}
	d, err := dataset.New(m, pts, 2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d
}

func TestMakeGrid_BinLabels(t *testing.T) {
	pts := []graph.Point{
		{X: 100, Y: 100},
		{X: 149, Y: 100},
		{X: 150, Y: 100},
		{X: 100, Y: 260},
	}
	d := newCoordDataset(t, pts)
	if err := MakeGrid(d, GridParams{StepX: 50, StepY: 80}); err != nil {
		t.Fatalf("MakeGrid: %v", err)
	}
	got, err := d.ObsMeta().Strings("grid_bin")
	if err != nil {
		t.Fatalf("grid_bin column: %v", err)
	}
	want := []string{"0.0", "0.0", "1.0", "0.2"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("bins = %v, want %v", got, want)
	}
}

func TestMakeGrid_CustomColumn(t *testing.T) {
	d := newCoordDataset(t, []graph.Point{{}, {X: 10}})
	if err := MakeGrid(d, GridParams{StepX: 5, StepY: 5, MetadataColumn: "bin"}); err != nil {
		t.Fatalf("MakeGrid: %v", err)
	}
	if !d.ObsMeta().HasColumn("bin") {
		t.Fatal("expected bin column")
	}
}

func TestMakeGrid_BadStep(t *testing.T) {
	d := newCoordDataset(t, []graph.Point{{}, {X: 1}})
	if err := MakeGrid(d, GridParams{StepX: 0, StepY: 10}); err == nil {
		t.Fatal("expected error for zero step")
	}
}

func TestBuildNetwork_KNN(t *testing.T) {
	pts := []graph.Point{{X: 0}, {X: 1}, {X: 2}, {X: 10}}
	d := newCoordDataset(t, pts)
	err := BuildNetwork(d, NetworkParams{Method: MethodKNN, K: 2, Name: "spatial"})
	if err != nil {
		t.Fatalf("BuildNetwork: %v", err)
	}
	g, err := d.SpatialGraph("spatial")
	if err != nil {
		t.Fatalf("SpatialGraph: %v", err)
	}
	for i := 0; i < g.NumNodes(); i++ {
		if got := g.OutDegree(i); got != 2 {
			t.Fatalf("node %d out-degree %d, want 2", i, got)
		}
	}
}

func TestBuildNetwork_DistanceThreshold(t *testing.T) {
	pts := []graph.Point{{X: 0}, {X: 1}, {X: 5}}
	d := newCoordDataset(t, pts)
	err := BuildNetwork(d, NetworkParams{Method: MethodDistanceThreshold, Radius: 2, Name: "spatial"})
	if err != nil {
		t.Fatalf("BuildNetwork: %v", err)
	}
	g, _ := d.SpatialGraph("spatial")
	if !g.HasEdge(0, 1) {
		t.Fatal("expected edge between close cells")
	}
	if g.HasEdge(1, 2) || g.HasEdge(0, 2) {
		t.Fatal("unexpected edge beyond the radius")
	}
}

func TestBuildNetwork_DelaunayDefaultName(t *testing.T) {
	pts := []graph.Point{{X: 0, Y: 0}, {X: 1, Y: 0}, {X: 0, Y: 1}, {X: 1, Y: 1}}
	d := newCoordDataset(t, pts)
	if err := BuildNetwork(d, NetworkParams{Method: MethodDelaunay}); err != nil {
		t.Fatalf("BuildNetwork: %v", err)
	}
	g, err := d.SpatialGraph("delaunay")
	if err != nil {
		t.Fatalf("SpatialGraph: %v", err)
	}
	if g.NumEdges() == 0 {
		t.Fatal("expected triangulation edges")
	}
	if !d.HasSpatialGraph() {
		t.Fatal("dataset should report a spatial network")
	}
}

func TestBuildNetwork_UnknownMethod(t *testing.T) {
	d := newCoordDataset(t, []graph.Point{{}, {X: 1}})
	if err := BuildNetwork(d, NetworkParams{Method: "voronoi"}); err == nil {
		t.Fatal("expected error for unknown method")
	}
}
