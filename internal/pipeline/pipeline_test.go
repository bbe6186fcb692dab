package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/spatx/spatx/internal/config"
	"github.com/spatx/spatx/internal/dataset"
	"github.com/spatx/spatx/internal/resultstore"
)

// writeInputs generates a 6-feature, 30-cell dataset on a 6x5 grid with
// two left/right and two top/bottom expression patterns plus two
// unstructured features, and writes it as expression and coordinate files.
func writeInputs(t *testing.T) (exprPath, coordPath string) {
	t.Helper()
	dir := t.TempDir()

	const nx, ny = 6, 5
	no := nx * ny
	ids := make([]string, no)
	xs := make([]float64, no)
	ys := make([]float64, no)
	for j := 0; j < no; j++ {
		ids[j] = fmt.Sprintf("cell_%02d", j)
		xs[j] = float64(j%nx) * 100
		ys[j] = float64(j/nx) * 100
	}

	pattern := func(j int, on bool) float64 {
		v := 1.0
		if on {
			v = 8.0
		}
		return v + float64(j%3)*0.3
	}
	rows := map[string][]float64{}
	feats := []string{"left", "right", "top", "bottom", "ramp", "mix"}
	for _, f := range feats {
		rows[f] = make([]float64, no)
	}
	for j := 0; j < no; j++ {
		rows["left"][j] = pattern(j, xs[j] < 300)
		rows["right"][j] = pattern(j, xs[j] >= 300)
		rows["top"][j] = pattern(j, ys[j] < 200)
		rows["bottom"][j] = pattern(j, ys[j] >= 200)
		rows["ramp"][j] = 3 + float64(j%5)*0.5
		rows["mix"][j] = 2 + float64((j*7)%11)*0.2
	}

	var expr strings.Builder
	expr.WriteString(strings.Join(ids, "\t"))
	expr.WriteByte('\n')
	for _, f := range feats {
		expr.WriteString(f)
		for _, v := range rows[f] {
			fmt.Fprintf(&expr, "\t%g", v)
		}
		expr.WriteByte('\n')
	}
	exprPath = filepath.Join(dir, "expression.tsv")
	if err := os.WriteFile(exprPath, []byte(expr.String()), 0o644); err != nil {
		t.Fatalf("writing expression: %v", err)
	}

	var coord strings.Builder
	coord.WriteString("cell_ID\tsdimx\tsdimy\n")
	for j, id := range ids {
		fmt.Fprintf(&coord, "%s\t%g\t%g\n", id, xs[j], ys[j])
	}
	coordPath = filepath.Join(dir, "coordinates.tsv")
	if err := os.WriteFile(coordPath, []byte(coord.String()), 0o644); err != nil {
		t.Fatalf("writing coordinates: %v", err)
	}
	return exprPath, coordPath
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	exprPath, coordPath := writeInputs(t)
	cfg := config.DefaultConfig()
	cfg.Run.Name = "pipeline-test"
	cfg.Run.Seed = 1234
	cfg.Run.Workers = 2
	cfg.Data.ExpressionPath = exprPath
	cfg.Data.CoordinatesPath = coordPath
	cfg.Output.SaveFigures = false
	cfg.Filter.DetectionThreshold = 0.5
	cfg.Filter.MinObsPerFeature = 1
	cfg.Filter.MinFeaturesPerObs = 1
	cfg.Normalize.ScaleFactor = 1000
	cfg.Normalize.LogBase = 2
	cfg.Normalize.Scale = true
	cfg.HVF.NBins = 2
	cfg.HVF.CovPercentile = 50
	cfg.HVF.MinMeanExpr = 0
	cfg.PCA.NComponents = 3
	cfg.Cluster.K = 5
	cfg.Cluster.Dims = 3
	cfg.Cluster.SharedNN = false
	cfg.Cluster.Resolution = 1
	cfg.Cluster.LayoutIter = 20
	cfg.Spatial.GridStepX = 150
	cfg.Spatial.GridStepY = 150
	cfg.Spatial.NetworkMethod = "knn"
	cfg.Spatial.NetworkK = 3
	cfg.SpatialGenes.Method = "binspect"
	cfg.SpatialGenes.Permutations = 20
	cfg.SpatialGenes.TopFeatures = 6
	cfg.Markers.MinPct = 0.1
	cfg.Markers.MinLog2FC = 0.1
	cfg.Coexpression.NModules = 2
	cfg.HMRF.K = 2
	cfg.HMRF.Beta = 1
	cfg.HMRF.MaxIter = 10
	cfg.Interactions.Permutations = 20
	cfg.Interactions.MinObs = 2
	cfg.Interactions.MinLog2FC = 0.1
	return cfg
}

func TestPipeline_EndToEnd(t *testing.T) {
	cfg := testConfig(t)
	store, err := resultstore.NewStore(filepath.Join(t.TempDir(), "spatx.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()

	p := New(cfg, store)
	d, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, layer := range []string{dataset.LayerRaw, dataset.LayerNormalized, dataset.LayerScaled} {
		if !d.HasLayer(layer) {
			t.Fatalf("missing layer %q", layer)
		}
	}
	for _, col := range []string{"leiden_clus", "grid_bin", "hmrf_domain"} {
		if !d.ObsMeta().HasColumn(col) {
			t.Fatalf("missing observation column %q", col)
		}
	}
	if _, err := d.SpatialGraph(SpatialGraphName); err != nil {
		t.Fatalf("spatial network: %v", err)
	}
	for _, name := range []string{"markers", "binspect", "coexpression", "cell_proximity", "icf"} {
		if _, err := d.Result(name); err != nil {
			t.Fatalf("result %q: %v", name, err)
		}
	}

	run, err := store.GetRun(p.RunID())
	if err != nil || run == nil {
		t.Fatalf("GetRun: %v, %v", run, err)
	}
	if run.Status != resultstore.RunStatusCompleted {
		t.Fatalf("run status = %q, want completed", run.Status)
	}
	if run.NFeatures != 6 || run.NObs != 30 {
		t.Fatalf("run dimensions %d x %d, want 6 x 30", run.NFeatures, run.NObs)
	}

	tables, err := store.ListTables(p.RunID())
	if err != nil {
		t.Fatalf("ListTables: %v", err)
	}
	if len(tables) == 0 {
		t.Fatal("no result tables persisted")
	}
	rowCount := 0
	for _, ti := range tables {
		if ti.Name == "binspect" {
			rowCount = ti.NRows
		}
	}
	if rowCount != 6 {
		t.Fatalf("binspect table has %d rows, want 6", rowCount)
	}
	rows, cols, total, err := store.QueryRows(p.RunID(), "binspect", 0, 10)
	if err != nil {
		t.Fatalf("QueryRows: %v", err)
	}
	if total != 6 || len(rows) != 6 || len(cols) != 5 {
		t.Fatalf("query returned %d/%d rows and %d columns", len(rows), total, len(cols))
	}
}

func TestPipeline_FixedSeedDeterminism(t *testing.T) {
	cfg := testConfig(t)
	run := func() *dataset.Dataset {
		d, err := New(cfg, nil).Run(context.Background())
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		return d
	}
	d1, d2 := run(), run()

	c1, _ := d1.ObsMeta().Strings("leiden_clus")
	c2, _ := d2.ObsMeta().Strings("leiden_clus")
	if !reflect.DeepEqual(c1, c2) {
		t.Fatal("cluster assignments differ between identically seeded runs")
	}

	g1, _ := d1.SpatialGraph(SpatialGraphName)
	g2, _ := d2.SpatialGraph(SpatialGraphName)
	if !reflect.DeepEqual(g1.UndirectedEdges(), g2.UndirectedEdges()) {
		t.Fatal("spatial network edge sets differ between identically seeded runs")
	}

	h1, _ := d1.ObsMeta().Strings("hmrf_domain")
	h2, _ := d2.ObsMeta().Strings("hmrf_domain")
	if !reflect.DeepEqual(h1, h2) {
		t.Fatal("domain assignments differ between identically seeded runs")
	}
}

func TestPipeline_StageFailureRecorded(t *testing.T) {
	cfg := testConfig(t)
	cfg.SpatialGenes.Method = "bogus"
	store, err := resultstore.NewStore(filepath.Join(t.TempDir(), "spatx.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()

	p := New(cfg, store)
	if _, err := p.Run(context.Background()); err == nil {
		t.Fatal("expected stage error")
	} else if !strings.Contains(err.Error(), "stage spatial-genes") {
		t.Fatalf("err = %v, want spatial-genes stage failure", err)
	}

	run, err := store.GetRun(p.RunID())
	if err != nil || run == nil {
		t.Fatalf("GetRun: %v, %v", run, err)
	}
	if run.Status != resultstore.RunStatusFailed {
		t.Fatalf("run status = %q, want failed", run.Status)
	}
	if run.Error == "" {
		t.Fatal("run error message not recorded")
	}
}

func TestPipeline_ContextCancelled(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(cfg, nil).Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
