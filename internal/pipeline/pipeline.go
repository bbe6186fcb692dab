// Package pipeline sequences the spatial analysis stages over a dataset.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/spatx/spatx/internal/annotate"
	"github.com/spatx/spatx/internal/cluster"
	"github.com/spatx/spatx/internal/coexpr"
	"github.com/spatx/spatx/internal/config"
	"github.com/spatx/spatx/internal/dataset"
	"github.com/spatx/spatx/internal/domains"
	"github.com/spatx/spatx/internal/interact"
	"github.com/spatx/spatx/internal/markers"
	"github.com/spatx/spatx/internal/plot"
	"github.com/spatx/spatx/internal/preprocess"
	"github.com/spatx/spatx/internal/reduce"
	"github.com/spatx/spatx/internal/resultstore"
	"github.com/spatx/spatx/internal/spatgenes"
	"github.com/spatx/spatx/internal/spatial"
)

// SpatialGraphName is the dataset graph name for the spatial network every
// downstream spatial stage reads.
const SpatialGraphName = "spatial"

// Pipeline runs the analysis stages in their fixed order, stopping at the
// first failure. A nil store disables persistence; results then live only
// on the dataset.
type Pipeline struct {
	cfg      *config.Config
	store    *resultstore.Store
	renderer *plot.Renderer
	runID    string
}

// New creates a pipeline for the given configuration. store may be nil.
func New(cfg *config.Config, store *resultstore.Store) *Pipeline {
	return &Pipeline{
		cfg:   cfg,
		store: store,
		renderer: plot.NewRenderer(plot.Config{
			Width:           cfg.Render.Width,
			Height:          cfg.Render.Height,
			PointRadius:     cfg.Render.PointRadius,
			DefaultColormap: cfg.Render.DefaultColormap,
		}),
		runID: uuid.New().String(),
	}
}

// RunID returns the identifier assigned to this pipeline execution.
func (p *Pipeline) RunID() string { return p.runID }

// Run executes every stage and returns the analyzed dataset. The first
// stage error aborts the run; the partial state up to that stage is
// discarded by the caller.
func (p *Pipeline) Run(ctx context.Context) (*dataset.Dataset, error) {
	if p.store != nil {
		err := p.store.CreateRun(&resultstore.Run{
			ID:        p.runID,
			Name:      p.cfg.Run.Name,
			Status:    resultstore.RunStatusRunning,
			CreatedAt: time.Now(),
		})
		if err != nil {
			return nil, fmt.Errorf("recording run: %w", err)
		}
	}

	d, err := p.run(ctx)
	if p.store != nil {
		if err != nil {
			if serr := p.store.UpdateRunStatus(p.runID, resultstore.RunStatusFailed, err.Error()); serr != nil {
				log.Printf("Failed to record run failure: %v", serr)
			}
		} else if serr := p.store.UpdateRunStatus(p.runID, resultstore.RunStatusCompleted, ""); serr != nil {
			log.Printf("Failed to record run completion: %v", serr)
		}
	}
	return d, err
}

func (p *Pipeline) run(ctx context.Context) (*dataset.Dataset, error) {
	cfg := p.cfg

	log.Printf("Loading expression from %s", cfg.Data.ExpressionPath)
	d, err := dataset.Ingest(cfg.Data.ExpressionPath, cfg.Data.CoordinatesPath)
	if err != nil {
		return nil, fmt.Errorf("ingest: %w", err)
	}
	log.Printf("Loaded %d features x %d observations", d.NFeatures(), d.NObs())

	stages := []struct {
		name string
		fn   func(*dataset.Dataset) error
	}{
		{"filter", p.stageFilter},
		{"normalize", p.stageNormalize},
		{"statistics", func(d *dataset.Dataset) error { return preprocess.AddStatistics(d) }},
		{"hvf", p.stageHVF},
		{"pca", p.stagePCA},
		{"nn-graph", p.stageNNGraph},
		{"cluster", p.stageCluster},
		{"layout", p.stageLayout},
		{"markers", p.stageMarkers},
		{"annotate", p.stageAnnotate},
		{"spatial-grid", p.stageGrid},
		{"spatial-network", p.stageNetwork},
		{"spatial-genes", p.stageSpatialGenes},
		{"coexpression", p.stageCoexpression},
		{"hmrf", p.stageHMRF},
		{"proximity", p.stageProximity},
		{"interaction-features", p.stageICF},
		{"ligand-receptor", p.stageLR},
	}

	for _, st := range stages {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		start := time.Now()
		if err := st.fn(d); err != nil {
			return nil, fmt.Errorf("stage %s: %w", st.name, err)
		}
		log.Printf("Stage %-20s done in %v", st.name, time.Since(start).Round(time.Millisecond))
	}

	if err := d.CheckIntegrity(); err != nil {
		return nil, fmt.Errorf("integrity check: %w", err)
	}

	if p.store != nil {
		if err := p.persist(d); err != nil {
			return nil, fmt.Errorf("persisting results: %w", err)
		}
	}
	return d, nil
}

func (p *Pipeline) stageFilter(d *dataset.Dataset) error {
	before := fmt.Sprintf("%d x %d", d.NFeatures(), d.NObs())
	err := preprocess.Filter(d, preprocess.FilterParams{
		DetectionThreshold: p.cfg.Filter.DetectionThreshold,
		MinObsPerFeature:   p.cfg.Filter.MinObsPerFeature,
		MinFeaturesPerObs:  p.cfg.Filter.MinFeaturesPerObs,
	})
	if err != nil {
		return err
	}
	log.Printf("Filtered %s -> %d x %d", before, d.NFeatures(), d.NObs())
	if p.store != nil {
		if err := p.store.UpdateRunDimensions(p.runID, d.NFeatures(), d.NObs()); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) stageNormalize(d *dataset.Dataset) error {
	return preprocess.Normalize(d, preprocess.NormalizeParams{
		ScaleFactor: p.cfg.Normalize.ScaleFactor,
		LogBase:     p.cfg.Normalize.LogBase,
		Scale:       p.cfg.Normalize.Scale,
	})
}

func (p *Pipeline) stageHVF(d *dataset.Dataset) error {
	return reduce.HighlyVariable(d, reduce.HVGParams{
		NBins:         p.cfg.HVF.NBins,
		CovPercentile: p.cfg.HVF.CovPercentile,
		MinMeanExpr:   p.cfg.HVF.MinMeanExpr,
	})
}

func (p *Pipeline) stagePCA(d *dataset.Dataset) error {
	return reduce.PCA(d, reduce.PCAParams{
		FeatureColumn: "hvf",
		NComponents:   p.cfg.PCA.NComponents,
		Center:        p.cfg.PCA.Center,
		ScaleUnitVar:  p.cfg.PCA.ScaleUnitVar,
	})
}

func (p *Pipeline) stageNNGraph(d *dataset.Dataset) error {
	return cluster.NearestNeighborGraph(d, cluster.NNParams{
		Embedding: "pca",
		Dims:      p.cfg.Cluster.Dims,
		K:         p.cfg.Cluster.K,
		SharedNN:  p.cfg.Cluster.SharedNN,
		MinShared: p.cfg.Cluster.MinShared,
	})
}

func (p *Pipeline) stageCluster(d *dataset.Dataset) error {
	err := cluster.Louvain(d, cluster.LouvainParams{
		GraphName:      "nn",
		Resolution:     p.cfg.Cluster.Resolution,
		Seed:           p.cfg.Run.Seed,
		MetadataColumn: p.cfg.Cluster.Column,
	})
	if err != nil {
		return err
	}
	return p.saveCategoricalFigure(d, "spatial_clusters", p.cfg.Cluster.Column)
}

func (p *Pipeline) stageLayout(d *dataset.Dataset) error {
	err := reduce.Layout2D(d, reduce.LayoutParams{
		GraphName:  "nn",
		Iterations: p.cfg.Cluster.LayoutIter,
		Seed:       p.cfg.Run.Seed,
	})
	if err != nil {
		return err
	}
	if p.cfg.Output.SaveFigures {
		img, err := p.renderer.EmbeddingCategorical(d, "fdl", p.cfg.Cluster.Column)
		if err != nil {
			return err
		}
		return plot.Save(p.instructions(), "fdl_clusters", img)
	}
	return nil
}

func (p *Pipeline) stageMarkers(d *dataset.Dataset) error {
	_, err := markers.FindMarkers(d, markers.Params{
		ClusterColumn: p.cfg.Cluster.Column,
		MinPct:        p.cfg.Markers.MinPct,
		MinLog2FC:     p.cfg.Markers.MinLog2FC,
	})
	return err
}

func (p *Pipeline) stageAnnotate(d *dataset.Dataset) error {
	if len(p.cfg.Annotate.Labels) == 0 {
		return nil
	}
	err := annotate.Clusters(d, annotate.Params{
		ClusterColumn: p.cfg.Cluster.Column,
		Labels:        p.cfg.Annotate.Labels,
		OutColumn:     p.cfg.Annotate.OutColumn,
	})
	if err != nil {
		return err
	}
	return p.saveCategoricalFigure(d, "spatial_cell_types", p.cfg.Annotate.OutColumn)
}

func (p *Pipeline) stageGrid(d *dataset.Dataset) error {
	return spatial.MakeGrid(d, spatial.GridParams{
		StepX: p.cfg.Spatial.GridStepX,
		StepY: p.cfg.Spatial.GridStepY,
	})
}

func (p *Pipeline) stageNetwork(d *dataset.Dataset) error {
	return spatial.BuildNetwork(d, spatial.NetworkParams{
		Method:  spatial.NetworkMethod(p.cfg.Spatial.NetworkMethod),
		Name:    SpatialGraphName,
		K:       p.cfg.Spatial.NetworkK,
		Radius:  p.cfg.Spatial.NetworkRadius,
		MaxEdge: p.cfg.Spatial.MaxEdge,
	})
}

// topSpatialFeatures returns the highest ranked spatially coherent
// features found by the configured detection method, for downstream
// module and domain stages.
func (p *Pipeline) stageSpatialGenes(d *dataset.Dataset) error {
	switch p.cfg.SpatialGenes.Method {
	case "binspect":
		_, err := spatgenes.BinSpect(d, spatgenes.BinSpectParams{
			GraphName:    SpatialGraphName,
			Permutations: p.cfg.SpatialGenes.Permutations,
			Workers:      p.cfg.Run.Workers,
			Seed:         p.cfg.Run.Seed,
		})
		return err
	case "moran", "geary":
		_, err := spatgenes.Autocorrelation(d, spatgenes.AutocorrParams{
			GraphName: SpatialGraphName,
			Method:    spatgenes.AutocorrMethod(p.cfg.SpatialGenes.Method),
		})
		return err
	default:
		return fmt.Errorf("unknown spatial gene method %q", p.cfg.SpatialGenes.Method)
	}
}

func (p *Pipeline) topSpatialFeatures(d *dataset.Dataset) ([]string, error) {
	name := "binspect"
	if p.cfg.SpatialGenes.Method != "binspect" {
		name = "spatial_" + p.cfg.SpatialGenes.Method
	}
	table, err := d.Result(name)
	if err != nil {
		return nil, err
	}
	n := p.cfg.SpatialGenes.TopFeatures
	if n > len(table.Rows) {
		n = len(table.Rows)
	}
	feats := make([]string, 0, n)
	for _, row := range table.Rows[:n] {
		feats = append(feats, row[0].(string))
	}
	return feats, nil
}

func (p *Pipeline) stageCoexpression(d *dataset.Dataset) error {
	feats, err := p.topSpatialFeatures(d)
	if err != nil {
		return err
	}
	mods, err := coexpr.Modules(d, coexpr.Params{
		GraphName: SpatialGraphName,
		Features:  feats,
		NModules:  p.cfg.Coexpression.NModules,
	})
	if err != nil {
		return err
	}
	if p.cfg.Output.SaveFigures {
		for _, m := range mods {
			col := fmt.Sprintf("metagene_%d", m.ID)
			scores, err := d.ObsMeta().Floats(col)
			if err != nil {
				return err
			}
			img, err := p.renderer.SpatialContinuous(d, scores, "")
			if err != nil {
				return err
			}
			if err := plot.Save(p.instructions(), col, img); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Pipeline) stageHMRF(d *dataset.Dataset) error {
	feats, err := p.topSpatialFeatures(d)
	if err != nil {
		return err
	}
	err = domains.HMRF(d, domains.HMRFParams{
		GraphName: SpatialGraphName,
		Features:  feats,
		K:         p.cfg.HMRF.K,
		Beta:      p.cfg.HMRF.Beta,
		MaxIter:   p.cfg.HMRF.MaxIter,
		Seed:      p.cfg.Run.Seed,
	})
	if err != nil {
		return err
	}
	return p.saveCategoricalFigure(d, "spatial_domains", "hmrf_domain")
}

// interactionColumn prefers annotated cell types over raw cluster IDs.
func (p *Pipeline) interactionColumn(d *dataset.Dataset) string {
	if len(p.cfg.Annotate.Labels) > 0 && d.ObsMeta().HasColumn(p.cfg.Annotate.OutColumn) {
		return p.cfg.Annotate.OutColumn
	}
	return p.cfg.Cluster.Column
}

func (p *Pipeline) stageProximity(d *dataset.Dataset) error {
	_, err := interact.CellProximityEnrichment(d, interact.ProximityParams{
		GraphName:     SpatialGraphName,
		ClusterColumn: p.interactionColumn(d),
		Permutations:  p.cfg.Interactions.Permutations,
		Workers:       p.cfg.Run.Workers,
		Seed:          p.cfg.Run.Seed,
	})
	return err
}

func (p *Pipeline) stageICF(d *dataset.Dataset) error {
	_, err := interact.InteractionChangedFeatures(d, interact.ICFParams{
		GraphName:     SpatialGraphName,
		ClusterColumn: p.interactionColumn(d),
		MinObs:        p.cfg.Interactions.MinObs,
		MinLog2FC:     p.cfg.Interactions.MinLog2FC,
	})
	return err
}

func (p *Pipeline) stageLR(d *dataset.Dataset) error {
	if p.cfg.Data.LRPairsPath == "" {
		return nil
	}
	pairs, err := interact.LoadPairs(p.cfg.Data.LRPairsPath)
	if err != nil {
		return fmt.Errorf("loading ligand-receptor pairs: %w", err)
	}
	_, err = interact.CommunicationScores(d, interact.CommParams{
		GraphName:     SpatialGraphName,
		ClusterColumn: p.interactionColumn(d),
		Pairs:         pairs,
		Permutations:  p.cfg.Interactions.Permutations,
		Seed:          p.cfg.Run.Seed,
		ResultName:    "lr",
	})
	return err
}

func (p *Pipeline) saveCategoricalFigure(d *dataset.Dataset, name, column string) error {
	if !p.cfg.Output.SaveFigures {
		return nil
	}
	img, err := p.renderer.SpatialCategorical(d, column)
	if err != nil {
		return err
	}
	return plot.Save(p.instructions(), name, img)
}

func (p *Pipeline) instructions() plot.Instructions {
	return plot.Instructions{
		OutputDir:   p.cfg.Output.Dir,
		SaveFigures: p.cfg.Output.SaveFigures,
	}
}

func (p *Pipeline) persist(d *dataset.Dataset) error {
	for _, name := range d.ResultNames() {
		table, err := d.Result(name)
		if err != nil {
			return err
		}
		if err := p.store.SaveTable(p.runID, table); err != nil {
			return fmt.Errorf("saving table %q: %w", name, err)
		}
	}
	return nil
}
