// Package dataset holds the accreting analysis object for one tissue
// sample: expression layers, spatial coordinates, embeddings, graphs,
// metadata tables and immutable result tables.
package dataset

import (
	"errors"
	"fmt"
	"sort"

	"github.com/spatx/spatx/internal/graph"
)

// Well-known layer names.
const (
	LayerRaw        = "raw"
	LayerNormalized = "normalized"
	LayerScaled     = "scaled"
)

// ErrMissingAttribute marks a request for an attribute that no upstream
// stage has created yet (a configuration error, not a computation failure).
var ErrMissingAttribute = errors.New("required attribute not present")

// GraphKind distinguishes expression-similarity graphs from spatial ones.
type GraphKind int

const (
	GraphExpression GraphKind = iota
	GraphSpatial
)

type namedGraph struct {
	kind GraphKind
	g    *graph.Graph
}

// Embedding is a named low-dimensional projection of the observations,
// row-aligned to the dataset observation order.
type Embedding struct {
	Method       string
	Coords       [][]float64
	VarExplained []float64
}

// Table is an immutable result table produced by an analysis stage.
type Table struct {
	Name    string
	Columns []string
	Rows    [][]any
}

// AddRow appends a row; it must match the column count.
func (t *Table) AddRow(vals ...any) {
	t.Rows = append(t.Rows, vals)
}

// Dataset is the analysis object. It is created at ingestion and accretes
// named attributes as stages run; only filtering narrows the identifier
// sets, and that cascades through every aligned attribute.
type Dataset struct {
	featIDs []string
	obsIDs  []string

	layers     map[string]*Matrix
	layerOrder []string

	coords    []graph.Point
	coordDims int

	embeddings map[string]*Embedding
	graphs     map[string]namedGraph
	graphOrder []string

	obsMeta  *MetaTable
	featMeta *MetaTable

	results map[string]*Table
}

// New creates a dataset from a raw expression matrix and per-observation
// coordinates (aligned to the matrix observation order).
func New(raw *Matrix, coords []graph.Point, coordDims int) (*Dataset, error) {
	if raw == nil {
		return nil, fmt.Errorf("raw expression matrix is required")
	}
	if len(coords) != raw.NObs() {
		return nil, fmt.Errorf("coordinate count %d does not match %d observations", len(coords), raw.NObs())
	}
	if coordDims != 2 && coordDims != 3 {
		return nil, fmt.Errorf("coordinates must be 2-D or 3-D, got %d", coordDims)
	}
	d := &Dataset{
		featIDs:    append([]string(nil), raw.FeatureIDs()...),
		obsIDs:     append([]string(nil), raw.ObsIDs()...),
		layers:     map[string]*Matrix{LayerRaw: raw},
		layerOrder: []string{LayerRaw},
		coords:     append([]graph.Point(nil), coords...),
		coordDims:  coordDims,
		embeddings: make(map[string]*Embedding),
		graphs:     make(map[string]namedGraph),
		results:    make(map[string]*Table),
	}
	d.obsMeta = NewMetaTable(d.obsIDs)
	d.featMeta = NewMetaTable(d.featIDs)
	return d, nil
}

// FeatureIDs returns the current ordered feature identifiers.
func (d *Dataset) FeatureIDs() []string { return d.featIDs }

// ObsIDs returns the current ordered observation identifiers.
func (d *Dataset) ObsIDs() []string { return d.obsIDs }

// NFeatures returns the feature count.
func (d *Dataset) NFeatures() int { return len(d.featIDs) }

// NObs returns the observation count.
func (d *Dataset) NObs() int { return len(d.obsIDs) }

// Coords returns the spatial coordinates aligned to ObsIDs.
func (d *Dataset) Coords() []graph.Point { return d.coords }

// CoordDims returns 2 or 3.
func (d *Dataset) CoordDims() int { return d.coordDims }

// Layer returns a named expression layer.
func (d *Dataset) Layer(name string) (*Matrix, error) {
	m, ok := d.layers[name]
	if !ok {
		return nil, fmt.Errorf("expression layer %q: %w", name, ErrMissingAttribute)
	}
	return m, nil
}

// HasLayer reports whether a layer exists.
func (d *Dataset) HasLayer(name string) bool {
	_, ok := d.layers[name]
	return ok
}

// SetLayer attaches an expression layer. Its identifier sets must match the
// dataset exactly (same IDs in the same order).
func (d *Dataset) SetLayer(name string, m *Matrix) error {
	if err := sameIDs(d.featIDs, m.FeatureIDs()); err != nil {
		return fmt.Errorf("layer %q features: %w", name, err)
	}
	if err := sameIDs(d.obsIDs, m.ObsIDs()); err != nil {
		return fmt.Errorf("layer %q observations: %w", name, err)
	}
	if _, exists := d.layers[name]; !exists {
		d.layerOrder = append(d.layerOrder, name)
	}
	d.layers[name] = m
	return nil
}

// LayerNames returns layer names in creation order.
func (d *Dataset) LayerNames() []string { return d.layerOrder }

// Embedding returns a named embedding.
func (d *Dataset) Embedding(name string) (*Embedding, error) {
	e, ok := d.embeddings[name]
	if !ok {
		return nil, fmt.Errorf("embedding %q: %w", name, ErrMissingAttribute)
	}
	return e, nil
}

// SetEmbedding attaches an embedding; it must have one row per observation.
func (d *Dataset) SetEmbedding(name string, e *Embedding) error {
	if len(e.Coords) != len(d.obsIDs) {
		return fmt.Errorf("embedding %q has %d rows, dataset has %d observations", name, len(e.Coords), len(d.obsIDs))
	}
	d.embeddings[name] = e
	return nil
}

// Graph returns a named graph.
func (d *Dataset) Graph(name string) (*graph.Graph, error) {
	ng, ok := d.graphs[name]
	if !ok {
		return nil, fmt.Errorf("graph %q: %w", name, ErrMissingAttribute)
	}
	return ng.g, nil
}

// SpatialGraph returns a named graph, requiring it to be spatial.
func (d *Dataset) SpatialGraph(name string) (*graph.Graph, error) {
	ng, ok := d.graphs[name]
	if !ok || ng.kind != GraphSpatial {
		return nil, fmt.Errorf("spatial network %q: %w", name, ErrMissingAttribute)
	}
	return ng.g, nil
}

// SetGraph attaches a graph; its node set must equal the observation set.
func (d *Dataset) SetGraph(name string, kind GraphKind, g *graph.Graph) error {
	if err := sameIDs(d.obsIDs, g.Nodes()); err != nil {
		return fmt.Errorf("graph %q nodes: %w", name, err)
	}
	if _, exists := d.graphs[name]; !exists {
		d.graphOrder = append(d.graphOrder, name)
	}
	d.graphs[name] = namedGraph{kind: kind, g: g}
	return nil
}

// HasSpatialGraph reports whether any spatial network exists.
func (d *Dataset) HasSpatialGraph() bool {
	for _, ng := range d.graphs {
		if ng.kind == GraphSpatial {
			return true
		}
	}
	return false
}

// GraphNames returns graph names in creation order.
func (d *Dataset) GraphNames() []string { return d.graphOrder }

// ObsMeta returns the per-observation metadata table.
func (d *Dataset) ObsMeta() *MetaTable { return d.obsMeta }

// FeatMeta returns the per-feature metadata table.
func (d *Dataset) FeatMeta() *MetaTable { return d.featMeta }

// Result returns a named result table.
func (d *Dataset) Result(name string) (*Table, error) {
	t, ok := d.results[name]
	if !ok {
		return nil, fmt.Errorf("result table %q: %w", name, ErrMissingAttribute)
	}
	return t, nil
}

// SetResult attaches a result table. Results are produced once and never
// mutated; attaching under an existing name is an error.
func (d *Dataset) SetResult(t *Table) error {
	if t.Name == "" {
		return fmt.Errorf("result table needs a name")
	}
	if _, exists := d.results[t.Name]; exists {
		return fmt.Errorf("result table %q already exists", t.Name)
	}
	d.results[t.Name] = t
	return nil
}

// ResultNames returns the names of all attached result tables, sorted.
func (d *Dataset) ResultNames() []string {
	names := make([]string, 0, len(d.results))
	for n := range d.results {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ApplyFilter narrows the feature and observation sets to the given IDs
// (which must be subsets of the current sets, in current order). All layers,
// coordinates and metadata tables are subset accordingly. Graphs and
// embeddings computed over the old observation set are dropped, since they
// reference removed identifiers; filtering precedes them in the pipeline.
func (d *Dataset) ApplyFilter(keepFeats, keepObs []string) error {
	if len(keepFeats) == 0 || len(keepObs) == 0 {
		return fmt.Errorf("filter would remove all features or observations (%d features, %d observations kept)", len(keepFeats), len(keepObs))
	}

	obsRows := make([]int, len(keepObs))
	curObs := make(map[string]int, len(d.obsIDs))
	for i, id := range d.obsIDs {
		curObs[id] = i
	}
	for i, id := range keepObs {
		ri, ok := curObs[id]
		if !ok {
			return fmt.Errorf("filter keeps unknown observation: %s", id)
		}
		obsRows[i] = ri
	}
	curFeat := make(map[string]bool, len(d.featIDs))
	for _, id := range d.featIDs {
		curFeat[id] = true
	}
	for _, id := range keepFeats {
		if !curFeat[id] {
			return fmt.Errorf("filter keeps unknown feature: %s", id)
		}
	}

	newLayers := make(map[string]*Matrix, len(d.layers))
	for name, m := range d.layers {
		sub, err := m.Subset(keepFeats, keepObs)
		if err != nil {
			return fmt.Errorf("subsetting layer %q: %w", name, err)
		}
		newLayers[name] = sub
	}
	newCoords := make([]graph.Point, len(keepObs))
	for i, ri := range obsRows {
		newCoords[i] = d.coords[ri]
	}
	newObsMeta, err := d.obsMeta.subset(keepObs)
	if err != nil {
		return err
	}
	newFeatMeta, err := d.featMeta.subset(keepFeats)
	if err != nil {
		return err
	}

	d.featIDs = append([]string(nil), keepFeats...)
	d.obsIDs = append([]string(nil), keepObs...)
	d.layers = newLayers
	d.coords = newCoords
	d.obsMeta = newObsMeta
	d.featMeta = newFeatMeta
	d.embeddings = make(map[string]*Embedding)
	d.graphs = make(map[string]namedGraph)
	d.graphOrder = nil
	return nil
}

// CheckIntegrity verifies the referential invariants: every layer, graph,
// embedding and metadata table indexes exactly the current identifier sets.
func (d *Dataset) CheckIntegrity() error {
	for name, m := range d.layers {
		if err := sameIDs(d.featIDs, m.FeatureIDs()); err != nil {
			return fmt.Errorf("layer %q features: %w", name, err)
		}
		if err := sameIDs(d.obsIDs, m.ObsIDs()); err != nil {
			return fmt.Errorf("layer %q observations: %w", name, err)
		}
	}
	if len(d.coords) != len(d.obsIDs) {
		return fmt.Errorf("coordinate count %d != observation count %d", len(d.coords), len(d.obsIDs))
	}
	for name, ng := range d.graphs {
		if err := sameIDs(d.obsIDs, ng.g.Nodes()); err != nil {
			return fmt.Errorf("graph %q nodes: %w", name, err)
		}
	}
	for name, e := range d.embeddings {
		if len(e.Coords) != len(d.obsIDs) {
			return fmt.Errorf("embedding %q has %d rows, expected %d", name, len(e.Coords), len(d.obsIDs))
		}
	}
	if err := sameIDs(d.obsIDs, d.obsMeta.IDs()); err != nil {
		return fmt.Errorf("observation metadata: %w", err)
	}
	if err := sameIDs(d.featIDs, d.featMeta.IDs()); err != nil {
		return fmt.Errorf("feature metadata: %w", err)
	}
	return nil
}

func sameIDs(want, got []string) error {
	if len(want) != len(got) {
		return fmt.Errorf("identifier count mismatch: %d vs %d", len(want), len(got))
	}
	for i := range want {
		if want[i] != got[i] {
			return fmt.Errorf("identifier mismatch at %d: %q vs %q", i, want[i], got[i])
		}
	}
	return nil
}
