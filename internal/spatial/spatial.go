// Package spatial builds the spatial grid and spatial adjacency networks
// over physical coordinates.
package spatial

import (
	"fmt"
	"math"
	"strconv"

	"github.com/spatx/spatx/internal/dataset"
	"github.com/spatx/spatx/internal/graph"
)

// GridParams controls rectangular spatial binning.
type GridParams struct {
	StepX float64
	StepY float64
	// Column written to observation metadata; defaults to "grid_bin".
	MetadataColumn string
}

// MakeGrid assigns every observation to a rectangular spatial bin and
// writes "x.y" bin labels into observation metadata.
func MakeGrid(d *dataset.Dataset, p GridParams) error {
	if p.StepX <= 0 || p.StepY <= 0 {
		return fmt.Errorf("grid steps must be > 0, got (%g, %g)", p.StepX, p.StepY)
	}
	pts := d.Coords()
	minX, minY := math.Inf(1), math.Inf(1)
	for _, pt := range pts {
		minX = math.Min(minX, pt.X)
		minY = math.Min(minY, pt.Y)
	}

	labels := make([]string, len(pts))
	for i, pt := range pts {
		bx := int(math.Floor((pt.X - minX) / p.StepX))
		by := int(math.Floor((pt.Y - minY) / p.StepY))
		labels[i] = strconv.Itoa(bx) + "." + strconv.Itoa(by)
	}

	col := p.MetadataColumn
	if col == "" {
		col = "grid_bin"
	}
	return d.ObsMeta().SetStrings(col, labels)
}

// NetworkMethod selects the spatial network construction variant.
type NetworkMethod string

const (
	MethodDelaunay          NetworkMethod = "delaunay"
	MethodKNN               NetworkMethod = "knn"
	MethodDistanceThreshold NetworkMethod = "distance"
)

// NetworkParams controls spatial network construction.
type NetworkParams struct {
	Method  NetworkMethod
	Name    string  // graph name; defaults to the method name
	K       int     // kNN variant
	Radius  float64 // distance-threshold variant
	MaxEdge float64 // Delaunay variant: prune edges longer than this (0 = keep all)
}

// BuildNetwork builds a spatial adjacency graph over the observation
// coordinates and attaches it to the dataset.
func BuildNetwork(d *dataset.Dataset, p NetworkParams) error {
	pts := d.Coords()
	nodes := d.ObsIDs()

	var (
		g   *graph.Graph
		err error
	)
	switch p.Method {
	case MethodDelaunay:
		g, err = graph.Delaunay(nodes, pts, p.MaxEdge)
	case MethodKNN:
		g, err = graph.KNN(nodes, pts, p.K)
	case MethodDistanceThreshold:
		g, err = graph.DistanceThreshold(nodes, pts, p.Radius)
	default:
		return fmt.Errorf("unknown spatial network method: %q", p.Method)
	}
	if err != nil {
		return fmt.Errorf("building %s network: %w", p.Method, err)
	}

	name := p.Name
	if name == "" {
		name = string(p.Method)
	}
	return d.SetGraph(name, dataset.GraphSpatial, g)
}
