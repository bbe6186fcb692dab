// Package plot renders analysis figures (spatial and embedding scatter
// plots) using fogleman/gg.
package plot

import (
	"bytes"
	"fmt"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fogleman/gg"

	"github.com/spatx/spatx/internal/dataset"
	"github.com/spatx/spatx/pkg/colormap"
)

// Config contains renderer configuration.
type Config struct {
	Width           int
	Height          int
	PointRadius     float64
	DefaultColormap string
}

// Instructions carries the figure-output surface every plotting stage
// consults: where figures go and whether they are written at all.
type Instructions struct {
	OutputDir   string
	SaveFigures bool
}

// Renderer renders scatter figures from dataset attributes.
type Renderer struct {
	config     Config
	bufferPool sync.Pool
}

// NewRenderer creates a renderer.
func NewRenderer(cfg Config) *Renderer {
	if cfg.Width <= 0 {
		cfg.Width = 800
	}
	if cfg.Height <= 0 {
		cfg.Height = 800
	}
	if cfg.PointRadius <= 0 {
		cfg.PointRadius = 3
	}
	if cfg.DefaultColormap == "" {
		cfg.DefaultColormap = "viridis"
	}
	return &Renderer{
		config: cfg,
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 64*1024))
			},
		},
	}
}

// SpatialCategorical renders the spatial coordinates colored by a
// categorical observation metadata column.
func (r *Renderer) SpatialCategorical(d *dataset.Dataset, column string) ([]byte, error) {
	labels, err := d.ObsMeta().Strings(column)
	if err != nil {
		return nil, fmt.Errorf("metadata column %q: %w", column, err)
	}
	xs, ys := spatialXY(d)
	return r.scatterCategorical(xs, ys, labels)
}

// SpatialContinuous renders the spatial coordinates colored by a
// continuous value per observation (expression or metagene score).
func (r *Renderer) SpatialContinuous(d *dataset.Dataset, values []float64, cmapName string) ([]byte, error) {
	if len(values) != d.NObs() {
		return nil, fmt.Errorf("value count %d does not match %d observations", len(values), d.NObs())
	}
	xs, ys := spatialXY(d)
	return r.scatterContinuous(xs, ys, values, cmapName)
}

// SpatialExpression renders a single feature's expression over space.
func (r *Renderer) SpatialExpression(d *dataset.Dataset, layer, feature, cmapName string) ([]byte, error) {
	m, err := d.Layer(layer)
	if err != nil {
		return nil, err
	}
	row, err := m.FeatureRow(feature)
	if err != nil {
		return nil, err
	}
	return r.SpatialContinuous(d, row, cmapName)
}

// EmbeddingCategorical renders a 2-D embedding colored by a categorical
// observation metadata column.
func (r *Renderer) EmbeddingCategorical(d *dataset.Dataset, embedding, column string) ([]byte, error) {
	emb, err := d.Embedding(embedding)
	if err != nil {
		return nil, err
	}
	labels, err := d.ObsMeta().Strings(column)
	if err != nil {
		return nil, fmt.Errorf("metadata column %q: %w", column, err)
	}
	xs, ys, err := embeddingXY(emb)
	if err != nil {
		return nil, err
	}
	return r.scatterCategorical(xs, ys, labels)
}

func (r *Renderer) scatterCategorical(xs, ys []float64, labels []string) ([]byte, error) {
	dc := gg.NewContext(r.config.Width, r.config.Height)
	dc.SetColor(color.White)
	dc.Clear()

	// Stable label -> color index mapping.
	uniq := make(map[string]bool)
	for _, l := range labels {
		uniq[l] = true
	}
	names := make([]string, 0, len(uniq))
	for l := range uniq {
		names = append(names, l)
	}
	sort.Strings(names)
	colorIdx := make(map[string]int, len(names))
	for i, l := range names {
		colorIdx[l] = i
	}

	px, py := r.project(xs, ys)
	cmap := colormap.Categorical
	for i := range xs {
		dc.SetColor(cmap.AtIndex(colorIdx[labels[i]]))
		dc.DrawCircle(px[i], py[i], r.config.PointRadius)
		dc.Fill()
	}
	return r.encode(dc)
}

func (r *Renderer) scatterContinuous(xs, ys, values []float64, cmapName string) ([]byte, error) {
	dc := gg.NewContext(r.config.Width, r.config.Height)
	dc.SetColor(color.White)
	dc.Clear()

	if cmapName == "" {
		cmapName = r.config.DefaultColormap
	}
	cmap := colormap.ByName(cmapName)

	minV, maxV := math.Inf(1), math.Inf(-1)
	for _, v := range values {
		minV = math.Min(minV, v)
		maxV = math.Max(maxV, v)
	}
	rangeV := maxV - minV
	if rangeV == 0 {
		rangeV = 1
	}

	px, py := r.project(xs, ys)
	for i := range xs {
		t := (values[i] - minV) / rangeV
		dc.SetColor(cmap.At(t))
		dc.DrawCircle(px[i], py[i], r.config.PointRadius)
		dc.Fill()
	}
	return r.encode(dc)
}

// project maps data coordinates into the canvas with a margin, flipping Y
// so larger values draw upward.
func (r *Renderer) project(xs, ys []float64) ([]float64, []float64) {
	minX, maxX := math.Inf(1), math.Inf(-1)
	minY, maxY := math.Inf(1), math.Inf(-1)
	for i := range xs {
		minX = math.Min(minX, xs[i])
		maxX = math.Max(maxX, xs[i])
		minY = math.Min(minY, ys[i])
		maxY = math.Max(maxY, ys[i])
	}
	rx, ry := maxX-minX, maxY-minY
	if rx == 0 {
		rx = 1
	}
	if ry == 0 {
		ry = 1
	}

	const margin = 0.05
	w := float64(r.config.Width)
	h := float64(r.config.Height)
	px := make([]float64, len(xs))
	py := make([]float64, len(ys))
	for i := range xs {
		px[i] = w*margin + (xs[i]-minX)/rx*w*(1-2*margin)
		py[i] = h - (h*margin + (ys[i]-minY)/ry*h*(1-2*margin))
	}
	return px, py
}

func (r *Renderer) encode(dc *gg.Context) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, dc.Image()); err != nil {
		return nil, err
	}
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}

// Save writes a rendered figure into the instruction output directory when
// saving is enabled; disabled instructions make it a no-op.
func Save(ins Instructions, name string, data []byte) error {
	if !ins.SaveFigures {
		return nil
	}
	if err := os.MkdirAll(ins.OutputDir, 0755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	path := filepath.Join(ins.OutputDir, name+".png")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing figure %s: %w", path, err)
	}
	return nil
}

func spatialXY(d *dataset.Dataset) ([]float64, []float64) {
	pts := d.Coords()
	xs := make([]float64, len(pts))
	ys := make([]float64, len(pts))
	for i, p := range pts {
		xs[i] = p.X
		ys[i] = p.Y
	}
	return xs, ys
}

func embeddingXY(emb *dataset.Embedding) ([]float64, []float64, error) {
	xs := make([]float64, len(emb.Coords))
	ys := make([]float64, len(emb.Coords))
	for i, row := range emb.Coords {
		if len(row) < 2 {
			return nil, nil, fmt.Errorf("embedding row %d has %d dims, need 2", i, len(row))
		}
		xs[i] = row[0]
		ys[i] = row[1]
	}
	return xs, ys, nil
}
