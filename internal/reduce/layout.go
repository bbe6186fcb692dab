package reduce

import (
	"math"
	"math/rand"

	"github.com/spatx/spatx/internal/dataset"
)

// LayoutParams controls the seeded force-directed 2-D visualization layout
// computed over the expression nearest-neighbor graph. It fills the role a
// UMAP/t-SNE embedding plays in the conceptual pipeline.
type LayoutParams struct {
	GraphName     string // expression kNN graph to lay out
	Iterations    int
	Seed          int64
	EmbeddingName string // defaults to "fdl"
}

// Layout2D computes a Fruchterman-Reingold layout of the named graph and
// stores it as a 2-D embedding. With a fixed seed the result is
// deterministic.
func Layout2D(d *dataset.Dataset, p LayoutParams) error {
	g, err := d.Graph(p.GraphName)
	if err != nil {
		return err
	}
	iters := p.Iterations
	if iters <= 0 {
		iters = 200
	}

	n := g.NumNodes()
	rng := rand.New(rand.NewSource(p.Seed))
	posX := make([]float64, n)
	posY := make([]float64, n)
	side := math.Sqrt(float64(n))
	for i := 0; i < n; i++ {
		posX[i] = rng.Float64() * side
		posY[i] = rng.Float64() * side
	}

	edges := g.UndirectedEdges()
	area := side * side
	k := math.Sqrt(area / float64(n))
	temp := side / 10

	dispX := make([]float64, n)
	dispY := make([]float64, n)
	for it := 0; it < iters; it++ {
		for i := range dispX {
			dispX[i], dispY[i] = 0, 0
		}

		// Repulsion between all pairs.
		for i := 0; i < n; i++ {
			for j := i + 1; j < n; j++ {
				dx := posX[i] - posX[j]
				dy := posY[i] - posY[j]
				dist := math.Hypot(dx, dy)
				if dist < 1e-9 {
					dist = 1e-9
					dx, dy = 1e-9, 0
				}
				f := k * k / dist
				ux, uy := dx/dist, dy/dist
				dispX[i] += ux * f
				dispY[i] += uy * f
				dispX[j] -= ux * f
				dispY[j] -= uy * f
			}
		}

		// Attraction along edges, weighted.
		for _, e := range edges {
			dx := posX[e.From] - posX[e.To]
			dy := posY[e.From] - posY[e.To]
			dist := math.Hypot(dx, dy)
			if dist < 1e-9 {
				continue
			}
			f := dist * dist / k * e.Weight
			ux, uy := dx/dist, dy/dist
			dispX[e.From] -= ux * f
			dispY[e.From] -= uy * f
			dispX[e.To] += ux * f
			dispY[e.To] += uy * f
		}

		for i := 0; i < n; i++ {
			dist := math.Hypot(dispX[i], dispY[i])
			if dist < 1e-9 {
				continue
			}
			step := math.Min(dist, temp)
			posX[i] += dispX[i] / dist * step
			posY[i] += dispY[i] / dist * step
		}
		temp *= 0.97
	}

	coords := make([][]float64, n)
	for i := 0; i < n; i++ {
		coords[i] = []float64{posX[i], posY[i]}
	}

	name := p.EmbeddingName
	if name == "" {
		name = "fdl"
	}
	return d.SetEmbedding(name, &dataset.Embedding{Method: "fdl", Coords: coords})
}
