package graph

import (
	"fmt"
	"math"
	"sort"
)

type triangle struct {
	a, b, c int
}

// Delaunay builds a spatial graph from the Delaunay triangulation of the
// points (2-D; Z is ignored). Edges longer than maxEdge are pruned when
// maxEdge > 0. Triangulation uses incremental Bowyer-Watson with a
// super-triangle enclosing all points.
func Delaunay(nodes []string, pts []Point, maxEdge float64) (*Graph, error) {
	if len(nodes) != len(pts) {
		return nil, fmt.Errorf("node/point count mismatch: %d vs %d", len(nodes), len(pts))
	}
	if len(pts) < 3 {
		return nil, fmt.Errorf("delaunay needs at least 3 points, got %d", len(pts))
	}

	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, p := range pts {
		minX = math.Min(minX, p.X)
		minY = math.Min(minY, p.Y)
		maxX = math.Max(maxX, p.X)
		maxY = math.Max(maxY, p.Y)
	}
	dx, dy := maxX-minX, maxY-minY
	dmax := math.Max(dx, dy)
	if dmax == 0 {
		return nil, fmt.Errorf("delaunay: all points coincide")
	}
	midX, midY := (minX+maxX)/2, (minY+maxY)/2

	// Super-triangle vertices appended after the real points.
	work := make([]Point, len(pts), len(pts)+3)
	copy(work, pts)
	s0 := len(pts)
	work = append(work,
		Point{X: midX - 20*dmax, Y: midY - dmax},
		Point{X: midX, Y: midY + 20*dmax},
		Point{X: midX + 20*dmax, Y: midY - dmax},
	)

	tris := []triangle{{s0, s0 + 1, s0 + 2}}

	for i := 0; i < len(pts); i++ {
		var bad []int
		for ti, t := range tris {
			if inCircumcircle(work[t.a], work[t.b], work[t.c], work[i]) {
				bad = append(bad, ti)
			}
		}

		// Boundary of the cavity: edges of bad triangles not shared by two
		// bad triangles.
		type uedge struct{ a, b int }
		edgeCount := make(map[uedge]int)
		for _, ti := range bad {
			t := tris[ti]
			for _, e := range [][2]int{{t.a, t.b}, {t.b, t.c}, {t.c, t.a}} {
				a, b := e[0], e[1]
				if a > b {
					a, b = b, a
				}
				edgeCount[uedge{a, b}]++
			}
		}

		for bi := len(bad) - 1; bi >= 0; bi-- {
			ti := bad[bi]
			tris[ti] = tris[len(tris)-1]
			tris = tris[:len(tris)-1]
		}

		boundary := make([]uedge, 0, len(edgeCount))
		for e, c := range edgeCount {
			if c == 1 {
				boundary = append(boundary, e)
			}
		}
		sort.Slice(boundary, func(x, y int) bool {
			if boundary[x].a != boundary[y].a {
				return boundary[x].a < boundary[y].a
			}
			return boundary[x].b < boundary[y].b
		})
		for _, e := range boundary {
			tris = append(tris, triangle{e.a, e.b, i})
		}
	}

	g := New(nodes)
	added := make(map[[2]int]bool)
	for _, t := range tris {
		for _, e := range [][2]int{{t.a, t.b}, {t.b, t.c}, {t.c, t.a}} {
			a, b := e[0], e[1]
			if a >= s0 || b >= s0 {
				continue // touches the super-triangle
			}
			if a > b {
				a, b = b, a
			}
			if added[[2]int{a, b}] {
				continue
			}
			d := pts[a].Dist(pts[b])
			if maxEdge > 0 && d > maxEdge {
				continue
			}
			added[[2]int{a, b}] = true
			g.AddUndirected(a, b, 1.0/(1.0+d))
		}
	}
	return g, nil
}

// inCircumcircle reports whether p lies inside the circumcircle of triangle
// (a, b, c), orientation-corrected.
func inCircumcircle(a, b, c, p Point) bool {
	ax, ay := a.X-p.X, a.Y-p.Y
	bx, by := b.X-p.X, b.Y-p.Y
	cx, cy := c.X-p.X, c.Y-p.Y

	det := (ax*ax+ay*ay)*(bx*cy-cx*by) -
		(bx*bx+by*by)*(ax*cy-cx*ay) +
		(cx*cx+cy*cy)*(ax*by-bx*ay)

	// Orientation of (a, b, c).
	orient := (b.X-a.X)*(c.Y-a.Y) - (c.X-a.X)*(b.Y-a.Y)
	if orient < 0 {
		return det < 0
	}
	return det > 0
}
