package cluster

import (
	"fmt"
	"math"
	"math/rand"
)

// KMeans runs seeded Lloyd's algorithm over row vectors and returns one
// cluster index per row. Initial centers are sampled without replacement
// from the data, so a fixed seed gives a fixed partition.
func KMeans(vecs [][]float64, k int, maxIter int, seed int64) ([]int, error) {
	n := len(vecs)
	if n == 0 {
		return nil, fmt.Errorf("kmeans: no input vectors")
	}
	if k < 1 || k > n {
		return nil, fmt.Errorf("kmeans: k=%d out of range for %d vectors", k, n)
	}
	if maxIter <= 0 {
		maxIter = 100
	}
	dims := len(vecs[0])

	rng := rand.New(rand.NewSource(seed))
	perm := rng.Perm(n)
	centers := make([][]float64, k)
	for c := 0; c < k; c++ {
		centers[c] = append([]float64(nil), vecs[perm[c]]...)
	}

	assign := make([]int, n)
	for iter := 0; iter < maxIter; iter++ {
		changed := false
		for i, v := range vecs {
			best, bestD := 0, math.Inf(1)
			for c := range centers {
				d := sqDist(v, centers[c])
				if d < bestD {
					bestD = d
					best = c
				}
			}
			if assign[i] != best {
				assign[i] = best
				changed = true
			}
		}
		if !changed && iter > 0 {
			break
		}

		counts := make([]int, k)
		sums := make([][]float64, k)
		for c := range sums {
			sums[c] = make([]float64, dims)
		}
		for i, v := range vecs {
			c := assign[i]
			counts[c]++
			for dimI := 0; dimI < dims && dimI < len(v); dimI++ {
				sums[c][dimI] += v[dimI]
			}
		}
		for c := 0; c < k; c++ {
			if counts[c] == 0 {
				// Re-seed an empty cluster deterministically.
				centers[c] = append([]float64(nil), vecs[perm[(c+iter)%n]]...)
				continue
			}
			for dimI := 0; dimI < dims; dimI++ {
				centers[c][dimI] = sums[c][dimI] / float64(counts[c])
			}
		}
	}
	return assign, nil
}

// KMeans1D clusters scalar values; a convenience wrapper used for feature
// binarization.
func KMeans1D(vals []float64, k int, maxIter int, seed int64) ([]int, error) {
	vecs := make([][]float64, len(vals))
	for i, v := range vals {
		vecs[i] = []float64{v}
	}
	return KMeans(vecs, k, maxIter, seed)
}

func sqDist(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	s := 0.0
	for i := 0; i < n; i++ {
		d := a[i] - b[i]
		s += d * d
	}
	return s
}
