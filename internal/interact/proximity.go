// Package interact quantifies cell-type adjacency enrichment in the
// spatial network and scores ligand-receptor communication between groups.
package interact

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/spatx/spatx/internal/dataset"
	"github.com/spatx/spatx/internal/graph"
)

// ProximityParams controls cell-proximity enrichment.
type ProximityParams struct {
	GraphName     string // spatial network to use
	ClusterColumn string
	Permutations  int
	Workers       int // parallel permutation workers; <=0 means 1
	Seed          int64
	ResultName    string // defaults to "cell_proximity"
}

// ProximityResult is the adjacency enrichment for one group pair.
type ProximityResult struct {
	Group1     string
	Group2     string
	Observed   int
	Expected   float64 // permutation mean
	Enrichment float64 // log2 ratio of observed to expected
	PHigher    float64 // fraction of permutations with >= observed
	PLower     float64 // fraction of permutations with <= observed
}

// CellProximityEnrichment compares observed group-pair adjacency counts in
// the spatial network against a label-permutation null. Permutations run on
// a bounded worker pool, each with its own derived seed, so results are
// deterministic for a fixed seed regardless of worker count.
func CellProximityEnrichment(d *dataset.Dataset, p ProximityParams) ([]ProximityResult, error) {
	g, err := d.SpatialGraph(p.GraphName)
	if err != nil {
		return nil, err
	}
	labels, err := d.ObsMeta().Strings(p.ClusterColumn)
	if err != nil {
		return nil, fmt.Errorf("cluster column %q: %w", p.ClusterColumn, err)
	}
	if p.Permutations < 1 {
		return nil, fmt.Errorf("permutations must be >= 1, got %d", p.Permutations)
	}
	workers := p.Workers
	if workers <= 0 {
		workers = 1
	}

	edges := g.UndirectedEdges()
	if len(edges) == 0 {
		return nil, fmt.Errorf("spatial network %q has no edges", p.GraphName)
	}

	observed := pairCounts(edges, labels)

	// Null distribution per pair: one count vector per permutation.
	perms := make([]map[[2]string]int, p.Permutations)
	var wg sync.WaitGroup
	sem := make(chan struct{}, workers)
	for it := 0; it < p.Permutations; it++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(it int) {
			defer wg.Done()
			defer func() { <-sem }()
			rng := rand.New(rand.NewSource(p.Seed + int64(it)))
			shuffled := append([]string(nil), labels...)
			rng.Shuffle(len(shuffled), func(i, j int) {
				shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
			})
			perms[it] = pairCounts(edges, shuffled)
		}(it)
	}
	wg.Wait()

	// All pairs seen either observed or in any permutation.
	pairSet := make(map[[2]string]bool)
	for pr := range observed {
		pairSet[pr] = true
	}
	for _, pc := range perms {
		for pr := range pc {
			pairSet[pr] = true
		}
	}
	pairs := make([][2]string, 0, len(pairSet))
	for pr := range pairSet {
		pairs = append(pairs, pr)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i][0] != pairs[j][0] {
			return pairs[i][0] < pairs[j][0]
		}
		return pairs[i][1] < pairs[j][1]
	})

	results := make([]ProximityResult, 0, len(pairs))
	for _, pr := range pairs {
		obs := observed[pr]
		sum := 0.0
		higher, lower := 0, 0
		for _, pc := range perms {
			c := pc[pr]
			sum += float64(c)
			if c >= obs {
				higher++
			}
			if c <= obs {
				lower++
			}
		}
		expected := sum / float64(p.Permutations)
		results = append(results, ProximityResult{
			Group1:     pr[0],
			Group2:     pr[1],
			Observed:   obs,
			Expected:   expected,
			Enrichment: math.Log2((float64(obs) + 1) / (expected + 1)),
			PHigher:    (float64(higher) + 1) / (float64(p.Permutations) + 1),
			PLower:     (float64(lower) + 1) / (float64(p.Permutations) + 1),
		})
	}

	sort.Slice(results, func(a, b int) bool {
		if results[a].Enrichment != results[b].Enrichment {
			return results[a].Enrichment > results[b].Enrichment
		}
		if results[a].Group1 != results[b].Group1 {
			return results[a].Group1 < results[b].Group1
		}
		return results[a].Group2 < results[b].Group2
	})

	name := p.ResultName
	if name == "" {
		name = "cell_proximity"
	}
	table := &dataset.Table{
		Name:    name,
		Columns: []string{"group_1", "group_2", "observed", "expected", "enrichment", "p_higher", "p_lower"},
	}
	for _, r := range results {
		table.AddRow(r.Group1, r.Group2, r.Observed, r.Expected, r.Enrichment, r.PHigher, r.PLower)
	}
	if err := d.SetResult(table); err != nil {
		return nil, err
	}
	return results, nil
}

// pairCounts counts undirected edges per unordered label pair.
func pairCounts(edges []graph.Edge, labels []string) map[[2]string]int {
	counts := make(map[[2]string]int)
	for _, e := range edges {
		a, b := labels[e.From], labels[e.To]
		if a > b {
			a, b = b, a
		}
		counts[[2]string{a, b}]++
	}
	return counts
}
