package cluster

import (
	"fmt"
	"math/rand"
	"sort"
	"strconv"

	"github.com/spatx/spatx/internal/dataset"
)

// LouvainParams controls modularity community detection.
type LouvainParams struct {
	GraphName      string  // similarity graph, normally "nn"
	Resolution     float64 // modularity resolution; 1.0 = classic
	Seed           int64
	MaxPasses      int    // aggregation passes; 0 = until stable
	MetadataColumn string // observation metadata column ("leiden_clus" default)
}

type wedge struct {
	to int
	w  float64
}

// Louvain partitions the named similarity graph by greedy modularity
// optimization with aggregation passes. Node visit order is shuffled with
// the seed, so a fixed seed gives identical assignments across runs.
// Cluster labels are written to observation metadata, numbered by first
// appearance in observation order.
func Louvain(d *dataset.Dataset, p LouvainParams) error {
	g, err := d.Graph(p.GraphName)
	if err != nil {
		return err
	}
	res := p.Resolution
	if res <= 0 {
		res = 1.0
	}
	maxPasses := p.MaxPasses
	if maxPasses <= 0 {
		maxPasses = 20
	}

	n := g.NumNodes()
	if n == 0 {
		return fmt.Errorf("graph %q has no nodes", p.GraphName)
	}

	// Symmetrized weighted adjacency.
	adj := make([][]wedge, n)
	for _, e := range g.UndirectedEdges() {
		adj[e.From] = append(adj[e.From], wedge{to: e.To, w: e.Weight})
		adj[e.To] = append(adj[e.To], wedge{to: e.From, w: e.Weight})
	}

	rng := rand.New(rand.NewSource(p.Seed))

	curAdj := adj
	curN := n
	nodeOf := make([]int, n) // original node -> current super-node
	for i := range nodeOf {
		nodeOf[i] = i
	}

	for pass := 0; pass < maxPasses; pass++ {
		comm, moved := onePass(curAdj, curN, res, rng)
		// Renumber communities compactly.
		remap := make(map[int]int)
		next := 0
		for i := 0; i < curN; i++ {
			if _, ok := remap[comm[i]]; !ok {
				remap[comm[i]] = next
				next++
			}
		}
		for i := range nodeOf {
			nodeOf[i] = remap[comm[nodeOf[i]]]
		}
		if !moved || next == curN {
			break
		}

		// Aggregate graph: super-node per community. Internal edges become
		// self loops so the super-node keeps its members' strength.
		aggW := make([]map[int]float64, next)
		for i := range aggW {
			aggW[i] = make(map[int]float64)
		}
		for i := 0; i < curN; i++ {
			ci := remap[comm[i]]
			for _, e := range curAdj[i] {
				cj := remap[comm[e.to]]
				if e.to == i {
					aggW[ci][cj] += e.w // self loop, stored once
				} else {
					aggW[ci][cj] += e.w / 2 // each undirected edge seen twice
				}
			}
		}
		newAdj := make([][]wedge, next)
		for i := range aggW {
			tos := make([]int, 0, len(aggW[i]))
			for to := range aggW[i] {
				tos = append(tos, to)
			}
			sort.Ints(tos)
			for _, to := range tos {
				newAdj[i] = append(newAdj[i], wedge{to: to, w: aggW[i][to]})
			}
		}
		curAdj = newAdj
		curN = next
	}

	// Relabel by first appearance in observation order.
	labels := make([]string, n)
	remap := make(map[int]int)
	next := 0
	for i := 0; i < n; i++ {
		c, ok := remap[nodeOf[i]]
		if !ok {
			c = next
			remap[nodeOf[i]] = c
			next++
		}
		labels[i] = strconv.Itoa(c)
	}

	col := p.MetadataColumn
	if col == "" {
		col = "leiden_clus"
	}
	return d.ObsMeta().SetStrings(col, labels)
}

// onePass runs local-move modularity optimization until no node improves.
func onePass(adj [][]wedge, n int, resolution float64, rng *rand.Rand) ([]int, bool) {
	comm := make([]int, n)
	degree := make([]float64, n)
	total := 0.0
	for i := 0; i < n; i++ {
		comm[i] = i
		for _, e := range adj[i] {
			if e.to == i {
				degree[i] += 2 * e.w // self loop counts twice in strength
			} else {
				degree[i] += e.w
			}
		}
		total += degree[i]
	}
	if total == 0 {
		return comm, false
	}
	commDegree := append([]float64(nil), degree...)

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	rng.Shuffle(n, func(i, j int) { order[i], order[j] = order[j], order[i] })

	movedAny := false
	for {
		movedRound := false
		for _, i := range order {
			ci := comm[i]
			commDegree[ci] -= degree[i]

			// Weight from i into each neighboring community. A self loop
			// moves with i, so it shifts every candidate's gain equally
			// and is skipped.
			wTo := make(map[int]float64)
			for _, e := range adj[i] {
				if e.to == i {
					continue
				}
				wTo[comm[e.to]] += e.w
			}

			best := ci
			bestGain := wTo[ci] - resolution*commDegree[ci]*degree[i]/total
			cands := make([]int, 0, len(wTo))
			for c := range wTo {
				cands = append(cands, c)
			}
			sort.Ints(cands)
			for _, c := range cands {
				if c == ci {
					continue
				}
				gain := wTo[c] - resolution*commDegree[c]*degree[i]/total
				if gain > bestGain {
					bestGain = gain
					best = c
				}
			}

			comm[i] = best
			commDegree[best] += degree[i]
			if best != ci {
				movedRound = true
				movedAny = true
			}
		}
		if !movedRound {
			break
		}
	}
	return comm, movedAny
}
