package interact

import (
	"fmt"
	"math"
	"sort"

	"github.com/spatx/spatx/internal/dataset"
	"github.com/spatx/spatx/internal/markers"
)

// ICFParams controls interaction-changed feature detection.
type ICFParams struct {
	Layer         string // expression layer, normally "normalized"
	GraphName     string
	ClusterColumn string
	MinObs        int     // minimum group size on both sides of the split
	MinLog2FC     float64 // minimum |log2fc| to report
	ResultName    string  // defaults to "icf"
}

// ICFResult records an expression shift of a feature in source-group
// observations that border a given neighbor group.
type ICFResult struct {
	Feature       string
	SourceGroup   string
	NeighborGroup string
	NAdjacent     int
	NOther        int
	MeanAdjacent  float64
	MeanOther     float64
	Log2FC        float64
	PValue        float64
	FDR           float64
}

// InteractionChangedFeatures splits each group's observations into those
// spatially adjacent to a second group and those not, and rank-sum tests
// every feature across the split. Results are FDR-corrected per group pair.
func InteractionChangedFeatures(d *dataset.Dataset, p ICFParams) ([]ICFResult, error) {
	layer := p.Layer
	if layer == "" {
		layer = dataset.LayerNormalized
	}
	m, err := d.Layer(layer)
	if err != nil {
		return nil, err
	}
	g, err := d.SpatialGraph(p.GraphName)
	if err != nil {
		return nil, err
	}
	labels, err := d.ObsMeta().Strings(p.ClusterColumn)
	if err != nil {
		return nil, fmt.Errorf("cluster column %q: %w", p.ClusterColumn, err)
	}
	minObs := p.MinObs
	if minObs < 2 {
		minObs = 2
	}

	groups := uniqueLabels(labels)
	no := m.NObs()

	// adjacency[j] holds the neighbor groups of observation j.
	adjacency := make([]map[string]bool, no)
	for j := 0; j < no; j++ {
		adjacency[j] = make(map[string]bool)
	}
	for _, e := range g.UndirectedEdges() {
		adjacency[e.From][labels[e.To]] = true
		adjacency[e.To][labels[e.From]] = true
	}

	var all []ICFResult
	for _, src := range groups {
		for _, nb := range groups {
			if src == nb {
				continue
			}
			var adjIdx, otherIdx []int
			for j, lab := range labels {
				if lab != src {
					continue
				}
				if adjacency[j][nb] {
					adjIdx = append(adjIdx, j)
				} else {
					otherIdx = append(otherIdx, j)
				}
			}
			if len(adjIdx) < minObs || len(otherIdx) < minObs {
				continue
			}

			pairResults := make([]ICFResult, 0, m.NFeatures())
			pvals := make([]float64, 0, m.NFeatures())
			for i, feat := range m.FeatureIDs() {
				row := m.Row(i)
				adjVals := make([]float64, len(adjIdx))
				for k, j := range adjIdx {
					adjVals[k] = row[j]
				}
				otherVals := make([]float64, len(otherIdx))
				for k, j := range otherIdx {
					otherVals[k] = row[j]
				}

				meanA := mean(adjVals)
				meanO := mean(otherVals)
				eps := 1e-9
				log2fc := math.Log2((meanA + eps) / (meanO + eps))
				if math.Abs(log2fc) < p.MinLog2FC {
					continue
				}

				pv := markers.RankSumP(adjVals, otherVals)
				pairResults = append(pairResults, ICFResult{
					Feature:       feat,
					SourceGroup:   src,
					NeighborGroup: nb,
					NAdjacent:     len(adjIdx),
					NOther:        len(otherIdx),
					MeanAdjacent:  meanA,
					MeanOther:     meanO,
					Log2FC:        log2fc,
					PValue:        pv,
				})
				pvals = append(pvals, pv)
			}

			fdr := markers.FDR(pvals)
			for i := range pairResults {
				pairResults[i].FDR = fdr[i]
			}
			all = append(all, pairResults...)
		}
	}

	sort.Slice(all, func(a, b int) bool {
		if all[a].FDR != all[b].FDR {
			return all[a].FDR < all[b].FDR
		}
		if all[a].Feature != all[b].Feature {
			return all[a].Feature < all[b].Feature
		}
		if all[a].SourceGroup != all[b].SourceGroup {
			return all[a].SourceGroup < all[b].SourceGroup
		}
		return all[a].NeighborGroup < all[b].NeighborGroup
	})

	name := p.ResultName
	if name == "" {
		name = "icf"
	}
	table := &dataset.Table{
		Name: name,
		Columns: []string{
			"feature", "source_group", "neighbor_group", "n_adjacent", "n_other",
			"mean_adjacent", "mean_other", "log2fc", "p_value", "fdr",
		},
	}
	for _, r := range all {
		table.AddRow(r.Feature, r.SourceGroup, r.NeighborGroup, r.NAdjacent, r.NOther,
			r.MeanAdjacent, r.MeanOther, r.Log2FC, r.PValue, r.FDR)
	}
	if err := d.SetResult(table); err != nil {
		return nil, err
	}
	return all, nil
}

func uniqueLabels(labels []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, l := range labels {
		if !seen[l] {
			seen[l] = true
			out = append(out, l)
		}
	}
	sort.Strings(out)
	return out
}

func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	s := 0.0
	for _, v := range vals {
		s += v
	}
	return s / float64(len(vals))
}
