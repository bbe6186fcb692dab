package interact

import (
	"bufio"
	"fmt"
	"math"
	"math/rand"
	"os"
	"sort"
	"strings"

	"github.com/spatx/spatx/internal/dataset"
)

// LRPair is a hypothesized ligand-receptor feature pair.
type LRPair struct {
	Ligand   string
	Receptor string
}

// LoadPairs reads a ligand-receptor reference table: one pair per line,
// ligand and receptor in the first two tab- or whitespace-separated
// columns. A header row is skipped when its first field is "ligand".
func LoadPairs(path string) ([]LRPair, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening ligand-receptor table: %w", err)
	}
	defer f.Close()

	var pairs []LRPair
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		fields := strings.Fields(strings.TrimSpace(sc.Text()))
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 2 {
			return nil, fmt.Errorf("line %d: expected 2 columns, got %d", line, len(fields))
		}
		if line == 1 && strings.EqualFold(fields[0], "ligand") {
			continue
		}
		pairs = append(pairs, LRPair{Ligand: fields[0], Receptor: fields[1]})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(pairs) == 0 {
		return nil, fmt.Errorf("ligand-receptor table %s has no pairs", path)
	}
	return pairs, nil
}

// CommParams controls ligand-receptor communication scoring.
type CommParams struct {
	Layer         string // expression layer, normally "normalized"
	GraphName     string // spatial network (spatial variant)
	ClusterColumn string
	Pairs         []LRPair
	Permutations  int
	Seed          int64
	// ResultName prefixes the three attached tables:
	// "<name>_expr", "<name>_spatial" and "<name>_comparison".
	ResultName string
}

// CommScore is one ligand-receptor score for an ordered group pair.
type CommScore struct {
	Ligand    string
	Receptor  string
	FromGroup string // expressing the ligand
	ToGroup   string // expressing the receptor
	Score     float64
	PValue    float64
}

// CommResult bundles both scoring variants and their comparison.
type CommResult struct {
	Expression []CommScore
	Spatial    []CommScore
}

// CommunicationScores computes ligand-receptor co-expression scores for
// every ordered group pair, twice: once over all group members
// (expression variant) and once restricted to spatially adjacent
// observation pairs (spatial variant). Both are tested against seeded
// label permutations, and a comparison table of score shifts is attached.
// Pairs whose features are absent from the dataset are skipped.
func CommunicationScores(d *dataset.Dataset, p CommParams) (*CommResult, error) {
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
	if len(p.Pairs) == 0 {
		return nil, fmt.Errorf("no ligand-receptor pairs supplied")
	}
	if p.Permutations < 1 {
		return nil, fmt.Errorf("permutations must be >= 1, got %d", p.Permutations)
	}

	groups := uniqueLabels(labels)
	no := m.NObs()

	// Spatially adjacent ordered observation pairs.
	type obsPair struct{ from, to int }
	var adjPairs []obsPair
	for _, e := range g.UndirectedEdges() {
		adjPairs = append(adjPairs, obsPair{e.From, e.To}, obsPair{e.To, e.From})
	}

	usable := make([]LRPair, 0, len(p.Pairs))
	ligRows := make(map[string][]float64)
	recRows := make(map[string][]float64)
	for _, pair := range p.Pairs {
		li, okL := m.FeatureIndex(pair.Ligand)
		ri, okR := m.FeatureIndex(pair.Receptor)
		if !okL || !okR {
			continue
		}
		usable = append(usable, pair)
		if _, ok := ligRows[pair.Ligand]; !ok {
			ligRows[pair.Ligand] = m.Row(li)
		}
		if _, ok := recRows[pair.Receptor]; !ok {
			recRows[pair.Receptor] = m.Row(ri)
		}
	}
	if len(usable) == 0 {
		return nil, fmt.Errorf("none of the %d ligand-receptor pairs match dataset features", len(p.Pairs))
	}

	exprScore := func(lig, rec []float64, labs []string, from, to string) float64 {
		var ligSum, recSum float64
		var nFrom, nTo int
		for j := 0; j < no; j++ {
			if labs[j] == from {
				ligSum += lig[j]
				nFrom++
			}
			if labs[j] == to {
				recSum += rec[j]
				nTo++
			}
		}
		if nFrom == 0 || nTo == 0 {
			return 0
		}
		return ligSum / float64(nFrom) * recSum / float64(nTo)
	}
	spatScore := func(lig, rec []float64, labs []string, from, to string) float64 {
		sum := 0.0
		n := 0
		for _, op := range adjPairs {
			if labs[op.from] == from && labs[op.to] == to {
				sum += lig[op.from] * rec[op.to]
				n++
			}
		}
		if n == 0 {
			return 0
		}
		return sum / float64(n)
	}

	score := func(fn func(lig, rec []float64, labs []string, from, to string) float64) []CommScore {
		var out []CommScore
		for _, pair := range usable {
			lig := ligRows[pair.Ligand]
			rec := recRows[pair.Receptor]
			for _, from := range groups {
				for _, to := range groups {
					obs := fn(lig, rec, labels, from, to)

					rng := rand.New(rand.NewSource(p.Seed))
					shuffled := append([]string(nil), labels...)
					higher := 0
					for it := 0; it < p.Permutations; it++ {
						rng.Shuffle(no, func(i, j int) {
							shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
						})
						if fn(lig, rec, shuffled, from, to) >= obs {
							higher++
						}
					}
					out = append(out, CommScore{
						Ligand:    pair.Ligand,
						Receptor:  pair.Receptor,
						FromGroup: from,
						ToGroup:   to,
						Score:     obs,
						PValue:    (float64(higher) + 1) / (float64(p.Permutations) + 1),
					})
				}
			}
		}
		sort.Slice(out, func(a, b int) bool {
			if out[a].PValue != out[b].PValue {
				return out[a].PValue < out[b].PValue
			}
			if out[a].Score != out[b].Score {
				return out[a].Score > out[b].Score
			}
			if out[a].Ligand != out[b].Ligand {
				return out[a].Ligand < out[b].Ligand
			}
			if out[a].Receptor != out[b].Receptor {
				return out[a].Receptor < out[b].Receptor
			}
			if out[a].FromGroup != out[b].FromGroup {
				return out[a].FromGroup < out[b].FromGroup
			}
			return out[a].ToGroup < out[b].ToGroup
		})
		return out
	}

	result := &CommResult{
		Expression: score(exprScore),
		Spatial:    score(spatScore),
	}

	name := p.ResultName
	if name == "" {
		name = "lr_communication"
	}
	cols := []string{"ligand", "receptor", "from_group", "to_group", "score", "p_value"}
	exprTable := &dataset.Table{Name: name + "_expr", Columns: cols}
	for _, s := range result.Expression {
		exprTable.AddRow(s.Ligand, s.Receptor, s.FromGroup, s.ToGroup, s.Score, s.PValue)
	}
	spatTable := &dataset.Table{Name: name + "_spatial", Columns: cols}
	for _, s := range result.Spatial {
		spatTable.AddRow(s.Ligand, s.Receptor, s.FromGroup, s.ToGroup, s.Score, s.PValue)
	}
	if err := d.SetResult(exprTable); err != nil {
		return nil, err
	}
	if err := d.SetResult(spatTable); err != nil {
		return nil, err
	}

	// Comparison: spatial score relative to the expression score for the
	// same pair and groups.
	type key struct{ lig, rec, from, to string }
	exprBy := make(map[key]CommScore, len(result.Expression))
	for _, s := range result.Expression {
		exprBy[key{s.Ligand, s.Receptor, s.FromGroup, s.ToGroup}] = s
	}
	compTable := &dataset.Table{
		Name:    name + "_comparison",
		Columns: []string{"ligand", "receptor", "from_group", "to_group", "expr_score", "spatial_score", "log2_ratio"},
	}
	for _, s := range result.Spatial {
		e := exprBy[key{s.Ligand, s.Receptor, s.FromGroup, s.ToGroup}]
		eps := 1e-9
		ratio := math.Log2((s.Score + eps) / (e.Score + eps))
		compTable.AddRow(s.Ligand, s.Receptor, s.FromGroup, s.ToGroup, e.Score, s.Score, ratio)
	}
	if err := d.SetResult(compTable); err != nil {
		return nil, err
	}
	return result, nil
}
