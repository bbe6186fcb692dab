package markers

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat/distuv"
)

// welchTTest returns the two-tailed p-value of Welch's unequal-variance
// t-test with Welch-Satterthwaite degrees of freedom.
func welchTTest(mean1, var1 float64, n1 int, mean2, var2 float64, n2 int) float64 {
	if n1 < 2 || n2 < 2 {
		return 1.0
	}
	if var1 <= 0 && var2 <= 0 {
		if mean1 == mean2 {
			return 1.0
		}
		return 0.0
	}

	se1 := var1 / float64(n1)
	se2 := var2 / float64(n2)
	seDiff := math.Sqrt(se1 + se2)
	if seDiff < 1e-15 {
		if mean1 == mean2 {
			return 1.0
		}
		return 0.0
	}

	t := (mean1 - mean2) / seDiff

	num := (se1 + se2) * (se1 + se2)
	den := 0.0
	if n1 > 1 && se1 > 0 {
		den += se1 * se1 / float64(n1-1)
	}
	if n2 > 1 && se2 > 0 {
		den += se2 * se2 / float64(n2-1)
	}
	if den < 1e-15 {
		return 1.0
	}
	df := num / den
	if df < 1 {
		df = 1
	}

	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
	return 2 * dist.CDF(-math.Abs(t))
}

// mannWhitneyU returns the two-tailed p-value of the rank-sum test under
// the normal approximation with tie correction and continuity correction.
// vals1/vals2 carry the nonzero values; zeros are implied up to n1/n2.
func mannWhitneyU(vals1 []float64, n1 int, vals2 []float64, n2 int) float64 {
	if n1 == 0 || n2 == 0 {
		return 1.0
	}

	type entry struct {
		val   float64
		group int
	}
	combined := make([]entry, 0, n1+n2)
	for _, v := range vals1 {
		combined = append(combined, entry{val: v, group: 1})
	}
	for _, v := range vals2 {
		combined = append(combined, entry{val: v, group: 2})
	}
	for i := len(vals1); i < n1; i++ {
		combined = append(combined, entry{val: 0, group: 1})
	}
	for i := len(vals2); i < n2; i++ {
		combined = append(combined, entry{val: 0, group: 2})
	}

	sort.Slice(combined, func(i, j int) bool {
		return combined[i].val < combined[j].val
	})

	total := len(combined)
	ranks := make([]float64, total)
	i := 0
	for i < total {
		j := i
		for j < total && combined[j].val == combined[i].val {
			j++
		}
		avgRank := float64(i+j+1) / 2.0
		for k := i; k < j; k++ {
			ranks[k] = avgRank
		}
		i = j
	}

	r1 := 0.0
	for i, e := range combined {
		if e.group == 1 {
			r1 += ranks[i]
		}
	}

	n1f := float64(n1)
	n2f := float64(n2)
	u1 := r1 - n1f*(n1f+1)/2
	u2 := n1f*n2f - u1
	u := math.Min(u1, u2)

	muU := n1f * n2f / 2

	tieSum := 0.0
	i = 0
	for i < total {
		j := i
		for j < total && combined[j].val == combined[i].val {
			j++
		}
		t := float64(j - i)
		if t > 1 {
			tieSum += t*t*t - t
		}
		i = j
	}

	nf := float64(total)
	sigmaU := math.Sqrt(n1f * n2f * ((nf + 1) - tieSum/(nf*(nf-1))) / 12)
	if sigmaU < 1e-10 {
		return 1.0
	}

	z := (u - muU + 0.5) / sigmaU
	norm := distuv.Normal{Mu: 0, Sigma: 1}
	return 2 * norm.CDF(-math.Abs(z))
}

// benjaminiHochberg converts p-values into FDR-adjusted q-values.
func benjaminiHochberg(pvals []float64) []float64 {
	n := len(pvals)
	if n == 0 {
		return nil
	}

	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(i, j int) bool {
		return pvals[idx[i]] < pvals[idx[j]]
	})

	fdr := make([]float64, n)
	minP := 1.0
	for i := n - 1; i >= 0; i-- {
		origIdx := idx[i]
		rank := i + 1
		adjusted := pvals[origIdx] * float64(n) / float64(rank)
		if adjusted > 1 {
			adjusted = 1
		}
		if adjusted < minP {
			minP = adjusted
		} else {
			adjusted = minP
		}
		fdr[origIdx] = adjusted
	}
	return fdr
}

// gini computes the Gini coefficient of non-negative values, a specificity
// score: near 1 when expression concentrates in few observations.
func gini(values []float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	sum := 0.0
	weighted := 0.0
	for i, v := range sorted {
		if v < 0 {
			v = 0
		}
		sum += v
		weighted += float64(i+1) * v
	}
	if sum == 0 {
		return 0
	}
	nf := float64(n)
	return (2*weighted - (nf+1)*sum) / (nf * sum)
}

// RankSumP exposes the two-tailed rank-sum p-value for two full samples.
func RankSumP(a, b []float64) float64 {
	return mannWhitneyU(a, len(a), b, len(b))
}

// FDR exposes Benjamini-Hochberg correction for use by other stages.
func FDR(pvals []float64) []float64 {
	return benjaminiHochberg(pvals)
}
