package builtin

import (
	"math"
	"sort"
)

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stddev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	var sumSq float64
	for _, x := range xs {
		d := x - m
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(xs)-1))
}

func sign(x float64) float64 {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	default:
		return 0
	}
}

// ranks converts a series to average ranks (1-based, ties share the mean
// rank of their span), the input to a Spearman correlation.
func ranks(xs []float64) []float64 {
	type indexed struct {
		value float64
		index int
	}
	sorted := make([]indexed, len(xs))
	for i, v := range xs {
		sorted[i] = indexed{value: v, index: i}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].value < sorted[j].value })

	out := make([]float64, len(xs))
	i := 0
	for i < len(sorted) {
		j := i
		for j+1 < len(sorted) && sorted[j+1].value == sorted[i].value {
			j++
		}
		avgRank := float64(i+j)/2 + 1
		for k := i; k <= j; k++ {
			out[sorted[k].index] = avgRank
		}
		i = j + 1
	}
	return out
}

// spearman computes the Spearman rank correlation of two equal-length
// series. Returns 0 for inputs shorter than 2 or with zero rank variance.
func spearman(a, b []float64) float64 {
	if len(a) != len(b) || len(a) < 2 {
		return 0
	}
	ra, rb := ranks(a), ranks(b)
	ma, mb := mean(ra), mean(rb)
	var sab, saa, sbb float64
	for i := range ra {
		da, db := ra[i]-ma, rb[i]-mb
		sab += da * db
		saa += da * da
		sbb += db * db
	}
	if saa == 0 || sbb == 0 {
		return 0
	}
	return sab / math.Sqrt(saa*sbb)
}

// maxDrawdown returns the worst peak-to-trough decline of a cumulative
// series built by a running sum of xs.
func maxDrawdown(xs []float64) float64 {
	var cum, peak, worst float64
	for i, x := range xs {
		cum += x
		if i == 0 || cum > peak {
			peak = cum
		}
		if dd := peak - cum; dd > worst {
			worst = dd
		}
	}
	return worst
}
