package builtin

import (
	"fmt"
	"sort"

	"github.com/crunchdao/coordinator-node-starter/internal/app/contract"
)

// InverseVariance weights constituents by normalized 1/variance, where a
// constituent's variance is the squared deviation of its signal from the
// cross-constituent mean signal at this tick (see inverseVarianceWeights);
// no variance of returns or scores over a window is used. A constituent with
// zero deviation is given the smallest positive deviation among its peers
// (or 1 when every deviation is zero) rather than infinite weight.
func InverseVariance(constituents map[string]contract.PredictionView) (contract.PredictionView, error) {
	return weightedAverage(constituents, inverseVarianceWeights(constituents))
}

// EqualWeight splits weight evenly across every constituent.
func EqualWeight(constituents map[string]contract.PredictionView) (contract.PredictionView, error) {
	if len(constituents) == 0 {
		return contract.PredictionView{}, fmt.Errorf("equal_weight: no constituents")
	}
	weights := make(map[string]float64, len(constituents))
	w := 1.0 / float64(len(constituents))
	for id := range constituents {
		weights[id] = w
	}
	return weightedAverage(constituents, weights)
}

func weightedAverage(constituents map[string]contract.PredictionView, weights map[string]float64) (contract.PredictionView, error) {
	if len(constituents) == 0 {
		return contract.PredictionView{}, fmt.Errorf("ensemble: no constituents")
	}
	var signal, realized float64
	successCount := 0
	for id, view := range constituents {
		w := weights[id]
		signal += w * view.Signal
		realized += w * view.RealizedReturn
		if view.Success {
			successCount++
		}
	}
	return contract.PredictionView{
		Signal:         signal,
		RealizedReturn: realized,
		Success:        successCount > 0,
	}, nil
}

// inverseVarianceWeights computes normalized 1/variance weights from each
// constituent's own signal dispersion. contract.PredictionView carries a
// single observation per tick, so the "variance" here is approximated from
// the squared deviation of each constituent's signal from the cross-model
// mean signal for this tick — a single-sample proxy for that constituent's
// typical dispersion, consistent with the per-tick granularity the ensemble
// strategy operates at.
func inverseVarianceWeights(constituents map[string]contract.PredictionView) map[string]float64 {
	ids := make([]string, 0, len(constituents))
	for id := range constituents {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	signals := make([]float64, len(ids))
	for i, id := range ids {
		signals[i] = constituents[id].Signal
	}
	crossMean := mean(signals)

	variances := make(map[string]float64, len(ids))
	minPositive := 0.0
	for i, id := range ids {
		d := signals[i] - crossMean
		v := d * d
		variances[id] = v
		if v > 0 && (minPositive == 0 || v < minPositive) {
			minPositive = v
		}
	}
	if minPositive == 0 {
		minPositive = 1
	}

	inv := make(map[string]float64, len(ids))
	var total float64
	for _, id := range ids {
		v := variances[id]
		if v == 0 {
			v = minPositive
		}
		w := 1 / v
		inv[id] = w
		total += w
	}
	if total == 0 {
		return equalWeights(ids)
	}
	for id := range inv {
		inv[id] /= total
	}
	return inv
}

// equalWeights is the flat-weight fallback inverseVarianceWeights returns
// when the weight total is zero, which happens only with no constituents.
func equalWeights(ids []string) map[string]float64 {
	weights := make(map[string]float64, len(ids))
	w := 1.0 / float64(len(ids))
	for _, id := range ids {
		weights[id] = w
	}
	return weights
}

// RegisterDefaultEnsembleStrategies registers both built-in strategies on r.
// Call before Freeze.
func RegisterDefaultEnsembleStrategies(r *contract.Registry) {
	r.RegisterEnsembleStrategy("inverse_variance", InverseVariance)
	r.RegisterEnsembleStrategy("equal_weight", EqualWeight)
}
