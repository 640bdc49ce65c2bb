package builtin

import (
	"context"
	"fmt"
	"math"

	"github.com/crunchdao/coordinator-node-starter/internal/app/contract"
)

// icSubBuckets is the number of contiguous sub-buckets ic_sharpe splits a
// model's window into. spec.md leaves bucket granularity unspecified; five
// gives a usable sample size down to windows as short as ten predictions.
const icSubBuckets = 5

func signalsAndReturns(views []contract.PredictionView) (signals, returns []float64) {
	signals = make([]float64, 0, len(views))
	returns = make([]float64, 0, len(views))
	for _, v := range views {
		if !v.Success {
			continue
		}
		signals = append(signals, v.Signal)
		returns = append(returns, v.RealizedReturn)
	}
	return signals, returns
}

// IC is the Spearman rank correlation of prediction signals vs. realized
// returns over the window.
func IC(_ context.Context, mctx contract.MetricsContext) (float64, error) {
	signals, returns := signalsAndReturns(mctx.AllModelPredictions)
	return spearman(signals, returns), nil
}

// ICSharpe is mean(IC per sub-bucket) / stddev(IC per sub-bucket); undefined
// with fewer than two populated sub-buckets.
func ICSharpe(_ context.Context, mctx contract.MetricsContext) (float64, error) {
	signals, returns := signalsAndReturns(mctx.AllModelPredictions)
	if len(signals) < 2*icSubBuckets {
		return 0, fmt.Errorf("ic_sharpe: undefined with fewer than %d predictions", 2*icSubBuckets)
	}

	bucketSize := len(signals) / icSubBuckets
	var ics []float64
	for b := 0; b < icSubBuckets; b++ {
		start := b * bucketSize
		end := start + bucketSize
		if b == icSubBuckets-1 {
			end = len(signals)
		}
		ics = append(ics, spearman(signals[start:end], returns[start:end]))
	}
	if len(ics) < 2 {
		return 0, fmt.Errorf("ic_sharpe: undefined with fewer than 2 buckets")
	}
	sd := stddev(ics)
	if sd == 0 {
		return 0, nil
	}
	return mean(ics) / sd, nil
}

// HitRate is the fraction of predictions whose sign matches the realized
// return's sign.
func HitRate(_ context.Context, mctx contract.MetricsContext) (float64, error) {
	signals, returns := signalsAndReturns(mctx.AllModelPredictions)
	if len(signals) == 0 {
		return 0, nil
	}
	hits := 0
	for i := range signals {
		if sign(signals[i]) == sign(returns[i]) {
			hits++
		}
	}
	return float64(hits) / float64(len(signals)), nil
}

// longShortReturns builds the per-prediction return of a long-short
// portfolio: long when the signal is positive, short when negative, flat on
// a zero signal.
func longShortReturns(views []contract.PredictionView) []float64 {
	out := make([]float64, 0, len(views))
	for _, v := range views {
		if !v.Success {
			continue
		}
		out = append(out, sign(v.Signal)*v.RealizedReturn)
	}
	return out
}

// MeanReturn is the mean realized return of a long-short portfolio built
// from the predictions.
func MeanReturn(_ context.Context, mctx contract.MetricsContext) (float64, error) {
	return mean(longShortReturns(mctx.AllModelPredictions)), nil
}

// MaxDrawdown is the worst peak-to-trough decline on the cumulative
// long-short score series.
func MaxDrawdown(_ context.Context, mctx contract.MetricsContext) (float64, error) {
	return maxDrawdown(longShortReturns(mctx.AllModelPredictions)), nil
}

// SortinoRatio is mean(return) / stddev(negative returns only).
func SortinoRatio(_ context.Context, mctx contract.MetricsContext) (float64, error) {
	returns := longShortReturns(mctx.AllModelPredictions)
	if len(returns) == 0 {
		return 0, nil
	}
	var negatives []float64
	for _, r := range returns {
		if r < 0 {
			negatives = append(negatives, r)
		}
	}
	downside := stddev(negatives)
	if downside == 0 {
		return 0, nil
	}
	return mean(returns) / downside, nil
}

// Turnover is the mean absolute change in signal between consecutive
// predictions.
func Turnover(_ context.Context, mctx contract.MetricsContext) (float64, error) {
	signals, _ := signalsAndReturns(mctx.AllModelPredictions)
	if len(signals) < 2 {
		return 0, nil
	}
	var total float64
	for i := 1; i < len(signals); i++ {
		total += math.Abs(signals[i] - signals[i-1])
	}
	return total / float64(len(signals)-1), nil
}

// ModelCorrelation is the mean pairwise Spearman correlation of this
// model's signal vs. every other real model's aligned signal.
func ModelCorrelation(_ context.Context, mctx contract.MetricsContext) (float64, error) {
	own, _ := signalsAndReturns(mctx.AllModelPredictions)
	if len(mctx.EnsemblePredictions) == 0 || len(own) == 0 {
		return 0, nil
	}
	var correlations []float64
	for otherModelID, otherViews := range mctx.EnsemblePredictions {
		if otherModelID == mctx.ModelID {
			continue
		}
		other, _ := signalsAndReturns(otherViews)
		n := len(own)
		if len(other) < n {
			n = len(other)
		}
		if n < 2 {
			continue
		}
		correlations = append(correlations, spearman(own[:n], other[:n]))
	}
	return mean(correlations), nil
}

// alignedSignal returns the series keyed by name from the ensemble
// predictions map, or nil if not present.
func alignedSignal(mctx contract.MetricsContext, key string) []float64 {
	views, ok := mctx.EnsemblePredictions[key]
	if !ok {
		return nil
	}
	signals, _ := signalsAndReturns(views)
	return signals
}

// ensembleMainKey is the virtual model ID Phase E persists the primary
// ensemble's predictions under, matching the naming scheme in spec.md's
// worked example (`__ensemble_main__`).
const ensembleMainKey = "__ensemble_main__"

// FNC (feature-neutralized correlation, tier-3) correlates a model's signal
// against realized returns after subtracting the primary ensemble's signal,
// isolating the model's contribution beyond consensus.
func FNC(_ context.Context, mctx contract.MetricsContext) (float64, error) {
	own, returns := signalsAndReturns(mctx.AllModelPredictions)
	ensembleSignal := alignedSignal(mctx, ensembleMainKey)
	if len(ensembleSignal) == 0 || len(own) == 0 {
		return 0, nil
	}
	n := len(own)
	if len(ensembleSignal) < n {
		n = len(ensembleSignal)
	}
	neutralized := make([]float64, n)
	for i := 0; i < n; i++ {
		neutralized[i] = own[i] - ensembleSignal[i]
	}
	return spearman(neutralized, returns[:n]), nil
}

// Contribution (tier-3) is the leave-one-out change in ensemble IC: the
// ensemble's IC with this model's signal included minus its IC with the
// model's signal removed from the consensus.
func Contribution(_ context.Context, mctx contract.MetricsContext) (float64, error) {
	own, returns := signalsAndReturns(mctx.AllModelPredictions)
	ensembleSignal := alignedSignal(mctx, ensembleMainKey)
	if len(ensembleSignal) == 0 || len(own) == 0 {
		return 0, nil
	}
	n := len(own)
	if len(ensembleSignal) < n {
		n = len(ensembleSignal)
	}
	if len(mctx.EnsemblePredictions) < 2 {
		return 0, nil
	}

	withModel := spearman(ensembleSignal[:n], returns[:n])

	leaveOneOut := make([]float64, n)
	otherCount := 0
	for modelID, views := range mctx.EnsemblePredictions {
		if modelID == mctx.ModelID || modelID == ensembleMainKey {
			continue
		}
		signals, _ := signalsAndReturns(views)
		m := n
		if len(signals) < m {
			m = len(signals)
		}
		for i := 0; i < m; i++ {
			leaveOneOut[i] += signals[i]
		}
		otherCount++
	}
	if otherCount == 0 {
		return 0, nil
	}
	for i := range leaveOneOut {
		leaveOneOut[i] /= float64(otherCount)
	}
	withoutModel := spearman(leaveOneOut, returns[:n])

	return withModel - withoutModel, nil
}

// EnsembleCorrelation (tier-3) is the Spearman correlation of this model's
// signal against the primary ensemble's signal.
func EnsembleCorrelation(_ context.Context, mctx contract.MetricsContext) (float64, error) {
	own, _ := signalsAndReturns(mctx.AllModelPredictions)
	ensembleSignal := alignedSignal(mctx, ensembleMainKey)
	n := len(own)
	if len(ensembleSignal) < n {
		n = len(ensembleSignal)
	}
	if n < 2 {
		return 0, nil
	}
	return spearman(own[:n], ensembleSignal[:n]), nil
}

// Tier1And2Metrics names the always-available built-in metrics, in the
// order spec.md lists them.
var Tier1And2Metrics = map[string]contract.MetricFunc{
	"ic":                IC,
	"ic_sharpe":         ICSharpe,
	"hit_rate":          HitRate,
	"mean_return":       MeanReturn,
	"max_drawdown":      MaxDrawdown,
	"sortino_ratio":     SortinoRatio,
	"turnover":          Turnover,
	"model_correlation": ModelCorrelation,
}

// Tier3Metrics names the ensemble-dependent built-ins, registered
// unconditionally; they simply read as 0 when no ensemble is configured.
var Tier3Metrics = map[string]contract.MetricFunc{
	"fnc":                  FNC,
	"contribution":         Contribution,
	"ensemble_correlation": EnsembleCorrelation,
}

// RegisterDefaultMetrics registers every built-in tier-1/2/3 metric on r.
// Call before Freeze.
func RegisterDefaultMetrics(r *contract.Registry) {
	for name, fn := range Tier1And2Metrics {
		r.RegisterMetric(name, fn)
	}
	for name, fn := range Tier3Metrics {
		r.RegisterMetric(name, fn)
	}
}
