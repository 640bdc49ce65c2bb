package builtin

import (
	"context"
	"testing"

	"github.com/crunchdao/coordinator-node-starter/internal/app/contract"
)

func views(signals, returns []float64) []contract.PredictionView {
	out := make([]contract.PredictionView, len(signals))
	for i := range signals {
		out[i] = contract.PredictionView{Signal: signals[i], RealizedReturn: returns[i], Success: true}
	}
	return out
}

func TestICPerfectCorrelation(t *testing.T) {
	mctx := contract.MetricsContext{
		AllModelPredictions: views([]float64{1, 2, 3, 4}, []float64{10, 20, 30, 40}),
	}
	value, err := IC(context.Background(), mctx)
	if err != nil {
		t.Fatalf("ic: %v", err)
	}
	if value != 1 {
		t.Fatalf("expected perfect correlation 1, got %v", value)
	}
}

func TestHitRate(t *testing.T) {
	mctx := contract.MetricsContext{
		AllModelPredictions: views([]float64{1, -1, 1, -1}, []float64{2, 2, -2, -2}),
	}
	value, err := HitRate(context.Background(), mctx)
	if err != nil {
		t.Fatalf("hit_rate: %v", err)
	}
	if value != 0.5 {
		t.Fatalf("expected 0.5, got %v", value)
	}
}

func TestMaxDrawdown(t *testing.T) {
	mctx := contract.MetricsContext{
		AllModelPredictions: views([]float64{1, 1, 1}, []float64{10, -5, -5}),
	}
	value, err := MaxDrawdown(context.Background(), mctx)
	if err != nil {
		t.Fatalf("max_drawdown: %v", err)
	}
	if value != 10 {
		t.Fatalf("expected drawdown of 10, got %v", value)
	}
}

func TestTurnover(t *testing.T) {
	mctx := contract.MetricsContext{
		AllModelPredictions: views([]float64{1, 2, 0}, []float64{0, 0, 0}),
	}
	value, err := Turnover(context.Background(), mctx)
	if err != nil {
		t.Fatalf("turnover: %v", err)
	}
	if value != 1.5 {
		t.Fatalf("expected mean abs change of 1.5, got %v", value)
	}
}

func TestModelCorrelationIgnoresSelf(t *testing.T) {
	mctx := contract.MetricsContext{
		ModelID:             "model-a",
		AllModelPredictions: views([]float64{1, 2, 3}, []float64{1, 2, 3}),
		EnsemblePredictions: map[string][]contract.PredictionView{
			"model-a": views([]float64{9, 9, 9}, []float64{9, 9, 9}),
			"model-b": views([]float64{1, 2, 3}, []float64{1, 2, 3}),
		},
	}
	value, err := ModelCorrelation(context.Background(), mctx)
	if err != nil {
		t.Fatalf("model_correlation: %v", err)
	}
	if value != 1 {
		t.Fatalf("expected correlation of 1 vs model-b only, got %v", value)
	}
}

func TestICSharpeUndefinedWithTooFewPredictions(t *testing.T) {
	mctx := contract.MetricsContext{
		AllModelPredictions: views([]float64{1, 2}, []float64{1, 2}),
	}
	if _, err := ICSharpe(context.Background(), mctx); err == nil {
		t.Fatalf("expected ic_sharpe to be undefined with too few predictions")
	}
}
