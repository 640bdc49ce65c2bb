package builtin

import (
	"testing"

	"github.com/crunchdao/coordinator-node-starter/internal/app/contract"
)

func TestEqualWeightSplitsEvenly(t *testing.T) {
	constituents := map[string]contract.PredictionView{
		"a": {Signal: 1, RealizedReturn: 0.1, Success: true},
		"b": {Signal: 3, RealizedReturn: 0.3, Success: true},
	}
	result, err := EqualWeight(constituents)
	if err != nil {
		t.Fatalf("equal_weight: %v", err)
	}
	if result.Signal != 2 {
		t.Fatalf("expected mean signal 2, got %v", result.Signal)
	}
}

func TestInverseVarianceBlendsBetweenConstituents(t *testing.T) {
	constituents := map[string]contract.PredictionView{
		"steady":   {Signal: 0, RealizedReturn: 0, Success: true},
		"volatile": {Signal: 10, RealizedReturn: 1, Success: true},
	}
	result, err := InverseVariance(constituents)
	if err != nil {
		t.Fatalf("inverse_variance: %v", err)
	}
	if result.Signal <= 0 || result.Signal >= 10 {
		t.Fatalf("expected a weighted signal strictly between constituents, got %v", result.Signal)
	}
}

func TestEqualWeightRejectsEmpty(t *testing.T) {
	if _, err := EqualWeight(map[string]contract.PredictionView{}); err == nil {
		t.Fatalf("expected error for empty constituents")
	}
}
