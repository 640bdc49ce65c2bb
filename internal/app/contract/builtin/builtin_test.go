package builtin

import (
	"testing"

	"github.com/crunchdao/coordinator-node-starter/internal/app/contract"
)

func feedRecord(close float64) map[string]interface{} {
	return map[string]interface{}{
		"payload": map[string]interface{}{"close": close},
	}
}

func TestNumericScalarInferenceInputBuilderExtractsCloses(t *testing.T) {
	window := []map[string]interface{}{feedRecord(1.5), feedRecord(2.5)}
	input, err := NumericScalarInferenceInputBuilder(window, map[string]interface{}{"subject": "BTC"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	closes, ok := input["closes"].([]float64)
	if !ok || len(closes) != 2 || closes[0] != 1.5 || closes[1] != 2.5 {
		t.Fatalf("unexpected closes: %#v", input["closes"])
	}
}

func TestNumericScalarOutputValidatorRejectsMissingAndNonNumeric(t *testing.T) {
	if err := NumericScalarOutputValidator(contract.InferenceOutput{}); err == nil {
		t.Fatalf("expected error for missing field")
	}
	if err := NumericScalarOutputValidator(contract.InferenceOutput{PredictionField: "nope"}); err == nil {
		t.Fatalf("expected error for non-numeric field")
	}
	if err := NumericScalarOutputValidator(contract.InferenceOutput{PredictionField: 0.5}); err != nil {
		t.Fatalf("expected valid output to pass: %v", err)
	}
}

func TestNumericScalarScoringFunctionClampsAndHandlesZeroActual(t *testing.T) {
	result, err := NumericScalarScoringFunction(
		contract.InferenceOutput{PredictionField: 100.0},
		map[string]interface{}{ActualField: 1.0},
	)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if result.Value != -1 {
		t.Fatalf("expected clamp to -1, got %v", result.Value)
	}

	result, err = NumericScalarScoringFunction(
		contract.InferenceOutput{PredictionField: 1.0},
		map[string]interface{}{ActualField: 0.0},
	)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if result.Success {
		t.Fatalf("expected failure when actual is zero")
	}
}

func TestConfiguredInferenceInputBuilderUsesJSONPath(t *testing.T) {
	paths := FieldPaths{WindowFields: map[string]string{"closes": "$.payload.close"}}
	builder := ConfiguredInferenceInputBuilder(paths)
	window := []map[string]interface{}{feedRecord(3.0), feedRecord(4.0)}

	input, err := builder(window, map[string]interface{}{"subject": "ETH"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	closes, ok := input["closes"].([]interface{})
	if !ok || len(closes) != 2 {
		t.Fatalf("unexpected closes: %#v", input["closes"])
	}
}

func TestConfiguredResolveGroundTruthReadsLastRecord(t *testing.T) {
	resolve := ConfiguredResolveGroundTruth(FieldPaths{ActualPath: "$.payload.close"})
	window := []map[string]interface{}{feedRecord(1.0), feedRecord(9.0)}

	actuals, err := resolve(nil, window)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if actuals[ActualField] != 9.0 {
		t.Fatalf("expected last record's close, got %#v", actuals[ActualField])
	}
}

func TestConfiguredResolveGroundTruthEmptyWindow(t *testing.T) {
	resolve := ConfiguredResolveGroundTruth(FieldPaths{ActualPath: "$.payload.close"})
	actuals, err := resolve(nil, nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if actuals != nil {
		t.Fatalf("expected nil actuals for empty window")
	}
}
