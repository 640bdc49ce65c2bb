// Package builtin provides the default "numeric scalar" contract shape: a
// model predicts a single float per scope, scored against a realized return
// extracted from the resolution feed window. It is the out-of-the-box
// configuration: the coordinator registers these callables at startup
// whatever SCORING_FUNCTION and the related settings name; competitions with
// richer payloads register their own callables against contract.Registry
// instead.
package builtin

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/tidwall/gjson"

	"github.com/crunchdao/coordinator-node-starter/internal/app/contract"
)

// PredictionField is the JSON field models must populate with their scalar
// forecast.
const PredictionField = "prediction"

// ActualField is the JSON field the resolution window must expose as the
// realized value.
const ActualField = "close"

// NumericScalarInferenceInputBuilder builds an inference input exposing the
// most recent window of closes plus the target subject, via gjson field
// extraction over the raw feed window.
func NumericScalarInferenceInputBuilder(rawFeedWindow []map[string]interface{}, scope map[string]interface{}) (contract.InferenceInput, error) {
	closes := make([]float64, 0, len(rawFeedWindow))
	for _, rec := range rawFeedWindow {
		blob, err := json.Marshal(rec)
		if err != nil {
			return nil, err
		}
		result := gjson.GetBytes(blob, "payload."+ActualField)
		if !result.Exists() {
			continue
		}
		closes = append(closes, result.Float())
	}
	return contract.InferenceInput{
		"scope":  scope,
		"closes": closes,
	}, nil
}

// NumericScalarOutputValidator requires the model output to carry a finite
// numeric PredictionField.
func NumericScalarOutputValidator(output contract.InferenceOutput) error {
	raw, ok := output[PredictionField]
	if !ok {
		return fmt.Errorf("missing field %q", PredictionField)
	}
	value, ok := raw.(float64)
	if !ok {
		return fmt.Errorf("field %q must be numeric", PredictionField)
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return fmt.Errorf("field %q must be finite", PredictionField)
	}
	return nil
}

// NumericScalarResolveGroundTruth reads the realized close at the end of the
// resolution feed window.
func NumericScalarResolveGroundTruth(_ map[string]interface{}, feedWindow []map[string]interface{}) (map[string]interface{}, error) {
	if len(feedWindow) == 0 {
		return nil, nil
	}
	last := feedWindow[len(feedWindow)-1]
	blob, err := json.Marshal(last)
	if err != nil {
		return nil, err
	}
	result := gjson.GetBytes(blob, "payload."+ActualField)
	if !result.Exists() {
		return nil, nil
	}
	return map[string]interface{}{ActualField: result.Float()}, nil
}

// NumericScalarScoringFunction scores a prediction by its signed relative
// error against the realized close: 1 - |predicted - actual| / |actual|,
// clamped to [-1, 1].
func NumericScalarScoringFunction(output contract.InferenceOutput, actuals map[string]interface{}) (contract.ScoreResult, error) {
	predicted, ok := output[PredictionField].(float64)
	if !ok {
		return contract.ScoreResult{}, fmt.Errorf("missing or non-numeric field %q", PredictionField)
	}
	actual, ok := actuals[ActualField].(float64)
	if !ok {
		return contract.ScoreResult{}, fmt.Errorf("missing or non-numeric ground truth field %q", ActualField)
	}
	if actual == 0 {
		return contract.ScoreResult{Success: false, FailedReason: "actual value is zero"}, nil
	}

	relErr := math.Abs(predicted-actual) / math.Abs(actual)
	value := 1 - relErr
	if value < -1 {
		value = -1
	}
	if value > 1 {
		value = 1
	}
	return contract.ScoreResult{Value: value, Success: true}, nil
}
