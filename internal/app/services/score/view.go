package score

import (
	"github.com/crunchdao/coordinator-node-starter/internal/app/contract"
	"github.com/crunchdao/coordinator-node-starter/internal/app/domain/predict"
)

// predictionView derives the contract.PredictionView every metric operates
// on from a scored Prediction and its parent Input. The numeric-scalar
// contract shape (internal/app/contract/builtin) exposes a "prediction"
// field against a window whose last element is the reference close; Signal
// and RealizedReturn are both expressed as returns relative to that close so
// metrics compare like-for-like instead of mixing price levels with scores.
// Contract shapes that don't publish a "closes" series fall back to the
// prediction's own Score.Value for both fields: IC degenerates to a
// self-correlation and hit_rate/mean_return degenerate to the score's own
// sign, which is a defined (if uninformative) result rather than a failure.
func predictionView(p predict.Prediction, in predict.Input) contract.PredictionView {
	success := p.Score != nil && p.Score.Success

	if lastClose, ok := referenceClose(in); ok && lastClose != 0 {
		predicted, predictedOK := numericField(p.InferenceOutput, "prediction")
		actual, actualOK := numericField(in.Actuals, "close")
		if predictedOK && actualOK {
			return contract.PredictionView{
				Signal:         (predicted - lastClose) / lastClose,
				RealizedReturn: (actual - lastClose) / lastClose,
				Success:        success,
			}
		}
	}

	var value float64
	if p.Score != nil {
		value = p.Score.Value
	}
	return contract.PredictionView{Signal: value, RealizedReturn: value, Success: success}
}

// referenceClose reads the last element of the input's "closes" series,
// tolerating both the []float64 shape a builder produces directly and the
// []interface{} shape a JSON round-trip through Postgres storage leaves it in.
func referenceClose(in predict.Input) (float64, bool) {
	raw, ok := in.RawInputPayload["closes"]
	if !ok {
		return 0, false
	}
	switch closes := raw.(type) {
	case []float64:
		if len(closes) == 0 {
			return 0, false
		}
		return closes[len(closes)-1], true
	case []interface{}:
		if len(closes) == 0 {
			return 0, false
		}
		last, ok := closes[len(closes)-1].(float64)
		return last, ok
	default:
		return 0, false
	}
}

func numericField(m map[string]interface{}, key string) (float64, bool) {
	if m == nil {
		return 0, false
	}
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}
