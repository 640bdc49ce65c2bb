package builtin

import (
	"encoding/json"
	"fmt"

	"github.com/PaesslerAG/jsonpath"

	"github.com/crunchdao/coordinator-node-starter/internal/app/contract"
)

// FieldPaths configures a ConfiguredInferenceInputBuilder / ConfiguredResolveGroundTruth
// pair by JSONPath, for competitions whose feed payloads don't follow the
// numeric-scalar shape's flat payload.close convention. The paths are
// supplied in Go code; the coordinator's configuration carries no
// field-path settings.
type FieldPaths struct {
	// WindowFields maps the InferenceInput key to a JSONPath evaluated
	// against each record of the raw feed window.
	WindowFields map[string]string
	// ActualPath is the JSONPath evaluated against the last record of the
	// resolution feed window to produce the ground truth value.
	ActualPath string
}

// ConfiguredInferenceInputBuilder returns an InferenceInputBuilder that
// extracts one series per configured field via JSONPath, rather than the
// numeric-scalar default's fixed payload.close lookup.
func ConfiguredInferenceInputBuilder(paths FieldPaths) contract.InferenceInputBuilder {
	return func(rawFeedWindow []map[string]interface{}, scope map[string]interface{}) (contract.InferenceInput, error) {
		series := make(map[string][]interface{}, len(paths.WindowFields))
		for field := range paths.WindowFields {
			series[field] = make([]interface{}, 0, len(rawFeedWindow))
		}

		for _, rec := range rawFeedWindow {
			doc, err := toJSONPathDoc(rec)
			if err != nil {
				return nil, err
			}
			for field, path := range paths.WindowFields {
				value, err := jsonpath.Get(path, doc)
				if err != nil {
					continue
				}
				series[field] = append(series[field], value)
			}
		}

		input := contract.InferenceInput{"scope": scope}
		for field, values := range series {
			input[field] = values
		}
		return input, nil
	}
}

// ConfiguredResolveGroundTruth returns a ResolveGroundTruth that reads the
// configured JSONPath off the last record of the resolution feed window.
func ConfiguredResolveGroundTruth(paths FieldPaths) contract.ResolveGroundTruth {
	return func(_ map[string]interface{}, feedWindow []map[string]interface{}) (map[string]interface{}, error) {
		if len(feedWindow) == 0 || paths.ActualPath == "" {
			return nil, nil
		}
		doc, err := toJSONPathDoc(feedWindow[len(feedWindow)-1])
		if err != nil {
			return nil, err
		}
		value, err := jsonpath.Get(paths.ActualPath, doc)
		if err != nil {
			return nil, nil
		}
		return map[string]interface{}{ActualField: value}, nil
	}
}

// toJSONPathDoc round-trips a feed record through JSON so jsonpath.Get
// operates on the same map[string]interface{}/[]interface{} shape it
// expects, regardless of the concrete struct the caller passed in.
func toJSONPathDoc(rec map[string]interface{}) (interface{}, error) {
	blob, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal feed record: %w", err)
	}
	var doc interface{}
	if err := json.Unmarshal(blob, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal feed record: %w", err)
	}
	return doc, nil
}
