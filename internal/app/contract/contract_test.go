package contract

import (
	"context"
	"testing"
)

func TestFreezeFailsFastOnMissingRequiredSlot(t *testing.T) {
	r := NewRegistry()
	r.RegisterInferenceInputBuilder(func(_ []map[string]interface{}, _ map[string]interface{}) (InferenceInput, error) {
		return InferenceInput{}, nil
	})
	if err := r.Freeze(nil); err == nil {
		t.Fatalf("expected Freeze to fail with missing required slots")
	}
}

func TestFreezeAppliesDefaultAggregateSnapshot(t *testing.T) {
	r := fullyRegistered()
	if err := r.Freeze(nil); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	if r.AggregateSnapshot() == nil {
		t.Fatalf("expected default AggregateSnapshot to be applied")
	}
}

func TestRegisterAfterFreezePanics(t *testing.T) {
	r := fullyRegistered()
	if err := r.Freeze(nil); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic when registering after freeze")
		}
	}()
	r.RegisterMetric("late", func(context.Context, MetricsContext) (float64, error) { return 0, nil })
}

func fullyRegistered() *Registry {
	r := NewRegistry()
	r.RegisterInferenceInputBuilder(func(_ []map[string]interface{}, _ map[string]interface{}) (InferenceInput, error) {
		return InferenceInput{}, nil
	})
	r.RegisterInferenceOutputValidator(func(InferenceOutput) error { return nil })
	r.RegisterScoringFunction(func(InferenceOutput, map[string]interface{}) (ScoreResult, error) {
		return ScoreResult{Success: true}, nil
	})
	r.RegisterResolveGroundTruth(func(map[string]interface{}, []map[string]interface{}) (map[string]interface{}, error) {
		return nil, nil
	})
	return r
}

func TestDefaultBuildEmissionSumsToOneBillion(t *testing.T) {
	ranked := make([]RankedModel, 7)
	for i := range ranked {
		ranked[i] = RankedModel{ModelID: string(rune('a' + i)), Rank: i + 1}
	}
	result, err := DefaultBuildEmission(context.Background(), ranked, TimePeriod{})
	if err != nil {
		t.Fatalf("build emission: %v", err)
	}
	var total int64
	for _, v := range result.CruncherRewards {
		total += v
	}
	if total != frac64Denominator {
		t.Fatalf("expected total of %d, got %d", frac64Denominator, total)
	}
}

func TestDefaultBuildEmissionTopTierRankOne(t *testing.T) {
	ranked := make([]RankedModel, 12)
	for i := range ranked {
		ranked[i] = RankedModel{ModelID: string(rune('a' + i)), Rank: i + 1}
	}
	result, err := DefaultBuildEmission(context.Background(), ranked, TimePeriod{})
	if err != nil {
		t.Fatalf("build emission: %v", err)
	}
	if result.CruncherRewards["a"] != 350_000_000 {
		t.Fatalf("expected rank 1 to receive 350_000_000 with a full field, got %d", result.CruncherRewards["a"])
	}
	if _, ok := result.CruncherRewards["l"]; ok && result.CruncherRewards["l"] != 0 {
		t.Fatalf("expected rank >10 to receive no share")
	}
}
