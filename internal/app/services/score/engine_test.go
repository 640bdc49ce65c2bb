package score

import (
	"context"
	"testing"
	"time"

	"github.com/crunchdao/coordinator-node-starter/internal/app/contract"
	"github.com/crunchdao/coordinator-node-starter/internal/app/contract/builtin"
	core "github.com/crunchdao/coordinator-node-starter/internal/app/core/service"
	domainfeed "github.com/crunchdao/coordinator-node-starter/internal/app/domain/feed"
	"github.com/crunchdao/coordinator-node-starter/internal/app/domain/predict"
	domainscore "github.com/crunchdao/coordinator-node-starter/internal/app/domain/score"
	"github.com/crunchdao/coordinator-node-starter/internal/app/eventbus"
	"github.com/crunchdao/coordinator-node-starter/internal/app/storage/memory"
	"github.com/crunchdao/coordinator-node-starter/pkg/logger"
)

func testRegistry() *contract.Registry {
	r := contract.NewRegistry()
	r.RegisterInferenceInputBuilder(builtin.NumericScalarInferenceInputBuilder)
	r.RegisterInferenceOutputValidator(builtin.NumericScalarOutputValidator)
	r.RegisterScoringFunction(builtin.NumericScalarScoringFunction)
	r.RegisterResolveGroundTruth(builtin.NumericScalarResolveGroundTruth)
	builtin.RegisterDefaultMetrics(r)
	builtin.RegisterDefaultEnsembleStrategies(r)
	return r
}

var testScope = domainfeed.Scope{Source: "test", Subject: "BTC-USD", Kind: "price", Granularity: "1m"}

// seedPendingInput creates a RECEIVED Input, a feed record at closeAt
// carrying the actual close, and one PENDING Prediction per modelID, wired
// so phaseScorePredictions (Phase B) can pick them up once Phase A resolves
// the input.
func seedPendingInput(t *testing.T, store *memory.Store, cfg predict.ScheduledPredictionConfig, closeAt time.Time, lastClose, actual float64, modelIDs []string, predictedByModel map[string]float64) predict.Input {
	t.Helper()
	ctx := context.Background()

	in, err := store.CreateInput(ctx, predict.Input{
		ConfigID:        cfg.ID,
		Scope:           map[string]interface{}{"source": testScope.Source, "subject": testScope.Subject},
		RawInputPayload: map[string]interface{}{"closes": []float64{lastClose}},
		PerformedAt:     closeAt,
		ResolvableAt:    closeAt,
		Status:          predict.InputReceived,
	})
	if err != nil {
		t.Fatalf("seed input: %v", err)
	}

	if err := store.UpsertRecords(ctx, []domainfeed.Record{
		{Scope: testScope, TsEvent: closeAt, Payload: map[string]interface{}{"close": actual}},
	}); err != nil {
		t.Fatalf("seed feed record: %v", err)
	}

	for _, modelID := range modelIDs {
		if _, err := store.CreatePrediction(ctx, predict.Prediction{
			ModelID:         modelID,
			InputID:         in.ID,
			ConfigID:        cfg.ID,
			Scope:           in.Scope,
			InferenceOutput: map[string]interface{}{"prediction": predictedByModel[modelID]},
			Status:          predict.PredictionPending,
		}); err != nil {
			t.Fatalf("seed prediction for %s: %v", modelID, err)
		}
	}
	return in
}

func testConfig() predict.ScheduledPredictionConfig {
	return predict.ScheduledPredictionConfig{
		ID:       "cfg-1",
		ScopeKey: "btc-1m",
		ScopeTemplate: predict.ScopeTemplate{
			Source: testScope.Source, Subject: testScope.Subject, Kind: testScope.Kind, Granularity: testScope.Granularity,
		},
		Schedule: predict.Schedule{Kind: predict.ScheduleEverySeconds, EverySeconds: 60},
		Active:   true,
	}
}

func newTestEngine(t *testing.T, store *memory.Store, cfg Config) *Engine {
	t.Helper()
	return New(cfg, testRegistry(), store, store, store, store, eventbus.New(), logger.NewDefault("test"), core.NoopObservationHooks)
}

func TestRunTickResolvesScoresAndSnapshots(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	cfg := testConfig()
	if _, err := store.UpsertConfig(ctx, cfg); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	if _, err := store.UpsertModel(ctx, domainscore.Model{ID: "model-a", Name: "a"}); err != nil {
		t.Fatalf("seed model: %v", err)
	}

	now := time.Now().UTC()
	closeAt := now.Add(-time.Minute)
	seedPendingInput(t, store, cfg, closeAt, 100.0, 102.0, []string{"model-a"}, map[string]float64{"model-a": 101.5})

	engine := newTestEngine(t, store, Config{
		MetricsWindow: time.Hour,
		Metrics:       []string{"ic", "hit_rate", "mean_return"},
		RankingKey:    "mean",
	})

	report, err := engine.RunTick(ctx, now)
	if err != nil {
		t.Fatalf("RunTick: %v", err)
	}
	if report.ResolvedCount != 1 {
		t.Fatalf("expected 1 resolved input, got %d", report.ResolvedCount)
	}
	if report.ScoredCount != 1 {
		t.Fatalf("expected 1 scored prediction, got %d", report.ScoredCount)
	}
	if report.SnapshotCount != 1 {
		t.Fatalf("expected 1 snapshot, got %d", report.SnapshotCount)
	}
	if report.CycleID == "" {
		t.Fatalf("expected a cycle to be committed")
	}

	snap, err := store.LatestSnapshotByModel(ctx, "model-a")
	if err != nil {
		t.Fatalf("fetch snapshot: %v", err)
	}
	if snap.PredictionCount != 1 {
		t.Fatalf("expected snapshot prediction_count 1, got %d", snap.PredictionCount)
	}
	if snap.ContentHash == "" {
		t.Fatalf("expected a content hash")
	}

	lb, err := store.LatestLeaderboard(ctx)
	if err != nil {
		t.Fatalf("fetch leaderboard: %v", err)
	}
	if len(lb.Entries) != 1 || lb.Entries[0].ModelID != "model-a" {
		t.Fatalf("expected one leaderboard entry for model-a, got %+v", lb.Entries)
	}
}

func TestRunTickStaleInputFailsPendingPredictions(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	cfg := testConfig()
	if _, err := store.UpsertConfig(ctx, cfg); err != nil {
		t.Fatalf("seed config: %v", err)
	}

	old := time.Now().UTC().Add(-48 * time.Hour)
	in, err := store.CreateInput(ctx, predict.Input{
		ConfigID: cfg.ID, Scope: map[string]interface{}{}, RawInputPayload: map[string]interface{}{},
		PerformedAt: old, ResolvableAt: old, Status: predict.InputReceived,
	})
	if err != nil {
		t.Fatalf("seed input: %v", err)
	}
	if _, err := store.CreatePrediction(ctx, predict.Prediction{
		ModelID: "model-a", InputID: in.ID, ConfigID: cfg.ID, Status: predict.PredictionPending,
		InferenceOutput: map[string]interface{}{"prediction": 1.0},
	}); err != nil {
		t.Fatalf("seed prediction: %v", err)
	}

	engine := newTestEngine(t, store, Config{
		InputResolutionTTL: time.Hour,
		MetricsWindow:      time.Hour,
	})

	report, err := engine.RunTick(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("RunTick: %v", err)
	}
	if report.ResolvedCount != 1 {
		t.Fatalf("expected the stale input to resolve, got %d", report.ResolvedCount)
	}
	if report.ScoredCount != 0 {
		t.Fatalf("expected no successfully scored predictions, got %d", report.ScoredCount)
	}

	preds, err := store.ListPredictionsByInput(ctx, in.ID)
	if err != nil {
		t.Fatalf("list predictions: %v", err)
	}
	if len(preds) != 1 || preds[0].Status != predict.PredictionFailed {
		t.Fatalf("expected the prediction to fail for missing ground truth, got %+v", preds)
	}
}

func TestRunTickBuildsEnsembleAcrossTwoModels(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	cfg := testConfig()
	if _, err := store.UpsertConfig(ctx, cfg); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	for _, id := range []string{"model-a", "model-b"} {
		if _, err := store.UpsertModel(ctx, domainscore.Model{ID: id, Name: id}); err != nil {
			t.Fatalf("seed model %s: %v", id, err)
		}
	}

	now := time.Now().UTC()
	closeAt := now.Add(-time.Minute)
	seedPendingInput(t, store, cfg, closeAt, 100.0, 103.0, []string{"model-a", "model-b"}, map[string]float64{
		"model-a": 102.0,
		"model-b": 104.0,
	})

	engine := newTestEngine(t, store, Config{
		MetricsWindow: time.Hour,
		Metrics:       []string{"ic", "fnc", "contribution"},
		RankingKey:    "mean",
		Ensembles: []EnsembleConfig{
			{Name: "main", Strategy: "equal_weight"},
		},
	})

	report, err := engine.RunTick(ctx, now)
	if err != nil {
		t.Fatalf("RunTick: %v", err)
	}
	if report.EnsembleCount != 1 {
		t.Fatalf("expected 1 ensemble prediction, got %d", report.EnsembleCount)
	}
	// real models + ensemble model = 3 snapshots
	if report.SnapshotCount != 3 {
		t.Fatalf("expected 3 snapshots (2 real + 1 ensemble), got %d", report.SnapshotCount)
	}

	ensembleSnap, err := store.LatestSnapshotByModel(ctx, "__ensemble_main__")
	if err != nil {
		t.Fatalf("fetch ensemble snapshot: %v", err)
	}
	if ensembleSnap.PredictionCount != 1 {
		t.Fatalf("expected ensemble snapshot prediction_count 1, got %d", ensembleSnap.PredictionCount)
	}

	ensembleModel, err := store.GetModel(ctx, "__ensemble_main__")
	if err != nil {
		t.Fatalf("fetch ensemble model: %v", err)
	}
	if !ensembleModel.IsEnsemble {
		t.Fatalf("expected ensemble model to be flagged IsEnsemble")
	}
}

func TestRunTickChainsCycleRootAcrossTicks(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	cfg := testConfig()
	if _, err := store.UpsertConfig(ctx, cfg); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	if _, err := store.UpsertModel(ctx, domainscore.Model{ID: "model-a", Name: "a"}); err != nil {
		t.Fatalf("seed model: %v", err)
	}

	engine := newTestEngine(t, store, Config{MetricsWindow: time.Hour, Metrics: []string{"ic"}, RankingKey: "mean"})

	now := time.Now().UTC()
	seedPendingInput(t, store, cfg, now.Add(-10*time.Minute), 100.0, 101.0, []string{"model-a"}, map[string]float64{"model-a": 100.5})
	firstReport, err := engine.RunTick(ctx, now.Add(-9*time.Minute))
	if err != nil {
		t.Fatalf("first RunTick: %v", err)
	}
	firstCycle, err := store.GetCycle(ctx, firstReport.CycleID)
	if err != nil {
		t.Fatalf("fetch first cycle: %v", err)
	}
	if firstCycle.PreviousCycleRoot != "" {
		t.Fatalf("expected the first cycle to have no previous root")
	}

	seedPendingInput(t, store, cfg, now.Add(-1*time.Minute), 101.0, 103.0, []string{"model-a"}, map[string]float64{"model-a": 102.5})
	secondReport, err := engine.RunTick(ctx, now)
	if err != nil {
		t.Fatalf("second RunTick: %v", err)
	}
	secondCycle, err := store.GetCycle(ctx, secondReport.CycleID)
	if err != nil {
		t.Fatalf("fetch second cycle: %v", err)
	}
	if secondCycle.PreviousCycleID != firstCycle.ID {
		t.Fatalf("expected second cycle to chain from first: got previous_cycle_id=%q want %q", secondCycle.PreviousCycleID, firstCycle.ID)
	}
	if secondCycle.ChainedRoot == firstCycle.ChainedRoot {
		t.Fatalf("expected distinct chained roots across ticks")
	}
}
