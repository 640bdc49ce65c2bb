package predict

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/crunchdao/coordinator-node-starter/internal/app/contract"
	"github.com/crunchdao/coordinator-node-starter/internal/app/contract/builtin"
	core "github.com/crunchdao/coordinator-node-starter/internal/app/core/service"
	domainfeed "github.com/crunchdao/coordinator-node-starter/internal/app/domain/feed"
	"github.com/crunchdao/coordinator-node-starter/internal/app/domain/predict"
	"github.com/crunchdao/coordinator-node-starter/internal/app/eventbus"
	"github.com/crunchdao/coordinator-node-starter/internal/app/storage/memory"
	"github.com/crunchdao/coordinator-node-starter/pkg/logger"
)

func newRegistry() *contract.Registry {
	r := contract.NewRegistry()
	r.RegisterInferenceInputBuilder(builtin.NumericScalarInferenceInputBuilder)
	r.RegisterInferenceOutputValidator(builtin.NumericScalarOutputValidator)
	r.RegisterScoringFunction(builtin.NumericScalarScoringFunction)
	r.RegisterResolveGroundTruth(builtin.NumericScalarResolveGroundTruth)
	return r
}

func testConfig() predict.ScheduledPredictionConfig {
	return predict.ScheduledPredictionConfig{
		ID:       "cfg-1",
		ScopeKey: "btc-1m",
		ScopeTemplate: predict.ScopeTemplate{
			Source: "test", Subject: "BTC-USD", Kind: "price", Granularity: "1m",
			HorizonSeconds: 60, LookbackSeconds: 3600,
		},
		Schedule: predict.Schedule{Kind: predict.ScheduleEverySeconds, EverySeconds: 60},
		Active:   true,
	}
}

func seedFeed(t *testing.T, store *memory.Store, cfg predict.ScheduledPredictionConfig, now time.Time) {
	t.Helper()
	records := []domainfeed.Record{
		{Scope: feedScopeFor(cfg), TsEvent: now.Add(-2 * time.Minute), Payload: map[string]interface{}{"close": 100.0}},
		{Scope: feedScopeFor(cfg), TsEvent: now.Add(-1 * time.Minute), Payload: map[string]interface{}{"close": 101.0}},
	}
	if err := store.UpsertRecords(context.Background(), records); err != nil {
		t.Fatalf("seed feed: %v", err)
	}
}

type okClient struct{}

func (okClient) Tick(context.Context) error { return nil }
func (okClient) Predict(context.Context, contract.InferenceInput) (contract.InferenceOutput, error) {
	return contract.InferenceOutput{builtin.PredictionField: 101.5}, nil
}

type failClient struct{ err error }

func (c failClient) Tick(context.Context) error { return nil }
func (c failClient) Predict(context.Context, contract.InferenceInput) (contract.InferenceOutput, error) {
	return nil, c.err
}

type slowClient struct{ delay time.Duration }

func (c slowClient) Tick(context.Context) error { return nil }
func (c slowClient) Predict(ctx context.Context, _ contract.InferenceInput) (contract.InferenceOutput, error) {
	select {
	case <-time.After(c.delay):
		return contract.InferenceOutput{builtin.PredictionField: 1.0}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestRunCycleSkipsOnEmptyFeedWindow(t *testing.T) {
	store := memory.New()
	runner := NewRunner(16, 3, 3, eventbus.New(), logger.NewDefault("test"))
	o := New(Config{}, newRegistry(), store, store, runner, eventbus.New(), logger.NewDefault("test"), core.ObservationHooks{})

	report, err := o.RunCycle(context.Background(), testConfig(), time.Now().UTC())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if !report.Skipped {
		t.Fatalf("expected cycle to be skipped on empty feed window")
	}
}

func TestRunCycleCommitsInputAloneWithNoLiveModels(t *testing.T) {
	store := memory.New()
	now := time.Now().UTC()
	cfg := testConfig()
	seedFeed(t, store, cfg, now)
	runner := NewRunner(16, 3, 3, eventbus.New(), logger.NewDefault("test"))
	o := New(Config{}, newRegistry(), store, store, runner, eventbus.New(), logger.NewDefault("test"), core.ObservationHooks{})

	report, err := o.RunCycle(context.Background(), cfg, now)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if report.Skipped || report.InputID == "" {
		t.Fatalf("expected input to be persisted even with no live models: %#v", report)
	}
	if report.PredictionCount != 0 {
		t.Fatalf("expected zero predictions, got %d", report.PredictionCount)
	}
}

func TestRunCycleClassifiesPerModelOutcomes(t *testing.T) {
	store := memory.New()
	now := time.Now().UTC()
	cfg := testConfig()
	seedFeed(t, store, cfg, now)

	bus := eventbus.New()
	runner := NewRunner(16, 1, 1, bus, logger.NewDefault("test"))
	runner.Register("good", okClient{})
	runner.Register("bad", failClient{err: errors.New("boom")})

	o := New(Config{DefaultPredictTimeout: 200 * time.Millisecond}, newRegistry(), store, store, runner, bus, logger.NewDefault("test"), core.ObservationHooks{})

	report, err := o.RunCycle(context.Background(), cfg, now)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if report.PredictionCount != 2 {
		t.Fatalf("expected 2 predictions, got %d", report.PredictionCount)
	}
	if report.FailedCount != 1 {
		t.Fatalf("expected 1 failed prediction, got %d", report.FailedCount)
	}

	predictions, err := store.ListPredictionsByInput(context.Background(), report.InputID)
	if err != nil {
		t.Fatalf("list predictions: %v", err)
	}
	if len(predictions) != 2 {
		t.Fatalf("expected 2 persisted predictions, got %d", len(predictions))
	}

	// The failing model should now be quarantined (threshold=1).
	if _, ok := runner.Client("bad"); ok {
		t.Fatalf("expected failing model to be quarantined")
	}
	if _, ok := runner.Client("good"); !ok {
		t.Fatalf("expected succeeding model to remain live")
	}
}

func TestRunCycleMarksTimeoutOnSlowModel(t *testing.T) {
	store := memory.New()
	now := time.Now().UTC()
	cfg := testConfig()
	seedFeed(t, store, cfg, now)

	runner := NewRunner(16, 3, 3, eventbus.New(), logger.NewDefault("test"))
	runner.Register("slow", slowClient{delay: 100 * time.Millisecond})

	o := New(Config{DefaultPredictTimeout: 10 * time.Millisecond}, newRegistry(), store, store, runner, eventbus.New(), logger.NewDefault("test"), core.ObservationHooks{})

	report, err := o.RunCycle(context.Background(), cfg, now)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if report.FailedCount != 1 {
		t.Fatalf("expected the timed-out model to be classified failed, got %#v", report)
	}

	predictions, _ := store.ListPredictionsByInput(context.Background(), report.InputID)
	if len(predictions) != 1 || predictions[0].Score == nil || predictions[0].Score.FailedReason != "timeout" {
		t.Fatalf("expected timeout failed_reason, got %#v", predictions)
	}
}
