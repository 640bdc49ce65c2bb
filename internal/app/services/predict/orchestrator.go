// Package predict implements the Predict Orchestrator: it fires scheduled
// prediction cycles, fans each one out to every live model with strict
// per-model timeouts, classifies outcomes, and commits the Input plus all
// Predictions for a cycle atomically.
package predict

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crunchdao/coordinator-node-starter/internal/app/contract"
	core "github.com/crunchdao/coordinator-node-starter/internal/app/core/service"
	domainfeed "github.com/crunchdao/coordinator-node-starter/internal/app/domain/feed"
	"github.com/crunchdao/coordinator-node-starter/internal/app/domain/predict"
	"github.com/crunchdao/coordinator-node-starter/internal/app/eventbus"
	"github.com/crunchdao/coordinator-node-starter/internal/app/storage"
	"github.com/crunchdao/coordinator-node-starter/pkg/logger"
)

// Config controls default timeouts and window sizing shared across configs.
type Config struct {
	DefaultPredictTimeout time.Duration
	DefaultTickTimeout    time.Duration
	MaxWindowRecords      int
}

// Orchestrator runs one RunCycle per active ScheduledPredictionConfig per
// tick; the caller (a scheduler loop) guarantees at most one call per config
// per fired `now`.
type Orchestrator struct {
	cfg      Config
	registry *contract.Registry
	feed     storage.FeedStore
	store    storage.PredictStore
	runner   *Runner
	bus      *eventbus.Bus
	log      *logger.Logger
	hooks    core.ObservationHooks
}

// New builds an Orchestrator.
func New(cfg Config, registry *contract.Registry, feed storage.FeedStore, store storage.PredictStore, runner *Runner, bus *eventbus.Bus, log *logger.Logger, hooks core.ObservationHooks) *Orchestrator {
	if cfg.DefaultPredictTimeout <= 0 {
		cfg.DefaultPredictTimeout = time.Second
	}
	if cfg.DefaultTickTimeout <= 0 {
		cfg.DefaultTickTimeout = 50 * time.Second
	}
	if cfg.MaxWindowRecords <= 0 {
		cfg.MaxWindowRecords = 10_000
	}
	return &Orchestrator{cfg: cfg, registry: registry, feed: feed, store: store, runner: runner, bus: bus, log: log, hooks: hooks}
}

func (o *Orchestrator) Name() string { return "predict-orchestrator" }

func (o *Orchestrator) Descriptor() core.Descriptor {
	return core.Descriptor{Name: o.Name(), Domain: "predict", Layer: core.LayerEngine}.
		WithCapabilities("fan-out", "quarantine")
}

// RunCycle implements the Predict Orchestrator's per-config cycle algorithm
// (build input, fan out to live models, classify outcomes, commit).
func (o *Orchestrator) RunCycle(ctx context.Context, cfg predict.ScheduledPredictionConfig, now time.Time) (predict.CycleReport, error) {
	report := predict.CycleReport{ConfigID: cfg.ID, FiredAt: now}
	meta := map[string]string{"config_id": cfg.ID}
	complete := core.StartObservation(ctx, o.hooks, meta)
	var cycleErr error
	defer func() { complete(cycleErr) }()

	scope := scopeFor(cfg)
	feedScope := feedScopeFor(cfg)
	lookback := time.Duration(cfg.ScopeTemplate.LookbackSeconds) * time.Second
	if lookback <= 0 {
		lookback = time.Hour
	}

	records, err := o.feed.ListRecords(ctx, feedScope, now.Add(-lookback), now, o.cfg.MaxWindowRecords)
	if err != nil {
		cycleErr = fmt.Errorf("predict: fetch feed window: %w", err)
		o.log.WithField("config_id", cfg.ID).WithField("err", cycleErr).Error("predict cycle failed")
		return report, cycleErr
	}
	if len(records) == 0 {
		report.Skipped = true
		report.SkipReason = "empty feed window"
		o.log.WithField("config_id", cfg.ID).Info("predict cycle skipped: empty feed window")
		return report, nil
	}

	input, err := o.registry.InferenceInputBuilder()(toRawWindow(records), scope)
	if err != nil {
		cycleErr = fmt.Errorf("predict: build inference input: %w", err)
		return report, cycleErr
	}

	in := predict.Input{
		ID:              uuid.NewString(),
		ConfigID:        cfg.ID,
		Scope:           scope,
		RawInputPayload: map[string]interface{}(input),
		PerformedAt:     now,
		ResolvableAt:    now.Add(time.Duration(cfg.ScopeTemplate.HorizonSeconds) * time.Second),
		Status:          predict.InputReceived,
	}

	liveIDs := o.runner.Live()
	var predictions []predict.Prediction
	if len(liveIDs) > 0 {
		predictions = o.fanOut(ctx, cfg, in, liveIDs)
	}

	if cycleErr = o.commit(ctx, in, predictions); cycleErr != nil {
		return report, cycleErr
	}

	report.InputID = in.ID
	report.PredictionCount = len(predictions)
	for _, p := range predictions {
		switch p.Status {
		case predict.PredictionAbsent:
			report.AbsentCount++
		case predict.PredictionFailed:
			report.FailedCount++
		}
	}
	return report, nil
}

// commit persists the Input and every Prediction in a single transaction:
// either all of this cycle's rows land, or none do.
func (o *Orchestrator) commit(ctx context.Context, in predict.Input, predictions []predict.Prediction) error {
	return o.store.WithTx(ctx, func(ctx context.Context) error {
		if _, err := o.store.CreateInput(ctx, in); err != nil {
			return fmt.Errorf("predict: persist input: %w", err)
		}
		for _, p := range predictions {
			if _, err := o.store.CreatePrediction(ctx, p); err != nil {
				return fmt.Errorf("predict: persist prediction %s: %w", p.ModelID, err)
			}
		}
		return nil
	})
}

// fanOut concurrently invokes every live model with one slot per model — no
// cross-model locking or shared queue — and collects each outcome.
func (o *Orchestrator) fanOut(ctx context.Context, cfg predict.ScheduledPredictionConfig, in predict.Input, modelIDs []string) []predict.Prediction {
	predictTimeout := o.cfg.DefaultPredictTimeout
	if cfg.PredictTimeoutMS > 0 {
		predictTimeout = time.Duration(cfg.PredictTimeoutMS) * time.Millisecond
	}
	tickTimeout := o.cfg.DefaultTickTimeout
	if cfg.TickTimeoutMS > 0 {
		tickTimeout = time.Duration(cfg.TickTimeoutMS) * time.Millisecond
	}

	results := make([]predict.Prediction, len(modelIDs))
	var wg sync.WaitGroup
	wg.Add(len(modelIDs))
	for i, modelID := range modelIDs {
		go func(i int, modelID string) {
			defer wg.Done()
			results[i] = o.invokeModel(ctx, cfg, in, modelID, tickTimeout, predictTimeout, cfg.TickTimeoutMS > 0)
		}(i, modelID)
	}
	wg.Wait()
	return results
}

func (o *Orchestrator) invokeModel(ctx context.Context, cfg predict.ScheduledPredictionConfig, in predict.Input, modelID string, tickTimeout, predictTimeout time.Duration, requiresPriming bool) predict.Prediction {
	client, ok := o.runner.Client(modelID)
	if !ok {
		// Evicted mid-call or never registered: no response is possible.
		return o.newPrediction(cfg, in, modelID, predict.PredictionAbsent, "", 0)
	}

	if requiresPriming {
		tctx, cancel := context.WithTimeout(ctx, tickTimeout)
		err := client.Tick(tctx)
		cancel()
		if err != nil {
			o.runner.RecordOutcome(ctx, modelID, outcomeFailure)
			return o.newPrediction(cfg, in, modelID, predict.PredictionFailed, "tick failed: "+err.Error(), 0)
		}
	}

	pctx, cancel := context.WithTimeout(ctx, predictTimeout)
	start := time.Now()
	output, err := client.Predict(pctx, contract.InferenceInput(in.RawInputPayload))
	elapsed := time.Since(start)
	cancel()

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		o.runner.RecordOutcome(ctx, modelID, outcomeTimeout)
		return o.newPrediction(cfg, in, modelID, predict.PredictionFailed, "timeout", elapsed)
	case err != nil:
		o.runner.RecordOutcome(ctx, modelID, outcomeFailure)
		return o.newPrediction(cfg, in, modelID, predict.PredictionFailed, err.Error(), elapsed)
	}

	if verr := o.registry.InferenceOutputValidator()(output); verr != nil {
		o.runner.RecordOutcome(ctx, modelID, outcomeFailure)
		return o.newPrediction(cfg, in, modelID, predict.PredictionFailed, "invalid output: "+verr.Error(), elapsed)
	}

	o.runner.RecordOutcome(ctx, modelID, outcomeSuccess)
	p := o.newPrediction(cfg, in, modelID, predict.PredictionPending, "", elapsed)
	p.InferenceOutput = map[string]interface{}(output)
	return p
}

func (o *Orchestrator) newPrediction(cfg predict.ScheduledPredictionConfig, in predict.Input, modelID string, status predict.PredictionStatus, failedReason string, execTime time.Duration) predict.Prediction {
	p := predict.Prediction{
		ID:         uuid.NewString(),
		ModelID:    modelID,
		InputID:    in.ID,
		ConfigID:   cfg.ID,
		Scope:      in.Scope,
		ExecTimeUS: execTime.Microseconds(),
		Status:     status,
	}
	if failedReason != "" {
		p.Score = &predict.Score{Success: false, FailedReason: failedReason}
	}
	return p
}

func scopeFor(cfg predict.ScheduledPredictionConfig) map[string]interface{} {
	return map[string]interface{}{
		"scope_key":       cfg.ScopeKey,
		"subject":         cfg.ScopeTemplate.Subject,
		"horizon_seconds": cfg.ScopeTemplate.HorizonSeconds,
		"step_seconds":    cfg.ScopeTemplate.StepSeconds,
	}
}

func feedScopeFor(cfg predict.ScheduledPredictionConfig) domainfeed.Scope {
	return domainfeed.Scope{
		Source:      cfg.ScopeTemplate.Source,
		Subject:     cfg.ScopeTemplate.Subject,
		Kind:        cfg.ScopeTemplate.Kind,
		Granularity: cfg.ScopeTemplate.Granularity,
	}
}

// toRawWindow shapes stored feed records into the plain
// []map[string]interface{} window InferenceInputBuilder/ResolveGroundTruth
// callables expect, round-tripping through JSON so nested payload fields are
// addressable the same way for both the gjson- and jsonpath-based builtins.
func toRawWindow(records []domainfeed.Record) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(records))
	for _, rec := range records {
		blob, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		var m map[string]interface{}
		if err := json.Unmarshal(blob, &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out
}
